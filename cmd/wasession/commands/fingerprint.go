package commands

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/wasession/crypto"
)

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint [peer-identity-hex]",
		Short: "Print the identity fingerprint, optionally combined with a peer's",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			keys := [][32]byte{st.Identity().Public}
			if len(args) == 1 {
				raw, err := hex.DecodeString(args[0])
				if err != nil {
					return fmt.Errorf("invalid peer identity: %w", err)
				}
				if len(raw) != crypto.KeySize {
					return fmt.Errorf("peer identity is %d bytes, want %d", len(raw), crypto.KeySize)
				}
				var peer [32]byte
				copy(peer[:], raw)
				keys = append(keys, peer)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", crypto.Fingerprint(keys...))
			return nil
		},
	}
}
