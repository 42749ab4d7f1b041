package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opd-ai/wasession/crypto"
)

func initCmd() *cobra.Command {
	var prekeys int
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create credentials and one-time pre-keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			if missing := prekeys - st.PreKeyCount(); missing > 0 {
				if _, err := st.GeneratePreKeys(cmd.Context(), missing); err != nil {
					return err
				}
			}
			fmt.Printf("Registration ID: %d\n", st.RegistrationID())
			fmt.Printf("Pre-keys:        %d\n", st.PreKeyCount())
			fmt.Printf("Fingerprint:     %s\n", crypto.Fingerprint(st.Identity().Public))
			if acct := st.Account(); acct != nil {
				fmt.Printf("Linked to:       %s\n", acct.Address().JID())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&prekeys, "prekeys", 0, "ensure at least this many local one-time pre-keys")
	return cmd
}
