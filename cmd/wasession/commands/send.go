package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/opd-ai/wasession"
	"github.com/opd-ai/wasession/events"
)

func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <jid> <text>",
		Short: "Send a text message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withClient(ctx, func(client *wasession.Client) error {
				if err := connected(ctx, client); err != nil {
					return err
				}
				id, err := client.SendMessage(ctx, args[0], events.Text{Body: strings.Join(args[1:], " ")})
				if err != nil {
					return err
				}
				fmt.Printf("Sent %s\n", id)
				return nil
			})
		},
	}
}

func logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Unlink this device and discard its credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			return withClient(ctx, func(client *wasession.Client) error {
				if client.Store().Account() != nil {
					if err := connected(ctx, client); err != nil {
						return err
					}
				}
				if err := client.Logout(ctx); err != nil {
					return err
				}
				fmt.Println("Logged out.")
				return nil
			})
		},
	}
}
