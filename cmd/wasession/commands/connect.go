package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/opd-ai/wasession"
	"github.com/opd-ai/wasession/events"
)

func connectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Connect and print events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withClient(ctx, func(client *wasession.Client) error {
				ended := make(chan struct{}, 1)
				client.AddEventHandler(func(ev events.Event) {
					printEvent(ev)
					if d, ok := ev.(events.Disconnected); ok && d.Terminal {
						select {
						case ended <- struct{}{}:
						default:
						}
					}
				})
				if err := client.Connect(ctx); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
				case <-ended:
				}
				return nil
			})
		},
	}
}

func printEvent(ev events.Event) {
	switch ev := ev.(type) {
	case events.Message:
		fmt.Printf("[%s] %s: %v\n", ev.Info.Timestamp.Format("15:04:05"), ev.Info.Sender.JID(), ev.Content)
	case events.UndecryptableMessage:
		fmt.Printf("undecryptable message %s from %s: %v\n", ev.Info.ID, ev.Info.Sender.JID(), ev.Err)
	case events.Connected:
		fmt.Println("connected")
	case events.Disconnected:
		fmt.Printf("disconnected: %s (terminal=%t)\n", ev.Reason, ev.Terminal)
	case events.LoggedOut:
		fmt.Println("logged out:", ev.Reason)
	case events.OfflineSyncCompleted:
		fmt.Printf("offline sync complete, %d queued\n", ev.Count)
	default:
		logger.WithFields(logrus.Fields{
			"function": "printEvent",
			"event":    fmt.Sprintf("%T", ev),
		}).Debug("Event")
	}
}

func connected(ctx context.Context, client *wasession.Client) error {
	if err := client.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}
