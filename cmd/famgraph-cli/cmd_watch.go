package main

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
)

func newWatchCmd() *cobra.Command {
	var lastEventID uint64
	cmd := &cobra.Command{
		Use:   "watch <familyId>",
		Short: "Stream a family's graph changes as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			sub, err := apiClient.Changes.Subscribe(ctx, args[0], lastEventID)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer sub.Close() //nolint:errcheck // best effort on exit.

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev, ok := <-sub.Events():
					if !ok {
						return sub.Err()
					}
					if ev.Type == "reset" {
						fmt.Fprintf(os.Stderr, "stream reset: %s\n", ev.Reason)
					}
					if err := writeJSONLine(os.Stdout, ev); err != nil {
						return err
					}
				}
			}
		},
	}
	cmd.Flags().Uint64Var(&lastEventID, "after", 0, "Resume after this event ID")
	return cmd
}
