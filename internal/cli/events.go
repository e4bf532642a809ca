package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"exchange-risk-ledger/internal/app"
)

var (
	eventsLimit       int
	eventsPruneBefore time.Duration
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Display the workflow event journal",
	RunE: func(cmd *cobra.Command, args []string) error {
		if eventsLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}
		if eventsPruneBefore < 0 {
			return fmt.Errorf("--prune-older-than cannot be negative")
		}
		return getApp().Events(cmd.Context(), cmd.OutOrStdout(), app.EventsOptions{
			Limit:       eventsLimit,
			PruneBefore: eventsPruneBefore,
		})
	},
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 20, "Number of events to display")
	eventsCmd.Flags().DurationVar(&eventsPruneBefore, "prune-older-than", 0, "Delete events older than this age before listing")
}
