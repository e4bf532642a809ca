package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"exchange-risk-ledger/internal/app"
)

var (
	listLimit  int
	listStatus string
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "Display exchange records, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if listLimit < 0 {
			return fmt.Errorf("--limit cannot be negative")
		}

		opts := app.ListOptions{
			Limit:  listLimit,
			Status: listStatus,
		}

		return getApp().List(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Display aggregate risk figures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Stats(cmd.Context(), cmd.OutOrStdout())
	},
}

func init() {
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum records to display (0 shows all)")
	listCmd.Flags().StringVar(&listStatus, "status", "", "Only show records with this status (pending, verified, rejected)")
}
