package cli

import (
	"github.com/spf13/cobra"

	"exchange-risk-ledger/internal/model"
	"exchange-risk-ledger/internal/workflow"
)

var (
	submitName      string
	submitLiquidity float64
	submitRisk      int
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Encrypt and store a new exchange record",
	RunE: func(cmd *cobra.Command, args []string) error {
		sub := workflow.Submission{
			Name:      submitName,
			Liquidity: submitLiquidity,
			RiskScore: submitRisk,
		}
		if err := sub.Validate(); err != nil {
			return err
		}
		return getApp().Submit(cmd.Context(), cmd.OutOrStdout(), sub)
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify <id>",
	Short: "Mark a record verified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Decide(cmd.Context(), cmd.OutOrStdout(), args[0], model.StatusVerified)
	},
}

var rejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Mark a record rejected",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Decide(cmd.Context(), cmd.OutOrStdout(), args[0], model.StatusRejected)
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitName, "name", "", "Exchange name")
	submitCmd.Flags().Float64Var(&submitLiquidity, "liquidity", 0, "Liquidity in millions of USD")
	submitCmd.Flags().IntVar(&submitRisk, "risk", 0, "Risk score from 1 to 10")
	_ = submitCmd.MarkFlagRequired("name")
	_ = submitCmd.MarkFlagRequired("risk")
}
