package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"exchange-risk-ledger/internal/events"
)

var (
	simulateName   string
	simulateRisk   int
	simulateLiq    float64
	simulateFailed bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次工作流事件并触发告警",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateRisk < 1 || simulateRisk > 10 {
			return errors.New("--risk 必须在 1 到 10 之间")
		}

		ev := events.Event{
			Action:     events.ActionCreate,
			Phase:      events.PhaseSuccess,
			Message:    "simulated submission",
			RecordName: simulateName,
			RiskScore:  simulateRisk,
			Liquidity:  simulateLiq,
		}
		if simulateFailed {
			ev.Phase = events.PhaseError
			ev.Message = "simulated ledger failure"
		}
		return getApp().SimulateAlert(cmd.Context(), ev)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateName, "name", "Simulated Exchange", "交易所名称")
	simulateCmd.Flags().IntVar(&simulateRisk, "risk", 9, "风险评分 (1-10)")
	simulateCmd.Flags().Float64Var(&simulateLiq, "liquidity", 100, "流动性（百万美元）")
	simulateCmd.Flags().BoolVar(&simulateFailed, "failed", false, "模拟失败事件而非高风险提交")
}
