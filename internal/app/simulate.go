package app

import (
	"context"
	"errors"
	"time"

	"exchange-risk-ledger/internal/alerting"
	"exchange-risk-ledger/internal/events"
)

// SimulateAlert 构造一次合成的工作流事件并走完整的告警规则与通道。
func (a *App) SimulateAlert(ctx context.Context, ev events.Event) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting is disabled")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("no alert channel configured")
	}

	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	rules := alerting.EventRules{
		MinRisk:      a.Config.Alerting.MinRisk,
		NotifyErrors: a.Config.Alerting.NotifyErrors,
		Environment:  a.Config.App.Environment,
	}
	reason := rules.Match(ev)
	if reason == "" {
		a.Logger.Info().Str("action", string(ev.Action)).Int("risk", ev.RiskScore).Msg("event does not match alert rules; nothing sent")
		return nil
	}

	return notifier.Notify(ctx, alerting.Notification{
		Event:         ev,
		Reason:        reason,
		Environment:   a.Config.App.Environment,
		AdditionalMsg: "simulated",
	})
}
