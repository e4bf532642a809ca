package alerting

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"exchange-risk-ledger/internal/events"
)

const (
	ReasonHighRisk     = "high-risk submission"
	ReasonActionFailed = "action failed"
)

// EventRules decide which workflow events raise an alert.
type EventRules struct {
	MinRisk      int
	NotifyErrors bool
	Environment  string
}

// Match returns the alert reason for ev, or "" when ev is not alert-worthy.
func (r EventRules) Match(ev events.Event) string {
	switch {
	case ev.Phase == events.PhaseError && r.NotifyErrors:
		return ReasonActionFailed
	case ev.Phase == events.PhaseSuccess && ev.Action == events.ActionCreate && r.MinRisk > 0 && ev.RiskScore >= r.MinRisk:
		return ReasonHighRisk
	default:
		return ""
	}
}

// EventNotifier turns matching workflow events into notifications. Delivery
// happens off the caller's goroutine so a slow channel never holds the banner.
type EventNotifier struct {
	notifier Notifier
	rules    EventRules
	logger   zerolog.Logger
	wg       sync.WaitGroup
}

// NewEventNotifier wraps notifier.
func NewEventNotifier(notifier Notifier, rules EventRules, logger zerolog.Logger) *EventNotifier {
	return &EventNotifier{
		notifier: notifier,
		rules:    rules,
		logger:   logger.With().Str("component", "alert_events").Logger(),
	}
}

func (n *EventNotifier) Publish(ctx context.Context, ev events.Event) error {
	reason := n.rules.Match(ev)
	if reason == "" {
		return nil
	}
	note := Notification{Event: ev, Reason: reason, Environment: n.rules.Environment}
	ctx = context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.notifier.Notify(ctx, note); err != nil {
			n.logger.Error().Err(err).Str("record_id", ev.RecordID).Str("reason", reason).Msg("failed to dispatch alert")
		}
	}()
	return nil
}

// Wait blocks until in-flight notifications finish.
func (n *EventNotifier) Wait() {
	n.wg.Wait()
}

var _ events.Publisher = (*EventNotifier)(nil)
