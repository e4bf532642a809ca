package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"exchange-risk-ledger/internal/events"
)

// EventRecord is a persisted workflow event.
type EventRecord struct {
	ID         int64
	Action     string
	Phase      string
	Message    string
	RecordID   string
	RecordName string
	RiskScore  int
	Liquidity  decimal.Decimal
	OccurredAt time.Time
	CreatedAt  time.Time
}

// Event converts the row back into a workflow event.
func (r EventRecord) Event() events.Event {
	liq, _ := r.Liquidity.Float64()
	return events.Event{
		Action:     events.Action(r.Action),
		Phase:      events.Phase(r.Phase),
		Message:    r.Message,
		RecordID:   r.RecordID,
		RecordName: r.RecordName,
		RiskScore:  r.RiskScore,
		Liquidity:  liq,
		At:         r.OccurredAt,
	}
}

func recordFromEvent(ev events.Event) EventRecord {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return EventRecord{
		Action:     string(ev.Action),
		Phase:      string(ev.Phase),
		Message:    ev.Message,
		RecordID:   ev.RecordID,
		RecordName: ev.RecordName,
		RiskScore:  ev.RiskScore,
		Liquidity:  decimal.NewFromFloat(ev.Liquidity),
		OccurredAt: at.UTC(),
	}
}
