// Package events carries workflow status transitions to interested sinks.
package events

import (
	"context"
	"errors"
	"time"
)

// Phase is the outcome stage of an action.
type Phase string

const (
	PhasePending Phase = "pending"
	PhaseSuccess Phase = "success"
	PhaseError   Phase = "error"
)

// Action names a user intent that mutates the ledger.
type Action string

const (
	ActionCreate Action = "create"
	ActionVerify Action = "verify"
	ActionReject Action = "reject"
)

// Event is one status transition of one action.
type Event struct {
	Action     Action    `json:"action"`
	Phase      Phase     `json:"phase"`
	Message    string    `json:"message"`
	RecordID   string    `json:"recordId,omitempty"`
	RecordName string    `json:"recordName,omitempty"`
	RiskScore  int       `json:"riskScore,omitempty"`
	Liquidity  float64   `json:"liquidity,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher accepts events. Implementations must not block for long.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ctx context.Context, ev Event) error

func (f PublisherFunc) Publish(ctx context.Context, ev Event) error { return f(ctx, ev) }

// Fanout delivers each event to every publisher and joins their errors.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

var (
	_ Publisher = Fanout(nil)
	_ Publisher = PublisherFunc(nil)
	_ Publisher = Nop{}
)
