package workflow

import (
	"time"

	"exchange-risk-ledger/internal/events"
)

// Phase aliases the event phase so banner and event log agree.
type Phase = events.Phase

const (
	PhasePending = events.PhasePending
	PhaseSuccess = events.PhaseSuccess
	PhaseError   = events.PhaseError
)

// Status is the single transient banner. Only one is visible at a time.
type Status struct {
	Visible   bool          `json:"visible"`
	Phase     Phase         `json:"phase,omitempty"`
	Message   string        `json:"message,omitempty"`
	Action    events.Action `json:"action,omitempty"`
	RecordID  string        `json:"recordId,omitempty"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Terminal reports whether the banner shows an outcome.
func (s Status) Terminal() bool {
	return s.Phase == PhaseSuccess || s.Phase == PhaseError
}
