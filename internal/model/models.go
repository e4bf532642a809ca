package model

import (
	"strings"
	"time"
)

// Status is the adjudication state of an exchange record.
type Status string

const (
	StatusPending  Status = "pending"
	StatusVerified Status = "verified"
	StatusRejected Status = "rejected"
)

// ParseStatus maps a stored status string to a Status. Unknown values report ok=false.
func ParseStatus(v string) (Status, bool) {
	switch Status(strings.ToLower(strings.TrimSpace(v))) {
	case StatusPending:
		return StatusPending, true
	case StatusVerified:
		return StatusVerified, true
	case StatusRejected:
		return StatusRejected, true
	default:
		return StatusPending, false
	}
}

// Record describes the risk attributes of one exchange as stored on the ledger.
type Record struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Liquidity        float64 `json:"liquidity"`
	RiskScore        int     `json:"riskScore"`
	EncryptedPayload string  `json:"encryptedPayload"`
	CreatedAt        int64   `json:"createdAt"`
	Status           Status  `json:"status"`
}

// CreatedTime returns CreatedAt as a UTC time.
func (r Record) CreatedTime() time.Time {
	return time.Unix(r.CreatedAt, 0).UTC()
}
