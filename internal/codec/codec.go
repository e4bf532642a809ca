// Package codec converts exchange records and the record index to and from
// their ledger byte representation.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"exchange-risk-ledger/internal/model"
)

// ErrDecode marks malformed ledger payloads. Callers skip the item.
var ErrDecode = errors.New("codec: malformed payload")

type wireRecord struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Liquidity     float64    `json:"liquidity"`
	RiskScore     int        `json:"riskScore"`
	EncryptedData string     `json:"encryptedData"`
	Timestamp     int64      `json:"timestamp"`
	Status        wireStatus `json:"status"`
}

// wireStatus tolerates writers that store the status as a non-string; such
// values decode as empty and fall back to pending.
type wireStatus string

func (s *wireStatus) UnmarshalJSON(data []byte) error {
	var v string
	if err := json.Unmarshal(data, &v); err != nil {
		*s = ""
		return nil
	}
	*s = wireStatus(v)
	return nil
}

// EncodeRecord serialises r.
func EncodeRecord(r model.Record) ([]byte, error) {
	status := r.Status
	if status == "" {
		status = model.StatusPending
	}
	payload, err := json.Marshal(wireRecord{
		ID:            r.ID,
		Name:          r.Name,
		Liquidity:     r.Liquidity,
		RiskScore:     r.RiskScore,
		EncryptedData: r.EncryptedPayload,
		Timestamp:     r.CreatedAt,
		Status:        wireStatus(status),
	})
	if err != nil {
		return nil, fmt.Errorf("encode record %s: %w", r.ID, err)
	}
	return payload, nil
}

// DecodeRecord parses a stored record. It never returns a partially filled
// record: on error the zero value is returned with an ErrDecode-wrapped error.
// Missing, unknown or non-string status decodes as pending; risk scores are not range-checked.
func DecodeRecord(data []byte) (model.Record, error) {
	var w wireRecord
	if err := json.Unmarshal(data, &w); err != nil {
		return model.Record{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if w.ID == "" {
		return model.Record{}, fmt.Errorf("%w: record id missing", ErrDecode)
	}
	status, _ := model.ParseStatus(string(w.Status))
	return model.Record{
		ID:               w.ID,
		Name:             w.Name,
		Liquidity:        w.Liquidity,
		RiskScore:        w.RiskScore,
		EncryptedPayload: w.EncryptedData,
		CreatedAt:        w.Timestamp,
		Status:           status,
	}, nil
}

// EncodeIndex serialises the ordered id list. A nil index encodes as [].
func EncodeIndex(ids []string) ([]byte, error) {
	if ids == nil {
		ids = []string{}
	}
	payload, err := json.Marshal(ids)
	if err != nil {
		return nil, fmt.Errorf("encode index: %w", err)
	}
	return payload, nil
}

// DecodeIndex parses the id list. Empty input and JSON null mean an empty index.
func DecodeIndex(data []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return []string{}, nil
	}
	var ids []string
	if err := json.Unmarshal(trimmed, &ids); err != nil {
		return []string{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
