package ledger

import (
	"fmt"
	"strings"
)

const (
	DefaultIndexKey     = "exchange_keys"
	DefaultRecordPrefix = "exchange:"
)

// Keyspace fixes the reserved index key and the per-record key prefix.
type Keyspace struct {
	IndexKey     string
	RecordPrefix string
}

// DefaultKeyspace returns the keys used by deployed contracts.
func DefaultKeyspace() Keyspace {
	return Keyspace{IndexKey: DefaultIndexKey, RecordPrefix: DefaultRecordPrefix}
}

// RecordKey derives the ledger key of a record id.
func (k Keyspace) RecordKey(id string) string {
	return k.RecordPrefix + id
}

// Validate ensures no record key can ever equal the index key.
func (k Keyspace) Validate() error {
	if strings.TrimSpace(k.IndexKey) == "" {
		return fmt.Errorf("index key must not be empty")
	}
	if strings.TrimSpace(k.RecordPrefix) == "" {
		return fmt.Errorf("record prefix must not be empty")
	}
	if strings.HasPrefix(k.IndexKey, k.RecordPrefix) {
		return fmt.Errorf("index key %q collides with record prefix %q", k.IndexKey, k.RecordPrefix)
	}
	return nil
}
