// Package ledger defines the key/value ledger boundary and its backends.
package ledger

import (
	"context"
	"errors"
)

var (
	// ErrReadOnly is returned by SetData on clients without a signer.
	ErrReadOnly = errors.New("ledger: client is read-only")
	// ErrUnavailable indicates the backend reported itself unavailable.
	ErrUnavailable = errors.New("ledger: backend unavailable")
	// ErrNotConfigured indicates required connection settings are missing.
	ErrNotConfigured = errors.New("ledger: backend not configured")
)

// Mode distinguishes read-only clients from signer-authenticated ones.
type Mode int

const (
	ModeReadOnly Mode = iota
	ModeSigner
)

func (m Mode) String() string {
	if m == ModeSigner {
		return "signer"
	}
	return "read-only"
}

// Receipt confirms a write. Submission and finalisation are not distinguished.
type Receipt struct {
	Key         string `json:"key"`
	TxHash      string `json:"txHash,omitempty"`
	BlockNumber uint64 `json:"blockNumber,omitempty"`
}

//go:generate mockgen -destination=mocks/mock_ledger.go -package=mocks exchange-risk-ledger/internal/ledger Client

// Client is the key/value ledger contract consumed by the record store.
// Empty bytes from GetData mean the key is absent.
type Client interface {
	IsAvailable(ctx context.Context) bool
	GetData(ctx context.Context, key string) ([]byte, error)
	SetData(ctx context.Context, key string, value []byte) (Receipt, error)
	Mode() Mode
}

// Swapper is implemented by backends offering a conditional write. swapped is
// false when the stored value no longer equals old.
type Swapper interface {
	CompareAndSwap(ctx context.Context, key string, old, value []byte) (receipt Receipt, swapped bool, err error)
}

type unwrapper interface {
	Unwrap() Client
}

// AsSwapper returns c as a Swapper when c and every client it wraps support
// conditional writes.
func AsSwapper(c Client) (Swapper, bool) {
	s, ok := c.(Swapper)
	if !ok {
		return nil, false
	}
	if u, ok := c.(unwrapper); ok {
		if _, ok := AsSwapper(u.Unwrap()); !ok {
			return nil, false
		}
	}
	return s, true
}
