// Package index maintains the ordered list of record ids kept under a single
// ledger key.
package index

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"exchange-risk-ledger/internal/codec"
	"exchange-risk-ledger/internal/ledger"
)

// ErrConflict is returned when conditional appends keep losing the race.
var ErrConflict = errors.New("index: concurrent update conflict")

// Mode selects how Append guards its read-modify-write.
type Mode string

const (
	// ModeBlind reads, appends and overwrites with no concurrency control.
	// Two concurrent appends can lose one id.
	ModeBlind Mode = "blind"
	// ModeCAS writes with a conditional swap and retries on conflict.
	ModeCAS Mode = "cas"
	// ModeLock holds an external lock for the whole read-modify-write.
	ModeLock Mode = "lock"
)

// ParseMode validates a configured mode name. Empty means blind.
func ParseMode(v string) (Mode, error) {
	switch Mode(v) {
	case "", ModeBlind:
		return ModeBlind, nil
	case ModeCAS:
		return ModeCAS, nil
	case ModeLock:
		return ModeLock, nil
	default:
		return "", fmt.Errorf("unknown index mode %q", v)
	}
}

// Locker serialises appends across processes.
type Locker interface {
	Acquire(ctx context.Context) (release func(), err error)
}

// Options configure a Manager.
type Options struct {
	Key        string
	Mode       Mode
	MaxRetries int
	Locker     Locker
}

// Manager owns the index key.
type Manager struct {
	client ledger.Client
	opts   Options
	logger zerolog.Logger
}

// New builds a Manager over client.
func New(client ledger.Client, opts Options, logger zerolog.Logger) *Manager {
	if opts.Key == "" {
		opts.Key = ledger.DefaultIndexKey
	}
	if opts.Mode == "" {
		opts.Mode = ModeBlind
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	log := logger.With().Str("component", "index").Str("mode", string(opts.Mode)).Logger()
	if opts.Mode == ModeLock && opts.Locker == nil {
		log.Warn().Msg("lock mode without a locker; appends are unguarded")
	}
	return &Manager{client: client, opts: opts, logger: log}
}

// Key returns the ledger key holding the index.
func (m *Manager) Key() string { return m.opts.Key }

// Load returns the stored ids. Absent and malformed indexes both yield an
// empty list; a malformed one is logged, not returned as an error.
func (m *Manager) Load(ctx context.Context) ([]string, error) {
	_, ids, err := m.read(ctx)
	return ids, err
}

// Append adds id unless already present.
func (m *Manager) Append(ctx context.Context, id string) error {
	switch m.opts.Mode {
	case ModeCAS:
		sw, ok := ledger.AsSwapper(m.client)
		if !ok {
			return fmt.Errorf("append %s: backend has no conditional write for cas mode", id)
		}
		return m.appendSwap(ctx, sw, id)
	case ModeLock:
		if m.opts.Locker == nil {
			return m.appendBlind(ctx, id)
		}
		release, err := m.opts.Locker.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire index lock: %w", err)
		}
		defer release()
		return m.appendBlind(ctx, id)
	default:
		return m.appendBlind(ctx, id)
	}
}

func (m *Manager) appendBlind(ctx context.Context, id string) error {
	_, ids, err := m.read(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(ids, id) {
		return nil
	}
	payload, err := codec.EncodeIndex(append(ids, id))
	if err != nil {
		return err
	}
	if _, err := m.client.SetData(ctx, m.opts.Key, payload); err != nil {
		return fmt.Errorf("write index: %w", err)
	}
	m.logger.Debug().Str("id", id).Int("size", len(ids)+1).Msg("index appended")
	return nil
}

func (m *Manager) appendSwap(ctx context.Context, sw ledger.Swapper, id string) error {
	for attempt := 1; attempt <= m.opts.MaxRetries; attempt++ {
		raw, ids, err := m.read(ctx)
		if err != nil {
			return err
		}
		if slices.Contains(ids, id) {
			return nil
		}
		payload, err := codec.EncodeIndex(append(ids, id))
		if err != nil {
			return err
		}
		_, swapped, err := sw.CompareAndSwap(ctx, m.opts.Key, raw, payload)
		if err != nil {
			return fmt.Errorf("swap index: %w", err)
		}
		if swapped {
			m.logger.Debug().Str("id", id).Int("attempt", attempt).Msg("index appended")
			return nil
		}
		m.logger.Info().Str("id", id).Int("attempt", attempt).Msg("index changed underneath append; retrying")
	}
	return fmt.Errorf("append %s after %d attempts: %w", id, m.opts.MaxRetries, ErrConflict)
}

func (m *Manager) read(ctx context.Context) ([]byte, []string, error) {
	raw, err := m.client.GetData(ctx, m.opts.Key)
	if err != nil {
		return nil, nil, fmt.Errorf("read index: %w", err)
	}
	ids, err := codec.DecodeIndex(raw)
	if err != nil {
		m.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("index is malformed; treating as empty")
		return raw, []string{}, nil
	}
	return raw, ids, nil
}
