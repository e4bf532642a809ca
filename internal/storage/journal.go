package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"exchange-risk-ledger/internal/config"
	"exchange-risk-ledger/internal/events"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

// Journal is the append-only history of workflow events.
type Journal interface {
	AppendEvent(ctx context.Context, ev events.Event) (EventRecord, error)
	ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error)
	DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error)
	Close() error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Open connects the journal selected by cfg.Driver and ensures its schema.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger zerolog.Logger) (Journal, error) {
	switch cfg.Driver {
	case "", "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		store := NewPostgres(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, err
		}
		logger.Info().Str("driver", "postgres").Msg("event journal ready")
		return store, nil
	case "sqlite":
		store, err := OpenSQLite(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		logger.Info().Str("driver", "sqlite").Str("path", store.Path()).Msg("event journal ready")
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

const journalWriteTimeout = 5 * time.Second

// Publisher records every workflow event in a journal.
type Publisher struct {
	journal Journal
	logger  zerolog.Logger
}

// NewPublisher adapts journal to events.Publisher.
func NewPublisher(journal Journal, logger zerolog.Logger) *Publisher {
	return &Publisher{journal: journal, logger: logger.With().Str("component", "journal").Logger()}
}

func (p *Publisher) Publish(ctx context.Context, ev events.Event) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalWriteTimeout)
	defer cancel()
	rec, err := p.journal.AppendEvent(ctx, ev)
	if err != nil {
		return fmt.Errorf("journal event: %w", err)
	}
	p.logger.Debug().Int64("id", rec.ID).Str("action", rec.Action).Str("phase", rec.Phase).Msg("event journaled")
	return nil
}

var _ events.Publisher = (*Publisher)(nil)
