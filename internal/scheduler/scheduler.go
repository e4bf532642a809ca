// Package scheduler keeps the served record set fresh by reloading it on a
// fixed cadence.
package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// RefreshFunc reloads the record set.
type RefreshFunc func(ctx context.Context) error

// Options tune the refresh loop.
type Options struct {
	Interval     time.Duration
	StartupDelay time.Duration
}

// Refresher calls a RefreshFunc once at start and then every Interval.
type Refresher struct {
	opts   Options
	logger zerolog.Logger

	failures int
}

// New returns a Refresher; the interval must be positive.
func New(opts Options, logger zerolog.Logger) (*Refresher, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("refresh interval must be positive")
	}
	return &Refresher{opts: opts, logger: logger.With().Str("component", "refresher").Logger()}, nil
}

// Run blocks until ctx ends. Failed refreshes are logged and retried on the
// next tick.
func (r *Refresher) Run(ctx context.Context, refresh RefreshFunc) error {
	if r.opts.StartupDelay > 0 {
		timer := time.NewTimer(r.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	r.refresh(ctx, refresh)
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refresh(ctx, refresh)
		}
	}
}

func (r *Refresher) refresh(ctx context.Context, refresh RefreshFunc) {
	start := time.Now()
	if err := refresh(ctx); err != nil {
		if ctx.Err() != nil {
			return
		}
		r.failures++
		r.logger.Warn().Err(err).Int("consecutive_failures", r.failures).Msg("record refresh failed")
		return
	}
	if r.failures > 0 {
		r.logger.Info().Int("after_failures", r.failures).Msg("record refresh recovered")
		r.failures = 0
	}
	r.logger.Debug().Dur("took", time.Since(start)).Msg("records refreshed")
}
