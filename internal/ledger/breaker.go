package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBreakerOpen is returned while the breaker fast-fails ledger calls.
var ErrBreakerOpen = errors.New("ledger: circuit breaker is open")

// BreakerState is the circuit state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerOptions tune when the breaker opens and probes again.
type BreakerOptions struct {
	MaxFailures   int
	ResetTimeout  time.Duration
	OnStateChange func(state BreakerState)
}

// Breaker guards a latency-prone ledger. After MaxFailures consecutive
// transport errors it fails fast until ResetTimeout passes, then lets one
// call through as a probe. Other callers keep failing fast until the probe
// reports back.
type Breaker struct {
	inner  Client
	opts   BreakerOptions
	logger zerolog.Logger
	now    func() time.Time

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	trialing bool
}

// NewBreaker wraps inner.
func NewBreaker(inner Client, opts BreakerOptions, logger zerolog.Logger) *Breaker {
	if opts.MaxFailures <= 0 {
		opts.MaxFailures = 5
	}
	if opts.ResetTimeout <= 0 {
		opts.ResetTimeout = 30 * time.Second
	}
	return &Breaker{
		inner:  inner,
		opts:   opts,
		logger: logger.With().Str("component", "ledger_breaker").Logger(),
		now:    time.Now,
	}
}

// Unwrap returns the guarded client.
func (b *Breaker) Unwrap() Client { return b.inner }

// State reports the current circuit state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Mode() Mode { return b.inner.Mode() }

func (b *Breaker) IsAvailable(ctx context.Context) bool {
	if !b.allow() {
		return false
	}
	ok := b.inner.IsAvailable(ctx)
	if ok {
		b.onSuccess()
	} else {
		b.onFailure(ErrUnavailable)
	}
	return ok
}

func (b *Breaker) GetData(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		value, err = b.inner.GetData(ctx, key)
		return err
	})
	return value, err
}

func (b *Breaker) SetData(ctx context.Context, key string, value []byte) (Receipt, error) {
	var receipt Receipt
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		receipt, err = b.inner.SetData(ctx, key, value)
		return err
	})
	return receipt, err
}

// CompareAndSwap forwards to the inner client; callers check AsSwapper first.
func (b *Breaker) CompareAndSwap(ctx context.Context, key string, old, value []byte) (Receipt, bool, error) {
	sw, ok := b.inner.(Swapper)
	if !ok {
		return Receipt{}, false, errors.New("ledger: backend has no conditional write")
	}
	var (
		receipt Receipt
		swapped bool
	)
	err := b.execute(ctx, func(ctx context.Context) error {
		var err error
		receipt, swapped, err = sw.CompareAndSwap(ctx, key, old, value)
		return err
	})
	return receipt, swapped, err
}

func (b *Breaker) execute(ctx context.Context, op func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrBreakerOpen
	}
	err := op(ctx)
	switch {
	case err == nil, errors.Is(err, ErrReadOnly):
		b.onSuccess()
	case errors.Is(err, context.Canceled):
		// caller gave up; says nothing about the backend
		b.endTrial()
	default:
		b.onFailure(err)
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.trialing {
			return false
		}
	default:
		if b.now().Sub(b.openedAt) < b.opts.ResetTimeout {
			return false
		}
		b.setStateLocked(BreakerHalfOpen)
	}
	b.trialing = true
	return true
}

func (b *Breaker) endTrial() {
	b.mu.Lock()
	b.trialing = false
	b.mu.Unlock()
}

func (b *Breaker) onSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trialing = false
	if b.state != BreakerClosed {
		b.setStateLocked(BreakerClosed)
	}
}

func (b *Breaker) onFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.trialing = false
	b.logger.Warn().Err(err).Int("failures", b.failures).Msg("ledger call failed")
	if b.state == BreakerHalfOpen || b.failures >= b.opts.MaxFailures {
		b.openedAt = b.now()
		if b.state != BreakerOpen {
			b.setStateLocked(BreakerOpen)
		}
	}
}

func (b *Breaker) setStateLocked(state BreakerState) {
	from := b.state
	b.state = state
	b.logger.Info().Str("from", from.String()).Str("to", state.String()).Msg("breaker state changed")
	if b.opts.OnStateChange != nil {
		b.opts.OnStateChange(state)
	}
}

var (
	_ Client  = (*Breaker)(nil)
	_ Swapper = (*Breaker)(nil)
)
