package ledger

import (
	"context"
	"errors"
	"time"
)

// CallObserver receives the duration and outcome of each ledger call.
type CallObserver interface {
	LedgerCall(op string, duration time.Duration, success bool)
}

// Observed reports every call on inner to obs.
type Observed struct {
	inner Client
	obs   CallObserver
}

// NewObserved wraps inner. A nil observer returns inner unchanged.
func NewObserved(inner Client, obs CallObserver) Client {
	if obs == nil {
		return inner
	}
	return &Observed{inner: inner, obs: obs}
}

// Unwrap returns the observed client.
func (o *Observed) Unwrap() Client { return o.inner }

func (o *Observed) Mode() Mode { return o.inner.Mode() }

func (o *Observed) IsAvailable(ctx context.Context) bool {
	start := time.Now()
	ok := o.inner.IsAvailable(ctx)
	o.obs.LedgerCall("is_available", time.Since(start), ok)
	return ok
}

func (o *Observed) GetData(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	value, err := o.inner.GetData(ctx, key)
	o.obs.LedgerCall("get_data", time.Since(start), err == nil)
	return value, err
}

func (o *Observed) SetData(ctx context.Context, key string, value []byte) (Receipt, error) {
	start := time.Now()
	receipt, err := o.inner.SetData(ctx, key, value)
	o.obs.LedgerCall("set_data", time.Since(start), err == nil)
	return receipt, err
}

func (o *Observed) CompareAndSwap(ctx context.Context, key string, old, value []byte) (Receipt, bool, error) {
	sw, ok := o.inner.(Swapper)
	if !ok {
		return Receipt{}, false, errors.New("ledger: backend has no conditional write")
	}
	start := time.Now()
	receipt, swapped, err := sw.CompareAndSwap(ctx, key, old, value)
	o.obs.LedgerCall("compare_and_swap", time.Since(start), err == nil)
	return receipt, swapped, err
}

var (
	_ Client  = (*Observed)(nil)
	_ Swapper = (*Observed)(nil)
)
