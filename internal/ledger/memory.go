package ledger

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Hooks intercept memory ledger calls. A non-nil error aborts the call.
type Hooks struct {
	BeforeGet func(ctx context.Context, key string) error
	BeforeSet func(ctx context.Context, key string) error
}

// MemoryOptions tune the in-process ledger.
type MemoryOptions struct {
	Mode    Mode
	Latency time.Duration
	Hooks   Hooks
}

type memoryState struct {
	mu        sync.RWMutex
	data      map[string][]byte
	seq       uint64
	available atomic.Bool
}

// Memory is an in-process ledger used by tests and demo deployments.
type Memory struct {
	state *memoryState
	opts  MemoryOptions
}

// NewMemory creates an empty, available ledger.
func NewMemory(opts MemoryOptions) *Memory {
	state := &memoryState{data: make(map[string][]byte)}
	state.available.Store(true)
	return &Memory{state: state, opts: opts}
}

// View returns a client over the same data with a different mode and hooks.
func (m *Memory) View(opts MemoryOptions) *Memory {
	return &Memory{state: m.state, opts: opts}
}

// SetAvailable flips the availability probe result.
func (m *Memory) SetAvailable(ok bool) {
	m.state.available.Store(ok)
}

// Put seeds a raw value without hooks or mode checks.
func (m *Memory) Put(key string, value []byte) {
	m.state.mu.Lock()
	m.state.data[key] = bytes.Clone(value)
	m.state.mu.Unlock()
}

func (m *Memory) Mode() Mode { return m.opts.Mode }

func (m *Memory) IsAvailable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	return m.state.available.Load()
}

func (m *Memory) GetData(ctx context.Context, key string) ([]byte, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}
	if hook := m.opts.Hooks.BeforeGet; hook != nil {
		if err := hook(ctx, key); err != nil {
			return nil, err
		}
	}
	m.state.mu.RLock()
	defer m.state.mu.RUnlock()
	return bytes.Clone(m.state.data[key]), nil
}

func (m *Memory) SetData(ctx context.Context, key string, value []byte) (Receipt, error) {
	if m.opts.Mode != ModeSigner {
		return Receipt{}, ErrReadOnly
	}
	if err := m.wait(ctx); err != nil {
		return Receipt{}, err
	}
	if hook := m.opts.Hooks.BeforeSet; hook != nil {
		if err := hook(ctx, key); err != nil {
			return Receipt{}, err
		}
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	m.state.data[key] = bytes.Clone(value)
	return m.receiptLocked(key), nil
}

func (m *Memory) CompareAndSwap(ctx context.Context, key string, old, value []byte) (Receipt, bool, error) {
	if m.opts.Mode != ModeSigner {
		return Receipt{}, false, ErrReadOnly
	}
	if err := m.wait(ctx); err != nil {
		return Receipt{}, false, err
	}
	if hook := m.opts.Hooks.BeforeSet; hook != nil {
		if err := hook(ctx, key); err != nil {
			return Receipt{}, false, err
		}
	}
	m.state.mu.Lock()
	defer m.state.mu.Unlock()
	if !bytes.Equal(m.state.data[key], old) {
		return Receipt{}, false, nil
	}
	m.state.data[key] = bytes.Clone(value)
	return m.receiptLocked(key), true, nil
}

func (m *Memory) receiptLocked(key string) Receipt {
	m.state.seq++
	return Receipt{Key: key, TxHash: fmt.Sprintf("mem-%d", m.state.seq), BlockNumber: m.state.seq}
}

func (m *Memory) wait(ctx context.Context) error {
	if m.opts.Latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(m.opts.Latency)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Client  = (*Memory)(nil)
	_ Swapper = (*Memory)(nil)
)
