package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryRoundTripAndAbsence(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryOptions{Mode: ModeSigner})

	value, err := m.GetData(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	receipt, err := m.SetData(ctx, "k", []byte("v"))
	require.NoError(t, err)
	assert.Equal(t, "k", receipt.Key)
	assert.NotEmpty(t, receipt.TxHash)

	value, err = m.GetData(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)
}

func TestMemoryReadOnlyView(t *testing.T) {
	ctx := context.Background()
	signer := NewMemory(MemoryOptions{Mode: ModeSigner})
	reader := signer.View(MemoryOptions{Mode: ModeReadOnly})

	_, err := reader.SetData(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, ErrReadOnly)

	_, err = signer.SetData(ctx, "k", []byte("v"))
	require.NoError(t, err)

	value, err := reader.GetData(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	wrapped := ReadOnlyView(signer)
	assert.Equal(t, ModeReadOnly, wrapped.Mode())
	_, err = wrapped.SetData(ctx, "k", []byte("x"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestMemoryCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryOptions{Mode: ModeSigner})

	_, swapped, err := m.CompareAndSwap(ctx, "k", nil, []byte("a"))
	require.NoError(t, err)
	assert.True(t, swapped)

	_, swapped, err = m.CompareAndSwap(ctx, "k", nil, []byte("b"))
	require.NoError(t, err)
	assert.False(t, swapped, "stale expectation must not overwrite")

	_, swapped, err = m.CompareAndSwap(ctx, "k", []byte("a"), []byte("b"))
	require.NoError(t, err)
	assert.True(t, swapped)

	value, _ := m.GetData(ctx, "k")
	assert.Equal(t, []byte("b"), value)
}

func TestMemoryHooksAndAvailability(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	m := NewMemory(MemoryOptions{Mode: ModeSigner, Hooks: Hooks{
		BeforeSet: func(ctx context.Context, key string) error { return boom },
	}})

	_, err := m.SetData(ctx, "k", []byte("v"))
	assert.ErrorIs(t, err, boom)

	assert.True(t, m.IsAvailable(ctx))
	m.SetAvailable(false)
	assert.False(t, m.IsAvailable(ctx))
}

func TestAsSwapper(t *testing.T) {
	m := NewMemory(MemoryOptions{Mode: ModeSigner})
	_, ok := AsSwapper(m)
	assert.True(t, ok)

	_, ok = AsSwapper(NewBreaker(m, BreakerOptions{}, zerolog.Nop()))
	assert.True(t, ok)

	_, ok = AsSwapper(NewProbeCache(ReadOnlyView(m), time.Second))
	assert.False(t, ok, "wrapping a client without conditional writes must not advertise one")
}

func TestKeyspaceValidate(t *testing.T) {
	assert.NoError(t, DefaultKeyspace().Validate())
	assert.Equal(t, "exchange:abc", DefaultKeyspace().RecordKey("abc"))

	assert.Error(t, Keyspace{IndexKey: "exchange:keys", RecordPrefix: "exchange:"}.Validate())
	assert.Error(t, Keyspace{IndexKey: "", RecordPrefix: "x"}.Validate())
	assert.Error(t, Keyspace{IndexKey: "x", RecordPrefix: ""}.Validate())
}

func TestLevelDBRoundTripAndSwap(t *testing.T) {
	ctx := context.Background()
	db, err := OpenLevelDB(filepath.Join(t.TempDir(), "ledger"), ModeSigner, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	assert.True(t, db.IsAvailable(ctx))

	value, err := db.GetData(ctx, "missing")
	require.NoError(t, err)
	assert.Empty(t, value)

	_, err = db.SetData(ctx, "k", []byte("v1"))
	require.NoError(t, err)

	_, swapped, err := db.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"))
	require.NoError(t, err)
	assert.False(t, swapped)

	_, swapped, err = db.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, swapped)

	value, err = db.GetData(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)

	require.NoError(t, db.Close())
	assert.False(t, db.IsAvailable(ctx))
}

func TestLevelDBReadOnlyMode(t *testing.T) {
	db, err := OpenLevelDB(filepath.Join(t.TempDir(), "ledger"), ModeReadOnly, zerolog.Nop())
	require.NoError(t, err)
	defer db.Close()

	_, err = db.SetData(context.Background(), "k", []byte("v"))
	assert.ErrorIs(t, err, ErrReadOnly)
}

func TestBreakerOpensAndRecovers(t *testing.T) {
	ctx := context.Background()
	var failing atomic.Bool
	failing.Store(true)
	boom := errors.New("rpc timeout")
	m := NewMemory(MemoryOptions{Mode: ModeSigner, Hooks: Hooks{
		BeforeGet: func(ctx context.Context, key string) error {
			if failing.Load() {
				return boom
			}
			return nil
		},
	}})

	var states []BreakerState
	b := NewBreaker(m, BreakerOptions{MaxFailures: 2, ResetTimeout: time.Minute, OnStateChange: func(s BreakerState) {
		states = append(states, s)
	}}, zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	_, err := b.GetData(ctx, "k")
	assert.ErrorIs(t, err, boom)
	_, err = b.GetData(ctx, "k")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, BreakerOpen, b.State())

	_, err = b.GetData(ctx, "k")
	assert.ErrorIs(t, err, ErrBreakerOpen)
	assert.False(t, b.IsAvailable(ctx))

	failing.Store(false)
	now = now.Add(2 * time.Minute)
	_, err = b.GetData(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, []BreakerState{BreakerOpen, BreakerHalfOpen, BreakerClosed}, states)
}

func TestBreakerHalfOpenAdmitsSingleCaller(t *testing.T) {
	ctx := context.Background()
	var (
		failing atomic.Bool
		calls   atomic.Int32
	)
	failing.Store(true)
	entered := make(chan struct{})
	release := make(chan struct{})
	m := NewMemory(MemoryOptions{Mode: ModeSigner, Hooks: Hooks{
		BeforeGet: func(ctx context.Context, key string) error {
			if failing.Load() {
				return errors.New("rpc timeout")
			}
			calls.Add(1)
			close(entered)
			<-release
			return nil
		},
	}})
	b := NewBreaker(m, BreakerOptions{MaxFailures: 1, ResetTimeout: time.Minute}, zerolog.Nop())
	var mu sync.Mutex
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	_, err := b.GetData(ctx, "k")
	require.Error(t, err)
	require.Equal(t, BreakerOpen, b.State())

	failing.Store(false)
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	firstErr := make(chan error, 1)
	go func() {
		_, err := b.GetData(ctx, "k")
		firstErr <- err
	}()
	<-entered
	assert.Equal(t, BreakerHalfOpen, b.State())

	var wg sync.WaitGroup
	rejected := make([]error, 4)
	for i := range rejected {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, rejected[i] = b.GetData(ctx, "k")
		}(i)
	}
	wg.Wait()
	for _, err := range rejected {
		assert.ErrorIs(t, err, ErrBreakerOpen)
	}
	assert.False(t, b.IsAvailable(ctx))

	close(release)
	require.NoError(t, <-firstErr)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerCanceledTrialReleasesSlot(t *testing.T) {
	var failing atomic.Bool
	failing.Store(true)
	m := NewMemory(MemoryOptions{Mode: ModeSigner, Hooks: Hooks{
		BeforeGet: func(ctx context.Context, key string) error {
			if failing.Load() {
				return errors.New("rpc timeout")
			}
			return ctx.Err()
		},
	}})
	b := NewBreaker(m, BreakerOptions{MaxFailures: 1, ResetTimeout: time.Minute}, zerolog.Nop())
	now := time.Unix(1_700_000_000, 0)
	b.now = func() time.Time { return now }

	_, err := b.GetData(context.Background(), "k")
	require.Error(t, err)
	failing.Store(false)
	now = now.Add(2 * time.Minute)

	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.GetData(canceled, "k")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, BreakerHalfOpen, b.State())

	_, err = b.GetData(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, BreakerClosed, b.State())
}

type countingClient struct {
	Client
	probes atomic.Int32
}

func (c *countingClient) IsAvailable(ctx context.Context) bool {
	c.probes.Add(1)
	return c.Client.IsAvailable(ctx)
}

func TestProbeCacheMemoisesPositiveProbes(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(MemoryOptions{Mode: ModeSigner})
	counting := &countingClient{Client: m}
	p := NewProbeCache(counting, time.Minute)

	assert.True(t, p.IsAvailable(ctx))
	assert.True(t, p.IsAvailable(ctx))
	assert.EqualValues(t, 1, counting.probes.Load())

	p.Invalidate()
	m.SetAvailable(false)
	assert.False(t, p.IsAvailable(ctx))
	assert.False(t, p.IsAvailable(ctx))
	assert.EqualValues(t, 3, counting.probes.Load(), "negative probes are never cached")
}

func TestEthereumMissingConfig(t *testing.T) {
	eth, err := NewEthereum(EthereumOptions{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ModeReadOnly, eth.Mode())

	_, err = eth.GetData(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, eth.IsAvailable(context.Background()))

	_, err = eth.SetData(context.Background(), "k", nil)
	assert.ErrorIs(t, err, ErrReadOnly)

	eth, err = NewEthereum(EthereumOptions{RPCURL: "http://localhost:8545"}, zerolog.Nop())
	require.NoError(t, err)
	_, err = eth.GetData(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotConfigured, "missing contract address must be reported")
}

func TestEthereumSignerNeedsChainID(t *testing.T) {
	const key = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

	_, err := NewEthereum(EthereumOptions{PrivateKey: key}, zerolog.Nop())
	assert.Error(t, err)

	eth, err := NewEthereum(EthereumOptions{PrivateKey: "0x" + key, ChainID: 1337}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, ModeSigner, eth.Mode())
	assert.NotEqual(t, [20]byte{}, [20]byte(eth.Address()))

	_, err = NewEthereum(EthereumOptions{PrivateKey: "zz", ChainID: 1}, zerolog.Nop())
	assert.Error(t, err)
}
