package records

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-risk-ledger/internal/codec"
	"exchange-risk-ledger/internal/index"
	"exchange-risk-ledger/internal/ledger"
	"exchange-risk-ledger/internal/ledger/mocks"
	"exchange-risk-ledger/internal/model"
)

type skipCounter struct {
	mu      sync.Mutex
	reasons map[string]int
	loads   int
}

func (c *skipCounter) Load(time.Duration, int) {
	c.mu.Lock()
	c.loads++
	c.mu.Unlock()
}

func (c *skipCounter) LoadSkipped(reason string) {
	c.mu.Lock()
	if c.reasons == nil {
		c.reasons = map[string]int{}
	}
	c.reasons[reason]++
	c.mu.Unlock()
}

func clock(start time.Time) func() time.Time {
	var n atomic.Int64
	return func() time.Time {
		return start.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func newSessionStore(t *testing.T, mem *ledger.Memory, opts Options) *Store {
	t.Helper()
	if opts.Now == nil {
		opts.Now = clock(time.Unix(1_700_000_000, 0))
	}
	s := NewStore(mem.View(ledger.MemoryOptions{Mode: ledger.ModeReadOnly}), opts, zerolog.Nop())
	require.NoError(t, s.Attach(mem))
	return s
}

func putRecord(t *testing.T, mem *ledger.Memory, rec model.Record) {
	t.Helper()
	payload, err := codec.EncodeRecord(rec)
	require.NoError(t, err)
	mem.Put(ledger.DefaultKeyspace().RecordKey(rec.ID), payload)
}

func TestCreateThenLoadIsPending(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	s := newSessionStore(t, mem, Options{})

	created, err := s.Create(ctx, NewRecord{Name: "Alpha", Liquidity: 50, RiskScore: 8, Payload: "ENC-1"})
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, created.Status)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, created, loaded[0])
	assert.Equal(t, "ENC-1", loaded[0].EncryptedPayload)
	assert.Equal(t, loaded, s.Records())
}

func TestSetStatusKeepsOtherFields(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	s := newSessionStore(t, mem, Options{})

	created, err := s.Create(ctx, NewRecord{Name: "Beta", Liquidity: 12.5, RiskScore: 3, Payload: "p"})
	require.NoError(t, err)
	indexBefore, _ := mem.GetData(ctx, ledger.DefaultIndexKey)

	_, err = s.SetStatus(ctx, created.ID, model.StatusVerified)
	require.NoError(t, err)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	want := created
	want.Status = model.StatusVerified
	assert.Equal(t, want, loaded[0])

	indexAfter, _ := mem.GetData(ctx, ledger.DefaultIndexKey)
	assert.Equal(t, indexBefore, indexAfter)
}

func TestSetStatusNotFoundWritesNothing(t *testing.T) {
	ctx := context.Background()
	var writes atomic.Int32
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner, Hooks: ledger.Hooks{
		BeforeSet: func(context.Context, string) error {
			writes.Add(1)
			return nil
		},
	}})
	s := newSessionStore(t, mem, Options{})

	_, err := s.SetStatus(ctx, "nope", model.StatusVerified)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Zero(t, writes.Load())
}

func TestWritesRequireSignerSession(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	s := NewStore(mem, Options{}, zerolog.Nop())
	assert.False(t, s.Session())

	_, err := s.Create(ctx, NewRecord{Name: "x", RiskScore: 1})
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = s.SetStatus(ctx, "x", model.StatusRejected)
	assert.ErrorIs(t, err, ErrNoSession)

	assert.ErrorIs(t, s.Attach(ledger.ReadOnlyView(mem)), ErrReadOnlyClient)
	assert.False(t, s.Session())

	require.NoError(t, s.Attach(mem))
	assert.True(t, s.Session())
	s.Detach()
	assert.False(t, s.Session())
}

func TestLoadSkipsBadEntriesAndSorts(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	putRecord(t, mem, model.Record{ID: "old", Name: "Old", RiskScore: 2, CreatedAt: 100, Status: model.StatusVerified})
	putRecord(t, mem, model.Record{ID: "new", Name: "New", RiskScore: 9, CreatedAt: 300})
	putRecord(t, mem, model.Record{ID: "tie-b", Name: "TieB", RiskScore: 5, CreatedAt: 200})
	putRecord(t, mem, model.Record{ID: "tie-a", Name: "TieA", RiskScore: 5, CreatedAt: 200})
	putRecord(t, mem, model.Record{ID: "other", Name: "Moved", RiskScore: 5, CreatedAt: 50})
	mem.Put(ledger.DefaultKeyspace().RecordKey("mismatch"), mustGet(t, mem, ledger.DefaultKeyspace().RecordKey("other")))
	mem.Put(ledger.DefaultKeyspace().RecordKey("garbage"), []byte("{not json"))
	mem.Put(ledger.DefaultIndexKey, []byte(`["old","garbage","new","missing","old","tie-b","mismatch","tie-a"]`))

	obs := &skipCounter{}
	s := NewStore(mem, Options{Observer: obs}, zerolog.Nop())
	loaded, err := s.Load(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(loaded))
	for _, r := range loaded {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"new", "tie-a", "tie-b", "old"}, ids)
	assert.Equal(t, map[string]int{SkipDecode: 1, SkipMissing: 1, SkipDuplicate: 1, SkipMismatch: 1}, obs.reasons)
	assert.Equal(t, 1, obs.loads)
}

func mustGet(t *testing.T, mem *ledger.Memory, key string) []byte {
	t.Helper()
	v, err := mem.GetData(context.Background(), key)
	require.NoError(t, err)
	return v
}

func TestLoadIsIdempotent(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	s := newSessionStore(t, mem, Options{})
	for _, name := range []string{"A", "B", "C"} {
		_, err := s.Create(ctx, NewRecord{Name: name, Liquidity: 1, RiskScore: 4})
		require.NoError(t, err)
	}

	first, err := s.Load(ctx)
	require.NoError(t, err)
	second, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, second, 3)
}

func TestLoadSkipsFetchFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	good, err := codec.EncodeRecord(model.Record{ID: "b", Name: "B", RiskScore: 4, CreatedAt: 10})
	require.NoError(t, err)

	client.EXPECT().GetData(gomock.Any(), ledger.DefaultIndexKey).Return([]byte(`["a","b"]`), nil)
	client.EXPECT().GetData(gomock.Any(), "exchange:a").Return(nil, errors.New("rpc timeout"))
	client.EXPECT().GetData(gomock.Any(), "exchange:b").Return(good, nil)

	obs := &skipCounter{}
	s := NewStore(client, Options{Observer: obs}, zerolog.Nop())
	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, "b", loaded[0].ID)
	assert.Equal(t, 1, obs.reasons[SkipFetch])
}

func TestLoadIndexFailureKeepsSnapshot(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockClient(ctrl)
	good, err := codec.EncodeRecord(model.Record{ID: "a", Name: "A", RiskScore: 4, CreatedAt: 10})
	require.NoError(t, err)

	gomock.InOrder(
		client.EXPECT().GetData(gomock.Any(), ledger.DefaultIndexKey).Return([]byte(`["a"]`), nil),
		client.EXPECT().GetData(gomock.Any(), "exchange:a").Return(good, nil),
		client.EXPECT().GetData(gomock.Any(), ledger.DefaultIndexKey).Return(nil, errors.New("connection refused")),
	)

	s := NewStore(client, Options{}, zerolog.Nop())
	_, err = s.Load(context.Background())
	require.NoError(t, err)

	_, err = s.Load(context.Background())
	assert.ErrorContains(t, err, "connection refused")
	require.Len(t, s.Records(), 1)
	assert.Equal(t, "a", s.Records()[0].ID)
}

func TestCreateOrphansRecordWhenIndexWriteFails(t *testing.T) {
	ctx := context.Background()
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	failing := mem.View(ledger.MemoryOptions{Mode: ledger.ModeSigner, Hooks: ledger.Hooks{
		BeforeSet: func(_ context.Context, key string) error {
			if key == ledger.DefaultIndexKey {
				return errors.New("out of gas")
			}
			return nil
		},
	}})
	s := NewStore(mem.View(ledger.MemoryOptions{Mode: ledger.ModeReadOnly}), Options{}, zerolog.Nop())
	require.NoError(t, s.Attach(failing))

	rec, err := s.Create(ctx, NewRecord{Name: "Orphan", Liquidity: 1, RiskScore: 2})
	assert.ErrorContains(t, err, "out of gas")

	stored, err := s.Get(ctx, rec.ID)
	require.NoError(t, err, "record write is not rolled back")
	assert.Equal(t, "Orphan", stored.Name)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded)
}

func TestConcurrentCreatesCanLoseIndexEntry(t *testing.T) {
	mem := ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
	var arrived atomic.Int32
	release := make(chan struct{})
	racing := mem.View(ledger.MemoryOptions{Mode: ledger.ModeSigner, Hooks: ledger.Hooks{
		BeforeGet: func(ctx context.Context, key string) error {
			if key != ledger.DefaultIndexKey {
				return nil
			}
			n := arrived.Add(1)
			if n > 2 {
				return nil
			}
			if n == 2 {
				close(release)
			}
			select {
			case <-release:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	}})

	s := NewStore(mem.View(ledger.MemoryOptions{Mode: ledger.ModeReadOnly}), Options{IndexMode: index.ModeBlind}, zerolog.Nop())
	require.NoError(t, s.Attach(racing))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var wg sync.WaitGroup
	for _, name := range []string{"first", "second"} {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := s.Create(ctx, NewRecord{Name: name, Liquidity: 1, RiskScore: 5})
			assert.NoError(t, err)
		}(name)
	}
	wg.Wait()

	loaded, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Len(t, loaded, 1, "blind appends lose one of two racing ids")
}

func TestNewIDFormat(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	id := NewID(now)
	assert.Regexp(t, regexp.MustCompile(`^1700000000123-[0-9a-f]{9}$`), id)
	assert.NotEqual(t, id, NewID(now))
}
