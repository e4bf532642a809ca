package storage

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exchange-risk-ledger/internal/config"
	"exchange-risk-ledger/internal/events"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	store, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "journal", "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteAppendAndList(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, phase := range []events.Phase{events.PhasePending, events.PhaseSuccess} {
		rec, err := store.AppendEvent(ctx, events.Event{
			Action:     events.ActionCreate,
			Phase:      phase,
			Message:    "Exchange Data Encrypted & Stored",
			RecordID:   "1740830400000-abc123def",
			RecordName: "Alpha",
			RiskScore:  8,
			Liquidity:  12.5,
			At:         base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.Positive(t, rec.ID)
	}

	got, err := store.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, string(events.PhaseSuccess), got[0].Phase)
	assert.Equal(t, string(events.PhasePending), got[1].Phase)
	assert.True(t, decimal.RequireFromString("12.5").Equal(got[0].Liquidity))
	assert.Equal(t, base.Add(time.Second), got[0].OccurredAt)

	ev := got[0].Event()
	assert.Equal(t, events.ActionCreate, ev.Action)
	assert.Equal(t, "Alpha", ev.RecordName)
	assert.Equal(t, 12.5, ev.Liquidity)
}

func TestSQLiteDeleteEventsBefore(t *testing.T) {
	ctx := context.Background()
	store := openTestSQLite(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		_, err := store.AppendEvent(ctx, events.Event{Action: events.ActionVerify, Phase: events.PhaseSuccess, Message: "ok", At: base.AddDate(0, 0, i)})
		require.NoError(t, err)
	}

	n, err := store.DeleteEventsBefore(ctx, base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	left, err := store.ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestSQLiteClosed(t *testing.T) {
	store := openTestSQLite(t)
	require.NoError(t, store.Close())
	_, err := store.ListRecentEvents(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestOpenSelectsDriver(t *testing.T) {
	ctx := context.Background()
	journal, err := Open(ctx, config.DatabaseConfig{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "e.db")}, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	_, err = Open(ctx, config.DatabaseConfig{Driver: "mysql"}, zerolog.Nop())
	assert.Error(t, err)
}

func TestPostgresWithoutPool(t *testing.T) {
	store := NewPostgres(nil)
	_, err := store.AppendEvent(context.Background(), events.Event{})
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, _, err = store.TryAdvisoryLock(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.NoError(t, store.Close())
}

type fakeLocker struct {
	freeAfter int32
	calls     atomic.Int32
	released  atomic.Int32
	err       error
}

func (f *fakeLocker) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if f.err != nil {
		return nil, false, f.err
	}
	if f.calls.Add(1) < f.freeAfter {
		return nil, false, nil
	}
	return func() { f.released.Add(1) }, true, nil
}

func TestAdvisoryLockPollsUntilAcquired(t *testing.T) {
	locker := &fakeLocker{freeAfter: 3}
	lock := NewAdvisoryLock(locker, 42, time.Millisecond, zerolog.Nop())

	release, err := lock.Acquire(context.Background())
	require.NoError(t, err)
	release()
	assert.EqualValues(t, 3, locker.calls.Load())
	assert.EqualValues(t, 1, locker.released.Load())
}

func TestAdvisoryLockHonoursContext(t *testing.T) {
	locker := &fakeLocker{freeAfter: 1 << 30}
	lock := NewAdvisoryLock(locker, 42, 5*time.Millisecond, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := lock.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAdvisoryLockPropagatesErrors(t *testing.T) {
	boom := errors.New("connection refused")
	_, err := NewAdvisoryLock(&fakeLocker{err: boom}, 1, 0, zerolog.Nop()).Acquire(context.Background())
	assert.ErrorIs(t, err, boom)
}

type failingJournal struct {
	Journal
	err error
}

func (f failingJournal) AppendEvent(context.Context, events.Event) (EventRecord, error) {
	return EventRecord{}, f.err
}

func TestPublisherAppendsEvents(t *testing.T) {
	store := openTestSQLite(t)
	pub := NewPublisher(store, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, pub.Publish(ctx, events.Event{Action: events.ActionReject, Phase: events.PhaseError, Message: "boom"}))

	got, err := store.ListRecentEvents(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "boom", got[0].Message)

	boom := errors.New("disk full")
	err = NewPublisher(failingJournal{err: boom}, zerolog.Nop()).Publish(context.Background(), events.Event{})
	assert.ErrorIs(t, err, boom)
}
