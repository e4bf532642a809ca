package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// AdvisoryLock blocks until a database advisory lock is held. It satisfies
// the index package's Locker.
type AdvisoryLock struct {
	locker AdvisoryLocker
	key    int64
	poll   time.Duration
	logger zerolog.Logger
}

// NewAdvisoryLock polls locker for key every poll interval.
func NewAdvisoryLock(locker AdvisoryLocker, key int64, poll time.Duration, logger zerolog.Logger) *AdvisoryLock {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	return &AdvisoryLock{
		locker: locker,
		key:    key,
		poll:   poll,
		logger: logger.With().Str("component", "index_lock").Int64("key", key).Logger(),
	}
}

// Acquire waits for the lock or for ctx to end.
func (l *AdvisoryLock) Acquire(ctx context.Context) (func(), error) {
	started := time.Now()
	for attempt := 1; ; attempt++ {
		unlock, acquired, err := l.locker.TryAdvisoryLock(ctx, l.key)
		if err != nil {
			return nil, err
		}
		if acquired {
			if attempt > 1 {
				l.logger.Debug().Int("attempts", attempt).Dur("waited", time.Since(started)).Msg("advisory lock acquired")
			}
			return unlock, nil
		}
		timer := time.NewTimer(l.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("wait for advisory lock %d: %w", l.key, ctx.Err())
		case <-timer.C:
		}
	}
}
