package ledger

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
	"github.com/syndtr/goleveldb/leveldb"
	ldb_opt "github.com/syndtr/goleveldb/leveldb/opt"
)

// LevelDB is an embedded single-node ledger. Writes are serialised by a
// process-local mutex, which is what makes CompareAndSwap atomic.
type LevelDB struct {
	mu     sync.Mutex
	db     *leveldb.DB
	path   string
	mode   Mode
	seq    uint64
	logger zerolog.Logger
}

// OpenLevelDB opens (creating if needed) the database directory at path.
func OpenLevelDB(path string, mode Mode, logger zerolog.Logger) (*LevelDB, error) {
	if path == "" {
		return nil, fmt.Errorf("leveldb path: %w", ErrNotConfigured)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create leveldb directory: %w", err)
	}
	db, err := leveldb.OpenFile(path, &ldb_opt.Options{ErrorIfMissing: false})
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &LevelDB{
		db:     db,
		path:   path,
		mode:   mode,
		logger: logger.With().Str("component", "ledger_leveldb").Logger(),
	}, nil
}

// Close releases the database handle.
func (l *LevelDB) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *LevelDB) Mode() Mode { return l.mode }

func (l *LevelDB) IsAvailable(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return false
	}
	if _, err := l.db.GetProperty("leveldb.num-files-at-level0"); err != nil {
		l.logger.Warn().Err(err).Msg("leveldb probe failed")
		return false
	}
	return true
}

func (l *LevelDB) GetData(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.getLocked(key)
}

func (l *LevelDB) SetData(ctx context.Context, key string, value []byte) (Receipt, error) {
	if l.mode != ModeSigner {
		return Receipt{}, ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.putLocked(key, value)
}

func (l *LevelDB) CompareAndSwap(ctx context.Context, key string, old, value []byte) (Receipt, bool, error) {
	if l.mode != ModeSigner {
		return Receipt{}, false, ErrReadOnly
	}
	if err := ctx.Err(); err != nil {
		return Receipt{}, false, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	current, err := l.getLocked(key)
	if err != nil {
		return Receipt{}, false, err
	}
	if !bytes.Equal(current, old) {
		return Receipt{}, false, nil
	}
	receipt, err := l.putLocked(key, value)
	if err != nil {
		return Receipt{}, false, err
	}
	return receipt, true, nil
}

func (l *LevelDB) getLocked(key string) ([]byte, error) {
	if l.db == nil {
		return nil, ErrUnavailable
	}
	value, err := l.db.Get([]byte(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("leveldb get %s: %w", key, err)
	}
	return value, nil
}

func (l *LevelDB) putLocked(key string, value []byte) (Receipt, error) {
	if l.db == nil {
		return Receipt{}, ErrUnavailable
	}
	if err := l.db.Put([]byte(key), value, &ldb_opt.WriteOptions{Sync: true}); err != nil {
		return Receipt{}, fmt.Errorf("leveldb put %s: %w", key, err)
	}
	l.seq++
	return Receipt{Key: key, TxHash: fmt.Sprintf("ldb-%d", l.seq), BlockNumber: l.seq}, nil
}

var (
	_ Client  = (*LevelDB)(nil)
	_ Swapper = (*LevelDB)(nil)
)
