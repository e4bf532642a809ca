package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"exchange-risk-ledger/internal/events"

	_ "modernc.org/sqlite"
)

const (
	defaultSQLiteFile = "exrisk-events.db"
	sqliteBusyMs      = 5000

	sqliteSchemaSQL = `CREATE TABLE IF NOT EXISTS workflow_events (
        id          INTEGER PRIMARY KEY AUTOINCREMENT,
        action      TEXT    NOT NULL,
        phase       TEXT    NOT NULL,
        message     TEXT    NOT NULL,
        record_id   TEXT    NOT NULL DEFAULT '',
        record_name TEXT    NOT NULL DEFAULT '',
        risk_score  INTEGER NOT NULL DEFAULT 0,
        liquidity   TEXT    NOT NULL DEFAULT '0',
        occurred_at INTEGER NOT NULL,
        created_at  INTEGER NOT NULL
    );
    CREATE INDEX IF NOT EXISTS workflow_events_occurred_idx ON workflow_events (occurred_at DESC);`

	sqliteInsertSQL = `INSERT INTO workflow_events
        (action, phase, message, record_id, record_name, risk_score, liquidity, occurred_at, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqliteListSQL = `SELECT id, action, phase, message, record_id, record_name, risk_score, liquidity, occurred_at, created_at
        FROM workflow_events
        ORDER BY occurred_at DESC, id DESC
        LIMIT ?`

	sqliteDeleteSQL = `DELETE FROM workflow_events WHERE occurred_at < ?`
)

// SQLite is a single-file journal for deployments without PostgreSQL.
type SQLite struct {
	mu   sync.Mutex
	db   *sql.DB
	file string
}

// OpenSQLite opens (creating if needed) the journal database at path.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path == "" {
		path = defaultSQLiteFile
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve db path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s", filepath.Clean(absPath)))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout=%d", sqliteBusyMs)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure journal schema: %w", err)
	}
	return &SQLite{db: db, file: absPath}, nil
}

// Path returns the absolute database file path.
func (s *SQLite) Path() string { return s.file }

// Close releases the database handle.
func (s *SQLite) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLite) handle() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotConfigured
	}
	return s.db, nil
}

// AppendEvent persists one workflow event.
func (s *SQLite) AppendEvent(ctx context.Context, ev events.Event) (EventRecord, error) {
	db, err := s.handle()
	if err != nil {
		return EventRecord{}, err
	}
	rec := recordFromEvent(ev)
	rec.CreatedAt = time.Now().UTC()
	res, err := db.ExecContext(ctx, sqliteInsertSQL,
		rec.Action,
		rec.Phase,
		rec.Message,
		rec.RecordID,
		rec.RecordName,
		rec.RiskScore,
		rec.Liquidity.String(),
		rec.OccurredAt.UnixMilli(),
		rec.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return EventRecord{}, fmt.Errorf("insert event: %w", err)
	}
	if rec.ID, err = res.LastInsertId(); err != nil {
		return EventRecord{}, fmt.Errorf("insert event id: %w", err)
	}
	rec.OccurredAt = time.UnixMilli(rec.OccurredAt.UnixMilli()).UTC()
	rec.CreatedAt = time.UnixMilli(rec.CreatedAt.UnixMilli()).UTC()
	return rec, nil
}

// ListRecentEvents lists the newest events first.
func (s *SQLite) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	db, err := s.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, sqliteListSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent events: %w", err)
	}
	defer rows.Close()

	var out []EventRecord
	for rows.Next() {
		var (
			rec                   EventRecord
			liquidity             string
			occurredMs, createdMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Phase, &rec.Message, &rec.RecordID, &rec.RecordName,
			&rec.RiskScore, &liquidity, &occurredMs, &createdMs); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if rec.Liquidity, err = decimal.NewFromString(liquidity); err != nil {
			return nil, fmt.Errorf("parse liquidity: %w", err)
		}
		rec.OccurredAt = time.UnixMilli(occurredMs).UTC()
		rec.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteEventsBefore prunes history older than olderThan.
func (s *SQLite) DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	db, err := s.handle()
	if err != nil {
		return 0, err
	}
	res, err := db.ExecContext(ctx, sqliteDeleteSQL, olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete events before: %w", err)
	}
	return res.RowsAffected()
}

var _ Journal = (*SQLite)(nil)
