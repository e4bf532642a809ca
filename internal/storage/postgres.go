package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"exchange-risk-ledger/internal/events"
)

const (
	postgresSchemaSQL = `CREATE TABLE IF NOT EXISTS workflow_events (
        id          BIGSERIAL PRIMARY KEY,
        action      TEXT        NOT NULL,
        phase       TEXT        NOT NULL,
        message     TEXT        NOT NULL,
        record_id   TEXT        NOT NULL DEFAULT '',
        record_name TEXT        NOT NULL DEFAULT '',
        risk_score  INTEGER     NOT NULL DEFAULT 0,
        liquidity   NUMERIC     NOT NULL DEFAULT 0,
        occurred_at TIMESTAMPTZ NOT NULL,
        created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
    );
    CREATE INDEX IF NOT EXISTS workflow_events_occurred_idx ON workflow_events (occurred_at DESC);
    CREATE INDEX IF NOT EXISTS workflow_events_record_idx ON workflow_events (record_id);`

	insertEventSQL = `INSERT INTO workflow_events (
        action,
        phase,
        message,
        record_id,
        record_name,
        risk_score,
        liquidity,
        occurred_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    RETURNING id, created_at;`

	listRecentEventsSQL = `SELECT
        id,
        action,
        phase,
        message,
        record_id,
        record_name,
        risk_score,
        liquidity::text,
        occurred_at,
        created_at
    FROM workflow_events
    ORDER BY occurred_at DESC, id DESC
    LIMIT $1;`

	deleteEventsBeforeSQL = `DELETE FROM workflow_events WHERE occurred_at < $1;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// Postgres is the server-side event journal. It also provides the advisory
// lock used to serialise index appends across processes.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres wires a pgx pool into a journal.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Postgres) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

func (s *Postgres) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// EnsureSchema creates the journal table when missing.
func (s *Postgres) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, postgresSchemaSQL); err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	return nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Postgres) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// the session lock dies with the connection
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

// AppendEvent persists one workflow event.
func (s *Postgres) AppendEvent(ctx context.Context, ev events.Event) (EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EventRecord{}, err
	}

	rec := recordFromEvent(ev)
	row := pool.QueryRow(ctx, insertEventSQL,
		rec.Action,
		rec.Phase,
		rec.Message,
		rec.RecordID,
		rec.RecordName,
		rec.RiskScore,
		rec.Liquidity.String(),
		rec.OccurredAt,
	)
	if err := row.Scan(&rec.ID, &rec.CreatedAt); err != nil {
		return EventRecord{}, fmt.Errorf("insert event: %w", err)
	}
	return rec, nil
}

// ListRecentEvents lists the newest events first.
func (s *Postgres) ListRecentEvents(ctx context.Context, limit int) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentEventsSQL, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent events: %w", queryErr)
	}
	defer rows.Close()

	out := make([]EventRecord, 0, limit)
	for rows.Next() {
		rec, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		out = append(out, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return out, nil
}

// DeleteEventsBefore prunes history older than olderThan.
func (s *Postgres) DeleteEventsBefore(ctx context.Context, olderThan time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, deleteEventsBeforeSQL, olderThan)
	if execErr != nil {
		return 0, fmt.Errorf("delete events before: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func scanEvent(rows pgx.Rows) (EventRecord, error) {
	var (
		rec          EventRecord
		liquidityStr string
	)
	if err := rows.Scan(
		&rec.ID,
		&rec.Action,
		&rec.Phase,
		&rec.Message,
		&rec.RecordID,
		&rec.RecordName,
		&rec.RiskScore,
		&liquidityStr,
		&rec.OccurredAt,
		&rec.CreatedAt,
	); err != nil {
		return EventRecord{}, err
	}
	liquidity, err := decimal.NewFromString(liquidityStr)
	if err != nil {
		return EventRecord{}, fmt.Errorf("parse liquidity: %w", err)
	}
	rec.Liquidity = liquidity
	return rec, nil
}

var (
	_ Journal        = (*Postgres)(nil)
	_ AdvisoryLocker = (*Postgres)(nil)
)
