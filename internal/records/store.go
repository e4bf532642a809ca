// Package records assembles the exchange record set from the ledger and
// writes new records and status changes back to it.
package records

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"exchange-risk-ledger/internal/codec"
	"exchange-risk-ledger/internal/index"
	"exchange-risk-ledger/internal/ledger"
	"exchange-risk-ledger/internal/model"
)

var (
	// ErrNotFound is returned when no record is stored under an id.
	ErrNotFound = errors.New("records: record not found")
	// ErrNoSession is returned by writes while no signer session is attached.
	ErrNoSession = errors.New("records: no signer session")
	// ErrReadOnlyClient is returned by Attach for clients that cannot sign.
	ErrReadOnlyClient = errors.New("records: session client cannot sign")
)

// Skip reasons reported to the LoadObserver.
const (
	SkipDuplicate = "duplicate"
	SkipFetch     = "fetch"
	SkipMissing   = "missing"
	SkipDecode    = "decode"
	SkipMismatch  = "id_mismatch"
)

// LoadObserver receives reload timings and per-id skips.
type LoadObserver interface {
	Load(duration time.Duration, records int)
	LoadSkipped(reason string)
}

// Options configure a Store.
type Options struct {
	Keys       ledger.Keyspace
	IndexMode  index.Mode
	MaxRetries int
	Locker     index.Locker
	Now        func() time.Time
	Observer   LoadObserver
}

// NewRecord carries the caller-supplied fields of a submission.
type NewRecord struct {
	Name      string
	Liquidity float64
	RiskScore int
	Payload   string
}

// Store is the record facade. Reads go through the read-only client; writes
// need an attached signer session.
type Store struct {
	reader ledger.Client
	keys   ledger.Keyspace
	opts   Options
	logger zerolog.Logger
	index  *index.Manager

	sessionMu   sync.RWMutex
	signer      ledger.Client
	signerIndex *index.Manager

	snapMu   sync.RWMutex
	snapshot []model.Record
	loadedAt time.Time
}

// NewStore builds a facade reading through reader.
func NewStore(reader ledger.Client, opts Options, logger zerolog.Logger) *Store {
	if opts.Keys == (ledger.Keyspace{}) {
		opts.Keys = ledger.DefaultKeyspace()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Store{
		reader:   reader,
		keys:     opts.Keys,
		opts:     opts,
		logger:   logger.With().Str("component", "records").Logger(),
		snapshot: []model.Record{},
	}
	s.index = s.newIndex(reader, logger)
	return s
}

func (s *Store) newIndex(client ledger.Client, logger zerolog.Logger) *index.Manager {
	return index.New(client, index.Options{
		Key:        s.keys.IndexKey,
		Mode:       s.opts.IndexMode,
		MaxRetries: s.opts.MaxRetries,
		Locker:     s.opts.Locker,
	}, logger)
}

// Attach installs signer as the write session, replacing any previous one.
func (s *Store) Attach(signer ledger.Client) error {
	if signer == nil || signer.Mode() != ledger.ModeSigner {
		return ErrReadOnlyClient
	}
	s.sessionMu.Lock()
	s.signer = signer
	s.signerIndex = s.newIndex(signer, s.logger)
	s.sessionMu.Unlock()
	s.logger.Info().Msg("signer session attached")
	return nil
}

// Detach drops the write session.
func (s *Store) Detach() {
	s.sessionMu.Lock()
	s.signer = nil
	s.signerIndex = nil
	s.sessionMu.Unlock()
}

// Session reports whether a signer session is attached.
func (s *Store) Session() bool {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	return s.signer != nil
}

func (s *Store) session() (ledger.Client, *index.Manager, error) {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()
	if s.signer == nil {
		return nil, nil, ErrNoSession
	}
	return s.signer, s.signerIndex, nil
}

// Available probes the signer session when one is attached, else the reader.
func (s *Store) Available(ctx context.Context) bool {
	if client, _, err := s.session(); err == nil {
		return client.IsAvailable(ctx)
	}
	return s.reader.IsAvailable(ctx)
}

// Keys returns the keyspace in use.
func (s *Store) Keys() ledger.Keyspace { return s.keys }

// Load rebuilds the snapshot from the ledger. Ids that cannot be fetched or
// decoded are logged and skipped; only an unreadable index fails the load,
// in which case the previous snapshot is kept.
func (s *Store) Load(ctx context.Context) ([]model.Record, error) {
	start := time.Now()
	ids, err := s.index.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load records: %w", err)
	}

	seen := make(map[string]struct{}, len(ids))
	loaded := make([]model.Record, 0, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			s.skip(id, SkipDuplicate, nil)
			continue
		}
		seen[id] = struct{}{}

		raw, err := s.reader.GetData(ctx, s.keys.RecordKey(id))
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("load records: %w", ctx.Err())
			}
			s.skip(id, SkipFetch, err)
			continue
		}
		if len(raw) == 0 {
			s.skip(id, SkipMissing, nil)
			continue
		}
		rec, err := codec.DecodeRecord(raw)
		if err != nil {
			s.skip(id, SkipDecode, err)
			continue
		}
		if rec.ID != id {
			s.skip(id, SkipMismatch, fmt.Errorf("stored id %q", rec.ID))
			continue
		}
		loaded = append(loaded, rec)
	}

	slices.SortFunc(loaded, func(a, b model.Record) int {
		if c := cmp.Compare(b.CreatedAt, a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	s.snapMu.Lock()
	s.snapshot = loaded
	s.loadedAt = s.opts.Now()
	s.snapMu.Unlock()

	if s.opts.Observer != nil {
		s.opts.Observer.Load(time.Since(start), len(loaded))
	}
	s.logger.Debug().Int("indexed", len(ids)).Int("loaded", len(loaded)).Msg("record set reloaded")
	return slices.Clone(loaded), nil
}

func (s *Store) skip(id, reason string, err error) {
	if s.opts.Observer != nil {
		s.opts.Observer.LoadSkipped(reason)
	}
	s.logger.Warn().Err(err).Str("id", id).Str("reason", reason).Msg("skipping indexed record")
}

// Records returns a copy of the current snapshot, newest first.
func (s *Store) Records() []model.Record {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return slices.Clone(s.snapshot)
}

// LoadedAt reports when the snapshot was last replaced.
func (s *Store) LoadedAt() time.Time {
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()
	return s.loadedAt
}

// Get reads one record through the read-only client.
func (s *Store) Get(ctx context.Context, id string) (model.Record, error) {
	return s.get(ctx, s.reader, id)
}

func (s *Store) get(ctx context.Context, client ledger.Client, id string) (model.Record, error) {
	raw, err := client.GetData(ctx, s.keys.RecordKey(id))
	if err != nil {
		return model.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	if len(raw) == 0 {
		return model.Record{}, fmt.Errorf("get record %s: %w", id, ErrNotFound)
	}
	rec, err := codec.DecodeRecord(raw)
	if err != nil {
		return model.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return rec, nil
}

// Create writes a new pending record and then appends its id to the index.
// When the append fails the record stays on the ledger unreachable from Load;
// it is not rolled back.
func (s *Store) Create(ctx context.Context, in NewRecord) (model.Record, error) {
	client, idx, err := s.session()
	if err != nil {
		return model.Record{}, err
	}

	now := s.opts.Now()
	rec := model.Record{
		ID:               NewID(now),
		Name:             in.Name,
		Liquidity:        in.Liquidity,
		RiskScore:        in.RiskScore,
		EncryptedPayload: in.Payload,
		CreatedAt:        now.Unix(),
		Status:           model.StatusPending,
	}
	payload, err := codec.EncodeRecord(rec)
	if err != nil {
		return model.Record{}, err
	}
	receipt, err := client.SetData(ctx, s.keys.RecordKey(rec.ID), payload)
	if err != nil {
		return model.Record{}, fmt.Errorf("write record %s: %w", rec.ID, err)
	}
	if err := idx.Append(ctx, rec.ID); err != nil {
		s.logger.Error().Err(err).Str("id", rec.ID).Str("tx", receipt.TxHash).Msg("record written but index append failed; record is orphaned")
		return rec, fmt.Errorf("index record %s: %w", rec.ID, err)
	}
	s.logger.Info().Str("id", rec.ID).Str("tx", receipt.TxHash).Int("risk", rec.RiskScore).Msg("record created")
	return rec, nil
}

// SetStatus rewrites the record with status changed and every other field
// kept. The index is not touched.
func (s *Store) SetStatus(ctx context.Context, id string, status model.Status) (model.Record, error) {
	client, _, err := s.session()
	if err != nil {
		return model.Record{}, err
	}
	rec, err := s.get(ctx, client, id)
	if err != nil {
		return model.Record{}, err
	}
	rec.Status = status
	payload, err := codec.EncodeRecord(rec)
	if err != nil {
		return model.Record{}, err
	}
	receipt, err := client.SetData(ctx, s.keys.RecordKey(id), payload)
	if err != nil {
		return model.Record{}, fmt.Errorf("write status %s: %w", id, err)
	}
	s.logger.Info().Str("id", id).Str("status", string(status)).Str("tx", receipt.TxHash).Msg("record status updated")
	return rec, nil
}
