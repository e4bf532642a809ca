// Package workflow runs user intents against the record store and tracks the
// transient status banner for each one.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"exchange-risk-ledger/internal/encrypt"
	"exchange-risk-ledger/internal/events"
	"exchange-risk-ledger/internal/ledger"
	"exchange-risk-ledger/internal/model"
	"exchange-risk-ledger/internal/records"
	"exchange-risk-ledger/internal/stats"
)

var (
	// ErrNoSession rejects mutating intents while no signer is attached.
	ErrNoSession = records.ErrNoSession
	// ErrInvalidSubmission rejects submissions failing client-side checks.
	ErrInvalidSubmission = errors.New("workflow: invalid submission")
	// ErrUnavailable is reported when the ledger probe fails.
	ErrUnavailable = ledger.ErrUnavailable
)

const (
	DefaultDismissAfter    = 3 * time.Second
	DefaultProcessingDelay = 2 * time.Second

	subscriberBuffer = 8
)

// ActionObserver receives action outcomes.
type ActionObserver interface {
	Action(action, phase string, duration time.Duration)
}

// Options configure a Controller. A zero ProcessingDelay disables the
// simulated compute wait.
type Options struct {
	DismissAfter    time.Duration
	ProcessingDelay time.Duration
	Publisher       events.Publisher
	Encryptor       encrypt.Encryptor
	Observer        ActionObserver
	Now             func() time.Time
}

// Submission is a create intent.
type Submission struct {
	Name      string  `json:"name"`
	Liquidity float64 `json:"liquidity"`
	RiskScore int     `json:"riskScore"`
}

// Validate applies the client-side checks run before any ledger call.
func (s Submission) Validate() error {
	switch {
	case strings.TrimSpace(s.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSubmission)
	case math.IsNaN(s.Liquidity) || math.IsInf(s.Liquidity, 0) || s.Liquidity < 0:
		return fmt.Errorf("%w: liquidity must be a non-negative number", ErrInvalidSubmission)
	case s.RiskScore < 1 || s.RiskScore > 10:
		return fmt.Errorf("%w: risk score must be between 1 and 10", ErrInvalidSubmission)
	}
	return nil
}

// View is everything a presentation layer needs.
type View struct {
	Records  []model.Record `json:"records"`
	Summary  stats.Summary  `json:"summary"`
	Status   Status         `json:"status"`
	Session  bool           `json:"session"`
	LoadedAt time.Time      `json:"loadedAt"`
}

// Controller runs intents concurrently. Each runs to completion and the most
// recent status write wins the banner.
type Controller struct {
	store  *records.Store
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	status Status
	gen    uint64
	timer  *time.Timer
	subs   map[int]chan Status
	nextID int
	closed bool
}

// New builds a controller over store.
func New(store *records.Store, opts Options, logger zerolog.Logger) *Controller {
	if opts.DismissAfter <= 0 {
		opts.DismissAfter = DefaultDismissAfter
	}
	if opts.ProcessingDelay < 0 {
		opts.ProcessingDelay = 0
	}
	if opts.Publisher == nil {
		opts.Publisher = events.Nop{}
	}
	if opts.Encryptor == nil {
		opts.Encryptor = encrypt.Placeholder{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Controller{
		store:  store,
		opts:   opts,
		logger: logger.With().Str("component", "workflow").Logger(),
		subs:   make(map[int]chan Status),
	}
}

// Create encrypts and submits a new record.
func (c *Controller) Create(ctx context.Context, sub Submission) (model.Record, error) {
	if err := c.guard(events.ActionCreate); err != nil {
		return model.Record{}, err
	}
	if err := sub.Validate(); err != nil {
		return model.Record{}, err
	}
	ctx = context.WithoutCancel(ctx)
	act := &activity{c: c, action: events.ActionCreate, recordName: sub.Name, riskScore: sub.RiskScore, liquidity: sub.Liquidity}
	c.begin(ctx, act, "Encrypting and submitting exchange record...")

	if !c.store.Available(ctx) {
		return model.Record{}, act.fail(ctx, ErrUnavailable)
	}
	payload, err := c.opts.Encryptor.Encrypt(ctx, encrypt.Fields{Name: sub.Name, Liquidity: sub.Liquidity, RiskScore: sub.RiskScore})
	if err != nil {
		return model.Record{}, act.fail(ctx, fmt.Errorf("encrypt fields: %w", err))
	}
	rec, err := c.store.Create(ctx, records.NewRecord{
		Name:      sub.Name,
		Liquidity: sub.Liquidity,
		RiskScore: sub.RiskScore,
		Payload:   payload,
	})
	act.recordID = rec.ID
	if err != nil {
		return rec, act.fail(ctx, err)
	}
	act.succeed(ctx, fmt.Sprintf("Exchange %q submitted", rec.Name))
	return rec, nil
}

// Verify marks a record verified.
func (c *Controller) Verify(ctx context.Context, id string) (model.Record, error) {
	return c.decide(ctx, events.ActionVerify, id, model.StatusVerified)
}

// Reject marks a record rejected.
func (c *Controller) Reject(ctx context.Context, id string) (model.Record, error) {
	return c.decide(ctx, events.ActionReject, id, model.StatusRejected)
}

func (c *Controller) decide(ctx context.Context, action events.Action, id string, status model.Status) (model.Record, error) {
	if err := c.guard(action); err != nil {
		return model.Record{}, err
	}
	ctx = context.WithoutCancel(ctx)
	act := &activity{c: c, action: action, recordID: id}
	c.begin(ctx, act, fmt.Sprintf("Processing %s of record %s...", action, id))

	if !c.store.Available(ctx) {
		return model.Record{}, act.fail(ctx, ErrUnavailable)
	}
	if c.opts.ProcessingDelay > 0 {
		time.Sleep(c.opts.ProcessingDelay)
	}
	rec, err := c.store.SetStatus(ctx, id, status)
	if err != nil {
		return model.Record{}, act.fail(ctx, err)
	}
	act.recordName, act.riskScore, act.liquidity = rec.Name, rec.RiskScore, rec.Liquidity
	act.succeed(ctx, fmt.Sprintf("Exchange %q %s", rec.Name, status))
	return rec, nil
}

// Refresh reloads the record set. It needs no session and leaves the banner alone.
func (c *Controller) Refresh(ctx context.Context) ([]model.Record, error) {
	return c.store.Load(ctx)
}

// Get reads one record straight from the ledger, loaded or not.
func (c *Controller) Get(ctx context.Context, id string) (model.Record, error) {
	return c.store.Get(ctx, id)
}

// Status returns the current banner.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// View assembles the derived data from the current snapshot.
func (c *Controller) View() View {
	recs := c.store.Records()
	return View{
		Records:  recs,
		Summary:  stats.Summarize(recs),
		Status:   c.Status(),
		Session:  c.store.Session(),
		LoadedAt: c.store.LoadedAt(),
	}
}

// Subscribe streams every banner change. Slow subscribers miss intermediate
// values rather than stalling the controller. Call cancel when done.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan Status, subscriberBuffer)
	if c.closed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextID
	c.nextID++
	c.subs[id] = ch
	ch <- c.status
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if sub, ok := c.subs[id]; ok {
				delete(c.subs, id)
				close(sub)
			}
		})
	}
}

// Close stops the dismiss timer and ends all subscriptions.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.timer != nil {
		c.timer.Stop()
	}
	for id, ch := range c.subs {
		delete(c.subs, id)
		close(ch)
	}
}

func (c *Controller) guard(action events.Action) error {
	if c.store.Session() {
		return nil
	}
	c.logger.Warn().Str("action", string(action)).Msg("connect a signer session before submitting or adjudicating records")
	return ErrNoSession
}

type activity struct {
	c          *Controller
	action     events.Action
	recordID   string
	recordName string
	riskScore  int
	liquidity  float64
	started    time.Time
}

func (c *Controller) begin(ctx context.Context, act *activity, msg string) {
	act.started = c.opts.Now()
	c.set(ctx, act, PhasePending, msg)
}

func (a *activity) fail(ctx context.Context, err error) error {
	a.c.logger.Error().Err(err).Str("action", string(a.action)).Str("record_id", a.recordID).Msg("action failed")
	a.c.set(ctx, a, PhaseError, err.Error())
	return fmt.Errorf("%s: %w", a.action, err)
}

func (a *activity) succeed(ctx context.Context, msg string) {
	a.c.set(ctx, a, PhaseSuccess, msg)
	if _, err := a.c.store.Load(ctx); err != nil {
		a.c.logger.Warn().Err(err).Str("action", string(a.action)).Msg("reload after success failed")
	}
}

// set replaces the banner, arms the dismiss timer for outcomes and emits the
// matching event.
func (c *Controller) set(ctx context.Context, act *activity, phase Phase, msg string) {
	now := c.opts.Now()
	st := Status{Visible: true, Phase: phase, Message: msg, Action: act.action, RecordID: act.recordID, UpdatedAt: now}

	c.mu.Lock()
	c.gen++
	gen := c.gen
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.status = st
	if st.Terminal() && !c.closed {
		c.timer = time.AfterFunc(c.opts.DismissAfter, func() { c.dismiss(gen) })
	}
	c.broadcastLocked(st)
	c.mu.Unlock()

	if c.opts.Observer != nil {
		var elapsed time.Duration
		if phase != PhasePending {
			elapsed = now.Sub(act.started)
		}
		c.opts.Observer.Action(string(act.action), string(phase), elapsed)
	}

	ev := events.Event{
		Action:     act.action,
		Phase:      phase,
		Message:    msg,
		RecordID:   act.recordID,
		RecordName: act.recordName,
		RiskScore:  act.riskScore,
		Liquidity:  act.liquidity,
		At:         now,
	}
	if err := c.opts.Publisher.Publish(ctx, ev); err != nil {
		c.logger.Warn().Err(err).Str("action", string(act.action)).Str("phase", string(phase)).Msg("publish event")
	}
}

func (c *Controller) dismiss(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.gen || c.closed {
		return
	}
	c.gen++
	c.timer = nil
	c.status = Status{UpdatedAt: c.opts.Now()}
	c.broadcastLocked(c.status)
}

func (c *Controller) broadcastLocked(st Status) {
	for _, ch := range c.subs {
		select {
		case ch <- st:
		default:
			// drop the oldest queued value so the newest always lands
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- st:
			default:
			}
		}
	}
}
