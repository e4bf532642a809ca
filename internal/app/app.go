package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"exchange-risk-ledger/internal/alerting"
	"exchange-risk-ledger/internal/config"
	"exchange-risk-ledger/internal/encrypt"
	"exchange-risk-ledger/internal/events"
	"exchange-risk-ledger/internal/index"
	"exchange-risk-ledger/internal/ledger"
	"exchange-risk-ledger/internal/metrics"
	"exchange-risk-ledger/internal/records"
	"exchange-risk-ledger/internal/storage"
	"exchange-risk-ledger/internal/workflow"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger

	// memory backs the in-process ledger so every runtime of one App sees
	// the same data.
	memory *ledger.Memory
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// ledgerHandles are the two views of the configured backend.
type ledgerHandles struct {
	reader ledger.Client
	signer ledger.Client
	close  func() error
}

func (a *App) openBackend() (ledger.Client, func() error, error) {
	cfg := a.Config.Ledger
	mode := ledger.ModeSigner
	if cfg.ReadOnly {
		mode = ledger.ModeReadOnly
	}
	noop := func() error { return nil }

	switch cfg.Backend {
	case "memory":
		if a.memory == nil {
			a.memory = ledger.NewMemory(ledger.MemoryOptions{Mode: ledger.ModeSigner})
		}
		return a.memory.View(ledger.MemoryOptions{Mode: mode}), noop, nil
	case "leveldb":
		db, err := ledger.OpenLevelDB(cfg.LevelDB.Path, mode, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	case "ethereum":
		eth, err := ledger.NewEthereum(ledger.EthereumOptions{
			RPCURL:          cfg.Ethereum.RPCURL,
			ContractAddress: cfg.Ethereum.ContractAddress,
			PrivateKey:      cfg.Ethereum.PrivateKey,
			ChainID:         cfg.Ethereum.ChainID,
			GasLimit:        cfg.Ethereum.GasLimit,
			Timeout:         cfg.Ethereum.RequestTimeout,
			ConfirmTimeout:  cfg.Ethereum.ConfirmTimeout,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return eth, eth.Close, nil
	case "fabric":
		fab, err := ledger.NewFabric(ledger.FabricOptions{
			ConfigPath: cfg.Fabric.ConfigPath,
			WalletPath: cfg.Fabric.WalletPath,
			Identity:   cfg.Fabric.Identity,
			MSPID:      cfg.Fabric.MSPID,
			CertPath:   cfg.Fabric.CertPath,
			KeyPath:    cfg.Fabric.KeyPath,
			Channel:    cfg.Fabric.Channel,
			Contract:   cfg.Fabric.Contract,
		}, a.Logger)
		if err != nil {
			return nil, nil, err
		}
		return fab, fab.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported ledger backend %q", cfg.Backend)
	}
}

// openLedger decorates the backend with call metrics, the circuit breaker and
// the availability cache, innermost first.
func (a *App) openLedger(m *metrics.Metrics) (*ledgerHandles, error) {
	base, closer, err := a.openBackend()
	if err != nil {
		return nil, err
	}
	if a.Config.Ledger.ReadOnly {
		// ethereum and fabric sign whenever they hold a key
		base = ledger.ReadOnlyView(base)
	}

	client := ledger.NewObserved(base, m)
	if a.Config.Ledger.Breaker.Enabled {
		target := a.Config.Ledger.Backend
		client = ledger.NewBreaker(client, ledger.BreakerOptions{
			MaxFailures:  a.Config.Ledger.Breaker.MaxFailures,
			ResetTimeout: a.Config.Ledger.Breaker.ResetTimeout,
			OnStateChange: func(state ledger.BreakerState) {
				m.SetCircuitBreakerState(target, float64(state))
			},
		}, a.Logger)
	}
	if a.Config.Ledger.ProbeTTL > 0 {
		client = ledger.NewProbeCache(client, a.Config.Ledger.ProbeTTL)
	}

	handles := &ledgerHandles{reader: ledger.ReadOnlyView(client), close: closer}
	if client.Mode() == ledger.ModeSigner {
		handles.signer = client
	} else {
		a.Logger.Warn().Str("backend", a.Config.Ledger.Backend).Msg("ledger is read-only; mutating intents are disabled")
	}
	return handles, nil
}

func (a *App) openJournal(ctx context.Context) (storage.Journal, error) {
	if !a.Config.Database.Enabled() {
		return nil, nil
	}
	return storage.Open(ctx, a.Config.Database, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// runtime is one fully wired controller plus everything that must be
// released with it.
type runtime struct {
	store      *records.Store
	controller *workflow.Controller
	journal    storage.Journal
	metrics    *metrics.Metrics

	ledger *ledgerHandles
	kafka  *events.KafkaPublisher
	alerts *alerting.EventNotifier
	logger zerolog.Logger
}

func (a *App) newRuntime(ctx context.Context) (*runtime, error) {
	rt := &runtime{metrics: metrics.New(), logger: a.Logger}

	handles, err := a.openLedger(rt.metrics)
	if err != nil {
		return nil, err
	}
	rt.ledger = handles

	journal, err := a.openJournal(ctx)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	if journal == nil {
		a.Logger.Warn().Msg("database.dsn not configured; event journal disabled")
	}
	rt.journal = journal

	mode, err := index.ParseMode(a.Config.Ledger.IndexMode)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}
	var locker index.Locker
	if mode == index.ModeLock {
		if pg, ok := journal.(storage.AdvisoryLocker); ok {
			locker = storage.NewAdvisoryLock(pg, a.Config.Database.AdvisoryLockKey, a.Config.Database.LockPollInterval, a.Logger)
		}
	}

	rt.store = records.NewStore(handles.reader, records.Options{
		Keys: ledger.Keyspace{
			IndexKey:     a.Config.Ledger.IndexKey,
			RecordPrefix: a.Config.Ledger.RecordPrefix,
		},
		IndexMode:  mode,
		MaxRetries: a.Config.Ledger.CASRetries,
		Locker:     locker,
		Observer:   rt.metrics,
	}, a.Logger)
	if handles.signer != nil {
		if err := rt.store.Attach(handles.signer); err != nil {
			rt.Close(ctx)
			return nil, err
		}
	}

	publisher, err := a.newPublisher(ctx, rt)
	if err != nil {
		rt.Close(ctx)
		return nil, err
	}

	rt.controller = workflow.New(rt.store, workflow.Options{
		DismissAfter:    a.Config.Workflow.DismissAfter,
		ProcessingDelay: a.Config.Workflow.ProcessingDelay,
		Publisher:       publisher,
		Encryptor:       encrypt.Placeholder{},
		Observer:        rt.metrics,
	}, a.Logger)
	return rt, nil
}

func (a *App) newPublisher(ctx context.Context, rt *runtime) (events.Publisher, error) {
	var fanout events.Fanout
	if rt.journal != nil {
		fanout = append(fanout, storage.NewPublisher(rt.journal, a.Logger))
	}
	if a.Config.Kafka.Enabled {
		kp, err := events.NewKafkaPublisher(events.KafkaConfig{
			Enabled:      true,
			Brokers:      a.Config.Kafka.Brokers,
			Topic:        a.Config.Kafka.Topic,
			Acks:         a.Config.Kafka.Acks,
			WriteTimeout: a.Config.Kafka.WriteTimeout,
		}, a.Logger)
		if err != nil {
			return nil, err
		}
		if err := kp.Start(ctx); err != nil {
			return nil, err
		}
		rt.kafka = kp
		fanout = append(fanout, kp)
	}
	if a.Config.Alerting.Enabled {
		if notifier := a.newNotifier(); notifier != nil {
			rt.alerts = alerting.NewEventNotifier(notifier, alerting.EventRules{
				MinRisk:      a.Config.Alerting.MinRisk,
				NotifyErrors: a.Config.Alerting.NotifyErrors,
				Environment:  a.Config.App.Environment,
			}, a.Logger)
			fanout = append(fanout, rt.alerts)
		} else {
			a.Logger.Warn().Msg("alerting enabled without any channel")
		}
	}
	if len(fanout) == 0 {
		return events.Nop{}, nil
	}
	return fanout, nil
}

// Close drops the write session, flushes publishers and releases the
// ledger and journal.
func (rt *runtime) Close(ctx context.Context) {
	if rt.controller != nil {
		rt.controller.Close()
	}
	if rt.store != nil {
		rt.store.Detach()
	}
	if rt.alerts != nil {
		rt.alerts.Wait()
	}
	if rt.kafka != nil {
		if err := rt.kafka.Close(ctx); err != nil {
			rt.logger.Warn().Err(err).Msg("kafka publisher close")
		}
	}
	if rt.journal != nil {
		if err := rt.journal.Close(); err != nil {
			rt.logger.Warn().Err(err).Msg("journal close")
		}
	}
	if rt.ledger != nil && rt.ledger.close != nil {
		if err := rt.ledger.close(); err != nil && !errors.Is(err, context.Canceled) {
			rt.logger.Warn().Err(err).Msg("ledger close")
		}
	}
}

// ExportOptions hold parameters for exporting the liquidity trend.
type ExportOptions struct {
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ListOptions configure the list command.
type ListOptions struct {
	Status string
	Limit  int
}

// EventsOptions configure the events command.
type EventsOptions struct {
	Limit       int
	PruneBefore time.Duration
}
