package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig configures the event stream.
type KafkaConfig struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	Acks         int
	WriteTimeout time.Duration
}

type kafkaMessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type kafkaWriteCloser interface {
	Close() error
}

const kafkaQueueSize = 256

var (
	errKafkaNotStarted = errors.New("events: kafka publisher not started")
	errKafkaStopped    = errors.New("events: kafka publisher stopped")
)

// KafkaPublisher queues events and writes them to a topic from a single
// background goroutine, keyed by record id.
type KafkaPublisher struct {
	cfg     KafkaConfig
	logger  zerolog.Logger
	writer  kafkaMessageWriter
	closer  kafkaWriteCloser
	enabled bool

	queue     chan kafka.Message
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	delivered atomic.Int64
	failed    atomic.Int64
}

// NewKafkaPublisher builds a publisher. A disabled config yields a publisher
// that accepts and drops every event.
func NewKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled {
		return &KafkaPublisher{cfg: cfg, logger: logger}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one kafka broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		Balancer:               &kafka.Hash{},
		AllowAutoTopicCreation: false,
		WriteTimeout:           cfg.WriteTimeout,
	}
	return newKafkaPublisher(cfg, logger, w, w), nil
}

func newKafkaPublisher(cfg KafkaConfig, logger zerolog.Logger, writer kafkaMessageWriter, closer kafkaWriteCloser) *KafkaPublisher {
	return &KafkaPublisher{
		cfg:     cfg,
		logger:  logger.With().Str("component", "kafka_publisher").Str("topic", cfg.Topic).Logger(),
		writer:  writer,
		closer:  closer,
		enabled: true,
		queue:   make(chan kafka.Message, kafkaQueueSize),
	}
}

// Start launches the delivery loop.
func (p *KafkaPublisher) Start(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.started.Store(true)
		p.wg.Add(1)
		go p.run()
		p.logger.Info().Msg("kafka publisher started")
	})
	return nil
}

// Close stops the loop after draining queued events and closes the writer.
func (p *KafkaPublisher) Close(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var stopErr error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if p.closer != nil {
			if err := p.closer.Close(); err != nil {
				p.logger.Error().Err(err).Msg("close kafka writer")
			}
		}
		p.logger.Info().Int64("delivered", p.delivered.Load()).Int64("failed", p.failed.Load()).Msg("kafka publisher stopped")
	})
	return stopErr
}

// Publish enqueues ev. It blocks only while the queue is full.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	if !p.enabled {
		return nil
	}
	if !p.started.Load() {
		return errKafkaNotStarted
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.RecordID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "action", Value: []byte(ev.Action)},
			{Key: "phase", Value: []byte(ev.Phase)},
		},
		Time: ev.At,
	}
	select {
	case p.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.runCtx.Done():
		return errKafkaStopped
	}
}

func (p *KafkaPublisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.drain()
			p.started.Store(false)
			return
		case msg := <-p.queue:
			p.deliver(msg)
		}
	}
}

func (p *KafkaPublisher) drain() {
	for {
		select {
		case msg := <-p.queue:
			p.deliver(msg)
		default:
			return
		}
	}
}

func (p *KafkaPublisher) deliver(msg kafka.Message) {
	// the run context is already cancelled while draining
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.runCtx), p.writeTimeout())
	defer cancel()
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.failed.Add(1)
		p.logger.Error().Err(err).Str("record_id", string(msg.Key)).Msg("publish event")
		return
	}
	p.delivered.Add(1)
	p.logger.Debug().Str("record_id", string(msg.Key)).Msg("event published")
}

func (p *KafkaPublisher) writeTimeout() time.Duration {
	if p.cfg.WriteTimeout > 0 {
		return p.cfg.WriteTimeout
	}
	return 10 * time.Second
}

var _ Publisher = (*KafkaPublisher)(nil)
