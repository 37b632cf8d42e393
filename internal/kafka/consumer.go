package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/schema"
)

// TenantHeader carries the tenant of an event message when the payload
// omits it.
const TenantHeader = "tenant_id"

// Ingester accepts normalized events.
type Ingester interface {
	Ingest(ctx context.Context, tenantID string, ev *schema.Event) error
}

// messageReader is the subset of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerStats holds event consumer counters.
type ConsumerStats struct {
	Consumed      int64     `json:"consumed"`
	Rejected      int64     `json:"rejected"`
	Errors        int64     `json:"errors"`
	LastOffset    int64     `json:"last_offset"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorTime time.Time `json:"last_error_time,omitempty"`
}

// EventConsumer reads normalized events from the events topic and feeds them
// to an Ingester. Offsets are committed once the event is accepted or
// permanently rejected; transient failures leave the message uncommitted so
// it is redelivered.
type EventConsumer struct {
	cfg     Config
	readers []messageReader
	ingest  Ingester
	logger  *slog.Logger

	consumed   atomic.Int64
	rejected   atomic.Int64
	errs       atomic.Int64
	lastOffset atomic.Int64
	mu         sync.Mutex
	lastErr    error
	lastErrAt  time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool
}

// NewEventConsumer creates cfg.Consumers readers in cfg.ConsumerGroup.
func NewEventConsumer(cfg Config, ingest Ingester, logger *slog.Logger) (*EventConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.EventsTopic == "" {
		return nil, errors.New("kafka: events topic is required")
	}
	if ingest == nil {
		return nil, errors.New("kafka: ingester is required")
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	n := max(cfg.Consumers, 1)
	readers := make([]messageReader, 0, n)
	for i := 0; i < n; i++ {
		readers = append(readers, kafka.NewReader(kafka.ReaderConfig{
			Brokers:        cfg.Brokers,
			GroupID:        cfg.ConsumerGroup,
			Topic:          cfg.EventsTopic,
			Dialer:         dialer,
			MinBytes:       cfg.MinBytes,
			MaxBytes:       cfg.MaxBytes,
			MaxWait:        cfg.MaxWait,
			CommitInterval: cfg.CommitInterval,
			StartOffset:    cfg.StartOffset,
			ReadBackoffMin: 100 * time.Millisecond,
			ReadBackoffMax: time.Second,
			Logger:         kafkaLogger(logger, "kafka-reader", slog.LevelDebug),
			ErrorLogger:    kafkaLogger(logger, "kafka-reader", slog.LevelError),
		}))
	}

	logger.Info("kafka event consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.EventsTopic,
		"group", cfg.ConsumerGroup,
		"readers", n,
	)
	return newEventConsumer(cfg, ingest, logger, readers...), nil
}

func newEventConsumer(cfg Config, ingest Ingester, logger *slog.Logger, readers ...messageReader) *EventConsumer {
	if cfg.HandleTimeout <= 0 {
		cfg.HandleTimeout = 30 * time.Second
	}
	return &EventConsumer{
		cfg:     cfg,
		readers: readers,
		ingest:  ingest,
		logger:  logger,
	}
}

// Start launches one consume loop per reader and returns immediately.
func (c *EventConsumer) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	for i, r := range c.readers {
		c.wg.Add(1)
		go func(id int, r messageReader) {
			defer c.wg.Done()
			if err := c.consume(ctx, r); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("consume loop exited", "reader", id, "error", err)
			}
		}(i, r)
	}

	c.logger.Info("kafka event consumer started", "topic", c.cfg.EventsTopic)
	return nil
}

func (c *EventConsumer) consume(ctx context.Context, r messageReader) error {
	for {
		msg, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.recordError(err)
			c.logger.Error("failed to fetch message", "topic", c.cfg.EventsTopic, "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.handle(ctx, msg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to ingest message",
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			continue
		}

		if err := r.CommitMessages(ctx, msg); err != nil {
			c.recordError(err)
			c.logger.Error("failed to commit offset", "offset", msg.Offset, "error", err)
		}
		c.lastOffset.Store(msg.Offset)
	}
}

// handle ingests one message. It returns an error only for failures worth
// redelivering; malformed or invalid events are counted and dropped.
func (c *EventConsumer) handle(ctx context.Context, msg kafka.Message) error {
	ev, tenantID, err := DecodeEvent(msg)
	if err != nil {
		c.rejected.Add(1)
		c.logger.Warn("dropping undecodable event", "offset", msg.Offset, "error", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandleTimeout)
	defer cancel()

	if err := c.ingest.Ingest(ctx, tenantID, ev); err != nil {
		if derrors.IsValidation(err) {
			c.rejected.Add(1)
			c.logger.Warn("dropping invalid event",
				"tenant_id", tenantID,
				"event_id", ev.EventID,
				"error", err,
			)
			return nil
		}
		return err
	}
	c.consumed.Add(1)
	return nil
}

// DecodeEvent parses a message payload as a normalized event. The tenant is
// taken from the TenantHeader header, falling back to the payload.
func DecodeEvent(msg kafka.Message) (*schema.Event, string, error) {
	var ev schema.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return nil, "", fmt.Errorf("decode event: %w", err)
	}

	tenantID := ev.TenantID
	for _, h := range msg.Headers {
		if h.Key == TenantHeader && len(h.Value) > 0 {
			tenantID = string(h.Value)
		}
	}
	if tenantID == "" {
		return nil, "", errors.New("decode event: no tenant")
	}
	return &ev, tenantID, nil
}

func (c *EventConsumer) recordError(err error) {
	c.errs.Add(1)
	c.mu.Lock()
	c.lastErr = err
	c.lastErrAt = time.Now()
	c.mu.Unlock()
}

// Stats returns consumer counters.
func (c *EventConsumer) Stats() ConsumerStats {
	s := ConsumerStats{
		Consumed:   c.consumed.Load(),
		Rejected:   c.rejected.Load(),
		Errors:     c.errs.Load(),
		LastOffset: c.lastOffset.Load(),
	}
	c.mu.Lock()
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
		s.LastErrorTime = c.lastErrAt
	}
	c.mu.Unlock()
	return s
}

// HealthCheck dials the cluster.
func (c *EventConsumer) HealthCheck(ctx context.Context) HealthStatus {
	if c.closed.Load() {
		return HealthStatus{LastCheck: time.Now(), Error: "consumer is closed"}
	}
	return checkBrokers(ctx, &c.cfg)
}

// Stop cancels the consume loops and closes the readers.
func (c *EventConsumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()

	var errs []error
	for _, r := range c.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	c.logger.Info("kafka event consumer stopped",
		"consumed", c.consumed.Load(),
		"rejected", c.rejected.Load(),
	)
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("kafka: close readers: %w", err)
	}
	return nil
}
