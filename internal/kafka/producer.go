package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"dfir-detect/internal/alerting"
)

// ErrProducerClosed is returned by Send after Close.
var ErrProducerClosed = errors.New("kafka: producer is closed")

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerStats holds alert producer counters.
type ProducerStats struct {
	Produced int64 `json:"produced"`
	Bytes    int64 `json:"bytes"`
	Errors   int64 `json:"errors"`
	Retries  int64 `json:"retries"`
}

// AlertProducer publishes alerts to the alerts topic. It implements
// alerting.Sink. Messages are keyed by dedup key so every revision of one
// alert lands on the same partition in order.
type AlertProducer struct {
	cfg    Config
	writer messageWriter
	logger *slog.Logger

	produced atomic.Int64
	bytes    atomic.Int64
	errs     atomic.Int64
	retries  atomic.Int64
	closed   atomic.Bool
}

var _ alerting.Sink = (*AlertProducer)(nil)

// NewAlertProducer creates a producer for cfg.AlertsTopic.
func NewAlertProducer(cfg Config, logger *slog.Logger) (*AlertProducer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AlertsTopic == "" {
		return nil, errors.New("kafka: alerts topic is required")
	}
	dialer, err := cfg.Dialer()
	if err != nil {
		return nil, err
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.AlertsTopic,
		Balancer:     &kafka.Hash{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		MaxAttempts:  max(cfg.MaxRetries, 1),
		WriteTimeout: cfg.WriteTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  cfg.CompressionCodec(),
		Transport: &kafka.Transport{
			Dial: dialer.DialFunc,
			TLS:  dialer.TLS,
			SASL: dialer.SASLMechanism,
		},
		Logger:      kafkaLogger(logger, "kafka-writer", slog.LevelDebug),
		ErrorLogger: kafkaLogger(logger, "kafka-writer", slog.LevelError),
	}

	logger.Info("kafka alert producer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.AlertsTopic,
		"compression", cfg.Compression,
	)
	return newAlertProducer(cfg, writer, logger), nil
}

func newAlertProducer(cfg Config, w messageWriter, logger *slog.Logger) *AlertProducer {
	return &AlertProducer{cfg: cfg, writer: w, logger: logger}
}

// Name implements alerting.Sink.
func (p *AlertProducer) Name() string { return "kafka" }

// Send implements alerting.Sink.
func (p *AlertProducer) Send(ctx context.Context, alert *alerting.Alert) error {
	if p.closed.Load() {
		return ErrProducerClosed
	}
	msg, err := AlertMessage(alert)
	if err != nil {
		return err
	}
	return p.write(ctx, msg)
}

// AlertMessage encodes an alert as a Kafka message keyed by its dedup key.
func AlertMessage(alert *alerting.Alert) (kafka.Message, error) {
	value, err := json.Marshal(alert)
	if err != nil {
		return kafka.Message{}, fmt.Errorf("kafka: encode alert: %w", err)
	}
	return kafka.Message{
		Key:   []byte(alert.DedupKey),
		Value: value,
		Time:  alert.UpdatedAt,
		Headers: []kafka.Header{
			{Key: TenantHeader, Value: []byte(alert.TenantID)},
			{Key: "rule_id", Value: []byte(alert.RuleID)},
			{Key: "alert_id", Value: []byte(alert.ID.String())},
			{Key: "match_count", Value: []byte(strconv.Itoa(alert.MatchCount))},
		},
	}, nil
}

func (p *AlertProducer) write(ctx context.Context, msgs ...kafka.Message) error {
	backoff := p.cfg.RetryBackoff
	var lastErr error

	for attempt := 0; attempt <= p.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			p.retries.Add(1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := p.writer.WriteMessages(ctx, msgs...)
		if err == nil {
			for _, m := range msgs {
				p.produced.Add(1)
				p.bytes.Add(int64(len(m.Key) + len(m.Value)))
			}
			return nil
		}

		lastErr = err
		p.errs.Add(1)
		p.logger.Warn("kafka produce failed",
			"topic", p.cfg.AlertsTopic,
			"attempt", attempt+1,
			"error", err,
		)
		if permanent(err) {
			return fmt.Errorf("kafka: non-retryable error: %w", err)
		}
	}
	return fmt.Errorf("kafka: failed after %d attempts: %w", p.cfg.MaxRetries+1, lastErr)
}

func permanent(err error) bool {
	for _, e := range []error{
		kafka.MessageSizeTooLarge,
		kafka.InvalidTopic,
		kafka.TopicAuthorizationFailed,
		kafka.ClusterAuthorizationFailed,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

// Stats returns producer counters.
func (p *AlertProducer) Stats() ProducerStats {
	return ProducerStats{
		Produced: p.produced.Load(),
		Bytes:    p.bytes.Load(),
		Errors:   p.errs.Load(),
		Retries:  p.retries.Load(),
	}
}

// HealthCheck dials the cluster.
func (p *AlertProducer) HealthCheck(ctx context.Context) HealthStatus {
	if p.closed.Load() {
		return HealthStatus{LastCheck: time.Now(), Error: "producer is closed"}
	}
	return checkBrokers(ctx, &p.cfg)
}

// Close flushes buffered messages and closes the writer.
func (p *AlertProducer) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.logger.Info("closing kafka alert producer", "produced", p.produced.Load())
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("kafka: close producer: %w", err)
	}
	return nil
}
