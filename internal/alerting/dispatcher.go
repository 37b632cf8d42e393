package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"

	"dfir-detect/internal/metrics"
)

// ErrDispatcherStopped is returned by Publish after Stop.
var ErrDispatcherStopped = errors.New("alert dispatcher stopped")

// DeliveryStatus represents the delivery state of an alert to one sink.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "pending"
	DeliverySent       DeliveryStatus = "sent"
	DeliveryRetrying   DeliveryStatus = "retrying"
	DeliveryDeadLetter DeliveryStatus = "dead_letter"
)

// DeliveryRecord tracks the delivery of an alert to a specific sink.
type DeliveryRecord struct {
	ID          uuid.UUID      `json:"id"`
	AlertID     uuid.UUID      `json:"alert_id"`
	DedupKey    string         `json:"dedup_key"`
	SinkName    string         `json:"sink_name"`
	Status      DeliveryStatus `json:"status"`
	Attempts    int            `json:"attempts"`
	LastAttempt time.Time      `json:"last_attempt"`
	LastError   string         `json:"last_error,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`

	alert *Alert
}

// DeliveryConfig configures the reliable delivery system.
type DeliveryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`     // Maximum attempts per sink (default 5)
	InitialBackoff time.Duration `yaml:"initial_backoff"` // First retry delay (default 1s)
	MaxBackoff     time.Duration `yaml:"max_backoff"`     // Maximum backoff duration (default 30s)
	BackoffFactor  float64       `yaml:"backoff_factor"`  // Backoff multiplier (default 2.0)
	RetryTimeout   time.Duration `yaml:"retry_timeout"`   // Per-attempt timeout (default 10s)
	MaxDeadLetters int           `yaml:"max_dead_letters"`

	// BreakerThreshold consecutive failures open a sink's breaker for
	// BreakerCooldown.
	BreakerThreshold uint32        `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration `yaml:"breaker_cooldown"`
}

// DefaultDeliveryConfig returns sensible delivery defaults.
func DefaultDeliveryConfig() DeliveryConfig {
	return DeliveryConfig{
		MaxRetries:       5,
		InitialBackoff:   1 * time.Second,
		MaxBackoff:       30 * time.Second,
		BackoffFactor:    2.0,
		RetryTimeout:     10 * time.Second,
		MaxDeadLetters:   10000,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

type sinkEntry struct {
	sink    Sink
	breaker *gobreaker.CircuitBreaker[any]
}

// Dispatcher delivers alerts to every sink with retries, a circuit breaker per
// sink, and a bounded dead letter queue.
type Dispatcher struct {
	config     DeliveryConfig
	sinks      []*sinkEntry
	inflight   map[uuid.UUID]*DeliveryRecord
	deadLetter []*DeliveryRecord
	sent       int
	dropped    int
	mu         sync.RWMutex
	stopCh     chan struct{}
	stopOnce   sync.Once
	stopped    bool
	wg         sync.WaitGroup
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(cfg DeliveryConfig, sinks ...Sink) *Dispatcher {
	def := DefaultDeliveryConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.BackoffFactor < 1 {
		cfg.BackoffFactor = def.BackoffFactor
	}
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = def.RetryTimeout
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if cfg.MaxDeadLetters <= 0 {
		cfg.MaxDeadLetters = def.MaxDeadLetters
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = def.BreakerThreshold
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = def.BreakerCooldown
	}

	d := &Dispatcher{
		config:   cfg,
		inflight: make(map[uuid.UUID]*DeliveryRecord),
		stopCh:   make(chan struct{}),
	}
	for _, s := range sinks {
		d.sinks = append(d.sinks, &sinkEntry{sink: s, breaker: newSinkBreaker(s.Name(), cfg)})
	}
	return d
}

func newSinkBreaker(name string, cfg DeliveryConfig) *gobreaker.CircuitBreaker[any] {
	metrics.SinkBreakerState.WithLabelValues(name).Set(0)
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("alert sink breaker state changed",
				"sink", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.SinkBreakerState.WithLabelValues(name).Set(breakerGauge(to))
		},
	})
}

func breakerGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Publish hands an alert to every sink. Delivery continues in the
// background after the caller's context is cancelled.
func (d *Dispatcher) Publish(ctx context.Context, alert *Alert) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	snapshot := alert.Clone()
	records := make([]*DeliveryRecord, 0, len(d.sinks))
	for _, entry := range d.sinks {
		rec := &DeliveryRecord{
			ID:        uuid.New(),
			AlertID:   alert.ID,
			DedupKey:  alert.DedupKey,
			SinkName:  entry.sink.Name(),
			Status:    DeliveryPending,
			CreatedAt: time.Now(),
			alert:     snapshot,
		}
		d.inflight[rec.ID] = rec
		records = append(records, rec)
	}
	d.wg.Add(len(records))
	d.mu.Unlock()

	base := context.WithoutCancel(ctx)
	for i, entry := range d.sinks {
		go d.deliverWithRetry(base, entry, records[i])
	}
	return nil
}

// deliverWithRetry attempts delivery with exponential backoff.
func (d *Dispatcher) deliverWithRetry(ctx context.Context, entry *sinkEntry, record *DeliveryRecord) {
	defer d.wg.Done()

	backoff := d.config.InitialBackoff
	maxRetries := d.config.MaxRetries
	name := entry.sink.Name()

	for attempt := 1; attempt <= maxRetries; attempt++ {
		d.mu.Lock()
		record.Attempts = attempt
		record.LastAttempt = time.Now()
		if attempt > 1 {
			record.Status = DeliveryRetrying
		}
		d.mu.Unlock()

		attemptCtx, cancel := context.WithTimeout(ctx, d.config.RetryTimeout)
		_, err := entry.breaker.Execute(func() (any, error) {
			return nil, entry.sink.Send(attemptCtx, record.alert)
		})
		cancel()

		if err == nil {
			d.mu.Lock()
			delete(d.inflight, record.ID)
			d.sent++
			d.mu.Unlock()

			slog.Debug("alert delivered",
				"sink", name,
				"alert_id", record.AlertID,
				"attempts", attempt,
			)
			return
		}

		metrics.AlertDeliveryFailuresTotal.WithLabelValues(name).Inc()
		d.mu.Lock()
		record.LastError = err.Error()
		d.mu.Unlock()

		slog.Warn("alert delivery failed",
			"sink", name,
			"alert_id", record.AlertID,
			"attempt", attempt,
			"max_retries", maxRetries,
			"error", err,
		)

		if attempt < maxRetries {
			select {
			case <-d.stopCh:
				d.moveToDeadLetter(record, "dispatcher stopped")
				return
			case <-time.After(backoff):
			}

			backoff = time.Duration(float64(backoff) * d.config.BackoffFactor)
			if backoff > d.config.MaxBackoff {
				backoff = d.config.MaxBackoff
			}
		}
	}

	d.moveToDeadLetter(record, record.LastError)
}

func (d *Dispatcher) moveToDeadLetter(record *DeliveryRecord, reason string) {
	d.mu.Lock()
	delete(d.inflight, record.ID)
	record.Status = DeliveryDeadLetter
	record.LastError = reason
	d.deadLetter = append(d.deadLetter, record)
	if over := len(d.deadLetter) - d.config.MaxDeadLetters; over > 0 {
		d.deadLetter = append(d.deadLetter[:0:0], d.deadLetter[over:]...)
		d.dropped += over
	}
	metrics.AlertDeadLetters.Set(float64(len(d.deadLetter)))
	d.mu.Unlock()

	slog.Error("alert moved to dead letter queue",
		"alert_id", record.AlertID,
		"dedup_key", record.DedupKey,
		"sink", record.SinkName,
		"attempts", record.Attempts,
		"reason", reason,
	)
}

// DeadLetterQueue returns a copy of all failed delivery records.
func (d *Dispatcher) DeadLetterQueue() []DeliveryRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()

	result := make([]DeliveryRecord, len(d.deadLetter))
	for i, rec := range d.deadLetter {
		result[i] = *rec
	}
	return result
}

// RetryDeadLetter retries a specific dead letter delivery.
func (d *Dispatcher) RetryDeadLetter(recordID uuid.UUID) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return ErrDispatcherStopped
	}
	var target *DeliveryRecord
	for i, rec := range d.deadLetter {
		if rec.ID == recordID {
			target = rec
			d.deadLetter = append(d.deadLetter[:i], d.deadLetter[i+1:]...)
			break
		}
	}
	if target == nil {
		d.mu.Unlock()
		return fmt.Errorf("dead letter record not found: %s", recordID)
	}

	var entry *sinkEntry
	for _, e := range d.sinks {
		if e.sink.Name() == target.SinkName {
			entry = e
			break
		}
	}
	if entry == nil {
		d.mu.Unlock()
		d.moveToDeadLetter(target, "sink not found: "+target.SinkName)
		return fmt.Errorf("sink not found: %s", target.SinkName)
	}

	target.Status = DeliveryPending
	target.Attempts = 0
	target.LastError = ""
	d.inflight[target.ID] = target
	metrics.AlertDeadLetters.Set(float64(len(d.deadLetter)))
	d.wg.Add(1)
	d.mu.Unlock()

	go d.deliverWithRetry(context.Background(), entry, target)
	return nil
}

// BreakerStates returns the circuit breaker state of every sink.
func (d *Dispatcher) BreakerStates() map[string]string {
	out := make(map[string]string, len(d.sinks))
	for _, e := range d.sinks {
		out[e.sink.Name()] = e.breaker.State().String()
	}
	return out
}

// Stats returns delivery statistics.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	bySink := make(map[string]int)
	for _, rec := range d.deadLetter {
		bySink[rec.SinkName]++
	}

	return map[string]interface{}{
		"sent":                d.sent,
		"in_flight":           len(d.inflight),
		"dead_letter_count":   len(d.deadLetter),
		"dead_letter_dropped": d.dropped,
		"dead_letter_by_sink": bySink,
		"breakers":            d.BreakerStates(),
	}
}

// Drain waits until no delivery is in flight or ctx is done.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop aborts pending retries into the dead letter queue and waits for
// in-flight attempts to finish.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() {
		d.mu.Lock()
		d.stopped = true
		d.mu.Unlock()
		close(d.stopCh)
	})
	d.wg.Wait()
}
