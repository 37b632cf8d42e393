package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ErrWriterClosed is returned by Write after Close.
var ErrWriterClosed = errors.New("storage: batch writer is closed")

// BatchWriterConfig holds configuration for batch writers.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	InsertTimeout time.Duration `yaml:"insert_timeout"`
}

// DefaultBatchWriterConfig returns the default batch writer configuration.
func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     500,
		FlushInterval: 2 * time.Second,
		MaxRetries:    3,
		RetryDelay:    time.Second,
		InsertTimeout: 30 * time.Second,
	}
}

// batchPreparer is the part of a ClickHouse connection batch writers need.
type batchPreparer interface {
	PrepareBatch(ctx context.Context, query string) (driver.Batch, error)
}

// BatchWriter buffers rows of one table and inserts them in batches, on
// size or on a timer.
type BatchWriter[T any] struct {
	client batchPreparer
	table  string
	insert string
	encode func(T) []any
	config BatchWriterConfig

	mu      sync.Mutex
	buffer  []T
	closed  bool
	flushMu sync.Mutex

	done chan struct{}
	wg   sync.WaitGroup

	written atomic.Uint64
	failed  atomic.Uint64
	batches atomic.Uint64
}

// NewBatchWriter creates a writer inserting into table with the given
// INSERT statement. encode turns one row into column values.
func NewBatchWriter[T any](client batchPreparer, table, insert string, encode func(T) []any, cfg BatchWriterConfig) *BatchWriter[T] {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = 30 * time.Second
	}
	bw := &BatchWriter[T]{
		client: client,
		table:  table,
		insert: insert,
		encode: encode,
		config: cfg,
		buffer: make([]T, 0, cfg.BatchSize),
		done:   make(chan struct{}),
	}
	if cfg.FlushInterval > 0 {
		bw.wg.Add(1)
		go bw.flushLoop()
	}
	return bw
}

// Write buffers a row. A full buffer is flushed synchronously and the
// insert error, if any, is returned.
func (bw *BatchWriter[T]) Write(ctx context.Context, row T) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return ErrWriterClosed
	}
	bw.buffer = append(bw.buffer, row)
	full := len(bw.buffer) >= bw.config.BatchSize
	bw.mu.Unlock()

	if full {
		return bw.Flush(ctx)
	}
	return nil
}

func (bw *BatchWriter[T]) flushLoop() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-bw.done:
			return
		case <-ticker.C:
			if err := bw.Flush(context.Background()); err != nil {
				slog.Error("timer flush failed", "table", bw.table, "error", err)
			}
		}
	}
}

// Flush inserts all buffered rows.
func (bw *BatchWriter[T]) Flush(ctx context.Context) error {
	bw.flushMu.Lock()
	defer bw.flushMu.Unlock()

	bw.mu.Lock()
	rows := bw.buffer
	bw.buffer = make([]T, 0, bw.config.BatchSize)
	bw.mu.Unlock()

	if len(rows) == 0 {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= bw.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				bw.failed.Add(uint64(len(rows)))
				return ctx.Err()
			case <-time.After(bw.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := bw.insertBatch(ctx, rows); err != nil {
			lastErr = err
			slog.Warn("batch insert failed",
				"table", bw.table,
				"attempt", attempt+1,
				"rows", len(rows),
				"error", err,
			)
			continue
		}

		bw.written.Add(uint64(len(rows)))
		bw.batches.Add(1)
		return nil
	}

	bw.failed.Add(uint64(len(rows)))
	return NewStorageErrorWithRetries("Insert", bw.table,
		fmt.Errorf("%w: %v", ErrBatchInsertFailed, lastErr), bw.config.MaxRetries)
}

func (bw *BatchWriter[T]) insertBatch(ctx context.Context, rows []T) error {
	ctx, cancel := context.WithTimeout(ctx, bw.config.InsertTimeout)
	defer cancel()

	batch, err := bw.client.PrepareBatch(ctx, bw.insert)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, row := range rows {
		if err := batch.Append(bw.encode(row)...); err != nil {
			batch.Abort()
			return fmt.Errorf("append row: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	slog.Debug("batch inserted", "table", bw.table, "rows", len(rows))
	return nil
}

// Close stops the flush timer and flushes what is buffered.
func (bw *BatchWriter[T]) Close(ctx context.Context) error {
	bw.mu.Lock()
	if bw.closed {
		bw.mu.Unlock()
		return nil
	}
	bw.closed = true
	bw.mu.Unlock()

	close(bw.done)
	bw.wg.Wait()
	return bw.Flush(ctx)
}

// BatchWriterMetrics holds batch writer statistics.
type BatchWriterMetrics struct {
	Written uint64 `json:"written"`
	Failed  uint64 `json:"failed"`
	Batches uint64 `json:"batches"`
	Pending int    `json:"pending"`
}

// Metrics returns batch writer statistics.
func (bw *BatchWriter[T]) Metrics() BatchWriterMetrics {
	bw.mu.Lock()
	pending := len(bw.buffer)
	bw.mu.Unlock()
	return BatchWriterMetrics{
		Written: bw.written.Load(),
		Failed:  bw.failed.Load(),
		Batches: bw.batches.Load(),
		Pending: pending,
	}
}
