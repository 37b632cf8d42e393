package storage

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2/lib/column"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"dfir-detect/internal/alerting"
	"dfir-detect/internal/correlation"
)

// ---------------------------------------------------------------------------
// Mock driver.Batch and preparer for unit tests without ClickHouse.
// ---------------------------------------------------------------------------

type mockBatch struct {
	mu      sync.Mutex
	rows    [][]any
	sendErr error
	aborted bool
}

func (m *mockBatch) Abort() error {
	m.aborted = true
	return nil
}

func (m *mockBatch) Append(v ...any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, v)
	return nil
}

func (m *mockBatch) AppendStruct(_ any) error        { return nil }
func (m *mockBatch) Column(_ int) driver.BatchColumn { return nil }
func (m *mockBatch) Flush() error                    { return nil }
func (m *mockBatch) Send() error                     { return m.sendErr }
func (m *mockBatch) IsSent() bool                    { return false }
func (m *mockBatch) Rows() int                       { return len(m.rows) }
func (m *mockBatch) Columns() []column.Interface     { return nil }
func (m *mockBatch) Close() error                    { return nil }

type mockPreparer struct {
	mu       sync.Mutex
	queries  []string
	batches  []*mockBatch
	failures int
}

func (p *mockPreparer) PrepareBatch(_ context.Context, query string) (driver.Batch, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b := &mockBatch{}
	if p.failures > 0 {
		p.failures--
		b.sendErr = errors.New("connection reset")
	}
	p.queries = append(p.queries, query)
	p.batches = append(p.batches, b)
	return b, nil
}

func (p *mockPreparer) sentRows() [][]any {
	p.mu.Lock()
	defer p.mu.Unlock()
	var rows [][]any
	for _, b := range p.batches {
		if b.sendErr == nil {
			rows = append(rows, b.rows...)
		}
	}
	return rows
}

func testConfig() BatchWriterConfig {
	return BatchWriterConfig{
		BatchSize:     3,
		FlushInterval: 0,
		MaxRetries:    2,
		RetryDelay:    time.Millisecond,
	}
}

func intRow(v int) []any { return []any{v} }

// ---------------------------------------------------------------------------
// BatchWriter
// ---------------------------------------------------------------------------

func TestBatchWriterFlushOnSize(t *testing.T) {
	p := &mockPreparer{}
	bw := NewBatchWriter(p, "t", "INSERT INTO t (v)", intRow, testConfig())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := bw.Write(ctx, i); err != nil {
			t.Fatalf("Write() error = %v", err)
		}
	}
	if m := bw.Metrics(); m.Pending != 2 || m.Batches != 0 {
		t.Errorf("Metrics() before full batch = %+v", m)
	}

	if err := bw.Write(ctx, 2); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	m := bw.Metrics()
	if m.Pending != 0 || m.Written != 3 || m.Batches != 1 {
		t.Errorf("Metrics() after full batch = %+v, want written 3 batches 1", m)
	}
	if got := len(p.sentRows()); got != 3 {
		t.Errorf("sent rows = %d, want 3", got)
	}
}

func TestBatchWriterRetries(t *testing.T) {
	tests := []struct {
		name        string
		failures    int
		wantErr     bool
		wantWritten uint64
		wantFailed  uint64
	}{
		{name: "no failures", failures: 0, wantWritten: 1},
		{name: "recovers", failures: 2, wantWritten: 1},
		{name: "exhausted", failures: 3, wantErr: true, wantFailed: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &mockPreparer{failures: tt.failures}
			bw := NewBatchWriter(p, "t", "INSERT INTO t (v)", intRow, testConfig())

			_ = bw.Write(context.Background(), 1)
			err := bw.Flush(context.Background())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Flush() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var serr *StorageError
				if !errors.As(err, &serr) || !errors.Is(err, ErrBatchInsertFailed) || serr.Table != "t" {
					t.Errorf("Flush() error = %v, want StorageError wrapping ErrBatchInsertFailed", err)
				}
				if !IsRetryable(err) {
					t.Error("IsRetryable() = false for an exhausted insert")
				}
			}

			m := bw.Metrics()
			if m.Written != tt.wantWritten || m.Failed != tt.wantFailed {
				t.Errorf("Metrics() = %+v, want written %d failed %d", m, tt.wantWritten, tt.wantFailed)
			}
		})
	}
}

func TestBatchWriterTimerFlush(t *testing.T) {
	p := &mockPreparer{}
	cfg := testConfig()
	cfg.BatchSize = 100
	cfg.FlushInterval = 10 * time.Millisecond
	bw := NewBatchWriter(p, "t", "INSERT INTO t (v)", intRow, cfg)
	defer bw.Close(context.Background())

	_ = bw.Write(context.Background(), 1)

	deadline := time.Now().Add(2 * time.Second)
	for bw.Metrics().Written == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if got := bw.Metrics().Written; got != 1 {
		t.Errorf("Written = %d, want 1 after timer flush", got)
	}
}

func TestBatchWriterClose(t *testing.T) {
	p := &mockPreparer{}
	bw := NewBatchWriter(p, "t", "INSERT INTO t (v)", intRow, testConfig())

	_ = bw.Write(context.Background(), 1)
	if err := bw.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := len(p.sentRows()); got != 1 {
		t.Errorf("Close() flushed %d rows, want 1", got)
	}
	if err := bw.Write(context.Background(), 2); !errors.Is(err, ErrWriterClosed) {
		t.Errorf("Write() after Close error = %v, want ErrWriterClosed", err)
	}
	if err := bw.Close(context.Background()); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestBatchWriterConcurrentWrites(t *testing.T) {
	p := &mockPreparer{}
	cfg := testConfig()
	cfg.BatchSize = 7
	bw := NewBatchWriter(p, "t", "INSERT INTO t (v)", intRow, cfg)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				if err := bw.Write(context.Background(), g*100+i); err != nil {
					t.Errorf("Write() error = %v", err)
				}
			}
		}(g)
	}
	wg.Wait()
	if err := bw.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	if got := len(p.sentRows()); got != 200 {
		t.Errorf("sent rows = %d, want 200", got)
	}
}

// ---------------------------------------------------------------------------
// Alert and audit writers
// ---------------------------------------------------------------------------

func testAlert() *alerting.Alert {
	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	return &alerting.Alert{
		ID:         uuid.New(),
		TenantID:   "acme",
		RuleID:     "builtin-brute-force",
		RuleName:   "Brute Force",
		Severity:   8,
		Confidence: 0.9,
		Status:     alerting.StatusNew,
		DedupKey:   "acme/builtin-brute-force|00ff|1772359200",
		Bucket:     at,
		EventIDs:   []uuid.UUID{uuid.New(), uuid.New()},
		Entities:   map[string][]string{"user": {"alice"}},
		FirstSeen:  at,
		LastSeen:   at.Add(time.Minute),
		MatchCount: 1,
		MITRE:      &correlation.MITREMapping{TacticID: "TA0006", TechniqueID: "T1110"},
		CreatedAt:  at,
		UpdatedAt:  at,
	}
}

func TestAlertSink(t *testing.T) {
	p := &mockPreparer{}
	sink := NewAlertSink(p, BatchWriterConfig{BatchSize: 1})

	if sink.Name() != "clickhouse" {
		t.Errorf("Name() = %q, want clickhouse", sink.Name())
	}
	a := testAlert()
	if err := sink.Send(context.Background(), a); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	rows := p.sentRows()
	if len(rows) != 1 {
		t.Fatalf("sent rows = %d, want 1", len(rows))
	}
	row := rows[0]
	if !strings.Contains(p.queries[0], "INSERT INTO alerts") {
		t.Errorf("query = %q", p.queries[0])
	}
	if len(row) != strings.Count(insertAlerts, ",")+1 {
		t.Errorf("row has %d values, insert names %d columns", len(row), strings.Count(insertAlerts, ",")+1)
	}
	if row[0] != a.DedupKey || row[6] != uint8(8) || row[19] != "TA0006" {
		t.Errorf("row = %v", row)
	}
	if row[12] != `{"user":["alice"]}` {
		t.Errorf("entities column = %v", row[12])
	}
}

func TestAuditWriter(t *testing.T) {
	p := &mockPreparer{}
	w := NewAuditWriter(p, BatchWriterConfig{BatchSize: 10})

	a := testAlert()
	rec := alerting.AuditRecord{
		Time:       a.CreatedAt,
		Action:     alerting.AuditCreated,
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		RuleID:     a.RuleID,
		DedupKey:   a.DedupKey,
		Severity:   a.Severity,
		Status:     a.Status,
		EventCount: 2,
		MatchCount: 1,
	}
	if err := w.Audit(context.Background(), rec); err != nil {
		t.Fatalf("Audit() error = %v", err)
	}
	if got := w.Metrics().Pending; got != 1 {
		t.Errorf("Pending = %d, want 1", got)
	}
	if err := w.Close(context.Background()); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	rows := p.sentRows()
	if len(rows) != 1 || len(rows[0]) != strings.Count(insertAudit, ",")+1 {
		t.Fatalf("sent rows = %v", rows)
	}
	if rows[0][1] != "alert_created" || rows[0][8] != uint32(2) {
		t.Errorf("row = %v", rows[0])
	}
}
