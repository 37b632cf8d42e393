package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"dfir-detect/internal/alerting"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// ---------------------------------------------------------------------------
// Config
// ---------------------------------------------------------------------------

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "defaults", modify: func(*Config) {}},
		{name: "no brokers", modify: func(c *Config) { c.Brokers = nil }, wantErr: true},
		{name: "no topics", modify: func(c *Config) { c.EventsTopic, c.AlertsTopic = "", "" }, wantErr: true},
		{name: "alerts only", modify: func(c *Config) { c.EventsTopic = "" }},
		{name: "zero partitions", modify: func(c *Config) { c.Partitions = 0 }, wantErr: true},
		{name: "zero replication", modify: func(c *Config) { c.ReplicationFactor = 0 }, wantErr: true},
		{name: "bad protocol", modify: func(c *Config) { c.SecurityProtocol = "TLS" }, wantErr: true},
		{
			name: "sasl without credentials",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "PLAIN"
			},
			wantErr: true,
		},
		{
			name: "sasl bad mechanism",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_SSL"
				c.SASLMechanism = "GSSAPI"
				c.SASLUsername, c.SASLPassword = "u", "p"
			},
			wantErr: true,
		},
		{
			name: "sasl scram",
			modify: func(c *Config) {
				c.SecurityProtocol = "SASL_PLAINTEXT"
				c.SASLMechanism = "SCRAM-SHA-512"
				c.SASLUsername, c.SASLPassword = "u", "p"
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(&cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCompressionCodec(t *testing.T) {
	tests := []struct {
		name    string
		nonZero bool
	}{
		{"gzip", true},
		{"snappy", true},
		{"lz4", true},
		{"zstd", true},
		{"none", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Compression = tt.name
			if got := cfg.CompressionCodec(); (got != 0) != tt.nonZero {
				t.Errorf("CompressionCodec() = %v, want non-zero %v", got, tt.nonZero)
			}
		})
	}
}

func TestDialer(t *testing.T) {
	cfg := DefaultConfig()
	d, err := cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if d.Timeout != cfg.DialTimeout || d.TLS != nil || d.SASLMechanism != nil {
		t.Errorf("Dialer() = %+v, want plain dialer", d)
	}

	cfg.SecurityProtocol = "SASL_SSL"
	cfg.SASLMechanism = "PLAIN"
	cfg.SASLUsername, cfg.SASLPassword = "u", "p"
	d, err = cfg.Dialer()
	if err != nil {
		t.Fatalf("Dialer() error = %v", err)
	}
	if d.TLS == nil || d.SASLMechanism == nil {
		t.Error("Dialer() with SASL_SSL should set TLS and SASL")
	}

	cfg.TLSCAFile = "/nonexistent/ca.pem"
	if _, err := cfg.Dialer(); err == nil {
		t.Error("Dialer() with missing CA file error = nil")
	}
}

func TestTopicConfigs(t *testing.T) {
	cfg := DefaultConfig()
	topics := cfg.topicConfigs()
	if len(topics) != 2 {
		t.Fatalf("topicConfigs() = %d topics, want 2", len(topics))
	}
	policy := func(tc kafka.TopicConfig) string {
		for _, e := range tc.ConfigEntries {
			if e.ConfigName == "cleanup.policy" {
				return e.ConfigValue
			}
		}
		return ""
	}
	if topics[0].Topic != cfg.EventsTopic || policy(topics[0]) != "delete" {
		t.Errorf("events topic = %s/%s", topics[0].Topic, policy(topics[0]))
	}
	if topics[1].Topic != cfg.AlertsTopic || !strings.HasPrefix(policy(topics[1]), "compact") {
		t.Errorf("alerts topic = %s/%s", topics[1].Topic, policy(topics[1]))
	}
}

// ---------------------------------------------------------------------------
// Event consumer
// ---------------------------------------------------------------------------

type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}

func (r *fakeReader) commits() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.committed...)
}

type ingestFunc func(ctx context.Context, tenantID string, ev *schema.Event) error

func (f ingestFunc) Ingest(ctx context.Context, tenantID string, ev *schema.Event) error {
	return f(ctx, tenantID, ev)
}

func eventMessage(t *testing.T, offset int64, tenant, header string) kafka.Message {
	t.Helper()
	ev := schema.Event{
		EventID:   uuid.New(),
		TenantID:  tenant,
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Action:    "logon_failure",
		Entities:  schema.Entities{Host: "H1"},
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	msg := kafka.Message{Offset: offset, Value: data}
	if header != "" {
		msg.Headers = []kafka.Header{{Key: TenantHeader, Value: []byte(header)}}
	}
	return msg
}

func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name       string
		msg        kafka.Message
		wantTenant string
		wantErr    bool
	}{
		{name: "payload tenant", msg: eventMessage(t, 1, "acme", ""), wantTenant: "acme"},
		{name: "header wins", msg: eventMessage(t, 2, "acme", "globex"), wantTenant: "globex"},
		{name: "header only", msg: eventMessage(t, 3, "", "globex"), wantTenant: "globex"},
		{name: "no tenant", msg: eventMessage(t, 4, "", ""), wantErr: true},
		{name: "not json", msg: kafka.Message{Value: []byte("<xml/>")}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, tenant, err := DecodeEvent(tt.msg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("DecodeEvent() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && (tenant != tt.wantTenant || ev.Action != "logon_failure") {
				t.Errorf("DecodeEvent() = %q/%q, want %q", tenant, ev.Action, tt.wantTenant)
			}
		})
	}
}

func TestEventConsumerCommitPolicy(t *testing.T) {
	reader := &fakeReader{msgs: []kafka.Message{
		eventMessage(t, 10, "acme", ""),
		{Offset: 11, Value: []byte("garbage")},
		eventMessage(t, 12, "invalid", ""),
		eventMessage(t, 13, "flaky", ""),
		eventMessage(t, 14, "acme", ""),
	}}

	var mu sync.Mutex
	var ingested []string
	ingest := ingestFunc(func(_ context.Context, tenantID string, ev *schema.Event) error {
		switch tenantID {
		case "invalid":
			return derrors.NewValidationError(tenantID, "", "action", "bad")
		case "flaky":
			return errors.New("buffer unavailable")
		}
		mu.Lock()
		ingested = append(ingested, ev.EventID.String())
		mu.Unlock()
		return nil
	})

	cfg := DefaultConfig()
	c := newEventConsumer(cfg, ingest, testLogger(), reader)
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := c.Start(context.Background()); err == nil {
		t.Error("second Start() error = nil")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(reader.commits()) < 4 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// The transient failure at offset 13 is not committed.
	want := []int64{10, 11, 12, 14}
	got := reader.commits()
	if len(got) != len(want) {
		t.Fatalf("committed offsets = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("committed offsets = %v, want %v", got, want)
			break
		}
	}

	stats := c.Stats()
	if stats.Consumed != 2 || stats.Rejected != 2 || stats.Errors != 1 {
		t.Errorf("Stats() = %+v, want consumed 2 rejected 2 errors 1", stats)
	}
	if stats.LastError == "" {
		t.Error("Stats().LastError is empty")
	}
	if !reader.closed {
		t.Error("Stop() did not close the reader")
	}
	if len(ingested) != 2 {
		t.Errorf("ingested = %d events, want 2", len(ingested))
	}
}

func TestNewEventConsumerValidation(t *testing.T) {
	cfg := DefaultConfig()
	if _, err := NewEventConsumer(cfg, nil, testLogger()); err == nil {
		t.Error("NewEventConsumer() without ingester error = nil")
	}
	cfg.EventsTopic = ""
	if _, err := NewEventConsumer(cfg, ingestFunc(nil), testLogger()); err == nil {
		t.Error("NewEventConsumer() without events topic error = nil")
	}
}

// ---------------------------------------------------------------------------
// Alert producer
// ---------------------------------------------------------------------------

type fakeWriter struct {
	mu       sync.Mutex
	failures []error
	written  []kafka.Message
	closed   bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.failures) > 0 {
		err := w.failures[0]
		w.failures = w.failures[1:]
		return err
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testAlert() *alerting.Alert {
	return &alerting.Alert{
		ID:         uuid.New(),
		TenantID:   "acme",
		RuleID:     "builtin-brute-force",
		DedupKey:   "acme/builtin-brute-force|abcd|1772359200",
		Severity:   7,
		MatchCount: 2,
		UpdatedAt:  time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
}

func TestAlertMessage(t *testing.T) {
	a := testAlert()
	msg, err := AlertMessage(a)
	if err != nil {
		t.Fatalf("AlertMessage() error = %v", err)
	}
	if string(msg.Key) != a.DedupKey {
		t.Errorf("key = %q, want %q", msg.Key, a.DedupKey)
	}
	headers := map[string]string{}
	for _, h := range msg.Headers {
		headers[h.Key] = string(h.Value)
	}
	if headers[TenantHeader] != "acme" || headers["match_count"] != "2" || headers["alert_id"] != a.ID.String() {
		t.Errorf("headers = %v", headers)
	}

	var decoded alerting.Alert
	if err := json.Unmarshal(msg.Value, &decoded); err != nil {
		t.Fatalf("payload is not an alert: %v", err)
	}
	if decoded.ID != a.ID || decoded.Severity != 7 {
		t.Errorf("payload = %+v", decoded)
	}
}

func TestAlertProducerSend(t *testing.T) {
	tests := []struct {
		name        string
		failures    []error
		wantErr     bool
		wantWritten int
		wantRetries int64
	}{
		{name: "first attempt", wantWritten: 1},
		{name: "transient failure", failures: []error{kafka.LeaderNotAvailable}, wantWritten: 1, wantRetries: 1},
		{name: "permanent failure", failures: []error{kafka.MessageSizeTooLarge}, wantErr: true},
		{
			name:        "retries exhausted",
			failures:    []error{kafka.LeaderNotAvailable, kafka.LeaderNotAvailable, kafka.LeaderNotAvailable},
			wantErr:     true,
			wantRetries: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MaxRetries = 2
			cfg.RetryBackoff = time.Millisecond
			w := &fakeWriter{failures: tt.failures}
			p := newAlertProducer(cfg, w, testLogger())

			err := p.Send(context.Background(), testAlert())
			if (err != nil) != tt.wantErr {
				t.Fatalf("Send() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(w.written) != tt.wantWritten {
				t.Errorf("written = %d, want %d", len(w.written), tt.wantWritten)
			}
			if got := p.Stats().Retries; got != tt.wantRetries {
				t.Errorf("Stats().Retries = %d, want %d", got, tt.wantRetries)
			}
		})
	}
}

func TestAlertProducerClosed(t *testing.T) {
	w := &fakeWriter{}
	p := newAlertProducer(DefaultConfig(), w, testLogger())
	if p.Name() != "kafka" {
		t.Errorf("Name() = %q, want kafka", p.Name())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !w.closed {
		t.Error("Close() did not close the writer")
	}
	if err := p.Send(context.Background(), testAlert()); !errors.Is(err, ErrProducerClosed) {
		t.Errorf("Send() after Close error = %v, want ErrProducerClosed", err)
	}
}

// ---------------------------------------------------------------------------
// Integration (requires KAFKA_BROKERS)
// ---------------------------------------------------------------------------

func TestAlertProducerIntegration(t *testing.T) {
	brokers := os.Getenv("KAFKA_BROKERS")
	if brokers == "" {
		t.Skip("KAFKA_BROKERS not set, skipping integration test")
	}

	cfg := DefaultConfig()
	cfg.Brokers = strings.Split(brokers, ",")
	cfg.Partitions = 1
	cfg.ReplicationFactor = 1
	cfg.AlertsTopic = "dfir-alerts-test"
	cfg.EventsTopic = "dfir-events-test"

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := EnsureTopics(ctx, cfg, testLogger()); err != nil {
		t.Fatalf("EnsureTopics() error = %v", err)
	}
	p, err := NewAlertProducer(cfg, testLogger())
	if err != nil {
		t.Fatalf("NewAlertProducer() error = %v", err)
	}
	defer p.Close()

	if err := p.Send(ctx, testAlert()); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if h := p.HealthCheck(ctx); !h.Healthy {
		t.Errorf("HealthCheck() = %+v", h)
	}
}
