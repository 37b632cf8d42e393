package alerting

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockSink is a test double that records every alert it receives.
type mockSink struct {
	name     string
	sendFunc func(ctx context.Context, alert *Alert) error
	calls    atomic.Int32
	mu       sync.Mutex
	sent     []*Alert
}

func (m *mockSink) Name() string { return m.name }

func (m *mockSink) Send(ctx context.Context, alert *Alert) error {
	m.calls.Add(1)
	if m.sendFunc != nil {
		if err := m.sendFunc(ctx, alert); err != nil {
			return err
		}
	}
	m.mu.Lock()
	m.sent = append(m.sent, alert)
	m.mu.Unlock()
	return nil
}

func (m *mockSink) delivered() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func fastDelivery() DeliveryConfig {
	cfg := DefaultDeliveryConfig()
	cfg.MaxRetries = 3
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 5 * time.Millisecond
	cfg.RetryTimeout = time.Second
	cfg.BreakerThreshold = 100
	return cfg
}

func testAlert() *Alert {
	return &Alert{
		ID:         uuid.New(),
		TenantID:   "acme",
		RuleID:     "brute-force",
		RuleName:   "Brute force logon",
		Severity:   7,
		Status:     StatusNew,
		DedupKey:   "acme/brute-force|abc|0",
		EventIDs:   []uuid.UUID{uuid.New()},
		MatchCount: 1,
	}
}

func drain(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain() error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Dispatcher
// ---------------------------------------------------------------------------

func TestDispatcherDeliversToAllSinks(t *testing.T) {
	a := &mockSink{name: "a"}
	b := &mockSink{name: "b"}
	d := NewDispatcher(fastDelivery(), a, b)
	defer d.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.Publish(ctx, testAlert()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	// Cancelling the caller's context does not abort delivery.
	cancel()
	drain(t, d)

	if a.delivered() != 1 || b.delivered() != 1 {
		t.Errorf("delivered = %d/%d, want 1/1", a.delivered(), b.delivered())
	}
	stats := d.Stats()
	if stats["sent"] != 2 || stats["in_flight"] != 0 {
		t.Errorf("Stats() = %v", stats)
	}
}

func TestDispatcherRetriesUntilSuccess(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	sink := &mockSink{name: "flaky", sendFunc: func(context.Context, *Alert) error {
		if failures.Add(-1) >= 0 {
			return errors.New("connection refused")
		}
		return nil
	}}
	d := NewDispatcher(fastDelivery(), sink)
	defer d.Stop()

	if err := d.Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	drain(t, d)

	if got := sink.calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if dlq := d.DeadLetterQueue(); len(dlq) != 0 {
		t.Errorf("DeadLetterQueue() = %d records, want 0", len(dlq))
	}
}

func TestDispatcherDeadLetterAndRetry(t *testing.T) {
	var healthy atomic.Bool
	sink := &mockSink{name: "down", sendFunc: func(context.Context, *Alert) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("503 service unavailable")
	}}
	d := NewDispatcher(fastDelivery(), sink)
	defer d.Stop()

	alert := testAlert()
	if err := d.Publish(context.Background(), alert); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	drain(t, d)

	dlq := d.DeadLetterQueue()
	if len(dlq) != 1 {
		t.Fatalf("DeadLetterQueue() = %d records, want 1", len(dlq))
	}
	rec := dlq[0]
	if rec.AlertID != alert.ID || rec.SinkName != "down" || rec.Attempts != 3 || rec.Status != DeliveryDeadLetter {
		t.Errorf("dead letter = %+v", rec)
	}

	healthy.Store(true)
	if err := d.RetryDeadLetter(rec.ID); err != nil {
		t.Fatalf("RetryDeadLetter() error = %v", err)
	}
	drain(t, d)

	if sink.delivered() != 1 {
		t.Errorf("delivered = %d, want 1", sink.delivered())
	}
	if len(d.DeadLetterQueue()) != 0 {
		t.Error("dead letter not removed after successful retry")
	}
	if err := d.RetryDeadLetter(uuid.New()); err == nil {
		t.Error("RetryDeadLetter(unknown) error = nil")
	}
}

func TestDispatcherBreakerOpens(t *testing.T) {
	sink := &mockSink{name: "broken", sendFunc: func(context.Context, *Alert) error {
		return errors.New("timeout")
	}}
	cfg := fastDelivery()
	cfg.MaxRetries = 1
	cfg.BreakerThreshold = 2
	cfg.BreakerCooldown = time.Hour
	d := NewDispatcher(cfg, sink)
	defer d.Stop()

	for i := 0; i < 4; i++ {
		if err := d.Publish(context.Background(), testAlert()); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
		drain(t, d)
	}

	if got := sink.calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 (breaker should short-circuit the rest)", got)
	}
	if got := d.BreakerStates()["broken"]; got != "open" {
		t.Errorf("BreakerStates() = %q, want open", got)
	}
	if got := len(d.DeadLetterQueue()); got != 4 {
		t.Errorf("DeadLetterQueue() = %d records, want 4", got)
	}
}

func TestDispatcherDeadLetterCap(t *testing.T) {
	sink := &mockSink{name: "down", sendFunc: func(context.Context, *Alert) error {
		return errors.New("down")
	}}
	cfg := fastDelivery()
	cfg.MaxRetries = 1
	cfg.MaxDeadLetters = 2
	d := NewDispatcher(cfg, sink)
	defer d.Stop()

	for i := 0; i < 5; i++ {
		_ = d.Publish(context.Background(), testAlert())
	}
	drain(t, d)

	if got := len(d.DeadLetterQueue()); got != 2 {
		t.Errorf("DeadLetterQueue() = %d records, want 2", got)
	}
	if got := d.Stats()["dead_letter_dropped"]; got != 3 {
		t.Errorf("dead_letter_dropped = %v, want 3", got)
	}
}

func TestDispatcherStop(t *testing.T) {
	block := make(chan struct{})
	sink := &mockSink{name: "slow", sendFunc: func(ctx context.Context, _ *Alert) error {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return errors.New("aborted")
	}}
	cfg := fastDelivery()
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour
	d := NewDispatcher(cfg, sink)

	if err := d.Publish(context.Background(), testAlert()); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	close(block)

	// Waits out the first attempt, then aborts the hour-long backoff.
	deadline := time.Now().Add(5 * time.Second)
	for sink.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	d.Stop()
	d.Stop()

	if err := d.Publish(context.Background(), testAlert()); !errors.Is(err, ErrDispatcherStopped) {
		t.Errorf("Publish() after Stop error = %v, want ErrDispatcherStopped", err)
	}
	dlq := d.DeadLetterQueue()
	if len(dlq) != 1 || dlq[0].LastError != "dispatcher stopped" {
		t.Errorf("DeadLetterQueue() = %+v", dlq)
	}
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

func TestWebhookSinkSend(t *testing.T) {
	var (
		gotBody []byte
		gotReq  *http.Request
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotReq = r
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	sink := NewWebhookSink("soc", server.URL, "s3cret", map[string]string{"X-Tenant": "acme"})
	if sink.Name() != "soc" {
		t.Errorf("Name() = %q, want soc", sink.Name())
	}

	alert := testAlert()
	if err := sink.Send(context.Background(), alert); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if gotReq.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", gotReq.Method)
	}
	if got := gotReq.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if got := gotReq.Header.Get("X-Tenant"); got != "acme" {
		t.Errorf("X-Tenant = %q, want acme", got)
	}
	if got := gotReq.Header.Get("Idempotency-Key"); !strings.HasPrefix(got, alert.ID.String()) {
		t.Errorf("Idempotency-Key = %q", got)
	}

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write(gotBody)
	want := "sha256=" + hex.EncodeToString(mac.Sum(nil))
	if got := gotReq.Header.Get("X-Signature-256"); got != want {
		t.Errorf("X-Signature-256 = %q, want %q", got, want)
	}

	var decoded Alert
	if err := json.Unmarshal(gotBody, &decoded); err != nil {
		t.Fatalf("body is not an alert: %v", err)
	}
	if decoded.ID != alert.ID || decoded.DedupKey != alert.DedupKey {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestWebhookSinkErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	tests := []struct {
		name string
		url  string
		want string
	}{
		{name: "non-2xx", url: server.URL, want: "503"},
		{name: "unreachable", url: "http://127.0.0.1:1", want: "webhook request failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := NewWebhookSink("soc", tt.url, "", nil).Send(context.Background(), testAlert())
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Send() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestLogSinkSend(t *testing.T) {
	sink := NewLogSink(nil)
	if sink.Name() != "log" {
		t.Errorf("Name() = %q, want log", sink.Name())
	}
	if err := sink.Send(context.Background(), testAlert()); err != nil {
		t.Errorf("Send() error = %v", err)
	}
}

// ---------------------------------------------------------------------------
// Handler
// ---------------------------------------------------------------------------

func TestHandlerStatusFlow(t *testing.T) {
	clock := &fakeClock{now: t0}
	gen, _, _, _ := newTestGenerator(clock)
	a, _, err := gen.Submit(context.Background(), match("alice", t0, uuid.New()), bruteForceRule(t))
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	mux := http.NewServeMux()
	NewHandler(gen, NewDispatcher(fastDelivery())).RegisterRoutes(mux)

	body := func(key string) io.Reader {
		b, _ := json.Marshal(statusRequest{Key: key, User: "analyst"})
		return strings.NewReader(string(b))
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   io.Reader
		want   int
	}{
		{name: "get without key", method: http.MethodGet, path: "/v1/alerts", want: http.StatusBadRequest},
		{name: "get unknown", method: http.MethodGet, path: "/v1/alerts?key=nope", want: http.StatusNotFound},
		{name: "get", method: http.MethodGet, path: "/v1/alerts?key=" + urlQuery(a.DedupKey), want: http.StatusOK},
		{name: "ack bad body", method: http.MethodPost, path: "/v1/alerts/acknowledge", body: strings.NewReader("{"), want: http.StatusBadRequest},
		{name: "ack unknown", method: http.MethodPost, path: "/v1/alerts/acknowledge", body: body("nope"), want: http.StatusNotFound},
		{name: "ack", method: http.MethodPost, path: "/v1/alerts/acknowledge", body: body(a.DedupKey), want: http.StatusOK},
		{name: "resolve", method: http.MethodPost, path: "/v1/alerts/resolve", body: body(a.DedupKey), want: http.StatusOK},
		{name: "ack resolved", method: http.MethodPost, path: "/v1/alerts/acknowledge", body: body(a.DedupKey), want: http.StatusConflict},
		{name: "stats", method: http.MethodGet, path: "/v1/alerts/stats", want: http.StatusOK},
		{name: "dead letters", method: http.MethodGet, path: "/v1/alerts/dead-letters", want: http.StatusOK},
		{name: "retry bad id", method: http.MethodPost, path: "/v1/alerts/dead-letters/xyz/retry", want: http.StatusBadRequest},
		{name: "retry unknown", method: http.MethodPost, path: "/v1/alerts/dead-letters/" + uuid.NewString() + "/retry", want: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, tt.body)
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("%s %s = %d, want %d (%s)", tt.method, tt.path, rec.Code, tt.want, rec.Body.String())
			}
		})
	}
}

func urlQuery(s string) string {
	r := strings.NewReplacer("/", "%2F", "|", "%7C")
	return r.Replace(s)
}
