package alerting

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Sink receives published alerts. Deliveries are at-least-once: a sink may
// see the same alert id or dedup key more than once and must handle it
// idempotently.
type Sink interface {
	Name() string
	Send(ctx context.Context, alert *Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc struct {
	SinkName string
	Fn       func(ctx context.Context, alert *Alert) error
}

func (s SinkFunc) Name() string { return s.SinkName }

func (s SinkFunc) Send(ctx context.Context, alert *Alert) error { return s.Fn(ctx, alert) }

// WebhookSink posts alerts as JSON to an HTTP endpoint.
type WebhookSink struct {
	name    string
	url     string
	secret  []byte
	headers map[string]string
	client  *http.Client
}

// NewWebhookSink creates a webhook sink. When secret is non-empty every body
// is signed with HMAC-SHA256 in the X-Signature-256 header.
func NewWebhookSink(name, url, secret string, headers map[string]string) *WebhookSink {
	return &WebhookSink{
		name:    name,
		url:     url,
		secret:  []byte(secret),
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (w *WebhookSink) Name() string {
	return w.name
}

func (w *WebhookSink) Send(ctx context.Context, alert *Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", alert.ID.String()+":"+fmt.Sprint(alert.MatchCount))
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	if len(w.secret) > 0 {
		mac := hmac.New(sha256.New, w.secret)
		mac.Write(payload)
		req.Header.Set("X-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, string(body))
	}

	return nil
}

// LogSink writes alerts to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a log sink. A nil logger uses slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (l *LogSink) Name() string {
	return "log"
}

func (l *LogSink) Send(ctx context.Context, alert *Alert) error {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "alert",
		slog.String("alert_id", alert.ID.String()),
		slog.String("tenant_id", alert.TenantID),
		slog.String("rule_id", alert.RuleID),
		slog.String("rule_name", alert.RuleName),
		slog.Int("severity", alert.Severity),
		slog.String("status", string(alert.Status)),
		slog.Int("events", len(alert.EventIDs)),
		slog.Int("match_count", alert.MatchCount),
		slog.String("dedup_key", alert.DedupKey),
	)
	return nil
}
