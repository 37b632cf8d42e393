// Package api is the HTTP client the status board uses to poll a running
// detection service.
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"dfir-detect/internal/detection"
)

// Client polls the detection service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Health is the body of GET /health.
type Health struct {
	Status          string `json:"status"`
	Rules           int    `json:"rules"`
	Tenants         int    `json:"tenants"`
	BufferedEvents  int    `json:"buffered_events"`
	QueueLen        int    `json:"queue_len"`
	SuppressedRules int    `json:"suppressed_rules"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// Stats is the body of GET /v1/stats. Component stats are kept raw since
// their shape depends on which backends are enabled.
type Stats struct {
	Engine        detection.Stats            `json:"engine"`
	Components    map[string]json.RawMessage `json:"components"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
}

// RuleHealth is the body of GET /v1/rules/health.
type RuleHealth struct {
	Rules []detection.RuleHealth `json:"rules"`
	Total int                    `json:"total"`
}

// Snapshot combines health and statistics from one poll.
type Snapshot struct {
	Health  Health
	Stats   Stats
	Fetched time.Time
	// Reason explains an unhealthy or unreachable service.
	Reason string
}

// Healthy reports whether the service answered and is fully healthy.
func (s *Snapshot) Healthy() bool {
	return s.Health.Status == "healthy"
}

// NewClient creates a client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// WithAPIKey sends key in the X-API-Key header.
func (c *Client) WithAPIKey(key string) *Client {
	c.apiKey = key
	return c
}

func (c *Client) get(path string, out any, okStatus ...int) error {
	req, err := http.NewRequest(http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("connection failed: %w", err)
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	for _, s := range okStatus {
		ok = ok || resp.StatusCode == s
	}
	if !ok {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetHealth fetches GET /health. An unhealthy service answers 503 with a
// body, which is returned without error.
func (c *Client) GetHealth() (*Health, error) {
	var h Health
	if err := c.get("/health", &h, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &h, nil
}

// GetStats fetches GET /v1/stats.
func (c *Client) GetStats() (*Stats, error) {
	var s Stats
	if err := c.get("/v1/stats", &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetRuleHealth fetches GET /v1/rules/health, optionally for one tenant.
func (c *Client) GetRuleHealth(tenantID string) (*RuleHealth, error) {
	path := "/v1/rules/health"
	if tenantID != "" {
		path += "?tenant=" + tenantID
	}
	var rh RuleHealth
	if err := c.get(path, &rh); err != nil {
		return nil, err
	}
	return &rh, nil
}

// GetSnapshot polls health and stats. A service that cannot be reached is
// reported through Reason rather than an error so the board keeps polling.
func (c *Client) GetSnapshot() *Snapshot {
	snap := &Snapshot{
		Health:  Health{Status: "unknown"},
		Fetched: time.Now(),
	}

	health, err := c.GetHealth()
	if err != nil {
		snap.Reason = err.Error()
		return snap
	}
	snap.Health = *health

	stats, err := c.GetStats()
	if err != nil {
		snap.Reason = err.Error()
		return snap
	}
	snap.Stats = *stats

	switch health.Status {
	case "healthy":
		snap.Reason = "All systems operational"
	case "unhealthy":
		snap.Reason = "No detection rules loaded"
	case "degraded":
		q := stats.Engine.Queue
		switch {
		case health.SuppressedRules > 0:
			snap.Reason = fmt.Sprintf("%d rule(s) suppressed", health.SuppressedRules)
		case q.Depth > 0:
			snap.Reason = fmt.Sprintf("Trigger queue at %.0f%% of depth", float64(q.Len)/float64(q.Depth)*100)
		}
	}
	return snap
}

// FormatUptime renders seconds as "1h 2m 3s".
func FormatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	hours := int(d.Hours())
	mins := int(d.Minutes()) % 60
	secs := int(d.Seconds()) % 60

	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, mins, secs)
	}
	if mins > 0 {
		return fmt.Sprintf("%dm %ds", mins, secs)
	}
	return fmt.Sprintf("%ds", secs)
}
