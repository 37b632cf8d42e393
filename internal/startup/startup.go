// Package startup runs preflight diagnostics before the detection service
// starts accepting events.
package startup

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"time"

	"dfir-detect/internal/config"
)

// DiagnosticResult represents the result of a diagnostic check
type DiagnosticResult struct {
	Name    string
	Status  Status
	Message string
	Details map[string]string
}

// Status represents the status of a diagnostic check
type Status int

const (
	StatusOK Status = iota
	StatusWarning
	StatusError
	StatusSkipped
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusWarning:
		return "WARNING"
	case StatusError:
		return "ERROR"
	case StatusSkipped:
		return "SKIPPED"
	default:
		return "UNKNOWN"
	}
}

// DialFunc opens a TCP connection. Tests replace it.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// Diagnostics runs all startup diagnostics
type Diagnostics struct {
	cfg         *config.Config
	results     []DiagnosticResult
	logger      *slog.Logger
	dial        DialFunc
	dialTimeout time.Duration
	checkPort   bool
}

// NewDiagnostics creates a new diagnostics runner
func NewDiagnostics(cfg *config.Config, logger *slog.Logger) *Diagnostics {
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{}
	return &Diagnostics{
		cfg:         cfg,
		logger:      logger,
		dial:        d.DialContext,
		dialTimeout: 3 * time.Second,
		checkPort:   true,
	}
}

// WithDialer replaces the dialer used for dependency checks.
func (d *Diagnostics) WithDialer(dial DialFunc) *Diagnostics {
	d.dial = dial
	return d
}

// SkipPortCheck disables the HTTP port bind check.
func (d *Diagnostics) SkipPortCheck() *Diagnostics {
	d.checkPort = false
	return d
}

// RunAll runs all diagnostic checks
func (d *Diagnostics) RunAll(ctx context.Context) []DiagnosticResult {
	d.logger.Info("running startup diagnostics")

	d.checkRuntime()
	d.checkRuleSources()
	if d.checkPort {
		d.checkHTTPPort()
	}
	d.checkSecurity()
	d.checkDependencies(ctx)

	d.logSummary()
	return d.results
}

// Results returns the results of the last run.
func (d *Diagnostics) Results() []DiagnosticResult {
	return d.results
}

func (d *Diagnostics) addResult(result DiagnosticResult) {
	d.results = append(d.results, result)

	attrs := []any{
		"check", result.Name,
		"status", result.Status.String(),
	}
	if result.Message != "" {
		attrs = append(attrs, "message", result.Message)
	}
	for k, v := range result.Details {
		attrs = append(attrs, k, v)
	}

	switch result.Status {
	case StatusOK:
		d.logger.Info("diagnostic check passed", attrs...)
	case StatusWarning:
		d.logger.Warn("diagnostic check warning", attrs...)
	case StatusError:
		d.logger.Error("diagnostic check failed", attrs...)
	case StatusSkipped:
		d.logger.Debug("diagnostic check skipped", attrs...)
	}
}

func (d *Diagnostics) checkRuntime() {
	workers := d.cfg.Detection.Workers
	if workers == 0 {
		workers = runtime.NumCPU()
	}
	d.addResult(DiagnosticResult{
		Name:    "runtime",
		Status:  StatusOK,
		Message: "Go runtime detected",
		Details: map[string]string{
			"go_version": runtime.Version(),
			"cpus":       fmt.Sprintf("%d", runtime.NumCPU()),
			"workers":    fmt.Sprintf("%d", workers),
		},
	})
}

func (d *Diagnostics) checkRuleSources() {
	rules := d.cfg.Rules

	if rules.Dir == "" {
		d.addResult(DiagnosticResult{Name: "rules_dir", Status: StatusSkipped, Message: "No rule directory configured"})
	} else {
		entries, err := os.ReadDir(rules.Dir)
		switch {
		case err != nil:
			d.addResult(DiagnosticResult{
				Name:    "rules_dir",
				Status:  StatusWarning,
				Message: fmt.Sprintf("Rule directory is not readable: %s", err),
				Details: map[string]string{"dir": rules.Dir},
			})
		default:
			var tenants int
			for _, e := range entries {
				if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
					tenants++
				}
			}
			status, msg := StatusOK, "Rule directory found"
			if tenants == 0 {
				status, msg = StatusWarning, "Rule directory has no tenant folders"
			}
			d.addResult(DiagnosticResult{
				Name:    "rules_dir",
				Status:  status,
				Message: msg,
				Details: map[string]string{"dir": rules.Dir, "tenants": fmt.Sprintf("%d", tenants)},
			})
		}
	}

	if len(rules.BuiltinTenants) > 0 {
		d.addResult(DiagnosticResult{
			Name:    "builtin_rules",
			Status:  StatusOK,
			Message: "Builtin rules enabled",
			Details: map[string]string{"tenants": strings.Join(rules.BuiltinTenants, ",")},
		})
	}
}

func (d *Diagnostics) checkHTTPPort() {
	port := d.cfg.Server.HTTPPort
	details := map[string]string{"port": fmt.Sprintf("%d", port)}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		d.addResult(DiagnosticResult{
			Name:    "http_port",
			Status:  StatusError,
			Message: fmt.Sprintf("Port %d is not available: %s", port, err),
			Details: details,
		})
		return
	}
	listener.Close()
	d.addResult(DiagnosticResult{
		Name:    "http_port",
		Status:  StatusOK,
		Message: fmt.Sprintf("Port %d is available", port),
		Details: details,
	})
}

func (d *Diagnostics) checkSecurity() {
	if !d.cfg.Ingest.Auth.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusWarning,
			Message: "API key authentication is DISABLED - any client can ingest events",
		})
	} else {
		d.addResult(DiagnosticResult{
			Name:    "auth",
			Status:  StatusOK,
			Message: "API key authentication enabled",
			Details: map[string]string{"keys": fmt.Sprintf("%d", len(d.cfg.Ingest.Auth.APIKeys))},
		})
	}

	if !d.cfg.Ingest.RateLimit.Enabled {
		d.addResult(DiagnosticResult{
			Name:    "rate_limit",
			Status:  StatusWarning,
			Message: "Rate limiting is DISABLED",
		})
	}

	if d.cfg.Kafka.Enabled && d.cfg.Kafka.SecurityProtocol == "PLAINTEXT" {
		d.addResult(DiagnosticResult{
			Name:    "kafka_security",
			Status:  StatusWarning,
			Message: "Kafka uses PLAINTEXT - events and alerts are not encrypted in transit",
		})
	}
}

// checkDependencies dials every enabled backend. Failures are errors for
// backends the service cannot start without.
func (d *Diagnostics) checkDependencies(ctx context.Context) {
	type target struct {
		name     string
		enabled  bool
		hosts    []string
		required bool
	}
	targets := []target{
		{"clickhouse", d.cfg.Storage.ClickHouse.Enabled, d.cfg.Storage.ClickHouse.Hosts, true},
		{"kafka", d.cfg.Kafka.Enabled, d.cfg.Kafka.Brokers, true},
		{"redis", d.cfg.Alerting.Dedup.Store == "redis", []string{d.cfg.Alerting.Redis.Addr}, true},
	}
	for _, wh := range d.cfg.Alerting.Webhooks {
		targets = append(targets, target{"webhook_" + wh.Name, true, []string{webhookHost(wh.URL)}, false})
	}

	for _, t := range targets {
		if !t.enabled {
			d.addResult(DiagnosticResult{Name: t.name, Status: StatusSkipped, Message: "Disabled"})
			continue
		}
		d.dialAny(ctx, t.name, t.hosts, t.required)
	}
}

func (d *Diagnostics) dialAny(ctx context.Context, name string, hosts []string, required bool) {
	var lastErr error
	for _, host := range hosts {
		if host == "" {
			continue
		}
		dialCtx, cancel := context.WithTimeout(ctx, d.dialTimeout)
		conn, err := d.dial(dialCtx, "tcp", host)
		cancel()
		if err == nil {
			conn.Close()
			d.addResult(DiagnosticResult{
				Name:    name,
				Status:  StatusOK,
				Message: "Reachable",
				Details: map[string]string{"host": host},
			})
			return
		}
		lastErr = err
	}

	status := StatusWarning
	if required {
		status = StatusError
	}
	msg := "No address configured"
	if lastErr != nil {
		msg = fmt.Sprintf("Cannot connect: %s", lastErr)
	}
	d.addResult(DiagnosticResult{
		Name:    name,
		Status:  status,
		Message: msg,
		Details: map[string]string{"hosts": strings.Join(hosts, ",")},
	})
}

// webhookHost extracts host:port from a webhook URL.
func webhookHost(raw string) string {
	rest := raw
	port := "80"
	switch {
	case strings.HasPrefix(rest, "https://"):
		rest, port = strings.TrimPrefix(rest, "https://"), "443"
	case strings.HasPrefix(rest, "http://"):
		rest = strings.TrimPrefix(rest, "http://")
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	if i := strings.LastIndex(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}
	if _, _, err := net.SplitHostPort(rest); err == nil {
		return rest
	}
	return net.JoinHostPort(rest, port)
}

func (d *Diagnostics) logSummary() {
	var ok, warnings, errors, skipped int
	for _, r := range d.results {
		switch r.Status {
		case StatusOK:
			ok++
		case StatusWarning:
			warnings++
		case StatusError:
			errors++
		case StatusSkipped:
			skipped++
		}
	}

	d.logger.Info("diagnostics summary",
		"passed", ok,
		"warnings", warnings,
		"errors", errors,
		"skipped", skipped,
	)
}

// HasErrors returns true if any diagnostic check failed
func (d *Diagnostics) HasErrors() bool {
	for _, r := range d.results {
		if r.Status == StatusError {
			return true
		}
	}
	return false
}

// HasWarnings returns true if any diagnostic check has warnings
func (d *Diagnostics) HasWarnings() bool {
	for _, r := range d.results {
		if r.Status == StatusWarning {
			return true
		}
	}
	return false
}
