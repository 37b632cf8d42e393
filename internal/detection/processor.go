// Package detection is the real-time entry point of the engine. It buffers
// ingested events, wakes the scheduler, and turns matches into alerts.
package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"dfir-detect/internal/alerting"
	"dfir-detect/internal/buffer"
	"dfir-detect/internal/correlation"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/metrics"
	"dfir-detect/internal/queue"
	"dfir-detect/internal/rulestore"
	"dfir-detect/internal/scheduler"
	"dfir-detect/internal/schema"
)

// Config holds processor configuration.
type Config struct {
	// MaxRetention is the longest history kept for any tenant.
	MaxRetention time.Duration
	// Grace is kept beyond the longest active rule span.
	Grace time.Duration
	// MaxEventsPerTenant caps each tenant's buffer. Zero means unbounded.
	MaxEventsPerTenant int
	// RefreshInterval reloads all rules. Zero disables periodic refresh.
	RefreshInterval time.Duration
	// EvictInterval runs buffer eviction. Zero disables the loop; Evict
	// can still be called directly.
	EvictInterval time.Duration
	// Chaining feeds newly created alerts back as events.
	Chaining bool

	Defaults  map[correlation.PatternType]correlation.Defaults
	Scheduler scheduler.Config
	Validator schema.ValidatorConfig
}

// DefaultConfig returns the default processor configuration.
func DefaultConfig() Config {
	return Config{
		MaxRetention:       24 * time.Hour,
		Grace:              time.Minute,
		MaxEventsPerTenant: 500000,
		RefreshInterval:    time.Minute,
		EvictInterval:      30 * time.Second,
		Chaining:           true,
		Scheduler:          scheduler.DefaultConfig(),
		Validator:          schema.ValidatorConfig{MaxFuture: 5 * time.Minute},
	}
}

// Hooks are the outbound interfaces of the processor. Both may be nil and
// must be safe for concurrent use.
type Hooks struct {
	// OnAlert is invoked once per created or merged alert.
	OnAlert func(alert *alerting.Alert, outcome alerting.Outcome)
	// OnMatcherError receives sanitized matcher errors, timeouts and
	// invalid rule reports.
	OnMatcherError func(tenantID, ruleID string, err error)
}

// AlertSubmitter records match results as alerts.
type AlertSubmitter interface {
	Submit(ctx context.Context, res correlation.MatchResult, rule *correlation.CompiledRule) (*alerting.Alert, alerting.Outcome, error)
}

// Processor wires the event buffer, rule store, scheduler and alert generator.
type Processor struct {
	cfg       Config
	buffer    *buffer.Buffer
	rules     *rulestore.Store
	sched     *scheduler.Scheduler
	alerts    AlertSubmitter
	validator *schema.Validator
	hooks     Hooks
	clock     func() time.Time

	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool

	ingested atomic.Uint64
	rejected atomic.Uint64
	alerted  atomic.Uint64
	chained  atomic.Uint64
}

// New creates a processor loading rules from src.
func New(cfg Config, src rulestore.Source, alerts AlertSubmitter, hooks Hooks) *Processor {
	if cfg.Scheduler.Clock == nil {
		cfg.Scheduler.Clock = time.Now
	}

	p := &Processor{
		cfg:       cfg,
		buffer:    buffer.New(buffer.Config{MaxEventsPerTenant: cfg.MaxEventsPerTenant}),
		alerts:    alerts,
		validator: schema.NewValidatorWithConfig(cfg.Validator),
		hooks:     hooks,
		clock:     cfg.Scheduler.Clock,
		runCtx:    context.Background(),
	}
	p.rules = rulestore.New(src, rulestore.Config{
		MaxRetention: cfg.MaxRetention,
		Defaults:     cfg.Defaults,
		OnInvalid: func(err *derrors.ValidationError) {
			p.reportError(err.TenantID, err.RuleID, err)
		},
	})
	p.sched = scheduler.New(p.rules, p.buffer, cfg.Scheduler, scheduler.Hooks{
		OnResults: p.handleResults,
		OnError:   p.reportError,
	})
	return p
}

// Start loads every tenant's rules and starts evaluation. It fails only when
// no rule at all could be loaded.
func (p *Processor) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return errors.New("detection processor already started")
	}

	if err := p.rules.RefreshAll(ctx); err != nil {
		if errors.Is(err, derrors.ErrNoRules) {
			p.started.Store(false)
			return err
		}
		slog.Warn("some tenants failed to load rules", "error", err)
	}

	// Alerts from evaluations still running at shutdown are still stored.
	p.runCtx = context.WithoutCancel(ctx)
	loopCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.sched.Start(loopCtx)

	if p.cfg.RefreshInterval > 0 {
		p.wg.Add(1)
		go p.refreshLoop(loopCtx)
	}
	if p.cfg.EvictInterval > 0 {
		p.wg.Add(1)
		go p.evictLoop(loopCtx)
	}

	slog.Info("detection processor started",
		"tenants", len(p.rules.Tenants()),
		"rules", p.rules.Count(),
		"max_span", p.rules.MaxSpan(),
		"chaining", p.cfg.Chaining,
	)
	return nil
}

// Stop stops background loops and waits for in-flight evaluations.
func (p *Processor) Stop() {
	if !p.started.Load() {
		return
	}
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.sched.Stop()
	slog.Info("detection processor stopped")
}

// Ingest buffers one normalized event and wakes the tenant's event-driven
// rules. It never waits for evaluation. Duplicate event ids are ignored.
func (p *Processor) Ingest(ctx context.Context, tenantID string, ev *schema.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev == nil {
		p.reject(tenantID)
		return derrors.NewValidationError(tenantID, "", "event", "event is nil")
	}
	if tenantID == "" {
		p.reject(tenantID)
		return derrors.NewValidationError("", "", "tenant_id", "tenant id is required")
	}

	e := *ev
	if e.TenantID == "" {
		e.TenantID = tenantID
	}
	if e.TenantID != tenantID {
		p.reject(tenantID)
		return derrors.NewValidationError(tenantID, "", "tenant_id",
			"event belongs to tenant %q", e.TenantID)
	}
	if e.SchemaVersion == "" {
		e.SchemaVersion = schema.SchemaVersionCurrent
	}
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = p.clock().UTC()
	}
	if err := p.validator.Validate(&e); err != nil {
		p.reject(tenantID)
		return derrors.NewValidationError(tenantID, "", "event", "%v", err)
	}

	p.admit(&e)
	return nil
}

func (p *Processor) reject(tenantID string) {
	p.rejected.Add(1)
	metrics.EventsIngestedTotal.WithLabelValues(tenantID, "rejected").Inc()
}

func (p *Processor) admit(ev *schema.Event) {
	if !p.buffer.Append(ev) {
		metrics.EventsIngestedTotal.WithLabelValues(ev.TenantID, "duplicate").Inc()
		return
	}
	p.ingested.Add(1)
	metrics.EventsIngestedTotal.WithLabelValues(ev.TenantID, "accepted").Inc()
	p.sched.TriggerEvent(ev.TenantID, ev)
}

// RefreshRules reloads one tenant's rules before the next scheduled tick and
// lifts suppression for rules whose definition changed.
func (p *Processor) RefreshRules(ctx context.Context, tenantID string) error {
	if err := p.rules.Refresh(ctx, tenantID); err != nil {
		return fmt.Errorf("refresh rules for tenant %s: %w", tenantID, err)
	}
	p.sched.Reconcile(tenantID)
	return nil
}

func (p *Processor) refreshAll(ctx context.Context) {
	known := p.rules.Tenants()
	if err := p.rules.RefreshAll(ctx); err != nil {
		slog.Warn("rule refresh incomplete", "error", err)
	}
	seen := make(map[string]bool)
	for _, tenant := range append(known, p.rules.Tenants()...) {
		if !seen[tenant] {
			seen[tenant] = true
			p.sched.Reconcile(tenant)
		}
	}
}

func (p *Processor) refreshLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refreshAll(ctx)
		}
	}
}

func (p *Processor) evictLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.EvictInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Evict(p.clock())
		}
	}
}

// Horizon is how far back the buffer keeps events: the longest span any
// active rule reads plus the grace margin, capped at MaxRetention.
func (p *Processor) Horizon() time.Duration {
	h := p.rules.MaxSpan() + p.cfg.Grace
	if p.cfg.MaxRetention > 0 && h > p.cfg.MaxRetention {
		h = p.cfg.MaxRetention
	}
	return h
}

// Evict drops events older than now minus the horizon.
func (p *Processor) Evict(now time.Time) int {
	horizon := p.Horizon()
	n := p.buffer.Evict(now.Add(-horizon))
	if n > 0 {
		slog.Debug("evicted buffered events", "count", n, "horizon", horizon)
	}
	return n
}

func (p *Processor) handleResults(rule *correlation.CompiledRule, results []correlation.MatchResult) {
	if p.alerts == nil {
		return
	}
	for _, res := range results {
		alert, outcome, err := p.alerts.Submit(p.runCtx, res, rule)
		if err != nil {
			slog.Error("failed to submit alert",
				"tenant_id", res.TenantID,
				"rule_id", res.RuleID,
				"error", err,
			)
		}
		if alert == nil || outcome == alerting.OutcomeUnchanged {
			continue
		}
		p.alerted.Add(1)
		if p.hooks.OnAlert != nil {
			p.hooks.OnAlert(alert, outcome)
		}
		if outcome == alerting.OutcomeCreated && p.cfg.Chaining {
			p.chain(alert, res, rule)
		}
	}
}

// chain re-ingests a new alert as a synthetic event. Depth is one more than
// the deepest synthetic event among the evidence.
func (p *Processor) chain(alert *alerting.Alert, res correlation.MatchResult, rule *correlation.CompiledRule) {
	depth := 0
	evidence := make(map[uuid.UUID]struct{}, len(res.EventIDs))
	for _, id := range res.EventIDs {
		evidence[id] = struct{}{}
	}
	for _, ev := range p.buffer.Query(res.TenantID, res.MatchedAt.Add(-rule.Span()), res.MatchedAt.Add(time.Nanosecond)) {
		if _, ok := evidence[ev.EventID]; ok {
			if d := correlation.ChainDepth(ev); d > depth {
				depth = d
			}
		}
	}

	ev := correlation.AlertEvent(alert.ID, res, rule, depth)
	if ev == nil {
		return
	}
	p.chained.Add(1)
	p.admit(ev)
}

func (p *Processor) reportError(tenantID, ruleID string, err error) {
	if p.hooks.OnMatcherError != nil {
		p.hooks.OnMatcherError(tenantID, ruleID, derrors.SanitizeError(err))
	}
}

// Tick schedules timer-driven rules with windows ending at now.
func (p *Processor) Tick(now time.Time) int {
	return p.sched.Tick(now)
}

// WaitIdle blocks until no evaluation is queued or running.
func (p *Processor) WaitIdle(ctx context.Context) error {
	return p.sched.WaitIdle(ctx)
}

// Rules exposes the rule store.
func (p *Processor) Rules() *rulestore.Store {
	return p.rules
}

// RuleHealth describes a rule that is not evaluating normally.
type RuleHealth struct {
	TenantID  string `json:"tenant_id"`
	RuleID    string `json:"rule_id"`
	State     string `json:"state"`
	Failures  int    `json:"failures,omitempty"`
	LastError string `json:"last_error,omitempty"`
	Document  string `json:"document,omitempty"`
}

// Health states reported besides the scheduler states.
const (
	HealthInvalid  = "invalid"
	HealthDisabled = "disabled"
	HealthErroring = "erroring"
)

// RuleHealth lists suppressed, erroring, disabled and invalid rules ordered by
// tenant.
func (p *Processor) RuleHealth() []RuleHealth {
	var out []RuleHealth
	for _, st := range p.sched.Status() {
		switch {
		case st.State == scheduler.StateSuppressed.String():
			out = append(out, RuleHealth{TenantID: st.TenantID, RuleID: st.RuleID, State: st.State,
				Failures: st.Failures, LastError: st.LastError})
		case st.Failures > 0:
			out = append(out, RuleHealth{TenantID: st.TenantID, RuleID: st.RuleID, State: HealthErroring,
				Failures: st.Failures, LastError: st.LastError})
		}
	}
	for _, tenant := range p.rules.Tenants() {
		for _, r := range p.rules.Disabled(tenant) {
			out = append(out, RuleHealth{TenantID: tenant, RuleID: r.ID(), State: HealthDisabled})
		}
		for _, inv := range p.rules.Invalid(tenant) {
			out = append(out, RuleHealth{TenantID: tenant, RuleID: inv.RuleID, State: HealthInvalid,
				LastError: derrors.SafeErrorMessage(errors.New(inv.Reason)), Document: inv.Document})
		}
	}
	return out
}

// Stats holds processor statistics.
type Stats struct {
	Ingested uint64             `json:"ingested"`
	Rejected uint64             `json:"rejected"`
	Alerts   uint64             `json:"alerts"`
	Chained  uint64             `json:"chained"`
	Tenants  int                `json:"tenants"`
	Rules    int                `json:"rules"`
	Horizon  string             `json:"horizon"`
	Buffer   buffer.Stats       `json:"buffer"`
	Queue    queue.QueueMetrics `json:"queue"`
}

// Stats returns processor statistics.
func (p *Processor) Stats() Stats {
	return Stats{
		Ingested: p.ingested.Load(),
		Rejected: p.rejected.Load(),
		Alerts:   p.alerted.Load(),
		Chained:  p.chained.Load(),
		Tenants:  len(p.rules.Tenants()),
		Rules:    p.rules.Count(),
		Horizon:  p.Horizon().String(),
		Buffer:   p.buffer.Stats(),
		Queue:    p.sched.QueueMetrics(),
	}
}
