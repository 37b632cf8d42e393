// Package scheduler decides when each detection rule is evaluated and over
// which window. It keeps at most one evaluation in flight per (tenant, rule),
// coalescing triggers that arrive meanwhile into a single pending run.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"dfir-detect/internal/correlation"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/metrics"
	"dfir-detect/internal/queue"
	"dfir-detect/internal/schema"
)

// maxWindowsPerRun bounds how many windows one coalesced event-driven run
// evaluates.
const maxWindowsPerRun = 64

// State is the scheduling state of one (tenant, rule) key.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateSuppressed
)

func (s State) String() string {
	switch s {
	case StateRunning:
		return "running"
	case StateSuppressed:
		return "suppressed"
	default:
		return "idle"
	}
}

// RuleSet is the read side of the rule store.
type RuleSet interface {
	Tenants() []string
	Rules(tenantID string) []*correlation.CompiledRule
	Rule(tenantID, ruleID string) (*correlation.CompiledRule, bool)
}

// Hooks receive evaluation outcomes. They are called from worker goroutines
// and must be safe for concurrent use.
type Hooks struct {
	// OnResults receives the matches of one completed evaluation.
	OnResults func(rule *correlation.CompiledRule, results []correlation.MatchResult)
	// OnError receives matcher errors, timeouts and recovered panics.
	OnError func(tenantID, ruleID string, err error)
}

// Config holds scheduler configuration.
type Config struct {
	// Workers is the evaluation pool size. Zero means runtime.NumCPU().
	Workers int
	// QueueDepth bounds pending event-driven triggers.
	QueueDepth int
	// EvalTimeout bounds how long a worker waits for one evaluation.
	// Zero disables the timeout.
	EvalTimeout time.Duration
	// TickInterval drives timer-based rules. Zero disables the internal
	// ticker; Tick can still be called directly.
	TickInterval time.Duration
	// MaxFailures consecutive errors or timeouts suppress a rule.
	MaxFailures int
	// SuppressCooldown is the minimum time a rule stays suppressed.
	SuppressCooldown time.Duration
	// Clock returns the current time.
	Clock func() time.Time
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Workers:          runtime.NumCPU(),
		QueueDepth:       10000,
		EvalTimeout:      5 * time.Second,
		TickInterval:     15 * time.Second,
		MaxFailures:      5,
		SuppressCooldown: 5 * time.Minute,
		Clock:            time.Now,
	}
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU()
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// pending accumulates trigger data for the next run of a key.
type pending struct {
	event    bool
	since    time.Time // earliest triggering event
	until    time.Time // latest triggering event
	wide     bool      // no entity filter
	entities map[string]struct{}

	timer bool
	ticks []time.Time // pending tick times, ascending and distinct
}

func (p *pending) addEvent(ts time.Time, keys []string) {
	if !p.event || ts.Before(p.since) {
		p.since = ts
	}
	if !p.event || ts.After(p.until) {
		p.until = ts
	}
	p.event = true

	if len(keys) == 0 {
		p.wide = true
		p.entities = nil
		return
	}
	if p.wide {
		return
	}
	if p.entities == nil {
		p.entities = make(map[string]struct{}, len(keys))
	}
	for _, k := range keys {
		p.entities[k] = struct{}{}
	}
}

// addTick records a tick. Every distinct tick gets its own window, so a
// tick arriving while the rule runs is delayed rather than lost.
func (p *pending) addTick(now time.Time) {
	p.timer = true
	i := sort.Search(len(p.ticks), func(i int) bool {
		return !p.ticks[i].Before(now)
	})
	if i < len(p.ticks) && p.ticks[i].Equal(now) {
		return
	}
	p.ticks = append(p.ticks, time.Time{})
	copy(p.ticks[i+1:], p.ticks[i:])
	p.ticks[i] = now
}

type keyState struct {
	tenant string
	rule   string

	state   State
	queued  bool
	pending *pending

	failures      int
	lastErr       error
	suppressedAt  time.Time
	suppressedRev string
	lastRun       time.Time
	runs          uint64
}

// Scheduler runs rule evaluations on a bounded worker pool.
type Scheduler struct {
	rules RuleSet
	src   correlation.EventSource
	cfg   Config
	hooks Hooks
	queue *queue.TriggerQueue

	mu   sync.Mutex
	keys map[string]*keyState

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a scheduler evaluating rules from rules over events from src.
func New(rules RuleSet, src correlation.EventSource, cfg Config, hooks Hooks) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		rules: rules,
		src:   src,
		cfg:   cfg,
		hooks: hooks,
		queue: queue.NewTriggerQueue(cfg.QueueDepth),
		keys:  make(map[string]*keyState),
	}
}

// Start launches the worker pool and, if configured, the tick loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	// Workers outlive ctx so Stop can drain triggers already queued.
	workCtx := context.WithoutCancel(ctx)
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(workCtx)
	}
	if s.cfg.TickInterval > 0 {
		s.wg.Add(1)
		go s.tickLoop(ctx)
	}

	slog.Info("detection scheduler started",
		"workers", s.cfg.Workers,
		"queue_depth", s.queue.Depth(),
		"tick_interval", s.cfg.TickInterval,
	)
}

// Stop stops the tick loop, closes the trigger queue and waits for workers
// to drain it. An evaluation that already timed out is not waited for.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.queue.Close()
	s.wg.Wait()
	slog.Info("detection scheduler stopped")
}

func (s *Scheduler) worker(ctx context.Context) {
	defer s.wg.Done()
	for {
		t, err := s.queue.Pop(ctx)
		if err != nil {
			return
		}
		s.run(t)
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(s.cfg.Clock())
		}
	}
}

// TriggerEvent schedules every event-driven rule of the tenant that the event
// could contribute to. It returns the number of rules triggered.
func (s *Scheduler) TriggerEvent(tenantID string, ev *schema.Event) int {
	n := 0
	for _, rule := range s.rules.Rules(tenantID) {
		if !rule.EventDriven() || !rule.Relevant(ev) {
			continue
		}
		keys := correlation.TriggerEntities(rule, ev)
		s.schedule(rule, queue.KindEvent, func(p *pending) {
			p.addEvent(ev.Timestamp, keys)
		})
		n++
	}
	return n
}

// Tick schedules every timer-driven rule with a window ending at now.
func (s *Scheduler) Tick(now time.Time) int {
	n := 0
	for _, tenant := range s.rules.Tenants() {
		for _, rule := range s.rules.Rules(tenant) {
			if rule.EventDriven() {
				continue
			}
			s.schedule(rule, queue.KindTimer, func(p *pending) {
				p.addTick(now)
			})
			n++
		}
	}
	return n
}

func ruleKey(tenantID, ruleID string) string {
	return tenantID + "/" + ruleID
}

func (s *Scheduler) schedule(rule *correlation.CompiledRule, kind queue.Kind, merge func(*pending)) {
	k := ruleKey(rule.TenantID(), rule.ID())

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.keys[k]
	if st == nil {
		st = &keyState{tenant: rule.TenantID(), rule: rule.ID()}
		s.keys[k] = st
	}
	if st.state == StateSuppressed && !s.resumeLocked(st, rule) {
		return
	}

	if st.pending == nil {
		st.pending = &pending{}
	}
	merge(st.pending)

	if st.state == StateRunning || st.queued {
		metrics.TriggersCoalescedTotal.Inc()
		return
	}
	s.enqueueLocked(st, kind)
}

// enqueueLocked pushes a trigger for st. Caller holds s.mu.
func (s *Scheduler) enqueueLocked(st *keyState, kind queue.Kind) {
	dropped, err := s.queue.Push(queue.Trigger{TenantID: st.tenant, RuleID: st.rule, Kind: kind})
	if err != nil {
		st.pending = nil
		return
	}
	st.queued = true
	if dropped == nil {
		return
	}

	// The dropped key's accumulated work goes with its trigger; the next
	// event for that rule schedules it afresh.
	if d := s.keys[dropped.Key()]; d != nil {
		d.queued = false
		d.pending = nil
	}
	slog.Warn("trigger queue full, dropped event trigger",
		"tenant_id", dropped.TenantID,
		"rule_id", dropped.RuleID,
		"queue_depth", s.queue.Depth(),
	)
}

// resumeLocked lifts suppression once the cooldown has passed and the rule
// has been changed since it was suppressed. Caller holds s.mu.
func (s *Scheduler) resumeLocked(st *keyState, rule *correlation.CompiledRule) bool {
	if rule.Revision == st.suppressedRev {
		return false
	}
	if s.cfg.Clock().Sub(st.suppressedAt) < s.cfg.SuppressCooldown {
		return false
	}
	st.state = StateIdle
	st.failures = 0
	st.lastErr = nil
	s.updateSuppressedLocked()
	slog.Info("rule suppression lifted",
		"tenant_id", st.tenant,
		"rule_id", st.rule,
		"revision", rule.Revision,
	)
	return true
}

func (s *Scheduler) updateSuppressedLocked() {
	n := 0
	for _, st := range s.keys {
		if st.state == StateSuppressed {
			n++
		}
	}
	metrics.RulesSuppressed.Set(float64(n))
}

func (s *Scheduler) run(t queue.Trigger) {
	k := t.Key()

	s.mu.Lock()
	st := s.keys[k]
	if st == nil {
		s.mu.Unlock()
		return
	}
	st.queued = false
	rule, ok := s.rules.Rule(t.TenantID, t.RuleID)
	if !ok || st.state == StateSuppressed || st.pending == nil {
		// Disabled or removed since it was queued.
		st.pending = nil
		s.mu.Unlock()
		return
	}
	p := st.pending
	st.pending = nil
	st.state = StateRunning
	s.mu.Unlock()

	s.evaluate(rule, p)
}

// windows builds the evaluation windows for a pending run. Timer runs read
// one window per pending tick, oldest first. Event runs read windows ending
// just after the events whose arrival could complete a match.
func (s *Scheduler) windows(rule *correlation.CompiledRule, p *pending) []correlation.Window {
	width := rule.Window()
	tenant := rule.TenantID()

	if !p.event {
		out := make([]correlation.Window, 0, len(p.ticks))
		for _, tick := range p.ticks {
			out = append(out, correlation.Window{
				TenantID: tenant,
				Start:    tick.Add(-width),
				End:      tick,
			})
		}
		return out
	}

	var entities []string
	if !p.wide {
		entities = make([]string, 0, len(p.entities))
		for k := range p.entities {
			entities = append(entities, k)
		}
		sort.Strings(entities)
	}

	if rule.Type() == correlation.PatternFieldMatch {
		return slide(tenant, width, p.since, p.until.Add(time.Nanosecond), entities)
	}
	return s.completions(rule, p, entities)
}

// completions covers multi-event rules. A triggering event may be any step
// of a match, so the match can be completed by a buffered event up to one
// window after it. Each window ends just after one candidate completing event
// and only reports matches that event completes.
func (s *Scheduler) completions(rule *correlation.CompiledRule, p *pending, entities []string) []correlation.Window {
	width := rule.Window()
	tenant := rule.TenantID()
	horizon := p.until.Add(width)

	var ends []time.Time
	for _, ev := range s.src.Query(tenant, p.since, horizon, entities...) {
		if !rule.Relevant(ev) {
			continue
		}
		if n := len(ends); n > 0 && ends[n-1].Equal(ev.Timestamp) {
			continue
		}
		ends = append(ends, ev.Timestamp)
	}
	if len(ends) == 0 {
		return nil
	}
	if len(ends) > maxWindowsPerRun {
		return slide(tenant, width, p.since, ends[len(ends)-1].Add(time.Nanosecond), entities)
	}

	out := make([]correlation.Window, 0, len(ends))
	for _, ts := range ends {
		end := ts.Add(time.Nanosecond)
		out = append(out, correlation.Window{
			TenantID: tenant,
			Start:    end.Add(-width),
			End:      end,
			Since:    ts,
			Entities: entities,
		})
	}
	return out
}

// slide covers [since, end) with contiguous freshness ranges, each read
// through a full-width window ending at the range end.
func slide(tenant string, width time.Duration, since, end time.Time, entities []string) []correlation.Window {
	stride := width / 4
	if span := end.Sub(since); stride <= 0 || span/maxWindowsPerRun > stride {
		stride = span/maxWindowsPerRun + 1
	}

	var out []correlation.Window
	for {
		e := since.Add(stride)
		if !e.Before(end) {
			e = end
		}
		out = append(out, correlation.Window{
			TenantID: tenant,
			Start:    e.Add(-width),
			End:      e,
			Since:    since,
			Entities: entities,
		})
		if e.Equal(end) {
			return out
		}
		since = e
	}
}

type outcome struct {
	results []correlation.MatchResult
	err     error
	elapsed time.Duration
}

func (s *Scheduler) evaluate(rule *correlation.CompiledRule, p *pending) {
	if s.cfg.EvalTimeout <= 0 {
		s.finish(rule, s.match(rule, p), false)
		return
	}

	done := make(chan outcome, 1)
	go func() {
		done <- s.match(rule, p)
	}()

	timer := time.NewTimer(s.cfg.EvalTimeout)
	defer timer.Stop()

	select {
	case out := <-done:
		s.finish(rule, out, false)
	case <-timer.C:
		metrics.RecordEvaluation(string(rule.Type()), "timeout", s.cfg.EvalTimeout)
		s.fail(rule, &derrors.MatchTimeout{
			TenantID: rule.TenantID(),
			RuleID:   rule.ID(),
			Budget:   s.cfg.EvalTimeout,
		})
		// The key stays Running until the stale evaluation returns.
		go func() {
			s.finish(rule, <-done, true)
		}()
	}
}

// match builds the run's windows and evaluates them. Both count against the
// evaluation budget.
func (s *Scheduler) match(rule *correlation.CompiledRule, p *pending) (out outcome) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			out.results = nil
			out.err = &derrors.MatcherPanic{RuleID: rule.ID(), Value: r}
		}
		out.elapsed = time.Since(start)
	}()

	for _, w := range s.windows(rule, p) {
		results, err := correlation.Evaluate(rule, w, s.src)
		if err != nil {
			out.err = err
			return out
		}
		out.results = append(out.results, results...)
	}
	return out
}

// fail records one matcher failure against the rule and reports it.
func (s *Scheduler) fail(rule *correlation.CompiledRule, err error) {
	s.mu.Lock()
	if st := s.keys[ruleKey(rule.TenantID(), rule.ID())]; st != nil {
		st.failures++
		st.lastErr = err
	}
	s.mu.Unlock()

	slog.Warn("rule evaluation failed",
		"tenant_id", rule.TenantID(),
		"rule_id", rule.ID(),
		"error", derrors.SafeErrorMessage(err),
	)
	if s.hooks.OnError != nil {
		s.hooks.OnError(rule.TenantID(), rule.ID(), err)
	}
}

func (s *Scheduler) finish(rule *correlation.CompiledRule, out outcome, timedOut bool) {
	pattern := string(rule.Type())
	switch {
	case out.err != nil:
		if !timedOut {
			label := "error"
			var mp *derrors.MatcherPanic
			if errors.As(out.err, &mp) {
				label = "panic"
			}
			metrics.RecordEvaluation(pattern, label, out.elapsed)
			s.fail(rule, out.err)
		}
	case len(out.results) > 0:
		if !timedOut {
			metrics.RecordEvaluation(pattern, "match", out.elapsed)
		}
		if s.hooks.OnResults != nil {
			s.hooks.OnResults(rule, out.results)
		}
	default:
		if !timedOut {
			metrics.RecordEvaluation(pattern, "no_match", out.elapsed)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.keys[ruleKey(rule.TenantID(), rule.ID())]
	if st == nil {
		return
	}
	st.runs++
	st.lastRun = s.cfg.Clock()
	if out.err == nil && !timedOut {
		st.failures = 0
		st.lastErr = nil
	}

	if st.failures >= s.cfg.MaxFailures {
		st.state = StateSuppressed
		st.suppressedAt = s.cfg.Clock()
		st.suppressedRev = rule.Revision
		st.pending = nil
		s.updateSuppressedLocked()
		slog.Error("rule suppressed after repeated failures",
			"tenant_id", st.tenant,
			"rule_id", st.rule,
			"failures", st.failures,
			"cooldown", s.cfg.SuppressCooldown,
		)
		return
	}

	st.state = StateIdle
	if st.pending == nil || st.queued {
		return
	}
	current, ok := s.rules.Rule(st.tenant, st.rule)
	if !ok {
		st.pending = nil
		return
	}
	kind := queue.KindEvent
	if !current.EventDriven() {
		kind = queue.KindTimer
	}
	s.enqueueLocked(st, kind)
}

// Reconcile re-examines a tenant's keys after a rule refresh: suppression is
// lifted for changed rules past their cooldown and state for rules that no
// longer exist is dropped.
func (s *Scheduler) Reconcile(tenantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, st := range s.keys {
		if st.tenant != tenantID {
			continue
		}
		rule, ok := s.rules.Rule(st.tenant, st.rule)
		if !ok {
			if st.state != StateRunning && !st.queued {
				delete(s.keys, k)
			}
			continue
		}
		if st.state == StateSuppressed {
			s.resumeLocked(st, rule)
		}
	}
	s.updateSuppressedLocked()
}

// RuleStatus describes the scheduling health of one rule.
type RuleStatus struct {
	TenantID     string    `json:"tenant_id"`
	RuleID       string    `json:"rule_id"`
	State        string    `json:"state"`
	Failures     int       `json:"failures"`
	LastError    string    `json:"last_error,omitempty"`
	SuppressedAt time.Time `json:"suppressed_at,omitempty"`
	LastRun      time.Time `json:"last_run,omitempty"`
	Runs         uint64    `json:"runs"`
}

func (st *keyState) status() RuleStatus {
	rs := RuleStatus{
		TenantID: st.tenant,
		RuleID:   st.rule,
		State:    st.state.String(),
		Failures: st.failures,
		LastRun:  st.lastRun,
		Runs:     st.runs,
	}
	if st.lastErr != nil {
		rs.LastError = derrors.SafeErrorMessage(st.lastErr)
	}
	if st.state == StateSuppressed {
		rs.SuppressedAt = st.suppressedAt
	}
	return rs
}

// Status returns the status of every rule the scheduler has seen, ordered by
// tenant then rule.
func (s *Scheduler) Status() []RuleStatus {
	s.mu.Lock()
	out := make([]RuleStatus, 0, len(s.keys))
	for _, st := range s.keys {
		out = append(out, st.status())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].RuleID < out[j].RuleID
	})
	return out
}

// StatusOf returns the status of one rule.
func (s *Scheduler) StatusOf(tenantID, ruleID string) (RuleStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.keys[ruleKey(tenantID, ruleID)]
	if st == nil {
		return RuleStatus{}, false
	}
	return st.status(), true
}

// QueueMetrics returns trigger queue statistics.
func (s *Scheduler) QueueMetrics() queue.QueueMetrics {
	return s.queue.Metrics()
}

// Idle reports whether no trigger is queued and no evaluation is running.
func (s *Scheduler) Idle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.keys {
		if st.queued || st.state == StateRunning {
			return false
		}
	}
	return s.queue.Len() == 0
}

// WaitIdle blocks until the scheduler is idle or ctx is done.
func (s *Scheduler) WaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for !s.Idle() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
