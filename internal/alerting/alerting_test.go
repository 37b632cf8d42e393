package alerting

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"dfir-detect/internal/correlation"
	derrors "dfir-detect/internal/errors"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingPublisher struct {
	mu     sync.Mutex
	alerts []*Alert
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, a *Alert) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alerts = append(p.alerts, a.Clone())
	return p.err
}

func (p *recordingPublisher) published() []*Alert {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Alert(nil), p.alerts...)
}

type recordingAuditor struct {
	mu      sync.Mutex
	records []AuditRecord
}

func (a *recordingAuditor) Audit(_ context.Context, rec AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = append(a.records, rec)
	return nil
}

func (a *recordingAuditor) actions() []AuditAction {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]AuditAction, len(a.records))
	for i, r := range a.records {
		out[i] = r.Action
	}
	return out
}

func bruteForceRule(t *testing.T) *correlation.CompiledRule {
	t.Helper()
	r, err := correlation.Compile(&correlation.Rule{
		ID:          "brute-force",
		TenantID:    "acme",
		Name:        "Brute force logon",
		Type:        correlation.PatternAggregation,
		Enabled:     true,
		Severity:    7,
		Category:    "credential-access",
		Tags:        []string{"auth"},
		Window:      5 * time.Minute,
		CorrelateBy: "user",
		Conditions: []correlation.Condition{
			{Field: "action", Operator: correlation.OpEq, Value: "logon_failure"},
		},
		Aggregate: &correlation.AggregateConfig{Function: correlation.FuncCount, Threshold: 3},
	}, 0)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return r
}

func match(user string, at time.Time, ids ...uuid.UUID) correlation.MatchResult {
	return correlation.MatchResult{
		RuleID:     "brute-force",
		TenantID:   "acme",
		EventIDs:   ids,
		Entities:   map[string][]string{"user": {user}, "host": {"ws-01"}},
		MatchedAt:  at,
		Value:      float64(len(ids)),
		Confidence: 0.5,
		Severity:   6,
	}
}

func newTestGenerator(clock *fakeClock) (*Generator, *MemoryStore, *recordingPublisher, *recordingAuditor) {
	store := NewMemoryStore(128)
	store.clock = clock.Now
	pub := &recordingPublisher{}
	aud := &recordingAuditor{}
	gen := NewGenerator(store, pub, aud, GeneratorConfig{Clock: clock.Now})
	return gen, store, pub, aud
}

// ---------------------------------------------------------------------------
// Dedup policy
// ---------------------------------------------------------------------------

func TestDedupPolicyKey(t *testing.T) {
	rule := bruteForceRule(t)
	base := match("alice", t0.Add(time.Minute), uuid.New())
	baseKey, baseBucket := DedupPolicy{}.Key(base, rule)

	if !strings.HasPrefix(baseKey, "acme/brute-force|") {
		t.Errorf("Key() = %q, want tenant/rule prefix", baseKey)
	}
	if !baseBucket.Equal(t0) {
		t.Errorf("Key() bucket = %v, want %v", baseBucket, t0)
	}

	tests := []struct {
		name   string
		policy DedupPolicy
		res    correlation.MatchResult
		same   bool
	}{
		{
			name: "different evidence same entity",
			res:  match("alice", t0.Add(3*time.Minute), uuid.New(), uuid.New()),
			same: true,
		},
		{
			name: "other host ignored by default fields",
			res: func() correlation.MatchResult {
				m := match("alice", t0.Add(2*time.Minute), uuid.New())
				m.Entities["host"] = []string{"ws-99"}
				return m
			}(),
			same: true,
		},
		{
			name: "different user",
			res:  match("bob", t0.Add(time.Minute), uuid.New()),
			same: false,
		},
		{
			name: "next bucket",
			res:  match("alice", t0.Add(6*time.Minute), uuid.New()),
			same: false,
		},
		{
			name:   "host in policy fields",
			policy: DedupPolicy{Fields: []string{"user", "host"}},
			res:    match("alice", t0.Add(time.Minute), uuid.New()),
			same:   false,
		},
		{
			name:   "wider bucket spans windows",
			policy: DedupPolicy{Bucket: time.Hour},
			res:    match("alice", t0.Add(6*time.Minute), uuid.New()),
			same:   true,
		},
		{
			name: "different group key",
			res: func() correlation.MatchResult {
				m := match("alice", t0.Add(time.Minute), uuid.New())
				m.GroupKey = "10.0.0.1"
				return m
			}(),
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, _ := tt.policy.Key(tt.res, rule)
			if (key == baseKey) != tt.same {
				t.Errorf("Key() = %q, base %q, want same=%v", key, baseKey, tt.same)
			}
		})
	}
}

func TestDedupPolicyKeyOrderIndependent(t *testing.T) {
	rule := bruteForceRule(t)
	a := match("alice", t0, uuid.New())
	a.Entities["user"] = []string{"alice", "bob"}
	b := match("alice", t0, uuid.New())
	b.Entities["user"] = []string{"bob", "alice"}

	ka, _ := DedupPolicy{}.Key(a, rule)
	kb, _ := DedupPolicy{}.Key(b, rule)
	if ka != kb {
		t.Errorf("Key() = %q and %q, want equal", ka, kb)
	}
}

// ---------------------------------------------------------------------------
// Generator
// ---------------------------------------------------------------------------

func TestGeneratorSubmitLifecycle(t *testing.T) {
	clock := &fakeClock{now: t0.Add(time.Minute)}
	gen, _, pub, aud := newTestGenerator(clock)
	rule := bruteForceRule(t)
	ctx := context.Background()

	e1, e2, e3 := uuid.New(), uuid.New(), uuid.New()

	first, outcome, err := gen.Submit(ctx, match("alice", t0.Add(time.Minute), e1, e2), rule)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if outcome != OutcomeCreated {
		t.Errorf("Submit() outcome = %v, want created", outcome)
	}
	if first.Status != StatusNew || first.MatchCount != 1 || first.RuleName != "Brute force logon" {
		t.Errorf("Submit() alert = %+v", first)
	}

	again, outcome, err := gen.Submit(ctx, match("alice", t0.Add(2*time.Minute), e2, e1), rule)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if outcome != OutcomeUnchanged {
		t.Errorf("Submit() outcome = %v, want unchanged", outcome)
	}
	if again.ID != first.ID {
		t.Errorf("Submit() id = %v, want %v", again.ID, first.ID)
	}

	higher := match("alice", t0.Add(3*time.Minute), e1, e3)
	higher.Severity = 9
	merged, outcome, err := gen.Submit(ctx, higher, rule)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if outcome != OutcomeMerged {
		t.Errorf("Submit() outcome = %v, want merged", outcome)
	}
	if merged.ID != first.ID {
		t.Errorf("merged id = %v, want %v", merged.ID, first.ID)
	}
	if len(merged.EventIDs) != 3 {
		t.Errorf("merged events = %d, want 3", len(merged.EventIDs))
	}
	if merged.MatchCount != 2 {
		t.Errorf("merged MatchCount = %d, want 2", merged.MatchCount)
	}
	if merged.Severity != 9 {
		t.Errorf("merged Severity = %d, want 9", merged.Severity)
	}
	if !merged.LastSeen.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("merged LastSeen = %v", merged.LastSeen)
	}

	if got := len(pub.published()); got != 2 {
		t.Errorf("published = %d, want 2", got)
	}
	want := []AuditAction{AuditCreated, AuditMerged}
	if got := aud.actions(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("audit actions = %v, want %v", got, want)
	}
}

func TestGeneratorResolvedStartsNewAlert(t *testing.T) {
	clock := &fakeClock{now: t0.Add(time.Minute)}
	gen, _, _, aud := newTestGenerator(clock)
	rule := bruteForceRule(t)
	ctx := context.Background()

	first, _, err := gen.Submit(ctx, match("alice", t0.Add(time.Minute), uuid.New()), rule)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if _, err := gen.SetStatus(ctx, first.DedupKey, StatusResolved, "analyst"); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	second, outcome, err := gen.Submit(ctx, match("alice", t0.Add(2*time.Minute), uuid.New()), rule)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if outcome != OutcomeCreated {
		t.Errorf("Submit() outcome = %v, want created", outcome)
	}
	if second.ID == first.ID {
		t.Error("resolved alert was merged into")
	}
	if second.DedupKey != first.DedupKey {
		t.Errorf("DedupKey = %q, want %q", second.DedupKey, first.DedupKey)
	}

	got := aud.actions()
	if len(got) != 3 || got[1] != AuditStatusChanged {
		t.Errorf("audit actions = %v", got)
	}
	if aud.records[1].Actor != "analyst" {
		t.Errorf("audit actor = %q, want analyst", aud.records[1].Actor)
	}
}

func TestGeneratorMergesAcrossBucketEdge(t *testing.T) {
	clock := &fakeClock{now: t0.Add(4 * time.Minute)}
	gen, _, _, _ := newTestGenerator(clock)
	rule := bruteForceRule(t)
	ctx := context.Background()

	steps := []struct {
		at      time.Duration
		outcome Outcome
		sameID  bool
	}{
		{at: 4 * time.Minute, outcome: OutcomeCreated},
		// Next bucket, still within one window of the first match.
		{at: 6 * time.Minute, outcome: OutcomeMerged, sameID: true},
		{at: 8*time.Minute + 59*time.Second, outcome: OutcomeMerged, sameID: true},
		// A full window after the first match opens a new alert.
		{at: 10 * time.Minute, outcome: OutcomeCreated},
	}

	var first *Alert
	for _, st := range steps {
		clock.Advance(t0.Add(st.at).Sub(clock.Now()))
		a, outcome, err := gen.Submit(ctx, match("alice", t0.Add(st.at), uuid.New()), rule)
		if err != nil {
			t.Fatalf("Submit(+%v) error = %v", st.at, err)
		}
		if outcome != st.outcome {
			t.Errorf("Submit(+%v) outcome = %v, want %v", st.at, outcome, st.outcome)
		}
		if first == nil {
			first = a
			continue
		}
		if (a.ID == first.ID) != st.sameID {
			t.Errorf("Submit(+%v) id = %v, first = %v, want same = %v", st.at, a.ID, first.ID, st.sameID)
		}
	}

	a, err := gen.Get(ctx, first.DedupKey)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if a.MatchCount != 3 || len(a.EventIDs) != 3 {
		t.Errorf("Get() matches = %d events = %d, want 3 and 3", a.MatchCount, len(a.EventIDs))
	}
	if !a.FirstSeen.Equal(t0.Add(4 * time.Minute)) {
		t.Errorf("FirstSeen = %v, want %v", a.FirstSeen, t0.Add(4*time.Minute))
	}
}

func TestGeneratorConcurrentSubmit(t *testing.T) {
	clock := &fakeClock{now: t0.Add(time.Minute)}
	gen, store, pub, _ := newTestGenerator(clock)
	rule := bruteForceRule(t)

	const workers = 32
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		outcomes = map[Outcome]int{}
		ids      = map[uuid.UUID]bool{}
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, outcome, err := gen.Submit(context.Background(), match("alice", t0.Add(time.Minute), uuid.New()), rule)
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			mu.Lock()
			outcomes[outcome]++
			ids[a.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if outcomes[OutcomeCreated] != 1 {
		t.Errorf("created = %d, want 1", outcomes[OutcomeCreated])
	}
	if outcomes[OutcomeMerged] != workers-1 {
		t.Errorf("merged = %d, want %d", outcomes[OutcomeMerged], workers-1)
	}
	if len(ids) != 1 {
		t.Errorf("distinct alert ids = %d, want 1", len(ids))
	}
	if store.Len() != 1 {
		t.Errorf("store.Len() = %d, want 1", store.Len())
	}
	if got := len(pub.published()); got != workers {
		t.Errorf("published = %d, want %d", got, workers)
	}

	key, _ := DedupPolicy{}.Key(match("alice", t0.Add(time.Minute)), rule)
	a, err := gen.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(a.EventIDs) != workers || a.MatchCount != workers {
		t.Errorf("Get() events = %d matches = %d, want %d", len(a.EventIDs), a.MatchCount, workers)
	}
}

func TestGeneratorSubmitRejectsForeignMatch(t *testing.T) {
	gen, _, _, _ := newTestGenerator(&fakeClock{now: t0})
	rule := bruteForceRule(t)

	m := match("alice", t0, uuid.New())
	m.TenantID = "globex"
	_, _, err := gen.Submit(context.Background(), m, rule)
	if !derrors.IsValidation(err) {
		t.Errorf("Submit() error = %v, want validation error", err)
	}

	_, _, err = gen.Submit(context.Background(), match("alice", t0, uuid.New()), nil)
	if !derrors.IsValidation(err) {
		t.Errorf("Submit(nil rule) error = %v, want validation error", err)
	}
}

func TestGeneratorPublishFailureKeepsAlert(t *testing.T) {
	clock := &fakeClock{now: t0}
	gen, _, pub, _ := newTestGenerator(clock)
	pub.err = ErrDispatcherStopped
	rule := bruteForceRule(t)

	a, outcome, err := gen.Submit(context.Background(), match("alice", t0, uuid.New()), rule)
	if !errors.Is(err, ErrDispatcherStopped) {
		t.Fatalf("Submit() error = %v, want ErrDispatcherStopped", err)
	}
	if a == nil || outcome != OutcomeCreated {
		t.Fatalf("Submit() = %v, %v, want stored alert", a, outcome)
	}
	if _, err := gen.Get(context.Background(), a.DedupKey); err != nil {
		t.Errorf("Get() error = %v", err)
	}
}

func TestGeneratorPerRulePolicy(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := NewMemoryStore(16)
	store.clock = clock.Now
	gen := NewGenerator(store, nil, nil, GeneratorConfig{
		Clock:        clock.Now,
		RulePolicies: map[string]DedupPolicy{"brute-force": {Fields: []string{"host"}}},
	})
	rule := bruteForceRule(t)

	// Same host, different users: one alert under a host policy.
	if _, _, err := gen.Submit(context.Background(), match("alice", t0, uuid.New()), rule); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	_, outcome, err := gen.Submit(context.Background(), match("bob", t0, uuid.New()), rule)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if outcome != OutcomeMerged {
		t.Errorf("Submit() outcome = %v, want merged", outcome)
	}
}

func TestGeneratorSetStatus(t *testing.T) {
	clock := &fakeClock{now: t0}
	gen, _, _, _ := newTestGenerator(clock)
	rule := bruteForceRule(t)
	ctx := context.Background()

	a, _, err := gen.Submit(ctx, match("alice", t0, uuid.New()), rule)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}

	tests := []struct {
		name    string
		key     string
		status  AlertStatus
		wantErr error
		want    AlertStatus
	}{
		{name: "missing key", key: "acme/none|x|0", status: StatusAcknowledged, wantErr: ErrAlertNotFound},
		{name: "acknowledge", key: a.DedupKey, status: StatusAcknowledged, want: StatusAcknowledged},
		{name: "acknowledge again", key: a.DedupKey, status: StatusAcknowledged, want: StatusAcknowledged},
		{name: "resolve", key: a.DedupKey, status: StatusResolved, want: StatusResolved},
		{name: "reopen", key: a.DedupKey, status: StatusNew, wantErr: ErrInvalidTransition},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := gen.SetStatus(ctx, tt.key, tt.status, "analyst")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("SetStatus() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("SetStatus() error = %v", err)
			}
			if got.Status != tt.want {
				t.Errorf("SetStatus() status = %v, want %v", got.Status, tt.want)
			}
		})
	}

	if _, err := gen.SetStatus(ctx, a.DedupKey, "closed", ""); !derrors.IsValidation(err) {
		t.Errorf("SetStatus(unknown) error = %v, want validation error", err)
	}
}

// ---------------------------------------------------------------------------
// Memory store
// ---------------------------------------------------------------------------

func TestMemoryStoreExpiry(t *testing.T) {
	clock := &fakeClock{now: t0}
	store := NewMemoryStore(4)
	store.clock = clock.Now
	ctx := context.Background()

	put := func(ttl time.Duration, id uuid.UUID) {
		t.Helper()
		_, err := store.Upsert(ctx, "k", ttl, func(*Alert) (*Alert, error) {
			return &Alert{ID: id, DedupKey: "k"}, nil
		})
		if err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}

	id := uuid.New()
	put(time.Minute, id)
	clock.Advance(30 * time.Second)
	put(0, id)
	clock.Advance(31 * time.Second)

	if _, err := store.Get(ctx, "k"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Get() error = %v, want ErrAlertNotFound after expiry", err)
	}

	var seen *Alert
	_, _ = store.Upsert(ctx, "k", time.Minute, func(cur *Alert) (*Alert, error) {
		seen = cur
		return nil, nil
	})
	if seen != nil {
		t.Errorf("Upsert() saw expired alert %v", seen.ID)
	}
}

func TestMemoryStoreCapacity(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	for _, k := range []string{"a", "b", "c"} {
		key := k
		if _, err := store.Upsert(ctx, key, time.Hour, func(*Alert) (*Alert, error) {
			return &Alert{ID: uuid.New(), DedupKey: key}, nil
		}); err != nil {
			t.Fatalf("Upsert() error = %v", err)
		}
	}
	if store.Len() != 2 {
		t.Errorf("Len() = %d, want 2", store.Len())
	}
	if _, err := store.Get(ctx, "a"); !errors.Is(err, ErrAlertNotFound) {
		t.Errorf("Get(a) error = %v, want evicted", err)
	}
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore(2)
	ctx := context.Background()
	a, _ := store.Upsert(ctx, "k", time.Hour, func(*Alert) (*Alert, error) {
		return &Alert{ID: uuid.New(), EventIDs: []uuid.UUID{uuid.New()}}, nil
	})
	a.EventIDs[0] = uuid.Nil

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.EventIDs[0] == uuid.Nil {
		t.Error("stored alert aliased caller's slice")
	}
}

// ---------------------------------------------------------------------------
// Redis store
// ---------------------------------------------------------------------------

func TestRetryConflictsOutlastsContention(t *testing.T) {
	tests := []struct {
		name      string
		conflicts int
		final     error
		wantCalls int
		wantErr   error
	}{
		{"no conflict", 0, nil, 1, nil},
		{"within immediate retries", 3, nil, 4, nil},
		{"past immediate retries", 12, nil, 13, nil},
		{"other errors return at once", 1, redis.ErrClosed, 2, redis.ErrClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := retryConflicts(context.Background(), "k", 5, func() error {
				calls++
				if calls <= tt.conflicts {
					return redis.TxFailedErr
				}
				return tt.final
			})
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("retryConflicts() error = %v, want %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestRetryConflictsStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := retryConflicts(ctx, "k", 2, func() error { return redis.TxFailedErr })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("retryConflicts() error = %v, want context.DeadlineExceeded", err)
	}
	var race *derrors.DuplicateAlertRace
	if errors.As(err, &race) {
		t.Error("retryConflicts() surfaced DuplicateAlertRace")
	}
}

func TestRedisStoreIntegration(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	cfg := DefaultRedisConfig()
	cfg.Addr = addr
	cfg.KeyPrefix = "dfir:test:" + uuid.NewString() + ":"
	ctx := context.Background()

	store, err := NewRedisStore(ctx, cfg)
	if err != nil {
		t.Fatalf("NewRedisStore() error = %v", err)
	}
	defer store.Close()

	clock := &fakeClock{now: time.Now().UTC()}
	gen := NewGenerator(store, nil, nil, GeneratorConfig{Clock: clock.Now})
	rule := bruteForceRule(t)

	const workers = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, outcome, err := gen.Submit(ctx, match("alice", clock.Now(), uuid.New()), rule)
			if err != nil {
				t.Errorf("Submit() error = %v", err)
				return
			}
			if outcome == OutcomeCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want 1", created)
	}

	key, _ := DedupPolicy{}.Key(match("alice", clock.Now()), rule)
	a, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(a.EventIDs) != workers {
		t.Errorf("events = %d, want %d", len(a.EventIDs), workers)
	}
}
