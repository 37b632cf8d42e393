package correlation

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"dfir-detect/internal/schema"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func mustCompile(t *testing.T, r *Rule) *CompiledRule {
	t.Helper()
	c, err := Compile(r, 0)
	if err != nil {
		t.Fatalf("Compile(%s) error = %v", r.ID, err)
	}
	return c
}

func windowEnding(end time.Time, d time.Duration) Window {
	return Window{TenantID: "acme", Start: end.Add(-d), End: end}
}

func psConnectRule() *Rule {
	r := PowerShellExternalConnectRule()
	r.TenantID = "acme"
	return r
}

func psEvent(host string, ts time.Time) *schema.Event {
	ev := newEvent("process_create", host, ts, nil)
	ev.Entities.Process = "powershell.exe"
	return ev
}

func connectEvent(host string, ts time.Time, ip string) *schema.Event {
	return newEvent("network_connect", host, ts, map[string]any{"dest_ip": ip})
}

func TestFieldMatch_PropertyMatchesIffAnyEventSatisfies(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	actions := []string{"logon_failure", "process_create", "network_connect"}
	hosts := []string{"H1", "H2", "H3"}

	for iter := 0; iter < 200; iter++ {
		var events SliceSource
		n := rng.Intn(8)
		for i := 0; i < n; i++ {
			events = append(events, newEvent(
				actions[rng.Intn(len(actions))],
				hosts[rng.Intn(len(hosts))],
				t0.Add(time.Duration(rng.Intn(300))*time.Second),
				map[string]any{"port": rng.Intn(4)},
			))
		}

		conds := []Condition{{Field: "action", Operator: OpEq, Value: actions[rng.Intn(len(actions))]}}
		if rng.Intn(2) == 0 {
			conds = append(conds, Condition{Field: "host", Operator: OpIn, Values: []any{hosts[rng.Intn(3)], hosts[rng.Intn(3)]}})
		}
		if rng.Intn(2) == 0 {
			conds = append(conds, Condition{Field: "port", Operator: OpGte, Value: rng.Intn(4), Type: TypeNumber})
		}

		r := validRule()
		r.Conditions = conds
		rule := mustCompile(t, r)

		want := false
		for _, ev := range events {
			all := true
			for _, c := range conds {
				cc, _ := compileCondition(c)
				all = all && cc.match(ev)
			}
			want = want || all
		}

		results, err := Evaluate(rule, windowEnding(t0.Add(10*time.Minute), 20*time.Minute), events)
		if err != nil {
			t.Fatalf("Evaluate() error = %v", err)
		}
		if got := len(results) == 1; got != want {
			t.Fatalf("iteration %d: matched = %v, want %v (conds %+v)", iter, got, want, conds)
		}
		if len(results) > 1 {
			t.Fatalf("field_match returned %d results, want at most 1", len(results))
		}
	}
}

func TestFieldMatch_SinceSkipsOldEvents(t *testing.T) {
	rule := mustCompile(t, validRule())
	events := SliceSource{newEvent("logon_failure", "H1", t0, nil)}

	w := windowEnding(t0.Add(time.Minute), 5*time.Minute)
	w.Since = t0.Add(time.Second)
	results, _ := Evaluate(rule, w, events)
	if len(results) != 0 {
		t.Errorf("Evaluate() = %d results, want 0 for stale evidence", len(results))
	}
}

func TestSequence(t *testing.T) {
	tests := []struct {
		name   string
		events SliceSource
		want   int
	}{
		{
			name: "in order fires",
			events: SliceSource{
				psEvent("H1", t0),
				newEvent("logon_success", "H1", t0.Add(time.Minute), nil),
				connectEvent("H1", t0.Add(2*time.Minute), "203.0.113.7"),
			},
			want: 1,
		},
		{
			name: "out of order does not fire",
			events: SliceSource{
				connectEvent("H1", t0, "203.0.113.7"),
				psEvent("H1", t0.Add(time.Minute)),
			},
			want: 0,
		},
		{
			name: "out of order arrival with ordered timestamps fires",
			events: SliceSource{
				connectEvent("H1", t0.Add(time.Minute), "203.0.113.7"),
				psEvent("H1", t0),
			},
			want: 1,
		},
		{
			name: "different hosts do not correlate",
			events: SliceSource{
				psEvent("H1", t0),
				connectEvent("H2", t0.Add(time.Minute), "203.0.113.7"),
			},
			want: 0,
		},
		{
			name: "internal destination does not fire",
			events: SliceSource{
				psEvent("H1", t0),
				connectEvent("H1", t0.Add(time.Minute), "10.1.2.3"),
			},
			want: 0,
		},
		{
			name: "one result per host",
			events: SliceSource{
				psEvent("H1", t0),
				psEvent("H2", t0),
				connectEvent("H1", t0.Add(time.Minute), "203.0.113.7"),
				connectEvent("H2", t0.Add(time.Minute), "198.51.100.1"),
			},
			want: 2,
		},
	}

	rule := mustCompile(t, psConnectRule())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results, err := Evaluate(rule, windowEnding(t0.Add(5*time.Minute), 10*time.Minute), tt.events)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if len(results) != tt.want {
				t.Errorf("Evaluate() = %d results, want %d", len(results), tt.want)
			}
		})
	}
}

func TestSequence_FreshCompletionReusesEarlierPrefix(t *testing.T) {
	rule := mustCompile(t, psConnectRule())
	events := SliceSource{
		psEvent("H1", t0),
		connectEvent("H1", t0.Add(time.Minute), "203.0.113.7"),
		connectEvent("H1", t0.Add(3*time.Minute), "203.0.113.8"),
	}
	w := windowEnding(t0.Add(5*time.Minute), 10*time.Minute)
	w.Since = t0.Add(2 * time.Minute)

	results, _ := Evaluate(rule, w, events)
	if len(results) != 1 {
		t.Fatalf("Evaluate() = %d results, want 1", len(results))
	}
	res := results[0]
	if res.EventIDs[0] != events[0].EventID || res.EventIDs[1] != events[2].EventID {
		t.Errorf("EventIDs = %v, want [ps, fresh connect]", res.EventIDs)
	}
	if !res.MatchedAt.Equal(t0.Add(3 * time.Minute)) {
		t.Errorf("MatchedAt = %v, want %v", res.MatchedAt, t0.Add(3*time.Minute))
	}
}

func TestTemporalJoin_OrderIndependent(t *testing.T) {
	r := FailedLogonThenPrivilegeRule()
	r.TenantID = "acme"
	rule := mustCompile(t, r)

	userEvent := func(action string, ts time.Time) *schema.Event {
		ev := newEvent(action, "H1", ts, nil)
		ev.Entities.User = "alice"
		return ev
	}
	failure := userEvent("logon_failure", t0)
	escalation := userEvent("privilege_escalation", t0.Add(2*time.Minute))
	w := windowEnding(t0.Add(5*time.Minute), 10*time.Minute)

	forward, _ := Evaluate(rule, w, SliceSource{failure, escalation})
	failure2 := userEvent("logon_failure", t0.Add(2*time.Minute))
	escalation2 := userEvent("privilege_escalation", t0)
	reversed, _ := Evaluate(rule, w, SliceSource{escalation2, failure2})
	permuted, _ := Evaluate(rule, w, SliceSource{escalation, failure})

	if len(forward) != 1 || len(reversed) != 1 || len(permuted) != 1 {
		t.Fatalf("results = %d/%d/%d, want 1/1/1", len(forward), len(reversed), len(permuted))
	}
	if forward[0].GroupKey != "alice" {
		t.Errorf("GroupKey = %q, want alice", forward[0].GroupKey)
	}
	if forward[0].EventIDs[0] != permuted[0].EventIDs[0] || forward[0].EventIDs[1] != permuted[0].EventIDs[1] {
		t.Errorf("evidence differs under permutation: %v vs %v", forward[0].EventIDs, permuted[0].EventIDs)
	}

	onlyOne, _ := Evaluate(rule, w, SliceSource{failure, userEvent("logon_failure", t0.Add(time.Minute))})
	if len(onlyOne) != 0 {
		t.Errorf("Evaluate() = %d results, want 0 without an escalation", len(onlyOne))
	}
}

func TestTemporalJoin_DistinctEventsPerStep(t *testing.T) {
	r := validRule()
	r.Type = PatternTemporalJoin
	r.Conditions = nil
	r.Steps = []Step{
		{Name: "a", Conditions: []Condition{{Field: "tag", Operator: OpIn, Values: []any{"x", "y"}}}},
		{Name: "b", Conditions: []Condition{{Field: "tag", Operator: OpEq, Value: "x"}}},
	}
	rule := mustCompile(t, r)
	w := windowEnding(t0.Add(time.Minute), 5*time.Minute)

	single := SliceSource{newEvent("dns_query", "H1", t0, map[string]any{"tag": "x"})}
	if res, _ := Evaluate(rule, w, single); len(res) != 0 {
		t.Errorf("one event satisfied two steps: %d results, want 0", len(res))
	}

	// Greedy step order would give "x" to step a and starve step b.
	pair := SliceSource{
		newEvent("dns_query", "H1", t0, map[string]any{"tag": "x"}),
		newEvent("dns_query", "H1", t0.Add(time.Second), map[string]any{"tag": "y"}),
	}
	if res, _ := Evaluate(rule, w, pair); len(res) != 1 {
		t.Errorf("Evaluate() = %d results, want 1", len(res))
	}
}

func TestAggregation(t *testing.T) {
	tests := []struct {
		name      string
		agg       AggregateConfig
		wantGroup []string
		wantValue float64
	}{
		{"count per host", AggregateConfig{Function: FuncCount, GroupBy: "host", Threshold: 3}, []string{"H1"}, 3},
		{"sum bytes", AggregateConfig{Function: FuncSum, Field: "bytes", GroupBy: "host", Threshold: 500}, []string{"H1", "H2"}, 600},
		{"count distinct users", AggregateConfig{Function: FuncCountDistinct, Field: "user", GroupBy: "host", Threshold: 2}, []string{"H1"}, 2},
		{"ungrouped count", AggregateConfig{Function: FuncCount, Threshold: 4}, []string{""}, 4},
		{"below threshold", AggregateConfig{Function: FuncCount, GroupBy: "host", Threshold: 10}, nil, 0},
	}

	events := SliceSource{}
	for i, host := range []string{"H1", "H1", "H1", "H2"} {
		ev := newEvent("logon_failure", host, t0.Add(time.Duration(i)*time.Second), map[string]any{"bytes": 200})
		ev.Entities.User = fmt.Sprintf("user%d", i%2)
		events = append(events, ev)
	}
	events[3].Fields["bytes"] = 600

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRule()
			r.Type = PatternAggregation
			agg := tt.agg
			r.Aggregate = &agg
			results, err := Evaluate(mustCompile(t, r), windowEnding(t0.Add(time.Minute), 5*time.Minute), events)
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if len(results) != len(tt.wantGroup) {
				t.Fatalf("Evaluate() = %d results, want %d", len(results), len(tt.wantGroup))
			}
			for i, res := range results {
				if res.GroupKey != tt.wantGroup[i] {
					t.Errorf("GroupKey = %q, want %q", res.GroupKey, tt.wantGroup[i])
				}
			}
			if len(results) > 0 && results[0].Value != tt.wantValue {
				t.Errorf("Value = %v, want %v", results[0].Value, tt.wantValue)
			}
		})
	}
}

func spikeRule(cfg SpikeConfig) *Rule {
	r := LogonFailureSpikeRule()
	r.TenantID = "acme"
	r.Spike = &cfg
	return r
}

func TestSpike_ThreeFailuresAgainstSingleBaseline(t *testing.T) {
	rule := mustCompile(t, spikeRule(SpikeConfig{GroupBy: "host", Ratio: 3, MinBaseline: 1}))
	events := SliceSource{
		newEvent("logon_failure", "H1", t0.Add(-7*time.Minute), nil), // baseline window
		newEvent("logon_failure", "H1", t0, nil),
		newEvent("logon_failure", "H1", t0.Add(30*time.Second), nil),
		newEvent("logon_failure", "H1", t0.Add(45*time.Second), nil),
	}

	end := t0.Add(time.Minute)
	results, err := Evaluate(rule, Window{TenantID: "acme", Start: end.Add(-rule.Span()), End: end}, events)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("Evaluate() = %d results, want 1", len(results))
	}
	res := results[0]
	if res.Value != 3 || res.Baseline != 1 {
		t.Errorf("Value/Baseline = %v/%v, want 3/1", res.Value, res.Baseline)
	}
	if len(res.EventIDs) != 3 {
		t.Errorf("len(EventIDs) = %d, want 3 current-window events", len(res.EventIDs))
	}
	if !res.MatchedAt.Equal(t0.Add(45 * time.Second)) {
		t.Errorf("MatchedAt = %v, want t0+45s", res.MatchedAt)
	}
}

func TestSpike_Eligibility(t *testing.T) {
	current := func() SliceSource {
		return SliceSource{
			newEvent("logon_failure", "H1", t0, nil),
			newEvent("logon_failure", "H1", t0.Add(10*time.Second), nil),
			newEvent("logon_failure", "H1", t0.Add(20*time.Second), nil),
		}
	}
	end := t0.Add(time.Minute)

	tests := []struct {
		name     string
		cfg      SpikeConfig
		baseline int
		want     int
	}{
		{"no baseline is not eligible", SpikeConfig{GroupBy: "host", Ratio: 2}, 0, 0},
		{"baseline below minimum", SpikeConfig{GroupBy: "host", Ratio: 1, MinBaseline: 2}, 1, 0},
		{"ratio below threshold", SpikeConfig{GroupBy: "host", Ratio: 2}, 2, 0},
		{"delta fires", SpikeConfig{GroupBy: "host", Delta: 2}, 1, 1},
		{"delta below threshold", SpikeConfig{GroupBy: "host", Delta: 3}, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events := current()
			for i := 0; i < tt.baseline; i++ {
				events = append(events, newEvent("logon_failure", "H1", t0.Add(-5*time.Minute-time.Duration(i)*time.Second), nil))
			}
			rule := mustCompile(t, spikeRule(tt.cfg))
			results, _ := Evaluate(rule, Window{TenantID: "acme", Start: end.Add(-rule.Span()), End: end}, events)
			if len(results) != tt.want {
				t.Errorf("Evaluate() = %d results, want %d", len(results), tt.want)
			}
		})
	}
}

func TestSpike_DeviationMode(t *testing.T) {
	cfg := SpikeConfig{GroupBy: "host", Deviation: 2, BaselineBuckets: 4, MinBaseline: 1}
	rule := mustCompile(t, spikeRule(cfg))
	w := rule.Window()
	end := t0

	var events SliceSource
	// Baseline buckets hold 1, 2, 1, 2 events.
	for k, n := range []int{1, 2, 1, 2} {
		bucketStart := end.Add(-time.Duration(k+2) * w)
		for i := 0; i < n; i++ {
			events = append(events, newEvent("logon_failure", "H1", bucketStart.Add(time.Duration(i)*time.Second), nil))
		}
	}
	for i := 0; i < 6; i++ {
		events = append(events, newEvent("logon_failure", "H1", end.Add(-w).Add(time.Duration(i)*time.Second), nil))
	}

	results, _ := Evaluate(rule, Window{TenantID: "acme", Start: end.Add(-rule.Span()), End: end}, events)
	if len(results) != 1 {
		t.Fatalf("Evaluate() = %d results, want 1", len(results))
	}
	if results[0].Baseline != 1.5 || results[0].Value != 6 {
		t.Errorf("Baseline/Value = %v/%v, want 1.5/6", results[0].Baseline, results[0].Value)
	}
}

func TestEvaluate_Deterministic(t *testing.T) {
	rule := mustCompile(t, psConnectRule())
	events := SliceSource{
		psEvent("H1", t0),
		connectEvent("H1", t0.Add(time.Minute), "203.0.113.7"),
	}
	w := windowEnding(t0.Add(5*time.Minute), 10*time.Minute)
	a, _ := Evaluate(rule, w, events)
	b, _ := Evaluate(rule, w, events)
	if fmt.Sprint(a) != fmt.Sprint(b) {
		t.Errorf("repeated evaluation differs:\n%v\n%v", a, b)
	}
}

func TestEvaluate_RejectsForeignTenant(t *testing.T) {
	rule := mustCompile(t, validRule())
	_, err := Evaluate(rule, Window{TenantID: "other", Start: t0, End: t0.Add(time.Minute)}, SliceSource{})
	if err == nil {
		t.Error("Evaluate() error = nil, want tenant mismatch")
	}
}

func TestScoreSeverity(t *testing.T) {
	tests := []struct {
		base       int
		confidence float64
		want       int
	}{
		{10, 1, 10},
		{10, 0, 8},
		{5, 0.5, 5},
		{1, 0, 1},
		{7, 2, 7},
	}
	for _, tt := range tests {
		if got := ScoreSeverity(tt.base, tt.confidence); got != tt.want {
			t.Errorf("ScoreSeverity(%d, %v) = %d, want %d", tt.base, tt.confidence, got, tt.want)
		}
	}
}

func TestAlertEvent_DepthLimit(t *testing.T) {
	rule := mustCompile(t, psConnectRule())
	res := MatchResult{
		RuleID:    rule.ID(),
		TenantID:  "acme",
		Entities:  map[string][]string{"host": {"H1"}},
		MatchedAt: t0,
	}

	ev := AlertEvent([16]byte{1}, res, rule, 0)
	if ev == nil {
		t.Fatal("AlertEvent() = nil at depth 0")
	}
	if ev.Action != ActionAlertFired || ev.Entities.Host != "H1" || ChainDepth(ev) != 1 {
		t.Errorf("AlertEvent() = action %q host %q depth %d", ev.Action, ev.Entities.Host, ChainDepth(ev))
	}
	if err := schema.NewValidatorWithConfig(schema.ValidatorConfig{}).Validate(ev); err != nil {
		t.Errorf("synthetic event does not validate: %v", err)
	}
	if AlertEvent([16]byte{1}, res, rule, MaxChainDepth) != nil {
		t.Error("AlertEvent() at max depth should return nil")
	}
}
