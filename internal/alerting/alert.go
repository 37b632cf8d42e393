// Package alerting turns match results into deduplicated, severity-scored
// alerts and delivers them to downstream sinks.
package alerting

import (
	"time"

	"github.com/google/uuid"

	"dfir-detect/internal/correlation"
)

// MaxAlertEvents caps the evidence ids one alert accumulates across merges.
const MaxAlertEvents = 1000

// AlertStatus represents the status of an alert.
type AlertStatus string

const (
	StatusNew          AlertStatus = "new"
	StatusAcknowledged AlertStatus = "acknowledged"
	StatusResolved     AlertStatus = "resolved"
)

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case StatusNew, StatusAcknowledged, StatusResolved:
		return true
	}
	return false
}

// Outcome tells what a submission did to the alert store.
type Outcome int

const (
	// OutcomeCreated started a new alert.
	OutcomeCreated Outcome = iota
	// OutcomeMerged folded the match into an active alert.
	OutcomeMerged
	// OutcomeUnchanged carried no evidence the active alert did not already have.
	OutcomeUnchanged
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCreated:
		return "created"
	case OutcomeMerged:
		return "merged"
	default:
		return "unchanged"
	}
}

// Alert is a deduplicated detection.
type Alert struct {
	ID         uuid.UUID                 `json:"id"`
	TenantID   string                    `json:"tenant_id"`
	RuleID     string                    `json:"rule_id"`
	RuleName   string                    `json:"rule_name"`
	Category   string                    `json:"category,omitempty"`
	Severity   int                       `json:"severity"`
	Confidence float64                   `json:"confidence"`
	Status     AlertStatus               `json:"status"`
	DedupKey   string                    `json:"dedup_key"`
	Bucket     time.Time                 `json:"bucket"`
	GroupKey   string                    `json:"group_key,omitempty"`
	EventIDs   []uuid.UUID               `json:"event_ids"`
	Entities   map[string][]string       `json:"entities,omitempty"`
	Value      float64                   `json:"value,omitempty"`
	Baseline   float64                   `json:"baseline,omitempty"`
	FirstSeen  time.Time                 `json:"first_seen"`
	LastSeen   time.Time                 `json:"last_seen"`
	MatchCount int                       `json:"match_count"`
	Tags       []string                  `json:"tags,omitempty"`
	MITRE      *correlation.MITREMapping `json:"mitre,omitempty"`
	CreatedAt  time.Time                 `json:"created_at"`
	UpdatedAt  time.Time                 `json:"updated_at"`
	// ExpiresAt is when the dedup store forgets the alert.
	ExpiresAt time.Time `json:"expires_at"`
}

// Clone returns a deep copy of the alert.
func (a *Alert) Clone() *Alert {
	cp := *a
	cp.EventIDs = append([]uuid.UUID(nil), a.EventIDs...)
	cp.Tags = append([]string(nil), a.Tags...)
	if a.Entities != nil {
		cp.Entities = make(map[string][]string, len(a.Entities))
		for k, v := range a.Entities {
			cp.Entities[k] = append([]string(nil), v...)
		}
	}
	if a.MITRE != nil {
		m := *a.MITRE
		m.Techniques = append([]string(nil), a.MITRE.Techniques...)
		cp.MITRE = &m
	}
	return &cp
}

func newAlert(key string, bucket time.Time, res correlation.MatchResult, rule *correlation.CompiledRule, now time.Time) *Alert {
	a := &Alert{
		ID:         uuid.New(),
		TenantID:   res.TenantID,
		RuleID:     res.RuleID,
		RuleName:   rule.Rule.Name,
		Category:   rule.Rule.Category,
		Severity:   res.Severity,
		Confidence: res.Confidence,
		Status:     StatusNew,
		DedupKey:   key,
		Bucket:     bucket,
		GroupKey:   res.GroupKey,
		EventIDs:   capEvents(append([]uuid.UUID(nil), res.EventIDs...)),
		Entities:   make(map[string][]string, len(res.Entities)),
		Value:      res.Value,
		Baseline:   res.Baseline,
		FirstSeen:  res.MatchedAt,
		LastSeen:   res.MatchedAt,
		MatchCount: 1,
		Tags:       append([]string(nil), rule.Rule.Tags...),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	for k, v := range res.Entities {
		a.Entities[k] = append([]string(nil), v...)
	}
	if rule.Rule.MITRE != nil {
		m := *rule.Rule.MITRE
		a.MITRE = &m
	}
	return a
}

// merge folds a match into a copy of the alert. It returns nil when the match
// adds no new evidence.
func (a *Alert) merge(res correlation.MatchResult, now time.Time) *Alert {
	seen := make(map[uuid.UUID]struct{}, len(a.EventIDs))
	for _, id := range a.EventIDs {
		seen[id] = struct{}{}
	}
	var fresh []uuid.UUID
	for _, id := range res.EventIDs {
		if _, ok := seen[id]; !ok {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) == 0 {
		return nil
	}

	out := a.Clone()
	out.EventIDs = capEvents(append(out.EventIDs, fresh...))
	out.MatchCount++
	if res.MatchedAt.After(out.LastSeen) {
		out.LastSeen = res.MatchedAt
	}
	if res.MatchedAt.Before(out.FirstSeen) {
		out.FirstSeen = res.MatchedAt
	}
	if res.Severity > out.Severity {
		out.Severity = res.Severity
	}
	if res.Confidence > out.Confidence {
		out.Confidence = res.Confidence
	}
	if res.Value > out.Value {
		out.Value = res.Value
		out.Baseline = res.Baseline
	}
	if out.Entities == nil {
		out.Entities = make(map[string][]string)
	}
	for kind, values := range res.Entities {
		out.Entities[kind] = unionStrings(out.Entities[kind], values)
	}
	out.UpdatedAt = now
	return out
}

func capEvents(ids []uuid.UUID) []uuid.UUID {
	if len(ids) > MaxAlertEvents {
		return ids[:MaxAlertEvents]
	}
	return ids
}

func unionStrings(a, b []string) []string {
	seen := make(map[string]struct{}, len(a))
	for _, v := range a {
		seen[v] = struct{}{}
	}
	for _, v := range b {
		if _, ok := seen[v]; !ok {
			seen[v] = struct{}{}
			a = append(a, v)
		}
	}
	return a
}
