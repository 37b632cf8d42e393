package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dfir-detect/internal/correlation"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/metrics"
)

// ErrInvalidTransition is returned when a resolved alert is reopened.
var ErrInvalidTransition = errors.New("invalid alert status transition")

// Publisher delivers stored alerts downstream.
type Publisher interface {
	Publish(ctx context.Context, alert *Alert) error
}

// GeneratorConfig configures alert generation.
type GeneratorConfig struct {
	// Policy applies to every rule without an entry in RulePolicies.
	Policy DedupPolicy
	// RulePolicies overrides the policy per rule id.
	RulePolicies map[string]DedupPolicy
	Clock        func() time.Time
	Logger       *slog.Logger
}

// Generator turns match results into deduplicated alerts.
type Generator struct {
	store     DedupStore
	publisher Publisher
	auditor   Auditor
	config    GeneratorConfig
	logger    *slog.Logger
}

// NewGenerator creates a generator. publisher and auditor may be nil.
func NewGenerator(store DedupStore, publisher Publisher, auditor Auditor, cfg GeneratorConfig) *Generator {
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{
		store:     store,
		publisher: publisher,
		auditor:   auditor,
		config:    cfg,
		logger:    logger.With("component", "alerting"),
	}
}

// PolicyFor returns the dedup policy applied to a rule.
func (g *Generator) PolicyFor(rule *correlation.CompiledRule) DedupPolicy {
	if p, ok := g.config.RulePolicies[rule.ID()]; ok {
		return p
	}
	return g.config.Policy
}

// Submit records a match. A match whose dedup key names an active alert is
// merged into it; otherwise a new alert is created. Created and merged
// alerts are audited and published. The returned error is non-nil when the
// alert could not be stored, or when it was stored but publishing failed.
func (g *Generator) Submit(ctx context.Context, res correlation.MatchResult, rule *correlation.CompiledRule) (*Alert, Outcome, error) {
	if rule == nil {
		return nil, OutcomeUnchanged, derrors.NewValidationError(res.TenantID, res.RuleID, "rule", "rule is required")
	}
	if res.TenantID != rule.TenantID() || res.RuleID != rule.ID() {
		return nil, OutcomeUnchanged, derrors.NewValidationError(res.TenantID, res.RuleID, "tenant_id",
			"match belongs to %s/%s, not %s/%s", res.TenantID, res.RuleID, rule.TenantID(), rule.ID())
	}

	policy := g.PolicyFor(rule)
	key, bucket := policy.Key(res, rule)
	width := policy.BucketFor(rule)

	// Buckets sit on a fixed grid. A re-fire just past an edge still belongs
	// to the previous bucket's alert while it is within one bucket width of
	// that alert's first match.
	prevBucket := bucket.Add(-width)
	prevKey := policy.KeyAt(res, rule, prevBucket)
	if prev, err := g.store.Get(ctx, prevKey); err == nil &&
		prev.Status != StatusResolved && res.MatchedAt.Before(prev.FirstSeen.Add(width)) {
		key, bucket = prevKey, prevBucket
	}

	now := g.config.Clock()
	ttl := bucket.Add(2 * width).Sub(now)
	if ttl < width {
		ttl = width
	}

	var outcome Outcome
	alert, err := g.store.Upsert(ctx, key, ttl, func(cur *Alert) (*Alert, error) {
		if cur == nil || cur.Status == StatusResolved {
			outcome = OutcomeCreated
			a := newAlert(key, bucket, res, rule, now)
			a.ExpiresAt = now.Add(ttl)
			return a, nil
		}
		next := cur.merge(res, now)
		if next == nil {
			outcome = OutcomeUnchanged
			return nil, nil
		}
		outcome = OutcomeMerged
		next.ExpiresAt = now.Add(ttl)
		return next, nil
	})
	if err != nil {
		metrics.AlertsTotal.WithLabelValues(res.TenantID, "error").Inc()
		return nil, outcome, fmt.Errorf("failed to store alert %s: %w", key, err)
	}

	metrics.AlertsTotal.WithLabelValues(res.TenantID, outcome.String()).Inc()
	if outcome == OutcomeUnchanged {
		return alert, outcome, nil
	}

	action := AuditCreated
	if outcome == OutcomeMerged {
		action = AuditMerged
	}
	g.audit(ctx, newAuditRecord(action, alert, "", now))

	g.logger.Info("alert "+outcome.String(),
		"tenant_id", alert.TenantID,
		"rule_id", alert.RuleID,
		"alert_id", alert.ID,
		"severity", alert.Severity,
		"events", len(alert.EventIDs),
	)

	if g.publisher != nil {
		if err := g.publisher.Publish(ctx, alert); err != nil {
			return alert, outcome, fmt.Errorf("failed to publish alert %s: %w", alert.ID, err)
		}
	}
	return alert, outcome, nil
}

// SetStatus changes the status of the active alert stored under key.
// Resolved alerts cannot be reopened; the next match starts a new alert.
func (g *Generator) SetStatus(ctx context.Context, key string, status AlertStatus, actor string) (*Alert, error) {
	if !status.Valid() {
		return nil, derrors.NewValidationError("", "", "status", "unknown status %q", status)
	}

	now := g.config.Clock()
	changed := false
	alert, err := g.store.Upsert(ctx, key, 0, func(cur *Alert) (*Alert, error) {
		changed = false
		if cur == nil {
			return nil, ErrAlertNotFound
		}
		if cur.Status == status {
			return nil, nil
		}
		if cur.Status == StatusResolved {
			return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, cur.Status, status)
		}
		next := cur.Clone()
		next.Status = status
		next.UpdatedAt = now
		changed = true
		return next, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		g.audit(ctx, newAuditRecord(AuditStatusChanged, alert, actor, now))
	}
	return alert, nil
}

// Get returns the active alert stored under key.
func (g *Generator) Get(ctx context.Context, key string) (*Alert, error) {
	return g.store.Get(ctx, key)
}

func (g *Generator) audit(ctx context.Context, rec AuditRecord) {
	if g.auditor == nil {
		return
	}
	if err := g.auditor.Audit(ctx, rec); err != nil {
		g.logger.Warn("failed to audit alert",
			"alert_id", rec.AlertID,
			"action", rec.Action,
			"error", err,
		)
	}
}
