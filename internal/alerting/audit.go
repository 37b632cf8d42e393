package alerting

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// AuditAction names what happened to an alert.
type AuditAction string

const (
	AuditCreated       AuditAction = "alert_created"
	AuditMerged        AuditAction = "alert_merged"
	AuditStatusChanged AuditAction = "alert_status_changed"
)

// AuditRecord is one auditable alert lifecycle event.
type AuditRecord struct {
	Time       time.Time   `json:"time"`
	Action     AuditAction `json:"action"`
	TenantID   string      `json:"tenant_id"`
	AlertID    uuid.UUID   `json:"alert_id"`
	RuleID     string      `json:"rule_id"`
	DedupKey   string      `json:"dedup_key"`
	Severity   int         `json:"severity"`
	Status     AlertStatus `json:"status"`
	EventCount int         `json:"event_count"`
	MatchCount int         `json:"match_count"`
	Actor      string      `json:"actor,omitempty"`
}

func newAuditRecord(action AuditAction, a *Alert, actor string, at time.Time) AuditRecord {
	return AuditRecord{
		Time:       at,
		Action:     action,
		TenantID:   a.TenantID,
		AlertID:    a.ID,
		RuleID:     a.RuleID,
		DedupKey:   a.DedupKey,
		Severity:   a.Severity,
		Status:     a.Status,
		EventCount: len(a.EventIDs),
		MatchCount: a.MatchCount,
		Actor:      actor,
	}
}

// Auditor records alert lifecycle events.
type Auditor interface {
	Audit(ctx context.Context, rec AuditRecord) error
}

// LogAuditor writes audit records to a structured logger.
type LogAuditor struct {
	logger *slog.Logger
}

// NewLogAuditor creates a log auditor. A nil logger uses slog.Default().
func NewLogAuditor(logger *slog.Logger) *LogAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogAuditor{logger: logger.With("component", "audit")}
}

func (l *LogAuditor) Audit(ctx context.Context, rec AuditRecord) error {
	l.logger.InfoContext(ctx, string(rec.Action),
		"tenant_id", rec.TenantID,
		"alert_id", rec.AlertID,
		"rule_id", rec.RuleID,
		"dedup_key", rec.DedupKey,
		"severity", rec.Severity,
		"status", rec.Status,
		"event_count", rec.EventCount,
		"match_count", rec.MatchCount,
		"actor", rec.Actor,
	)
	return nil
}

// MultiAuditor fans records out to several auditors.
type MultiAuditor []Auditor

func (m MultiAuditor) Audit(ctx context.Context, rec AuditRecord) error {
	var errs []error
	for _, a := range m {
		if err := a.Audit(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
