package storage

import (
	"context"
	"encoding/json"

	"dfir-detect/internal/alerting"
)

const insertAlerts = `
	INSERT INTO alerts (
		dedup_key, alert_id, tenant_id, rule_id, rule_name, category,
		severity, confidence, status, bucket, group_key, event_ids, entities,
		value, baseline, first_seen, last_seen, match_count, tags,
		mitre_tactic, mitre_technique, created_at, updated_at
	)`

const insertAudit = `
	INSERT INTO alert_audit (
		time, action, tenant_id, alert_id, rule_id, dedup_key,
		severity, status, event_count, match_count, actor
	)`

func alertRow(a *alerting.Alert) []any {
	entities, _ := json.Marshal(a.Entities)
	var tactic, technique string
	if a.MITRE != nil {
		tactic, technique = a.MITRE.TacticID, a.MITRE.TechniqueID
	}
	tags := a.Tags
	if tags == nil {
		tags = []string{}
	}
	return []any{
		a.DedupKey,
		a.ID,
		a.TenantID,
		a.RuleID,
		a.RuleName,
		a.Category,
		uint8(a.Severity),
		a.Confidence,
		string(a.Status),
		a.Bucket,
		a.GroupKey,
		a.EventIDs,
		string(entities),
		a.Value,
		a.Baseline,
		a.FirstSeen,
		a.LastSeen,
		uint32(a.MatchCount),
		tags,
		tactic,
		technique,
		a.CreatedAt,
		a.UpdatedAt,
	}
}

func auditRow(r alerting.AuditRecord) []any {
	return []any{
		r.Time,
		string(r.Action),
		r.TenantID,
		r.AlertID,
		r.RuleID,
		r.DedupKey,
		uint8(r.Severity),
		string(r.Status),
		uint32(r.EventCount),
		uint32(r.MatchCount),
		r.Actor,
	}
}

// AlertSink writes every published alert revision to the alerts table. It
// implements alerting.Sink; repeated deliveries collapse in the
// ReplacingMergeTree.
type AlertSink struct {
	writer *BatchWriter[*alerting.Alert]
}

var _ alerting.Sink = (*AlertSink)(nil)

// NewAlertSink creates an alert sink on client.
func NewAlertSink(client batchPreparer, cfg BatchWriterConfig) *AlertSink {
	return &AlertSink{writer: NewBatchWriter(client, "alerts", insertAlerts, alertRow, cfg)}
}

func (s *AlertSink) Name() string { return "clickhouse" }

func (s *AlertSink) Send(ctx context.Context, alert *alerting.Alert) error {
	return s.writer.Write(ctx, alert.Clone())
}

// Flush inserts buffered alerts.
func (s *AlertSink) Flush(ctx context.Context) error { return s.writer.Flush(ctx) }

// Close flushes and stops the sink.
func (s *AlertSink) Close(ctx context.Context) error { return s.writer.Close(ctx) }

// Metrics returns writer statistics.
func (s *AlertSink) Metrics() BatchWriterMetrics { return s.writer.Metrics() }

// AuditWriter appends alert lifecycle records to the alert_audit table. It
// implements alerting.Auditor.
type AuditWriter struct {
	writer *BatchWriter[alerting.AuditRecord]
}

var _ alerting.Auditor = (*AuditWriter)(nil)

// NewAuditWriter creates an audit writer on client.
func NewAuditWriter(client batchPreparer, cfg BatchWriterConfig) *AuditWriter {
	return &AuditWriter{writer: NewBatchWriter(client, "alert_audit", insertAudit, auditRow, cfg)}
}

func (w *AuditWriter) Audit(ctx context.Context, rec alerting.AuditRecord) error {
	return w.writer.Write(ctx, rec)
}

// Close flushes and stops the writer.
func (w *AuditWriter) Close(ctx context.Context) error { return w.writer.Close(ctx) }

// Metrics returns writer statistics.
func (w *AuditWriter) Metrics() BatchWriterMetrics { return w.writer.Metrics() }
