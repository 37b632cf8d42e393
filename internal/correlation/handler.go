package correlation

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/schema"
)

const maxRuleBodySize = 1 << 20

// RuleHandler serves rule validation and dry-run endpoints. Dry runs evaluate
// a rule against events supplied in the request and never touch live state.
type RuleHandler struct {
	maxRetention time.Duration
	defaults     map[PatternType]Defaults
}

// NewRuleHandler creates a new rule handler.
func NewRuleHandler(maxRetention time.Duration, defaults map[PatternType]Defaults) *RuleHandler {
	return &RuleHandler{maxRetention: maxRetention, defaults: defaults}
}

// RegisterRoutes registers rule routes on the given mux.
func (h *RuleHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tenants/{tenant}/rules/validate", h.HandleValidateRule)
	mux.HandleFunc("POST /v1/tenants/{tenant}/rules/test", h.HandleTestRule)
}

// HandleValidateRule handles POST /v1/tenants/{tenant}/rules/validate.
// The body is a YAML (or JSON) rule document.
func (h *RuleHandler) HandleValidateRule(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRuleBodySize))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	rule, err := ParseRule(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	compiled, err := h.compile(r.PathValue("tenant"), rule)
	if err != nil {
		h.writeCompileError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"valid":        true,
		"rule_id":      compiled.ID(),
		"revision":     compiled.Revision,
		"event_driven": compiled.EventDriven(),
		"span":         compiled.Span().String(),
	})
}

type testRuleRequest struct {
	Rule   json.RawMessage `json:"rule"`
	Events []*schema.Event `json:"events"`
	End    time.Time       `json:"end"`
}

// HandleTestRule handles POST /v1/tenants/{tenant}/rules/test.
// It evaluates the rule over [end-window, end) of the supplied events.
func (h *RuleHandler) HandleTestRule(w http.ResponseWriter, r *http.Request) {
	var req testRuleRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRuleBodySize)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if len(req.Rule) == 0 {
		h.writeError(w, http.StatusBadRequest, "rule is required")
		return
	}

	// JSON is a YAML subset, so durations like "5m" decode the same way.
	rule, err := ParseRule(req.Rule)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tenant := r.PathValue("tenant")
	compiled, err := h.compile(tenant, rule)
	if err != nil {
		h.writeCompileError(w, err)
		return
	}

	end := req.End
	if end.IsZero() {
		for _, ev := range req.Events {
			if ev != nil && !ev.Timestamp.Before(end) {
				end = ev.Timestamp.Add(time.Nanosecond)
			}
		}
	}

	events := make(SliceSource, 0, len(req.Events))
	for _, ev := range req.Events {
		if ev == nil {
			continue
		}
		ev.TenantID = tenant
		events = append(events, ev)
	}

	results, err := Evaluate(compiled, Window{
		TenantID: tenant,
		Start:    end.Add(-compiled.Span()),
		End:      end,
	}, events)
	if err != nil {
		h.writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	slog.Debug("rule dry run",
		"tenant_id", tenant,
		"rule_id", compiled.ID(),
		"events", len(events),
		"matches", len(results),
	)

	h.writeJSON(w, http.StatusOK, map[string]any{
		"rule_id": compiled.ID(),
		"matched": len(results) > 0,
		"results": results,
		"window": map[string]any{
			"start": end.Add(-compiled.Span()),
			"end":   end,
		},
	})
}

func (h *RuleHandler) compile(tenant string, rule *Rule) (*CompiledRule, error) {
	if rule.TenantID == "" {
		rule.TenantID = tenant
	}
	if rule.TenantID != tenant {
		return nil, derrors.NewValidationError(tenant, rule.ID, "tenant_id", "rule belongs to tenant %q", rule.TenantID)
	}
	rule.ApplyDefaults(h.defaults)
	return Compile(rule, h.maxRetention)
}

func (h *RuleHandler) writeCompileError(w http.ResponseWriter, err error) {
	var ve *derrors.ValidationError
	if errors.As(err, &ve) {
		h.writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"valid":  false,
			"field":  ve.Field,
			"reason": ve.Reason,
			"error":  ve.Error(),
		})
		return
	}
	h.writeError(w, http.StatusInternalServerError, derrors.SafeErrorMessage(err))
}

func (h *RuleHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func (h *RuleHandler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
