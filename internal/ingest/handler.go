// Package ingest is the HTTP surface of the detection engine: event
// ingestion, rule refresh, statistics and health.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dfir-detect/internal/detection"
	derrors "dfir-detect/internal/errors"
	"dfir-detect/internal/scheduler"
	"dfir-detect/internal/schema"
)

// Engine is the part of the detection processor the HTTP surface drives.
type Engine interface {
	Ingest(ctx context.Context, tenantID string, ev *schema.Event) error
	RefreshRules(ctx context.Context, tenantID string) error
	Stats() detection.Stats
	RuleHealth() []detection.RuleHealth
}

// Handler serves the engine's HTTP API.
type Handler struct {
	engine     Engine
	maxPayload int64
	maxBatch   int
	startTime  time.Time
	components map[string]func() any
}

// NewHandler creates a Handler for engine.
func NewHandler(engine Engine) *Handler {
	return &Handler{
		engine:     engine,
		maxPayload: 10 << 20,
		maxBatch:   1000,
		startTime:  time.Now(),
		components: make(map[string]func() any),
	}
}

// WithMaxPayload sets the maximum request body size in bytes.
func (h *Handler) WithMaxPayload(size int64) *Handler {
	h.maxPayload = size
	return h
}

// WithMaxBatch sets the maximum number of events per request.
func (h *Handler) WithMaxBatch(n int) *Handler {
	h.maxBatch = n
	return h
}

// WithComponent adds a named component to the /v1/stats response.
func (h *Handler) WithComponent(name string, stats func() any) *Handler {
	h.components[name] = stats
	return h
}

// RegisterRoutes registers the engine routes on mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/tenants/{tenant}/events", h.HandleEvents)
	mux.HandleFunc("POST /v1/tenants/{tenant}/rules/refresh", h.HandleRefreshRules)
	mux.HandleFunc("GET /v1/stats", h.HandleStats)
	mux.HandleFunc("GET /v1/rules/health", h.HandleRuleHealth)
	mux.HandleFunc("GET /health", h.HandleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
}

// IngestRequest is the body of an event ingestion request.
type IngestRequest struct {
	Events []schema.Event `json:"events"`
}

// IngestResponse reports per-request ingestion results.
type IngestResponse struct {
	Success   bool     `json:"success"`
	Accepted  int      `json:"accepted"`
	Rejected  int      `json:"rejected"`
	Errors    []string `json:"errors,omitempty"`
	RequestID string   `json:"request_id"`
}

// HandleEvents handles POST /v1/tenants/{tenant}/events. Events without an
// event_id are assigned one.
func (h *Handler) HandleEvents(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	tenantID := r.PathValue("tenant")

	r.Body = http.MaxBytesReader(w, r.Body, h.maxPayload)
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, "payload too large", requestID)
			return
		}
		respondError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err), requestID)
		return
	}

	switch {
	case len(req.Events) == 0:
		respondError(w, http.StatusBadRequest, "no events provided", requestID)
		return
	case len(req.Events) > h.maxBatch:
		respondError(w, http.StatusBadRequest, fmt.Sprintf("batch size exceeds maximum of %d", h.maxBatch), requestID)
		return
	}

	resp := IngestResponse{RequestID: requestID}
	for i := range req.Events {
		ev := &req.Events[i]
		if ev.EventID == uuid.Nil {
			ev.EventID = uuid.New()
		}
		if err := h.engine.Ingest(r.Context(), tenantID, ev); err != nil {
			resp.Rejected++
			resp.Errors = append(resp.Errors, fmt.Sprintf("event[%d]: %s", i, derrors.SafeErrorMessage(err)))
			continue
		}
		resp.Accepted++
	}
	resp.Success = resp.Rejected == 0

	status := http.StatusOK
	switch {
	case resp.Accepted == 0:
		status = http.StatusBadRequest
	case resp.Rejected > 0:
		status = http.StatusMultiStatus
	}
	respondJSON(w, status, resp)
}

// HandleRefreshRules handles POST /v1/tenants/{tenant}/rules/refresh.
func (h *Handler) HandleRefreshRules(w http.ResponseWriter, r *http.Request) {
	tenantID := r.PathValue("tenant")
	if err := h.engine.RefreshRules(r.Context(), tenantID); err != nil {
		slog.Error("rule refresh failed", "tenant_id", tenantID, "error", err)
		respondError(w, http.StatusBadGateway, derrors.SafeErrorMessage(err), "")
		return
	}

	var health []detection.RuleHealth
	for _, rh := range h.engine.RuleHealth() {
		if rh.TenantID == tenantID {
			health = append(health, rh)
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"tenant_id": tenantID,
		"unhealthy": health,
	})
}

// StatsResponse is the body of GET /v1/stats.
type StatsResponse struct {
	Engine        detection.Stats `json:"engine"`
	Components    map[string]any  `json:"components,omitempty"`
	UptimeSeconds int64           `json:"uptime_seconds"`
}

// HandleStats handles GET /v1/stats.
func (h *Handler) HandleStats(w http.ResponseWriter, _ *http.Request) {
	resp := StatsResponse{
		Engine:        h.engine.Stats(),
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	if len(h.components) > 0 {
		resp.Components = make(map[string]any, len(h.components))
		for name, fn := range h.components {
			resp.Components[name] = fn()
		}
	}
	respondJSON(w, http.StatusOK, resp)
}

// HandleRuleHealth handles GET /v1/rules/health. An optional tenant query
// parameter filters the result.
func (h *Handler) HandleRuleHealth(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant")
	health := []detection.RuleHealth{}
	for _, rh := range h.engine.RuleHealth() {
		if tenantID == "" || rh.TenantID == tenantID {
			health = append(health, rh)
		}
	}
	sort.Slice(health, func(i, j int) bool {
		if health[i].TenantID != health[j].TenantID {
			return health[i].TenantID < health[j].TenantID
		}
		return health[i].RuleID < health[j].RuleID
	})
	respondJSON(w, http.StatusOK, map[string]any{
		"rules": health,
		"total": len(health),
	})
}

// HandleHealth handles GET /health. The engine reports degraded when the
// trigger queue is over 90% of its depth or rules are suppressed.
func (h *Handler) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	stats := h.engine.Stats()

	suppressed := 0
	for _, rh := range h.engine.RuleHealth() {
		if rh.State == scheduler.StateSuppressed.String() {
			suppressed++
		}
	}

	status := "healthy"
	switch {
	case stats.Rules == 0:
		status = "unhealthy"
	case stats.Queue.Depth > 0 && stats.Queue.Len*10 > stats.Queue.Depth*9, suppressed > 0:
		status = "degraded"
	}

	code := http.StatusOK
	if status == "unhealthy" {
		code = http.StatusServiceUnavailable
	}
	respondJSON(w, code, map[string]any{
		"status":           status,
		"rules":            stats.Rules,
		"tenants":          stats.Tenants,
		"buffered_events":  stats.Buffer.Buffered,
		"queue_len":        stats.Queue.Len,
		"suppressed_rules": suppressed,
		"uptime_seconds":   int64(time.Since(h.startTime).Seconds()),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}

func respondError(w http.ResponseWriter, status int, message, requestID string) {
	body := map[string]any{
		"success": false,
		"error":   message,
	}
	if requestID != "" {
		body["request_id"] = requestID
	}
	respondJSON(w, status, body)
}
