package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/service"
)

// CycleRunner runs one monitoring pass on demand.
type CycleRunner interface {
	RunCycle(ctx context.Context) (service.CycleResult, error)
}

// MonitorHandler serves the monitor and audit endpoints.
type MonitorHandler struct {
	runner CycleRunner
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewMonitorHandler creates a MonitorHandler. audit may be nil.
func NewMonitorHandler(runner CycleRunner, audit domain.AuditStore, logger *slog.Logger) *MonitorHandler {
	return &MonitorHandler{runner: runner, audit: audit, logger: logHandler(logger, "monitor")}
}

// RunCycle evaluates every open position once and returns the summary.
// POST /api/monitor/cycle
func (h *MonitorHandler) RunCycle(w http.ResponseWriter, r *http.Request) {
	res, err := h.runner.RunCycle(r.Context())
	if err != nil {
		writeServiceError(w, r, h.logger, "run cycle", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type auditEntryResponse struct {
	ID         int64          `json:"id"`
	Event      string         `json:"event"`
	PositionID string         `json:"position_id,omitempty"`
	Detail     map[string]any `json:"detail"`
	CreatedAt  string         `json:"created_at"`
}

// ListAudit returns audit log entries, newest first.
// GET /api/audit?event=&position_id=&limit=&offset=&since=&until=
func (h *MonitorHandler) ListAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		writeError(w, http.StatusNotFound, "audit log not configured")
		return
	}
	q := domain.AuditQuery{
		ListOpts:   parseListOpts(r),
		Event:      r.URL.Query().Get("event"),
		PositionID: r.URL.Query().Get("position_id"),
	}
	entries, err := h.audit.List(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, h.logger, "list audit", err)
		return
	}

	out := make([]auditEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditEntryResponse{
			ID:         e.ID,
			Event:      e.Event,
			PositionID: e.PositionID,
			Detail:     e.Detail,
			CreatedAt:  e.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}
