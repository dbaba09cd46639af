package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/service"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	CreateManagedPosition(ctx context.Context, p service.CreateParams) (domain.ManagedPosition, error)
	Get(ctx context.Context, id string) (domain.ManagedPosition, error)
	List(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.ManagedPosition, error)
	Close(ctx context.Context, id, reason string) (domain.ManagedPosition, error)
	Evaluate(ctx context.Context, id string) (service.EvaluateResult, error)
	BackfillRealizedPL(ctx context.Context, id string, pl float64) (domain.ManagedPosition, error)
}

// PositionHandler serves managed position endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{
		positions: positions,
		logger:    logHandler(logger, "positions"),
	}
}

type listPositionsResponse struct {
	Positions []domain.ManagedPosition `json:"positions"`
}

// ListPositions returns positions, optionally filtered by a comma-separated
// status list. Without a filter only open positions are returned.
// GET /api/positions?status=active,monitoring
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.PositionStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			st := domain.PositionStatus(strings.TrimSpace(s))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, "unknown status "+string(st))
				return
			}
			statuses = append(statuses, st)
		}
	} else {
		statuses = []domain.PositionStatus{domain.StatusActive, domain.StatusMonitoring}
	}

	positions, err := h.positions.List(r.Context(), statuses...)
	if err != nil {
		writeServiceError(w, r, h.logger, "list positions", err)
		return
	}
	if positions == nil {
		positions = []domain.ManagedPosition{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Positions: positions})
}

// GetPosition returns one position.
// GET /api/positions/{id}
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	pos, err := h.positions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

type createPositionRequest struct {
	Symbol        string  `json:"symbol"`
	Quantity      float64 `json:"quantity"`
	Side          string  `json:"side"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	TrailingStop  bool    `json:"trailing_stop"`
	Strategy      string  `json:"strategy"`
	Notes         string  `json:"notes"`
}

// CreatePosition places the entry order and starts managing the position.
// POST /api/positions
func (h *PositionHandler) CreatePosition(w http.ResponseWriter, r *http.Request) {
	var req createPositionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	pos, err := h.positions.CreateManagedPosition(r.Context(), service.CreateParams{
		Symbol:        req.Symbol,
		Quantity:      req.Quantity,
		Side:          domain.PositionSide(strings.ToLower(req.Side)),
		StopLossPct:   req.StopLossPct,
		TakeProfitPct: req.TakeProfitPct,
		TrailingStop:  req.TrailingStop,
		Strategy:      req.Strategy,
		Notes:         req.Notes,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "create position", err)
		return
	}
	writeJSON(w, http.StatusCreated, pos)
}

type closePositionRequest struct {
	Reason string `json:"reason"`
}

// ClosePosition closes a position at market. The body is optional.
// POST /api/positions/{id}/close
func (h *PositionHandler) ClosePosition(w http.ResponseWriter, r *http.Request) {
	var req closePositionRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Reason == "" {
		req.Reason = domain.ReasonManual
	}

	pos, err := h.positions.Close(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeServiceError(w, r, h.logger, "close position", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}

// EvaluatePosition runs one evaluation pass for a single position.
// POST /api/positions/{id}/evaluate
func (h *PositionHandler) EvaluatePosition(w http.ResponseWriter, r *http.Request) {
	res, err := h.positions.Evaluate(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "evaluate position", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type realizedPLRequest struct {
	RealizedPL *float64 `json:"realized_pl"`
}

// BackfillRealizedPL records the broker-reported realized P&L on a closed
// position.
// POST /api/positions/{id}/realized-pl
func (h *PositionHandler) BackfillRealizedPL(w http.ResponseWriter, r *http.Request) {
	var req realizedPLRequest
	if err := decodeJSON(w, r, &req); err != nil || req.RealizedPL == nil {
		writeError(w, http.StatusBadRequest, "realized_pl is required")
		return
	}

	pos, err := h.positions.BackfillRealizedPL(r.Context(), r.PathValue("id"), *req.RealizedPL)
	if err != nil {
		writeServiceError(w, r, h.logger, "backfill realized pl", err)
		return
	}
	writeJSON(w, http.StatusOK, pos)
}
