package handler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

const (
	defaultEventLimit = 100
	maxEventLimit     = 1000
)

// FeedHandler exposes the position event stream and cached prices to
// clients that poll instead of holding a websocket open.
type FeedHandler struct {
	bus    domain.SignalBus
	prices domain.PriceCache
	logger *slog.Logger
}

// NewFeedHandler creates a FeedHandler. prices may be nil.
func NewFeedHandler(bus domain.SignalBus, prices domain.PriceCache, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{bus: bus, prices: prices, logger: logHandler(logger, "feed")}
}

type eventResponse struct {
	ID    string          `json:"id"`
	Event json.RawMessage `json:"event"`
}

// ListEvents returns position events recorded after the given stream id.
// Clients pass the returned "next" back as ?after= to continue.
// GET /api/events?after=&limit=
func (h *FeedHandler) ListEvents(w http.ResponseWriter, r *http.Request) {
	after := r.URL.Query().Get("after")
	if after == "" {
		after = "0"
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}

	msgs, err := h.bus.StreamRead(r.Context(), domain.StreamPositions, after, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, "read events", err)
		return
	}

	out := make([]eventResponse, 0, len(msgs))
	next := after
	for _, m := range msgs {
		out = append(out, eventResponse{ID: m.ID, Event: json.RawMessage(m.Payload)})
		next = m.ID
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out, "next": next})
}

// ListPrices returns the cached last price per symbol. Symbols with no
// cached price are omitted.
// GET /api/prices?symbols=AAPL,MSFT
func (h *FeedHandler) ListPrices(w http.ResponseWriter, r *http.Request) {
	if h.prices == nil {
		writeError(w, http.StatusNotFound, "price cache not configured")
		return
	}
	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}
	if len(symbols) == 0 {
		writeError(w, http.StatusBadRequest, "symbols is required")
		return
	}

	prices, err := h.prices.GetPrices(r.Context(), symbols)
	if err != nil {
		writeServiceError(w, r, h.logger, "get prices", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prices": prices})
}
