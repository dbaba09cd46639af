package alpaca

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

func newTestClient(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return NewClient(Config{TradingURL: srv.URL, DataURL: srv.URL, KeyID: "key", SecretKey: "secret"})
}

func writeBody(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func discard() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func TestMarketData_LatestTrade(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/stocks/{symbol}/trades/latest", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("APCA-API-KEY-ID"))
		assert.Equal(t, "secret", r.Header.Get("APCA-API-SECRET-KEY"))
		assert.Equal(t, "iex", r.URL.Query().Get("feed"))
		writeBody(w, http.StatusOK, map[string]any{
			"symbol": r.PathValue("symbol"),
			"trade":  map[string]any{"t": "2024-03-01T15:04:05.123Z", "p": 181.25, "s": 100},
		})
	})

	md := NewMarketData(newTestClient(t, mux), "iex")
	q, err := md.LatestPrice(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, 181.25, q.Price)
	assert.Equal(t, 2024, q.AsOf.Year())
}

func TestMarketData_FallsBackToAsk(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/stocks/{symbol}/trades/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusNotFound, ErrorResponse{Code: 40410000, Message: "no trade"})
	})
	mux.HandleFunc("GET /v2/stocks/{symbol}/quotes/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{"quote": map[string]any{"ap": 99.5, "bp": 99.4}})
	})

	q, err := NewMarketData(newTestClient(t, mux), "").LatestPrice(context.Background(), "XYZ")
	require.NoError(t, err)
	assert.Equal(t, 99.5, q.Price)
}

func TestMarketData_NoPrice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/stocks/{symbol}/trades/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{"trade": map[string]any{"p": 0}})
	})
	mux.HandleFunc("GET /v2/stocks/{symbol}/quotes/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, map[string]any{"quote": map[string]any{"ap": 0}})
	})

	_, err := NewMarketData(newTestClient(t, mux), "").LatestPrice(context.Background(), "XYZ")
	assert.ErrorIs(t, err, domain.ErrPriceUnavailable)
}

func TestMarketData_Unauthorized(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/stocks/{symbol}/trades/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusForbidden, ErrorResponse{Message: "forbidden"})
	})

	_, err := NewMarketData(newTestClient(t, mux), "").LatestPrice(context.Background(), "XYZ")
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
}

func TestTrading_PlaceMarketOrderPollsForFill(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, r *http.Request) {
		var req OrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AAPL", req.Symbol)
		assert.Equal(t, "10", req.Qty)
		assert.Equal(t, "sell", req.Side)
		assert.Equal(t, "market", req.Type)
		assert.NotEmpty(t, req.ClientOrderID)
		writeBody(w, http.StatusOK, Order{ID: "ord-1", Status: "accepted"})
	})
	mux.HandleFunc("GET /v2/orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ord-1", r.PathValue("id"))
		if polls.Add(1) < 2 {
			writeBody(w, http.StatusOK, Order{ID: "ord-1", Status: "new"})
			return
		}
		price := "150.125"
		writeBody(w, http.StatusOK, Order{ID: "ord-1", Status: "filled", FilledQty: "10", FilledAvgPrice: &price})
	})

	tr := NewTrading(newTestClient(t, mux), 5*time.Second, discard())
	fill, err := tr.PlaceMarketOrder(context.Background(), "AAPL", 10, domain.OrderSideSell)
	require.NoError(t, err)
	assert.Equal(t, "ord-1", fill.OrderID)
	assert.Equal(t, 150.125, fill.FillPrice)
	assert.Equal(t, 10.0, fill.FilledQty)
	assert.GreaterOrEqual(t, polls.Load(), int32(2))
}

func TestTrading_RejectedOrder(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusUnprocessableEntity, ErrorResponse{Message: "insufficient buying power"})
	})

	_, err := NewTrading(newTestClient(t, mux), time.Second, discard()).
		PlaceMarketOrder(context.Background(), "AAPL", 1, domain.OrderSideBuy)
	assert.ErrorContains(t, err, "insufficient buying power")
}

func TestTrading_ClosePosition(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v2/positions/{symbol}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "AAPL", r.PathValue("symbol"))
		price := "145"
		writeBody(w, http.StatusOK, Order{ID: "ord-2", Status: "filled", FilledQty: "10", FilledAvgPrice: &price})
	})

	fill, err := NewTrading(newTestClient(t, mux), time.Second, discard()).
		ClosePosition(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "ord-2", fill.OrderID)
	assert.Equal(t, 145.0, fill.FillPrice)
}

func TestTrading_ClosePositionCanceled(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("DELETE /v2/positions/{symbol}", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, Order{ID: "ord-3", Status: "canceled"})
	})

	_, err := NewTrading(newTestClient(t, mux), time.Second, discard()).
		ClosePosition(context.Background(), "AAPL")
	assert.ErrorContains(t, err, "canceled")
}

func TestTrading_FillWaitElapsedReturnsWithoutPrice(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v2/orders", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, Order{ID: "ord-4", Status: "new"})
	})
	mux.HandleFunc("GET /v2/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusOK, Order{ID: "ord-4", Status: "partially_filled", FilledQty: "3"})
	})

	fill, err := NewTrading(newTestClient(t, mux), 300*time.Millisecond, discard()).
		PlaceMarketOrder(context.Background(), "AAPL", 10, domain.OrderSideBuy)
	require.NoError(t, err)
	assert.Equal(t, "ord-4", fill.OrderID)
	assert.False(t, fill.HasPrice())
}

type countingLimiter struct{ waits atomic.Int32 }

func (l *countingLimiter) Allow(context.Context, string, int, time.Duration) (bool, error) {
	return true, nil
}

func (l *countingLimiter) Wait(context.Context, string) error {
	l.waits.Add(1)
	return nil
}

func TestClient_UsesRateLimiter(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/stocks/{symbol}/trades/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusTooManyRequests, ErrorResponse{Message: "slow down"})
	})
	mux.HandleFunc("GET /v2/stocks/{symbol}/quotes/latest", func(w http.ResponseWriter, _ *http.Request) {
		writeBody(w, http.StatusTooManyRequests, ErrorResponse{Message: "slow down"})
	})
	limiter := &countingLimiter{}
	c := newTestClient(t, mux).WithRateLimiter(limiter)

	_, err := NewMarketData(c, "").LatestPrice(context.Background(), "AAPL")
	require.ErrorIs(t, err, domain.ErrRateLimited)
	assert.Equal(t, int32(2), limiter.waits.Load())
}
