// Package paper simulates a brokerage by filling every market order at the
// latest market price.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// Gateway implements domain.OrderGateway without a brokerage. It tracks the
// signed net quantity per symbol so ClosePosition can flatten it.
type Gateway struct {
	market      domain.MarketDataProvider
	slippageBps decimal.Decimal
	logger      *slog.Logger

	mu  sync.Mutex
	net map[string]decimal.Decimal
}

// NewGateway creates a paper gateway priced by market.
func NewGateway(market domain.MarketDataProvider, logger *slog.Logger) *Gateway {
	return &Gateway{
		market: market,
		logger: logger.With(slog.String("component", "paper_gateway")),
		net:    make(map[string]decimal.Decimal),
	}
}

// WithSlippage fills buys bps basis points above and sells below the market.
func (g *Gateway) WithSlippage(bps float64) *Gateway {
	g.slippageBps = decimal.NewFromFloat(bps)
	return g
}

// PlaceMarketOrder fills qty at the latest price.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide) (domain.OrderFill, error) {
	if qty <= 0 {
		return domain.OrderFill{}, fmt.Errorf("paper: place %s %s: quantity %g: %w", side, symbol, qty, domain.ErrValidation)
	}
	price, err := g.fillPrice(ctx, symbol, side)
	if err != nil {
		return domain.OrderFill{}, err
	}

	delta := decimal.NewFromFloat(qty)
	if side == domain.OrderSideSell {
		delta = delta.Neg()
	}
	g.mu.Lock()
	g.net[symbol] = g.net[symbol].Add(delta)
	g.mu.Unlock()

	fill := domain.OrderFill{OrderID: "paper-" + uuid.NewString(), FillPrice: price, FilledQty: qty}
	g.logger.InfoContext(ctx, "paper: order filled",
		slog.String("order_id", fill.OrderID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.Float64("qty", qty),
		slog.Float64("price", price),
	)
	return fill, nil
}

// ClosePosition flattens the net quantity held in symbol.
func (g *Gateway) ClosePosition(ctx context.Context, symbol string) (domain.OrderFill, error) {
	g.mu.Lock()
	held := g.net[symbol]
	g.mu.Unlock()
	if held.IsZero() {
		return domain.OrderFill{}, fmt.Errorf("paper: close %s: no position: %w", symbol, domain.ErrNotFound)
	}

	side := domain.OrderSideSell
	if held.IsNegative() {
		side = domain.OrderSideBuy
	}
	price, err := g.fillPrice(ctx, symbol, side)
	if err != nil {
		return domain.OrderFill{}, err
	}

	g.mu.Lock()
	delete(g.net, symbol)
	g.mu.Unlock()

	qty, _ := held.Abs().Float64()
	return domain.OrderFill{OrderID: "paper-" + uuid.NewString(), FillPrice: price, FilledQty: qty}, nil
}

// Net returns the signed quantity held in symbol.
func (g *Gateway) Net(symbol string) float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	f, _ := g.net[symbol].Float64()
	return f
}

func (g *Gateway) fillPrice(ctx context.Context, symbol string, side domain.OrderSide) (float64, error) {
	q, err := g.market.LatestPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("paper: price %s: %w", symbol, err)
	}
	price := decimal.NewFromFloat(q.Price)
	if !g.slippageBps.IsZero() {
		adj := price.Mul(g.slippageBps).Div(decimal.NewFromInt(10000))
		if side == domain.OrderSideSell {
			adj = adj.Neg()
		}
		price = price.Add(adj)
	}
	f, _ := price.Round(8).Float64()
	return f, nil
}

var _ domain.OrderGateway = (*Gateway)(nil)
