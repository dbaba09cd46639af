package alpaca

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

var errNotFilled = errors.New("order not filled yet")

// Trading implements domain.OrderGateway over the v2 trading endpoints.
// After submitting, it polls the order until it reaches a terminal status
// or FillWait elapses. An order still working at that point is returned
// without a fill price.
type Trading struct {
	c        *Client
	fillWait time.Duration
	logger   *slog.Logger
}

// NewTrading creates a gateway. fillWait <= 0 uses 10s.
func NewTrading(c *Client, fillWait time.Duration, logger *slog.Logger) *Trading {
	if fillWait <= 0 {
		fillWait = 10 * time.Second
	}
	return &Trading{
		c:        c,
		fillWait: fillWait,
		logger:   logger.With(slog.String("component", "alpaca_trading")),
	}
}

// PlaceMarketOrder submits a day market order and waits for its fill.
func (t *Trading) PlaceMarketOrder(ctx context.Context, symbol string, qty float64, side domain.OrderSide) (domain.OrderFill, error) {
	req := OrderRequest{
		Symbol:        symbol,
		Qty:           formatQty(qty),
		Side:          string(side),
		Type:          "market",
		TimeInForce:   "day",
		ClientOrderID: uuid.NewString(),
	}

	var order Order
	if err := t.c.do(ctx, http.MethodPost, t.c.tradingURL+"/v2/orders", req, &order); err != nil {
		return domain.OrderFill{}, fmt.Errorf("alpaca: place %s %s: %w", side, symbol, err)
	}
	t.logger.InfoContext(ctx, "alpaca: order submitted",
		slog.String("order_id", order.ID),
		slog.String("symbol", symbol),
		slog.String("side", string(side)),
		slog.String("qty", req.Qty),
	)
	return t.awaitFill(ctx, order)
}

// ClosePosition liquidates the whole position in symbol at market.
func (t *Trading) ClosePosition(ctx context.Context, symbol string) (domain.OrderFill, error) {
	var order Order
	u := fmt.Sprintf("%s/v2/positions/%s", t.c.tradingURL, url.PathEscape(symbol))
	if err := t.c.do(ctx, http.MethodDelete, u, nil, &order); err != nil {
		return domain.OrderFill{}, fmt.Errorf("alpaca: close position %s: %w", symbol, err)
	}
	return t.awaitFill(ctx, order)
}

// GetOrder returns an order by id.
func (t *Trading) GetOrder(ctx context.Context, orderID string) (Order, error) {
	var order Order
	u := fmt.Sprintf("%s/v2/orders/%s", t.c.tradingURL, url.PathEscape(orderID))
	if err := t.c.do(ctx, http.MethodGet, u, nil, &order); err != nil {
		return Order{}, fmt.Errorf("alpaca: get order %s: %w", orderID, err)
	}
	return order, nil
}

func (t *Trading) awaitFill(ctx context.Context, order Order) (domain.OrderFill, error) {
	if order.ID == "" || order.Terminal() {
		return fillFrom(order)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = t.fillWait

	latest := order
	err := backoff.Retry(func() error {
		o, err := t.GetOrder(ctx, order.ID)
		if err != nil {
			if errors.Is(err, domain.ErrUnauthorized) || errors.Is(err, domain.ErrNotFound) {
				return backoff.Permanent(err)
			}
			return err
		}
		latest = o
		if !o.Terminal() {
			return errNotFilled
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return domain.OrderFill{}, fmt.Errorf("alpaca: await fill %s: %w", order.ID, ctx.Err())
		}
		t.logger.WarnContext(ctx, "alpaca: order not terminal after fill wait",
			slog.String("order_id", order.ID),
			slog.String("status", latest.Status),
			slog.String("error", err.Error()),
		)
	}
	return fillFrom(latest)
}

func fillFrom(o Order) (domain.OrderFill, error) {
	switch o.Status {
	case OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return domain.OrderFill{}, fmt.Errorf("alpaca: order %s %s", o.ID, o.Status)
	}
	return domain.OrderFill{
		OrderID:   o.ID,
		FillPrice: o.FillPrice(),
		FilledQty: o.FilledQuantity(),
	}, nil
}

var _ domain.OrderGateway = (*Trading)(nil)
