package domain

import (
	"context"
	"math"
	"time"
)

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderFill is the brokerage's answer to a submitted order. FillPrice is
// zero when the brokerage did not report one.
type OrderFill struct {
	OrderID   string
	FillPrice float64
	FilledQty float64
}

// HasPrice reports whether a usable fill price was returned.
func (f OrderFill) HasPrice() bool {
	return f.FillPrice > 0 && !math.IsInf(f.FillPrice, 1)
}

// OrderGateway submits orders to a brokerage.
type OrderGateway interface {
	PlaceMarketOrder(ctx context.Context, symbol string, qty float64, side OrderSide) (OrderFill, error)
	ClosePosition(ctx context.Context, symbol string) (OrderFill, error)
}

// PriceQuote is the most recent price known for a symbol.
type PriceQuote struct {
	Symbol string
	Price  float64
	AsOf   time.Time
}

// MarketDataProvider returns the latest price for a symbol. Implementations
// return ErrPriceUnavailable when no price can be produced.
type MarketDataProvider interface {
	LatestPrice(ctx context.Context, symbol string) (PriceQuote, error)
}
