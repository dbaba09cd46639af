package alpaca

import (
	"github.com/shopspring/decimal"
)

// --------------------------------------------------------------------------
// Alpaca API DTOs
// --------------------------------------------------------------------------

// Trade is the trade object of the market data latest-trade endpoint.
type Trade struct {
	Timestamp string  `json:"t"`
	Price     float64 `json:"p"`
	Size      float64 `json:"s"`
	Exchange  string  `json:"x"`
}

// Quote is the quote object of the market data latest-quote endpoint.
type Quote struct {
	Timestamp string  `json:"t"`
	AskPrice  float64 `json:"ap"`
	AskSize   float64 `json:"as"`
	BidPrice  float64 `json:"bp"`
	BidSize   float64 `json:"bs"`
}

type latestTradeResponse struct {
	Symbol string `json:"symbol"`
	Trade  Trade  `json:"trade"`
}

type latestQuoteResponse struct {
	Symbol string `json:"symbol"`
	Quote  Quote  `json:"quote"`
}

// OrderRequest is the body of POST /v2/orders. Quantities travel as strings.
type OrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

// Order is an order as returned by the trading API.
type Order struct {
	ID             string  `json:"id"`
	ClientOrderID  string  `json:"client_order_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Status         string  `json:"status"`
	Qty            string  `json:"qty"`
	FilledQty      string  `json:"filled_qty"`
	FilledAvgPrice *string `json:"filled_avg_price"`
}

// Order statuses that end polling.
const (
	OrderStatusFilled   = "filled"
	OrderStatusCanceled = "canceled"
	OrderStatusExpired  = "expired"
	OrderStatusRejected = "rejected"
)

// Terminal reports whether no further fills can happen.
func (o Order) Terminal() bool {
	switch o.Status {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusExpired, OrderStatusRejected:
		return true
	}
	return false
}

// FillPrice returns the average fill price, or zero when none was reported.
func (o Order) FillPrice() float64 {
	if o.FilledAvgPrice == nil {
		return 0
	}
	return parseDecimal(*o.FilledAvgPrice)
}

// FilledQuantity returns the filled quantity, or zero.
func (o Order) FilledQuantity() float64 {
	return parseDecimal(o.FilledQty)
}

// ErrorResponse is the body returned by Alpaca on non-2xx responses.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func parseDecimal(s string) float64 {
	if s == "" {
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	f, _ := d.Float64()
	return f
}

func formatQty(qty float64) string {
	return decimal.NewFromFloat(qty).String()
}
