package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// MarketData implements domain.MarketDataProvider over the v2 stocks
// endpoints. The latest trade is preferred; the ask of the latest quote is
// used when no trade price is available.
type MarketData struct {
	c    *Client
	feed string
}

// NewMarketData creates a provider. feed selects the data feed ("iex" or
// "sip"); empty uses the account default.
func NewMarketData(c *Client, feed string) *MarketData {
	return &MarketData{c: c, feed: feed}
}

// LatestPrice returns the latest trade price, falling back to the ask.
func (m *MarketData) LatestPrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	var trade latestTradeResponse
	tradeErr := m.c.do(ctx, http.MethodGet, m.endpoint(symbol, "trades/latest"), nil, &trade)
	if tradeErr == nil && trade.Trade.Price > 0 {
		return domain.PriceQuote{Symbol: symbol, Price: trade.Trade.Price, AsOf: parseTime(trade.Trade.Timestamp)}, nil
	}
	if errors.Is(tradeErr, domain.ErrUnauthorized) {
		return domain.PriceQuote{}, fmt.Errorf("alpaca: latest trade %s: %w", symbol, tradeErr)
	}

	var quote latestQuoteResponse
	if err := m.c.do(ctx, http.MethodGet, m.endpoint(symbol, "quotes/latest"), nil, &quote); err != nil {
		return domain.PriceQuote{}, fmt.Errorf("alpaca: latest quote %s: %w: %w", symbol, domain.ErrPriceUnavailable, err)
	}
	if quote.Quote.AskPrice <= 0 {
		return domain.PriceQuote{}, fmt.Errorf("alpaca: %s has no trade or ask: %w", symbol, domain.ErrPriceUnavailable)
	}
	return domain.PriceQuote{Symbol: symbol, Price: quote.Quote.AskPrice, AsOf: parseTime(quote.Quote.Timestamp)}, nil
}

func (m *MarketData) endpoint(symbol, path string) string {
	u := fmt.Sprintf("%s/v2/stocks/%s/%s", m.c.dataURL, url.PathEscape(symbol), path)
	if m.feed != "" {
		u += "?feed=" + url.QueryEscape(m.feed)
	}
	return u
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Now().UTC()
	}
	return t
}

var _ domain.MarketDataProvider = (*MarketData)(nil)
