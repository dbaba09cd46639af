package local

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

type cachedPrice struct {
	price float64
	ts    time.Time
}

// PriceCache implements domain.PriceCache with a map.
type PriceCache struct {
	mu     sync.RWMutex
	prices map[string]cachedPrice
}

// NewPriceCache returns an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{prices: make(map[string]cachedPrice)}
}

func (c *PriceCache) SetPrice(_ context.Context, symbol string, price float64, ts time.Time) error {
	c.mu.Lock()
	c.prices[symbol] = cachedPrice{price: price, ts: ts}
	c.mu.Unlock()
	return nil
}

func (c *PriceCache) GetPrice(_ context.Context, symbol string) (float64, time.Time, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.prices[symbol]
	if !ok {
		return 0, time.Time{}, fmt.Errorf("local: get price %s: %w", symbol, domain.ErrNotFound)
	}
	return p.price, p.ts, nil
}

func (c *PriceCache) GetPrices(_ context.Context, symbols []string) (map[string]float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if p, ok := c.prices[s]; ok {
			out[s] = p.price
		}
	}
	return out, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
