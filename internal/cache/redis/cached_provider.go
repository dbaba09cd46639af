package redis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// CachedProvider serves prices from a domain.PriceCache while they are
// younger than maxAge and otherwise asks the upstream provider, collapsing
// concurrent misses for the same symbol into one upstream call.
type CachedProvider struct {
	upstream domain.MarketDataProvider
	cache    domain.PriceCache
	maxAge   time.Duration
	group    singleflight.Group
	logger   *slog.Logger
	now      func() time.Time
}

// NewCachedProvider wraps upstream with cache.
func NewCachedProvider(upstream domain.MarketDataProvider, cache domain.PriceCache, maxAge time.Duration, logger *slog.Logger) *CachedProvider {
	return &CachedProvider{
		upstream: upstream,
		cache:    cache,
		maxAge:   maxAge,
		logger:   logger.With(slog.String("component", "cached_provider")),
		now:      time.Now,
	}
}

// LatestPrice implements domain.MarketDataProvider.
func (p *CachedProvider) LatestPrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	price, ts, err := p.cache.GetPrice(ctx, symbol)
	switch {
	case err == nil && p.now().Sub(ts) <= p.maxAge:
		return domain.PriceQuote{Symbol: symbol, Price: price, AsOf: ts}, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		p.logger.WarnContext(ctx, "cached_provider: cache read failed",
			slog.String("symbol", symbol),
			slog.String("error", err.Error()),
		)
	}

	v, err, _ := p.group.Do(symbol, func() (any, error) {
		q, err := p.upstream.LatestPrice(ctx, symbol)
		if err != nil {
			return domain.PriceQuote{}, err
		}
		if err := p.cache.SetPrice(ctx, symbol, q.Price, q.AsOf); err != nil {
			p.logger.WarnContext(ctx, "cached_provider: cache write failed",
				slog.String("symbol", symbol),
				slog.String("error", err.Error()),
			)
		}
		return q, nil
	})
	if err != nil {
		return domain.PriceQuote{}, fmt.Errorf("cached_provider: %s: %w", symbol, err)
	}
	return v.(domain.PriceQuote), nil
}

var _ domain.MarketDataProvider = (*CachedProvider)(nil)
