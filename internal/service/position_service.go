package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/metrics"
	"github.com/alanyoungcy/riskpilot/internal/notify"
	"github.com/alanyoungcy/riskpilot/internal/risk"
)

// MonitorConfig holds the tunables of the position service.
type MonitorConfig struct {
	MaxStopLossPct   float64
	MaxTakeProfitPct float64

	// Concurrency bounds the number of positions evaluated at once by RunCycle.
	Concurrency int

	LockTTL  time.Duration
	LockWait time.Duration

	ProviderTimeout time.Duration
	GatewayTimeout  time.Duration
	EvaluateTimeout time.Duration

	// PersistTimeout bounds the terminal write after a close, which runs
	// even when the caller's context is already done.
	PersistTimeout time.Duration

	// CloseRetries is the number of extra close attempts made before a
	// position is moved to error.
	CloseRetries       int
	CloseRetryInterval time.Duration
}

const (
	closeRetryMultiplier  = 1.5
	closeRetryMaxInterval = 5 * time.Second
)

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.MaxStopLossPct <= 0 || c.MaxStopLossPct >= 100 {
		c.MaxStopLossPct = 99
	}
	if c.MaxTakeProfitPct <= 0 {
		c.MaxTakeProfitPct = 1000
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.LockWait <= 0 {
		c.LockWait = 5 * time.Second
	}
	if c.GatewayTimeout <= 0 {
		c.GatewayTimeout = 10 * time.Second
	}
	if c.PersistTimeout <= 0 {
		c.PersistTimeout = c.LockWait + 5*time.Second
	}
	if c.CloseRetryInterval <= 0 {
		c.CloseRetryInterval = 500 * time.Millisecond
	}
	if c.CloseRetries < 0 {
		c.CloseRetries = 0
	}
	return c
}

// CloseRetryWait is the total backoff between close attempts.
func (c MonitorConfig) CloseRetryWait() time.Duration {
	var total time.Duration
	next := float64(c.CloseRetryInterval)
	for i := 0; i < c.CloseRetries; i++ {
		total += min(time.Duration(next), closeRetryMaxInterval)
		next *= closeRetryMultiplier
	}
	return total
}

// CloseBudget is the longest a close may spend at the broker: every
// attempt running to GatewayTimeout plus the waits between them.
func (c MonitorConfig) CloseBudget() time.Duration {
	return time.Duration(c.CloseRetries+1)*c.GatewayTimeout + c.CloseRetryWait()
}

// closeClaimTTL covers the broker calls and the terminal write that
// follows them, so the claim cannot lapse while a close is in flight.
func (c MonitorConfig) closeClaimTTL() time.Duration {
	return max(c.LockTTL, c.CloseBudget()+c.LockWait+c.PersistTimeout)
}

// Alerter delivers operator notifications.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

// CreateParams describes a new managed position.
type CreateParams struct {
	Symbol        string
	Quantity      float64
	Side          domain.PositionSide
	StopLossPct   float64
	TakeProfitPct float64
	TrailingStop  bool
	Strategy      string
	Notes         string
}

// PositionService owns the managed-position lifecycle: opening positions
// with stop-loss and take-profit rules, evaluating them against the market,
// ratcheting trailing stops and closing them through the order gateway.
type PositionService struct {
	positions domain.PositionStore
	market    domain.MarketDataProvider
	gateway   domain.OrderGateway
	locks     domain.LockManager
	bus       domain.SignalBus
	audit     domain.AuditStore
	alerts    Alerter
	metrics   *metrics.Metrics
	cfg       MonitorConfig
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	market domain.MarketDataProvider,
	gateway domain.OrderGateway,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	cfg MonitorConfig,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		market:    market,
		gateway:   gateway,
		locks:     locks,
		bus:       bus,
		audit:     audit,
		cfg:       cfg.withDefaults(),
		logger:    logger.With(slog.String("component", "position_service")),
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}
}

// WithNotifier attaches an operator alert channel.
func (s *PositionService) WithNotifier(a Alerter) *PositionService {
	s.alerts = a
	return s
}

// WithMetrics attaches Prometheus instrumentation.
func (s *PositionService) WithMetrics(m *metrics.Metrics) *PositionService {
	s.metrics = m
	return s
}

// Config returns the effective configuration.
func (s *PositionService) Config() MonitorConfig {
	return s.cfg
}

func (s *PositionService) validate(p *CreateParams) error {
	v := &domain.ValidationError{}

	p.Symbol = strings.ToUpper(strings.TrimSpace(p.Symbol))
	if p.Symbol == "" {
		v.Add("symbol is required")
	}
	if !finite(p.Quantity) || p.Quantity <= 0 {
		v.Add(fmt.Sprintf("quantity must be positive, got %g", p.Quantity))
	}
	if p.Side == "" {
		p.Side = domain.SideLong
	}
	if !p.Side.Valid() {
		v.Add(fmt.Sprintf("side must be long or short, got %q", p.Side))
	}
	if !finite(p.StopLossPct) || p.StopLossPct <= 0 || p.StopLossPct > s.cfg.MaxStopLossPct {
		v.Add(fmt.Sprintf("stop_loss_pct must be in (0, %g], got %g", s.cfg.MaxStopLossPct, p.StopLossPct))
	}
	if !finite(p.TakeProfitPct) || p.TakeProfitPct <= 0 || p.TakeProfitPct > s.cfg.MaxTakeProfitPct {
		v.Add(fmt.Sprintf("take_profit_pct must be in (0, %g], got %g", s.cfg.MaxTakeProfitPct, p.TakeProfitPct))
	} else if p.Side == domain.SideShort && p.TakeProfitPct >= 100 {
		v.Add(fmt.Sprintf("take_profit_pct must be below 100 for short positions, got %g", p.TakeProfitPct))
	}
	return v.Err()
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// CreateManagedPosition opens a position at market and persists it with
// its initial stop-loss and take-profit prices. Nothing is persisted when
// the entry order fails or no entry price can be established.
func (s *PositionService) CreateManagedPosition(ctx context.Context, p CreateParams) (domain.ManagedPosition, error) {
	if err := s.validate(&p); err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: create: %w", err)
	}

	fill, err := s.placeEntry(ctx, p)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: create %s: %w: %w", p.Symbol, domain.ErrExecution, err)
	}

	entry := fill.FillPrice
	if !fill.HasPrice() {
		quote, err := s.latestPrice(ctx, p.Symbol)
		if err != nil {
			s.logger.ErrorContext(ctx, "position_service: entry order placed but no entry price",
				slog.String("symbol", p.Symbol),
				slog.String("order_id", fill.OrderID),
				slog.String("error", err.Error()),
			)
			return domain.ManagedPosition{}, fmt.Errorf("position_service: create %s: entry order %s: %w", p.Symbol, fill.OrderID, err)
		}
		entry = quote.Price
	}

	stopLoss, takeProfit := risk.InitialThresholds(p.Side, entry, p.StopLossPct, p.TakeProfitPct)
	now := s.now()
	pos := domain.ManagedPosition{
		ID:              s.newID(),
		Symbol:          p.Symbol,
		Quantity:        p.Quantity,
		Side:            p.Side,
		EntryPrice:      entry,
		EntryOrderID:    fill.OrderID,
		StopLossPct:     p.StopLossPct,
		TakeProfitPct:   p.TakeProfitPct,
		TrailingStop:    p.TrailingStop,
		StopLossPrice:   stopLoss,
		TakeProfitPrice: takeProfit,
		Status:          domain.StatusActive,
		CurrentPrice:    entry,
		Strategy:        p.Strategy,
		Notes:           p.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		s.logger.ErrorContext(ctx, "position_service: entry order placed but record not stored",
			slog.String("symbol", p.Symbol),
			slog.String("order_id", fill.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.ManagedPosition{}, fmt.Errorf("position_service: create position %s: %w", p.Symbol, err)
	}

	s.metrics.Opened(string(pos.Side))
	s.emit(ctx, notify.EventPositionOpened, pos, nil)
	title, body := notify.OpenedAlert(pos)
	s.alert(ctx, notify.EventPositionOpened, title, body)

	s.logger.InfoContext(ctx, "position_service: position opened",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("side", string(pos.Side)),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Float64("stop_loss", pos.StopLossPrice),
		slog.Float64("take_profit", pos.TakeProfitPrice),
	)
	return pos, nil
}

func (s *PositionService) placeEntry(ctx context.Context, p CreateParams) (domain.OrderFill, error) {
	if s.cfg.GatewayTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
	}
	start := time.Now()
	fill, err := s.gateway.PlaceMarketOrder(ctx, p.Symbol, p.Quantity, p.Side.EntryOrderSide())
	s.metrics.ObserveGateway("place", err, time.Since(start))
	return fill, err
}

// latestPrice asks the market data provider for a usable price.
func (s *PositionService) latestPrice(ctx context.Context, symbol string) (domain.PriceQuote, error) {
	if s.cfg.ProviderTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ProviderTimeout)
		defer cancel()
	}
	start := time.Now()
	q, err := s.market.LatestPrice(ctx, symbol)
	s.metrics.ObserveProvider(time.Since(start))
	if err != nil {
		if errors.Is(err, domain.ErrPriceUnavailable) {
			return domain.PriceQuote{}, err
		}
		return domain.PriceQuote{}, fmt.Errorf("%w: %s: %w", domain.ErrPriceUnavailable, symbol, err)
	}
	if !finite(q.Price) || q.Price <= 0 {
		return domain.PriceQuote{}, fmt.Errorf("%w: %s: unusable price %g", domain.ErrPriceUnavailable, symbol, q.Price)
	}
	return q, nil
}

// Get returns a position by id.
func (s *PositionService) Get(ctx context.Context, id string) (domain.ManagedPosition, error) {
	pos, err := s.positions.Get(ctx, id)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: get %q: %w", id, err)
	}
	return pos, nil
}

// List returns positions in the given statuses; none means all.
func (s *PositionService) List(ctx context.Context, statuses ...domain.PositionStatus) ([]domain.ManagedPosition, error) {
	positions, err := s.positions.ListByStatus(ctx, statuses...)
	if err != nil {
		return nil, fmt.Errorf("position_service: list: %w", err)
	}
	return positions, nil
}

// BackfillRealizedPL records the realized result on a closed position.
func (s *PositionService) BackfillRealizedPL(ctx context.Context, id string, pl float64) (domain.ManagedPosition, error) {
	if !finite(pl) {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: backfill %q: realized_pl %g: %w", id, pl, domain.ErrValidation)
	}

	var updated domain.ManagedPosition
	err := s.underLock(ctx, id, func() error {
		pos, err := s.positions.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("position_service: backfill %q: %w", id, err)
		}
		if pos.Status != domain.StatusClosed {
			return fmt.Errorf("position_service: backfill %q: status %s: %w", id, pos.Status, domain.ErrValidation)
		}
		updated, err = s.positions.Update(ctx, id, domain.PositionPatch{RealizedPL: &pl})
		if err != nil {
			return fmt.Errorf("position_service: backfill %q: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return domain.ManagedPosition{}, err
	}

	s.record(ctx, "realized_pl_backfilled", updated, map[string]any{"realized_pl": pl})
	return updated, nil
}

// MarkMonitoring flags an active position as being watched. Both statuses
// are evaluated identically.
func (s *PositionService) MarkMonitoring(ctx context.Context, id string) (domain.ManagedPosition, error) {
	unlock, err := s.lockPosition(ctx, id)
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	defer unlock()

	pos, err := s.positions.Get(ctx, id)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: mark monitoring %q: %w", id, err)
	}
	switch pos.Status {
	case domain.StatusMonitoring:
		return pos, nil
	case domain.StatusActive:
	case domain.StatusClosed:
		return domain.ManagedPosition{}, fmt.Errorf("position_service: mark monitoring %q: %w", id, domain.ErrPositionClosed)
	default:
		return domain.ManagedPosition{}, fmt.Errorf("position_service: mark monitoring %q: status %s: %w", id, pos.Status, domain.ErrValidation)
	}

	status := domain.StatusMonitoring
	updated, err := s.positions.Update(ctx, id, domain.PositionPatch{Status: &status})
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: mark monitoring %q: %w", id, err)
	}
	return updated, nil
}

// lockPosition serialises mutations of one position, waiting up to
// LockWait for a concurrent holder to finish.
func (s *PositionService) lockPosition(ctx context.Context, id string) (func(), error) {
	key := "position:" + id

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = s.cfg.LockWait

	var unlock func()
	err := backoff.Retry(func() error {
		u, err := s.locks.Acquire(ctx, key, s.cfg.LockTTL)
		if err != nil {
			if errors.Is(err, domain.ErrLockHeld) {
				return err
			}
			return backoff.Permanent(err)
		}
		unlock = u
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, fmt.Errorf("position_service: lock %q: %w", id, err)
	}
	return unlock, nil
}

// underLock runs fn while holding the position lock. Events are emitted by
// callers after it returns.
func (s *PositionService) underLock(ctx context.Context, id string, fn func() error) error {
	unlock, err := s.lockPosition(ctx, id)
	if err != nil {
		return err
	}
	defer unlock()
	return fn()
}

// detached derives a context for terminal writes. It ignores the caller's
// cancellation and expires after PersistTimeout.
func (s *PositionService) detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PersistTimeout)
}

// emit publishes a position event on the bus, appends it to the event
// stream and writes the audit log. Failures are logged only.
func (s *PositionService) emit(ctx context.Context, event string, pos domain.ManagedPosition, extra map[string]any) {
	detail := eventDetail(pos, extra)

	evt := make(map[string]any, len(detail)+2)
	for k, v := range detail {
		evt[k] = v
	}
	evt["event"] = event
	evt["ts"] = s.now().Format(time.RFC3339Nano)
	payload, _ := json.Marshal(evt)

	if err := s.bus.Publish(ctx, domain.ChannelPositions, payload); err != nil {
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("event", event),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := s.bus.StreamAppend(ctx, domain.StreamPositions, payload); err != nil {
		s.logger.WarnContext(ctx, "position_service: stream append failed",
			slog.String("event", event),
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
	}
	s.writeAudit(ctx, event, pos.ID, detail)
}

// record writes only the audit log.
func (s *PositionService) record(ctx context.Context, event string, pos domain.ManagedPosition, extra map[string]any) {
	s.writeAudit(ctx, event, pos.ID, eventDetail(pos, extra))
}

func (s *PositionService) writeAudit(ctx context.Context, event, id string, detail map[string]any) {
	if err := s.audit.Log(ctx, event, detail); err != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("event", event),
			slog.String("position_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (s *PositionService) alert(ctx context.Context, event, title, body string) {
	if s.alerts == nil {
		return
	}
	if err := s.alerts.Notify(ctx, event, title, body); err != nil {
		s.logger.WarnContext(ctx, "position_service: notify failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func eventDetail(pos domain.ManagedPosition, extra map[string]any) map[string]any {
	detail := map[string]any{
		"position_id":   pos.ID,
		"symbol":        pos.Symbol,
		"side":          string(pos.Side),
		"quantity":      pos.Quantity,
		"status":        string(pos.Status),
		"entry_price":   pos.EntryPrice,
		"current_price": pos.CurrentPrice,
		"stop_loss":     pos.StopLossPrice,
		"take_profit":   pos.TakeProfitPrice,
	}
	if pos.Strategy != "" {
		detail["strategy"] = pos.Strategy
	}
	for k, v := range extra {
		detail[k] = v
	}
	return detail
}
