package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskpilot/internal/cache/local"
	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/store/memory"
)

type fakeMarket struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	panics map[string]bool
	calls  map[string]int
}

func newFakeMarket() *fakeMarket {
	return &fakeMarket{
		prices: make(map[string]float64),
		errs:   make(map[string]error),
		panics: make(map[string]bool),
		calls:  make(map[string]int),
	}
}

func (m *fakeMarket) set(symbol string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[symbol] = price
	delete(m.errs, symbol)
}

func (m *fakeMarket) fail(symbol string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[symbol] = err
}

func (m *fakeMarket) callCount(symbol string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[symbol]
}

func (m *fakeMarket) LatestPrice(_ context.Context, symbol string) (domain.PriceQuote, error) {
	m.mu.Lock()
	m.calls[symbol]++
	price, ok := m.prices[symbol]
	err := m.errs[symbol]
	shouldPanic := m.panics[symbol]
	m.mu.Unlock()

	if shouldPanic {
		panic("market data exploded for " + symbol)
	}
	if err != nil {
		return domain.PriceQuote{}, err
	}
	if !ok {
		return domain.PriceQuote{}, fmt.Errorf("no quote for %s: %w", symbol, domain.ErrPriceUnavailable)
	}
	return domain.PriceQuote{Symbol: symbol, Price: price, AsOf: time.Now()}, nil
}

type fakeGateway struct {
	mu         sync.Mutex
	entryFill  float64
	entryErr   error
	closeFill  float64
	closeErrs  []error
	placed     int
	closed     int
	placedSide []domain.OrderSide
	seq        atomic.Int64
}

func (g *fakeGateway) PlaceMarketOrder(_ context.Context, symbol string, qty float64, side domain.OrderSide) (domain.OrderFill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.placed++
	g.placedSide = append(g.placedSide, side)
	if g.entryErr != nil {
		return domain.OrderFill{}, g.entryErr
	}
	return domain.OrderFill{
		OrderID:   fmt.Sprintf("entry-%d", g.seq.Add(1)),
		FillPrice: g.entryFill,
		FilledQty: qty,
	}, nil
}

func (g *fakeGateway) ClosePosition(_ context.Context, symbol string) (domain.OrderFill, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed++
	if len(g.closeErrs) > 0 {
		err := g.closeErrs[0]
		g.closeErrs = g.closeErrs[1:]
		if err != nil {
			return domain.OrderFill{}, err
		}
	}
	return domain.OrderFill{
		OrderID:   fmt.Sprintf("exit-%s-%d", symbol, g.seq.Add(1)),
		FillPrice: g.closeFill,
	}, nil
}

func (g *fakeGateway) closeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// countingStore records writes made through the store.
type countingStore struct {
	*memory.PositionStore
	updates atomic.Int64
}

func (s *countingStore) Update(ctx context.Context, id string, patch domain.PositionPatch) (domain.ManagedPosition, error) {
	s.updates.Add(1)
	return s.PositionStore.Update(ctx, id, patch)
}

// blockingGateway fills entries at 150 and holds every close until the
// call's context ends.
type blockingGateway struct {
	mu       sync.Mutex
	closed   int
	inFlight int
	maxSeen  int
}

func (g *blockingGateway) PlaceMarketOrder(_ context.Context, _ string, qty float64, _ domain.OrderSide) (domain.OrderFill, error) {
	return domain.OrderFill{OrderID: "entry", FillPrice: 150, FilledQty: qty}, nil
}

func (g *blockingGateway) ClosePosition(ctx context.Context, _ string) (domain.OrderFill, error) {
	g.mu.Lock()
	g.closed++
	g.inFlight++
	g.maxSeen = max(g.maxSeen, g.inFlight)
	g.mu.Unlock()

	<-ctx.Done()

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return domain.OrderFill{}, ctx.Err()
}

func (g *blockingGateway) closeCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

func (g *blockingGateway) maxInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxSeen
}

// ctxStore fails reads and writes once the caller's context is done, the
// way a database driver does.
type ctxStore struct {
	*memory.PositionStore
}

func (s *ctxStore) Get(ctx context.Context, id string) (domain.ManagedPosition, error) {
	if err := ctx.Err(); err != nil {
		return domain.ManagedPosition{}, err
	}
	return s.PositionStore.Get(ctx, id)
}

func (s *ctxStore) Update(ctx context.Context, id string, patch domain.PositionPatch) (domain.ManagedPosition, error) {
	if err := ctx.Err(); err != nil {
		return domain.ManagedPosition{}, err
	}
	return s.PositionStore.Update(ctx, id, patch)
}

// lockWatch counts events delivered while the position lock was held.
type lockWatch struct {
	locks    *local.KeyedLocker
	seen     atomic.Int64
	whileHeld atomic.Int64
}

func (w *lockWatch) check(ctx context.Context, id string) {
	if id == "" {
		return
	}
	w.seen.Add(1)
	release, err := w.locks.Acquire(ctx, "position:"+id, time.Second)
	if err != nil {
		w.whileHeld.Add(1)
		return
	}
	release()
}

type watchedBus struct {
	*local.Bus
	watch *lockWatch
}

func (b *watchedBus) Publish(ctx context.Context, channel string, payload []byte) error {
	var evt struct {
		PositionID string `json:"position_id"`
	}
	_ = json.Unmarshal(payload, &evt)
	b.watch.check(ctx, evt.PositionID)
	return b.Bus.Publish(ctx, channel, payload)
}

type watchedAudit struct {
	*memory.AuditStore
	watch *lockWatch
}

func (a *watchedAudit) Log(ctx context.Context, event string, detail map[string]any) error {
	a.watch.check(ctx, domain.AuditPositionID(detail))
	return a.AuditStore.Log(ctx, event, detail)
}

type recordingAlerter struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingAlerter) Notify(_ context.Context, event, _, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingAlerter) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	svc     *PositionService
	store   *countingStore
	market  *fakeMarket
	gateway *fakeGateway
	locks   *local.KeyedLocker
	bus     *local.Bus
	audit   *memory.AuditStore
	alerts  *recordingAlerter
}

func newHarness(t *testing.T, cfg MonitorConfig) *harness {
	t.Helper()
	h := &harness{
		store:   &countingStore{PositionStore: memory.NewPositionStore()},
		market:  newFakeMarket(),
		gateway: &fakeGateway{entryFill: 150, closeFill: 0},
		locks:   local.NewKeyedLocker(),
		bus:     local.NewBus(),
		audit:   memory.NewAuditStore(),
		alerts:  &recordingAlerter{},
	}
	h.rewire(cfg, h.store, h.gateway, h.bus, h.audit)
	return h
}

// rewire rebuilds the service over the harness market, locks and alerts
// with the given collaborators.
func (h *harness) rewire(cfg MonitorConfig, positions domain.PositionStore, gateway domain.OrderGateway, bus domain.SignalBus, audit domain.AuditStore) {
	if cfg.LockWait == 0 {
		cfg.LockWait = time.Second
	}
	if cfg.CloseRetryInterval == 0 {
		cfg.CloseRetryInterval = time.Millisecond
	}
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h.svc = NewPositionService(positions, h.market, gateway, h.locks, bus, audit, cfg, logger).
		WithNotifier(h.alerts)
}

func (h *harness) create(t *testing.T, p CreateParams) domain.ManagedPosition {
	t.Helper()
	pos, err := h.svc.CreateManagedPosition(context.Background(), p)
	require.NoError(t, err)
	return pos
}

func (h *harness) get(t *testing.T, id string) domain.ManagedPosition {
	t.Helper()
	pos, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return pos
}

var errBroker = errors.New("broker rejected order")
