package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

func TestRunCycle_IsolatesFailures(t *testing.T) {
	h := newHarness(t, MonitorConfig{Concurrency: 4})
	h.gateway.entryFill = 100
	ctx := context.Background()

	ids := make([]string, 10)
	for i := range ids {
		symbol := fmt.Sprintf("SYM%d", i+1)
		ids[i] = h.create(t, longParams(symbol)).ID
		h.market.set(symbol, 101)
	}
	h.market.fail("SYM7", context.DeadlineExceeded)
	h.market.set("SYM3", 97)

	res, err := h.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, res.Total)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 1, res.Errors)

	for i, id := range ids {
		got := h.get(t, id)
		switch i + 1 {
		case 3:
			assert.Equal(t, domain.StatusClosed, got.Status)
		case 7:
			assert.Equal(t, 100.0, got.CurrentPrice)
			assert.Equal(t, domain.StatusActive, got.Status)
		default:
			assert.Equal(t, 101.0, got.CurrentPrice, "position %d", i+1)
			assert.Equal(t, 10.0, got.UnrealizedPL)
		}
	}

	res, err = h.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9, res.Total)
}

func TestRunCycle_RecoversPanics(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	a := h.create(t, longParams("AAA"))
	b := h.create(t, longParams("BBB"))
	h.market.set("AAA", 151)
	h.market.set("BBB", 151)
	h.market.mu.Lock()
	h.market.panics["AAA"] = true
	h.market.mu.Unlock()

	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Total)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, 150.0, h.get(t, a.ID).CurrentPrice)
	assert.Equal(t, 151.0, h.get(t, b.ID).CurrentPrice)
}

func TestRunCycle_SkipsErroredAndClosed(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	ctx := context.Background()

	closed := h.create(t, longParams("AAA"))
	_, err := h.svc.Close(ctx, closed.ID, "manual")
	require.NoError(t, err)

	errored := h.create(t, longParams("BBB"))
	h.gateway.closeErrs = []error{errBroker}
	_, err = h.svc.Close(ctx, errored.ID, "manual")
	require.Error(t, err)

	open := h.create(t, longParams("CCC"))
	_, err = h.svc.MarkMonitoring(ctx, open.ID)
	require.NoError(t, err)
	h.market.set("CCC", 150)

	res, err := h.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Zero(t, res.Errors)
	assert.Zero(t, h.market.callCount("AAA"))
	assert.Zero(t, h.market.callCount("BBB"))
}

func TestRunCycle_Empty(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	res, err := h.svc.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Total)
}

func TestRunCycle_ListFailure(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	svc := NewPositionService(failingStore{}, h.market, h.gateway, h.locks, h.bus, h.audit, MonitorConfig{}, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	_, err := svc.RunCycle(context.Background())
	assert.ErrorContains(t, err, "connection refused")
}

type failingStore struct{ domain.PositionStore }

func (failingStore) ListByStatus(context.Context, ...domain.PositionStatus) ([]domain.ManagedPosition, error) {
	return nil, errors.New("connection refused")
}

type stubRunner struct {
	calls  atomic.Int64
	result CycleResult
}

func (r *stubRunner) RunCycle(context.Context) (CycleResult, error) {
	r.calls.Add(1)
	return r.result, nil
}

func TestMonitor_RunsUntilCancelled(t *testing.T) {
	runner := &stubRunner{result: CycleResult{Total: 3, Errors: 1}}
	alerts := &recordingAlerter{}
	m := NewMonitor(runner, 5*time.Millisecond, slog.New(slog.NewJSONHandler(io.Discard, nil))).
		WithAlerts(alerts)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.calls.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("monitor did not stop")
	}
	assert.Contains(t, alerts.seen(), "cycle_errors")
}

func TestMonitor_FirstCycleIsImmediate(t *testing.T) {
	runner := &stubRunner{}
	m := NewMonitor(runner, time.Hour, slog.New(slog.NewJSONHandler(io.Discard, nil)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = m.Run(ctx) }()

	require.Eventually(t, func() bool { return runner.calls.Load() == 1 }, time.Second, time.Millisecond)
}

func TestRunCycle_CloseFailureOutlivesEvaluationDeadline(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	gw := &blockingGateway{}
	store := &ctxStore{PositionStore: h.store.PositionStore}
	h.rewire(MonitorConfig{
		EvaluateTimeout:    150 * time.Millisecond,
		GatewayTimeout:     100 * time.Millisecond,
		CloseRetries:       2,
		CloseRetryInterval: 10 * time.Millisecond,
	}, store, gw, h.bus, h.audit)
	pos := h.create(t, longParams("AAPL"))
	h.market.set("AAPL", 140)
	ctx := context.Background()

	res, err := h.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Total)
	assert.Equal(t, 1, res.Triggered)
	assert.Equal(t, 1, res.Errors)

	got := h.get(t, pos.ID)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.NotEmpty(t, got.ClosedReason)
	calls := gw.closeCalls()

	res, err = h.svc.RunCycle(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Total)
	assert.Equal(t, calls, gw.closeCalls())
}
