package service

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/risk"
)

func longParams(symbol string) CreateParams {
	return CreateParams{Symbol: symbol, Quantity: 10, Side: domain.SideLong, StopLossPct: 2, TakeProfitPct: 5}
}

func TestCreateManagedPosition_LongThresholds(t *testing.T) {
	h := newHarness(t, MonitorConfig{})

	pos := h.create(t, longParams("aapl"))

	assert.Equal(t, "AAPL", pos.Symbol)
	assert.Equal(t, 150.0, pos.EntryPrice)
	assert.Equal(t, 147.0, pos.StopLossPrice)
	assert.Equal(t, 157.5, pos.TakeProfitPrice)
	assert.Equal(t, domain.StatusActive, pos.Status)
	assert.Equal(t, 150.0, pos.CurrentPrice)
	assert.Zero(t, pos.UnrealizedPL)
	assert.Equal(t, "entry-1", pos.EntryOrderID)
	assert.NotEmpty(t, pos.ID)

	stored := h.get(t, pos.ID)
	assert.Equal(t, pos.StopLossPrice, stored.StopLossPrice)
	assert.Equal(t, []domain.OrderSide{domain.OrderSideBuy}, h.gateway.placedSide)
	assert.Contains(t, h.alerts.seen(), "position_opened")
}

func TestCreateManagedPosition_ShortThresholds(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	h.gateway.entryFill = 200

	pos := h.create(t, CreateParams{Symbol: "TSLA", Quantity: 1, Side: domain.SideShort, StopLossPct: 3, TakeProfitPct: 4})

	assert.Equal(t, 206.0, pos.StopLossPrice)
	assert.Equal(t, 192.0, pos.TakeProfitPrice)
	assert.Equal(t, []domain.OrderSide{domain.OrderSideSell}, h.gateway.placedSide)
}

func TestCreateManagedPosition_FallsBackToMarketPrice(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	h.gateway.entryFill = 0
	h.market.set("AAPL", 148)

	pos := h.create(t, longParams("AAPL"))
	assert.Equal(t, 148.0, pos.EntryPrice)
	assert.Equal(t, 1, h.market.callCount("AAPL"))
}

func TestCreateManagedPosition_NoEntryPrice(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	h.gateway.entryFill = 0
	h.market.fail("AAPL", errors.New("timeout"))

	_, err := h.svc.CreateManagedPosition(context.Background(), longParams("AAPL"))
	require.ErrorIs(t, err, domain.ErrPriceUnavailable)

	all, err := h.store.ListByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateManagedPosition_OrderFailureCreatesNothing(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	h.gateway.entryErr = errBroker

	_, err := h.svc.CreateManagedPosition(context.Background(), longParams("AAPL"))
	require.ErrorIs(t, err, domain.ErrExecution)
	require.ErrorIs(t, err, errBroker)

	all, err := h.store.ListByStatus(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCreateManagedPosition_Validation(t *testing.T) {
	tests := []struct {
		name   string
		params CreateParams
	}{
		{"zero qty", CreateParams{Symbol: "A", Quantity: 0, StopLossPct: 2, TakeProfitPct: 5}},
		{"negative qty", CreateParams{Symbol: "A", Quantity: -1, StopLossPct: 2, TakeProfitPct: 5}},
		{"missing symbol", CreateParams{Quantity: 1, StopLossPct: 2, TakeProfitPct: 5}},
		{"zero stop", CreateParams{Symbol: "A", Quantity: 1, StopLossPct: 0, TakeProfitPct: 5}},
		{"stop at 100", CreateParams{Symbol: "A", Quantity: 1, StopLossPct: 100, TakeProfitPct: 5}},
		{"negative target", CreateParams{Symbol: "A", Quantity: 1, StopLossPct: 2, TakeProfitPct: -5}},
		{"bad side", CreateParams{Symbol: "A", Quantity: 1, Side: "sideways", StopLossPct: 2, TakeProfitPct: 5}},
		{"short target too wide", CreateParams{Symbol: "A", Quantity: 1, Side: domain.SideShort, StopLossPct: 2, TakeProfitPct: 100}},
		{"nan qty", CreateParams{Symbol: "A", Quantity: math.NaN(), StopLossPct: 2, TakeProfitPct: 5}},
		{"inf qty", CreateParams{Symbol: "A", Quantity: math.Inf(1), StopLossPct: 2, TakeProfitPct: 5}},
		{"nan stop", CreateParams{Symbol: "A", Quantity: 1, StopLossPct: math.NaN(), TakeProfitPct: 5}},
		{"nan target", CreateParams{Symbol: "A", Quantity: 1, StopLossPct: 2, TakeProfitPct: math.NaN()}},
		{"inf target", CreateParams{Symbol: "A", Quantity: 1, StopLossPct: 2, TakeProfitPct: math.Inf(1)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, MonitorConfig{})
			_, err := h.svc.CreateManagedPosition(context.Background(), tt.params)

			require.ErrorIs(t, err, domain.ErrValidation)
			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.NotEmpty(t, verr.Problems)
			assert.Zero(t, h.gateway.placed)
		})
	}
}

func TestEvaluate_StopLossClosesPosition(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	h.market.set("AAPL", 145)

	res, err := h.svc.Evaluate(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.Equal(t, EvaluateResult{Triggered: true, Reason: "stop_loss", Action: ActionClosed}, res)

	got := h.get(t, pos.ID)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, domain.ReasonStopLoss, got.ClosedReason)
	require.NotNil(t, got.ClosedPrice)
	assert.Equal(t, 145.0, *got.ClosedPrice)
	require.NotNil(t, got.ClosedAt)
	assert.NotEmpty(t, got.ExitOrderID)
	require.NotNil(t, got.RealizedPL)
	assert.Equal(t, -50.0, *got.RealizedPL)
	assert.Equal(t, 1, h.gateway.closeCalls())
}

func TestEvaluate_TakeProfit(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	h.market.set("AAPL", 158)

	res, err := h.svc.Evaluate(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.True(t, res.Triggered)
	assert.Equal(t, "take_profit", res.Reason)
	assert.Equal(t, domain.ReasonTakeProfit, h.get(t, pos.ID).ClosedReason)
}

func TestEvaluate_ShortTriggers(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	h.gateway.entryFill = 200
	short := CreateParams{Symbol: "TSLA", Quantity: 2, Side: domain.SideShort, StopLossPct: 3, TakeProfitPct: 4}

	up := h.create(t, short)
	h.market.set("TSLA", 207)
	res, err := h.svc.Evaluate(context.Background(), up.ID)
	require.NoError(t, err)
	assert.Equal(t, "stop_loss", res.Reason)
	got := h.get(t, up.ID)
	require.NotNil(t, got.RealizedPL)
	assert.Equal(t, -14.0, *got.RealizedPL)

	down := h.create(t, short)
	h.market.set("TSLA", 191)
	res, err = h.svc.Evaluate(context.Background(), down.ID)
	require.NoError(t, err)
	assert.Equal(t, "take_profit", res.Reason)
}

func TestEvaluate_UpdatesPriceAndPnL(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	h.market.set("AAPL", 153)

	res, err := h.svc.Evaluate(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, ActionNone, res.Action)

	got := h.get(t, pos.ID)
	assert.Equal(t, 153.0, got.CurrentPrice)
	assert.Equal(t, 30.0, got.UnrealizedPL)
	assert.Equal(t, 2.0, got.UnrealizedPLPct)
	assert.Equal(t, domain.StatusActive, got.Status)
}

func TestEvaluate_ClosedPositionIsSkipped(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	_, err := h.svc.Close(context.Background(), pos.ID, "manual")
	require.NoError(t, err)

	before := h.store.updates.Load()
	res, err := h.svc.Evaluate(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.Equal(t, ActionSkipped, res.Action)
	assert.Zero(t, h.market.callCount("AAPL"))
	assert.Equal(t, before, h.store.updates.Load())
}

func TestEvaluate_ProviderFailureIsNotAnError(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	h.market.fail("AAPL", context.DeadlineExceeded)

	before := h.store.updates.Load()
	res, err := h.svc.Evaluate(context.Background(), pos.ID)
	require.NoError(t, err)
	assert.False(t, res.Triggered)
	assert.True(t, res.DataGap)
	assert.Equal(t, before, h.store.updates.Load())
	assert.Equal(t, domain.StatusActive, h.get(t, pos.ID).Status)
}

func TestEvaluate_NotFound(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	_, err := h.svc.Evaluate(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEvaluate_TrailingStopOnlyWhenEnabled(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	fixed := h.create(t, longParams("AAPL"))
	trailingParams := longParams("AAPL")
	trailingParams.TrailingStop = true
	trailing := h.create(t, trailingParams)
	h.market.set("AAPL", 156)

	res, err := h.svc.Evaluate(context.Background(), fixed.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionNone, res.Action)
	assert.Equal(t, 147.0, h.get(t, fixed.ID).StopLossPrice)

	res, err = h.svc.Evaluate(context.Background(), trailing.ID)
	require.NoError(t, err)
	assert.Equal(t, ActionTrailingAdjusted, res.Action)
	assert.Equal(t, 152.88, h.get(t, trailing.ID).StopLossPrice)
}

func TestAdjustTrailingStop_Ratchet(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	params := longParams("AAPL")
	params.TrailingStop = true
	pos := h.create(t, params)
	ctx := context.Background()

	var stops []float64
	for _, price := range []float64{150, 160, 155} {
		_, err := h.svc.AdjustTrailingStop(ctx, pos.ID, price)
		require.NoError(t, err)
		stops = append(stops, h.get(t, pos.ID).StopLossPrice)
	}
	assert.Equal(t, []float64{147, 156.8, 156.8}, stops)
}

func TestAdjustTrailingStop_NoWriteWhenNotTighter(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))

	before := h.store.updates.Load()
	moved, err := h.svc.AdjustTrailingStop(context.Background(), pos.ID, 140)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, before, h.store.updates.Load())
}

func TestAdjustTrailingStop_MonotonicAsPriceRises(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()

	last := pos.StopLossPrice
	prices := []float64{151, 149, 155, 170, 165, 171.5, 100, 180}
	for _, p := range prices {
		_, err := h.svc.AdjustTrailingStop(ctx, pos.ID, p)
		require.NoError(t, err)
		cur := h.get(t, pos.ID).StopLossPrice
		assert.GreaterOrEqual(t, cur, last)
		last = cur
	}
	assert.Equal(t, 176.4, last)
}

func TestAdjustTrailingStop_Short(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	h.gateway.entryFill = 200
	pos := h.create(t, CreateParams{Symbol: "TSLA", Quantity: 1, Side: domain.SideShort, StopLossPct: 3, TakeProfitPct: 4, TrailingStop: true})

	moved, err := h.svc.AdjustTrailingStop(context.Background(), pos.ID, 195)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Equal(t, 200.85, h.get(t, pos.ID).StopLossPrice)

	moved, err = h.svc.AdjustTrailingStop(context.Background(), pos.ID, 199)
	require.NoError(t, err)
	assert.False(t, moved)
	assert.Equal(t, 200.85, h.get(t, pos.ID).StopLossPrice)
}

func TestClose_GatewayFailureMovesToError(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	h.gateway.closeErrs = []error{errBroker}

	_, err := h.svc.Close(context.Background(), pos.ID, "manual")
	require.ErrorIs(t, err, domain.ErrExecution)
	require.ErrorIs(t, err, errBroker)

	got := h.get(t, pos.ID)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Contains(t, got.ClosedReason, "broker rejected order")
	assert.Empty(t, got.ExitOrderID)
	assert.Nil(t, got.ClosedAt)
	assert.Contains(t, h.alerts.seen(), "position_close_failed")

	open, err := h.store.ListByStatus(context.Background(), domain.StatusActive, domain.StatusMonitoring)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestClose_EvaluateSurfacesCloseFailure(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	h.gateway.closeErrs = []error{errBroker}
	h.market.set("AAPL", 140)

	res, err := h.svc.Evaluate(context.Background(), pos.ID)
	require.ErrorIs(t, err, domain.ErrExecution)
	assert.True(t, res.Triggered)
	assert.Equal(t, ActionCloseFailed, res.Action)
	assert.Equal(t, domain.StatusError, h.get(t, pos.ID).Status)
}

func TestClose_RetriesBeforeGivingUp(t *testing.T) {
	h := newHarness(t, MonitorConfig{CloseRetries: 2})
	pos := h.create(t, longParams("AAPL"))
	h.gateway.closeErrs = []error{errBroker, errBroker}

	got, err := h.svc.Close(context.Background(), pos.ID, "manual")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, 3, h.gateway.closeCalls())
}

func TestClose_PriceFallback(t *testing.T) {
	ctx := context.Background()

	t.Run("fill price", func(t *testing.T) {
		h := newHarness(t, MonitorConfig{})
		pos := h.create(t, longParams("AAPL"))
		h.gateway.closeFill = 151.5
		got, err := h.svc.Close(ctx, pos.ID, "manual")
		require.NoError(t, err)
		assert.Equal(t, 151.5, *got.ClosedPrice)
	})

	t.Run("observed beats fill", func(t *testing.T) {
		h := newHarness(t, MonitorConfig{})
		pos := h.create(t, longParams("AAPL"))
		h.gateway.closeFill = 151.5
		got, err := h.svc.CloseAt(ctx, pos.ID, "manual", 149)
		require.NoError(t, err)
		assert.Equal(t, 149.0, *got.ClosedPrice)
	})

	t.Run("stored current price", func(t *testing.T) {
		h := newHarness(t, MonitorConfig{})
		pos := h.create(t, longParams("AAPL"))
		h.market.set("AAPL", 152)
		_, err := h.svc.Evaluate(ctx, pos.ID)
		require.NoError(t, err)
		got, err := h.svc.Close(ctx, pos.ID, "manual")
		require.NoError(t, err)
		assert.Equal(t, 152.0, *got.ClosedPrice)
	})

	t.Run("entry price", func(t *testing.T) {
		h := newHarness(t, MonitorConfig{})
		pos := h.create(t, longParams("AAPL"))
		pos.CurrentPrice = 0
		got := closePrice(0, domain.OrderFill{}, pos)
		assert.Equal(t, 150.0, got)
	})
}

func TestClose_AlreadyClosed(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()

	_, err := h.svc.Close(ctx, pos.ID, "manual")
	require.NoError(t, err)
	_, err = h.svc.Close(ctx, pos.ID, "manual")
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
	assert.Equal(t, 1, h.gateway.closeCalls())
}

func TestClose_NotFound(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	_, err := h.svc.Close(context.Background(), "nope", "manual")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClose_ConcurrentCloseIsRejected(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()

	release, err := h.locks.Acquire(ctx, "close:"+pos.ID, time.Minute)
	require.NoError(t, err)
	defer release()

	_, err = h.svc.Close(ctx, pos.ID, "manual")
	assert.ErrorIs(t, err, domain.ErrCloseInProgress)
	assert.Zero(t, h.gateway.closeCalls())
}

func TestClose_OperatorRetryFromError(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()
	h.gateway.closeErrs = []error{errBroker}

	_, err := h.svc.Close(ctx, pos.ID, "manual")
	require.Error(t, err)

	got, err := h.svc.Close(ctx, pos.ID, "operator_retry")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusClosed, got.Status)
	assert.Equal(t, "operator_retry", got.ClosedReason)
}

func TestClose_ParallelEvaluationsCloseOnce(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	h.market.set("AAPL", 140)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.svc.Evaluate(context.Background(), pos.ID)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, h.gateway.closeCalls())
	assert.Equal(t, domain.StatusClosed, h.get(t, pos.ID).Status)
}

func TestClose_PublishesEvent(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()

	_, err := h.svc.Close(ctx, pos.ID, "manual")
	require.NoError(t, err)

	msgs, err := h.bus.StreamRead(ctx, domain.StreamPositions, "0", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	var evt map[string]any
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &evt))
	assert.Equal(t, "position_closed", evt["event"])
	assert.Equal(t, pos.ID, evt["position_id"])

	entries, err := h.audit.List(ctx, domain.AuditQuery{PositionID: pos.ID})
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, "position_closed", entries[0].Event)
	assert.Equal(t, pos.ID, entries[0].PositionID)
}

func TestBackfillRealizedPL(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()

	_, err := h.svc.BackfillRealizedPL(ctx, pos.ID, 10)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = h.svc.Close(ctx, pos.ID, "manual")
	require.NoError(t, err)

	got, err := h.svc.BackfillRealizedPL(ctx, pos.ID, 12.5)
	require.NoError(t, err)
	assert.Equal(t, 12.5, *got.RealizedPL)
	assert.Equal(t, domain.StatusClosed, got.Status)
}

func TestMarkMonitoring(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()

	got, err := h.svc.MarkMonitoring(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusMonitoring, got.Status)

	h.market.set("AAPL", 145)
	res, err := h.svc.Evaluate(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, res.Triggered)

	_, err = h.svc.MarkMonitoring(ctx, pos.ID)
	assert.ErrorIs(t, err, domain.ErrPositionClosed)
}

func TestCreateManagedPosition_InfiniteFillUsesMarketPrice(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	h.gateway.entryFill = math.Inf(1)
	h.market.set("AAPL", 151)

	pos := h.create(t, longParams("AAPL"))
	assert.Equal(t, 151.0, pos.EntryPrice)
}

func TestEvaluate_NonFinitePriceIsDataGap(t *testing.T) {
	for name, price := range map[string]float64{"nan": math.NaN(), "+inf": math.Inf(1)} {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, MonitorConfig{})
			pos := h.create(t, longParams("AAPL"))
			h.market.set("AAPL", price)

			res, err := h.svc.Evaluate(context.Background(), pos.ID)
			require.NoError(t, err)
			assert.True(t, res.DataGap)
			assert.False(t, res.Triggered)
			got := h.get(t, pos.ID)
			assert.Equal(t, domain.StatusActive, got.Status)
			assert.Equal(t, 150.0, got.CurrentPrice)
			assert.Zero(t, h.gateway.closeCalls())
		})
	}
}

func TestAdjustTrailingStop_RejectsNonFinitePrice(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	p := longParams("AAPL")
	p.TrailingStop = true
	pos := h.create(t, p)

	for _, price := range []float64{math.NaN(), math.Inf(1), math.Inf(-1)} {
		moved, err := h.svc.AdjustTrailingStop(context.Background(), pos.ID, price)
		assert.ErrorIs(t, err, domain.ErrValidation)
		assert.False(t, moved)
	}
	assert.Equal(t, pos.StopLossPrice, h.get(t, pos.ID).StopLossPrice)
}

func TestClose_IgnoresNonFiniteObservedPrice(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))

	got, err := h.svc.CloseAt(context.Background(), pos.ID, "manual", math.Inf(1))
	require.NoError(t, err)
	assert.Equal(t, 150.0, got.ClosedPrice)
	assert.Zero(t, got.RealizedPL)
}

func TestBackfillRealizedPL_RejectsNonFinite(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()
	_, err := h.svc.Close(ctx, pos.ID, "manual")
	require.NoError(t, err)

	_, err = h.svc.BackfillRealizedPL(ctx, pos.ID, math.NaN())
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestClose_ClaimOutlivesRetries(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	gw := &blockingGateway{}
	cfg := MonitorConfig{
		LockTTL:            100 * time.Millisecond,
		GatewayTimeout:     80 * time.Millisecond,
		CloseRetries:       2,
		CloseRetryInterval: 10 * time.Millisecond,
	}
	h.rewire(cfg, h.store, gw, h.bus, h.audit)
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()

	first := make(chan error, 1)
	go func() {
		_, err := h.svc.Close(ctx, pos.ID, "manual")
		first <- err
	}()

	// Past LockTTL while the first close is still retrying.
	time.Sleep(130 * time.Millisecond)
	_, err := h.svc.Close(ctx, pos.ID, "manual")
	assert.ErrorIs(t, err, domain.ErrCloseInProgress)

	require.ErrorIs(t, <-first, domain.ErrExecution)
	assert.LessOrEqual(t, gw.closeCalls(), 3)
	assert.Equal(t, 1, gw.maxInFlight())
	assert.Equal(t, domain.StatusError, h.get(t, pos.ID).Status)
	assert.Greater(t, h.svc.Config().closeClaimTTL(), h.svc.Config().CloseBudget())
}

func TestClose_PersistsOutcomeAfterCallerCancels(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	gw := &blockingGateway{}
	store := &ctxStore{PositionStore: h.store.PositionStore}
	h.rewire(MonitorConfig{GatewayTimeout: time.Second}, store, gw, h.bus, h.audit)
	pos := h.create(t, longParams("AAPL"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := h.svc.Close(ctx, pos.ID, "manual")
	require.ErrorIs(t, err, domain.ErrExecution)

	got := h.get(t, pos.ID)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.NotEmpty(t, got.ClosedReason)
}

func TestAdjustTrailingStop_EmitsAfterUnlock(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	watch := &lockWatch{locks: h.locks}
	h.rewire(MonitorConfig{}, h.store,
		h.gateway,
		&watchedBus{Bus: h.bus, watch: watch},
		&watchedAudit{AuditStore: h.audit, watch: watch},
	)
	p := longParams("AAPL")
	p.TrailingStop = true
	pos := h.create(t, p)
	before := watch.seen.Load()

	moved, err := h.svc.AdjustTrailingStop(context.Background(), pos.ID, 160)
	require.NoError(t, err)
	require.True(t, moved)

	assert.Greater(t, watch.seen.Load(), before)
	assert.Zero(t, watch.whileHeld.Load())
}

func TestBackfillRealizedPL_RecordsAfterUnlock(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	watch := &lockWatch{locks: h.locks}
	h.rewire(MonitorConfig{}, h.store,
		h.gateway,
		&watchedBus{Bus: h.bus, watch: watch},
		&watchedAudit{AuditStore: h.audit, watch: watch},
	)
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()
	_, err := h.svc.Close(ctx, pos.ID, "manual")
	require.NoError(t, err)
	before := watch.seen.Load()

	_, err = h.svc.BackfillRealizedPL(ctx, pos.ID, 42)
	require.NoError(t, err)

	assert.Greater(t, watch.seen.Load(), before)
	assert.Zero(t, watch.whileHeld.Load())
}

func TestEvaluate_AlreadyClosedIsNotATrigger(t *testing.T) {
	h := newHarness(t, MonitorConfig{})
	pos := h.create(t, longParams("AAPL"))
	ctx := context.Background()
	_, err := h.svc.Close(ctx, pos.ID, "manual")
	require.NoError(t, err)

	// pos is the stale pre-close snapshot an overlapping evaluation holds.
	res, err := h.svc.fire(ctx, pos, risk.TriggerStopLoss, 140)
	require.NoError(t, err)
	assert.Equal(t, ActionAlreadyClosed, res.Action)
	assert.False(t, res.Triggered)
	assert.Equal(t, 1, h.gateway.closeCalls())
}
