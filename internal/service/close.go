package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/notify"
	"github.com/alanyoungcy/riskpilot/internal/risk"
)

// Close closes a position at market with a caller-supplied reason.
func (s *PositionService) Close(ctx context.Context, id, reason string) (domain.ManagedPosition, error) {
	return s.CloseAt(ctx, id, reason, 0)
}

// CloseAt closes a position at market. observedPrice, when positive, is
// recorded as the close price; otherwise the fill price, the last stored
// price and the entry price are tried in that order.
//
// A gateway failure moves the position to error with the failure message as
// its reason and returns an error matching domain.ErrExecution. Positions in
// error may be closed again explicitly.
//
// Once the broker has been called the outcome is persisted even if ctx is
// done by then.
func (s *PositionService) CloseAt(ctx context.Context, id, reason string, observedPrice float64) (domain.ManagedPosition, error) {
	if reason == "" {
		reason = domain.ReasonManual
	}

	pos, err := s.positions.Get(ctx, id)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: close %q: %w", id, err)
	}
	if pos.Status == domain.StatusClosed {
		return pos, fmt.Errorf("position_service: close %q: %w", id, domain.ErrPositionClosed)
	}

	release, err := s.locks.Acquire(ctx, "close:"+id, s.cfg.closeClaimTTL())
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			return domain.ManagedPosition{}, fmt.Errorf("position_service: close %q: %w", id, domain.ErrCloseInProgress)
		}
		return domain.ManagedPosition{}, fmt.Errorf("position_service: close %q: claim: %w", id, err)
	}
	defer release()

	// Another closer may have finished between the read and the claim.
	pos, err = s.positions.Get(ctx, id)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: close %q: %w", id, err)
	}
	if pos.Status == domain.StatusClosed {
		return pos, fmt.Errorf("position_service: close %q: %w", id, domain.ErrPositionClosed)
	}

	fill, gwErr := s.closeAtBroker(ctx, pos)

	pctx, cancel := s.detached(ctx)
	defer cancel()
	if gwErr != nil {
		return s.markFailed(pctx, pos, gwErr)
	}

	price := closePrice(observedPrice, fill, pos)
	realized, _ := risk.PnL(pos.Side, pos.EntryPrice, price, pos.Quantity)
	closed := domain.StatusClosed
	closedAt := s.now()
	patch := domain.PositionPatch{
		Status:       &closed,
		CurrentPrice: &price,
		ClosedPrice:  &price,
		ClosedReason: &reason,
		ExitOrderID:  &fill.OrderID,
		ClosedAt:     &closedAt,
		RealizedPL:   &realized,
	}

	updated, err := s.persistLocked(pctx, id, patch)
	if err != nil {
		s.logger.ErrorContext(pctx, "position_service: broker closed position but store update failed",
			slog.String("position_id", id),
			slog.String("symbol", pos.Symbol),
			slog.String("exit_order_id", fill.OrderID),
			slog.String("error", err.Error()),
		)
		return domain.ManagedPosition{}, fmt.Errorf("position_service: close %q: persist: %w", id, err)
	}

	s.metrics.Closed(reason)
	s.emit(pctx, notify.EventPositionClosed, updated, map[string]any{
		"reason":        reason,
		"closed_price":  price,
		"realized_pl":   realized,
		"exit_order_id": fill.OrderID,
	})
	title, body := notify.ClosedAlert(updated)
	s.alert(pctx, notify.EventPositionClosed, title, body)

	s.logger.InfoContext(pctx, "position_service: position closed",
		slog.String("position_id", id),
		slog.String("symbol", pos.Symbol),
		slog.String("reason", reason),
		slog.Float64("closed_price", price),
		slog.Float64("realized_pl", realized),
	)
	return updated, nil
}

// closeAtBroker calls the gateway, retrying up to CloseRetries extra times.
// The whole exchange is bounded by CloseBudget.
func (s *PositionService) closeAtBroker(ctx context.Context, pos domain.ManagedPosition) (domain.OrderFill, error) {
	ctx, cancelBudget := context.WithTimeout(ctx, s.cfg.CloseBudget())
	defer cancelBudget()

	var fill domain.OrderFill
	attempt := 0
	op := func() error {
		attempt++
		callCtx, cancel := context.WithTimeout(ctx, s.cfg.GatewayTimeout)
		defer cancel()
		start := time.Now()
		f, err := s.gateway.ClosePosition(callCtx, pos.Symbol)
		s.metrics.ObserveGateway("close", err, time.Since(start))
		if err != nil {
			s.logger.WarnContext(ctx, "position_service: close attempt failed",
				slog.String("position_id", pos.ID),
				slog.String("symbol", pos.Symbol),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			return err
		}
		fill = f
		return nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.CloseRetryInterval
	b.Multiplier = closeRetryMultiplier
	b.MaxInterval = closeRetryMaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.cfg.CloseRetries)), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return domain.OrderFill{}, err
	}
	return fill, nil
}

// markFailed moves the position to error. The position is never marked
// closed on this path. ctx must already be detached from the caller.
func (s *PositionService) markFailed(ctx context.Context, pos domain.ManagedPosition, cause error) (domain.ManagedPosition, error) {
	status := domain.StatusError
	msg := cause.Error()
	updated, err := s.persistLocked(ctx, pos.ID, domain.PositionPatch{
		Status:       &status,
		ClosedReason: &msg,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "position_service: could not record close failure",
			slog.String("position_id", pos.ID),
			slog.String("error", err.Error()),
		)
		updated = pos
	}

	s.metrics.CloseFailed(pos.Symbol)
	s.emit(ctx, notify.EventCloseFailed, updated, map[string]any{"error": msg})
	title, body := notify.CloseFailedAlert(updated, cause)
	s.alert(ctx, notify.EventCloseFailed, title, body)

	s.logger.ErrorContext(ctx, "position_service: close failed, position moved to error",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("error", msg),
	)
	return updated, fmt.Errorf("position_service: close %q: %w: %w", pos.ID, domain.ErrExecution, cause)
}

func (s *PositionService) persistLocked(ctx context.Context, id string, patch domain.PositionPatch) (domain.ManagedPosition, error) {
	var updated domain.ManagedPosition
	err := s.underLock(ctx, id, func() error {
		var err error
		updated, err = s.positions.Update(ctx, id, patch)
		return err
	})
	return updated, err
}

func closePrice(observed float64, fill domain.OrderFill, pos domain.ManagedPosition) float64 {
	switch {
	case observed > 0 && finite(observed):
		return observed
	case fill.HasPrice():
		return fill.FillPrice
	case pos.CurrentPrice > 0:
		return pos.CurrentPrice
	default:
		return pos.EntryPrice
	}
}
