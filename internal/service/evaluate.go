package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/risk"
)

// Evaluation actions.
const (
	ActionNone             = "none"
	ActionSkipped          = "skipped"
	ActionPriceUnavailable = "price_unavailable"
	ActionTrailingAdjusted = "trailing_adjusted"
	ActionClosed           = "closed"
	ActionCloseInProgress  = "close_in_progress"
	ActionCloseFailed      = "close_failed"
	ActionAlreadyClosed    = "already_closed"
)

// EvaluateResult describes what one evaluation did.
type EvaluateResult struct {
	Triggered bool   `json:"triggered"`
	Reason    string `json:"reason,omitempty"`
	Action    string `json:"action,omitempty"`
	// DataGap is set when no price was available and the pass was skipped.
	DataGap bool `json:"data_gap,omitempty"`
}

var errNotOpen = errors.New("position no longer open")

// Evaluate checks one position against the latest market price. Closed and
// errored positions are skipped without a price lookup or a write. A missing
// price is a data gap, reported in the result rather than as an error.
func (s *PositionService) Evaluate(ctx context.Context, id string) (EvaluateResult, error) {
	pos, err := s.positions.Get(ctx, id)
	if err != nil {
		return EvaluateResult{}, fmt.Errorf("position_service: evaluate %q: %w", id, err)
	}
	if !pos.Status.Open() {
		s.metrics.Evaluation(ActionSkipped)
		return EvaluateResult{Action: ActionSkipped}, nil
	}

	quote, err := s.latestPrice(ctx, pos.Symbol)
	if err != nil {
		s.logger.WarnContext(ctx, "position_service: price unavailable, skipping evaluation",
			slog.String("position_id", id),
			slog.String("symbol", pos.Symbol),
			slog.String("error", err.Error()),
		)
		s.metrics.DataGap(pos.Symbol)
		s.metrics.Evaluation(ActionPriceUnavailable)
		return EvaluateResult{Action: ActionPriceUnavailable, DataGap: true}, nil
	}
	current := quote.Price

	pos, err = s.recordPrice(ctx, id, current)
	if err != nil {
		if errors.Is(err, errNotOpen) {
			s.metrics.Evaluation(ActionSkipped)
			return EvaluateResult{Action: ActionSkipped}, nil
		}
		return EvaluateResult{}, err
	}

	if trigger := risk.CheckTrigger(pos.Side, current, pos.StopLossPrice, pos.TakeProfitPrice); trigger != risk.TriggerNone {
		return s.fire(ctx, pos, trigger, current)
	}

	if pos.TrailingStop {
		moved, err := s.AdjustTrailingStop(ctx, id, current)
		if err != nil {
			return EvaluateResult{}, err
		}
		if moved {
			s.metrics.Evaluation(ActionTrailingAdjusted)
			return EvaluateResult{Action: ActionTrailingAdjusted}, nil
		}
	}
	s.metrics.Evaluation(ActionNone)
	return EvaluateResult{Action: ActionNone}, nil
}

// fire closes a position whose threshold was crossed. A position another
// closer already finished is reported as already_closed and not as a trigger.
func (s *PositionService) fire(ctx context.Context, pos domain.ManagedPosition, trigger risk.Trigger, price float64) (EvaluateResult, error) {
	res := EvaluateResult{Triggered: true, Reason: string(trigger)}
	s.logger.InfoContext(ctx, "position_service: threshold crossed",
		slog.String("position_id", pos.ID),
		slog.String("symbol", pos.Symbol),
		slog.String("trigger", string(trigger)),
		slog.Float64("price", price),
		slog.Float64("stop_loss", pos.StopLossPrice),
		slog.Float64("take_profit", pos.TakeProfitPrice),
	)

	_, err := s.CloseAt(ctx, pos.ID, trigger.CloseReason(), price)
	if errors.Is(err, domain.ErrPositionClosed) {
		s.metrics.Evaluation(ActionAlreadyClosed)
		return EvaluateResult{Action: ActionAlreadyClosed}, nil
	}
	s.metrics.Trigger(string(trigger))
	switch {
	case err == nil:
		res.Action = ActionClosed
	case errors.Is(err, domain.ErrCloseInProgress):
		res.Action = ActionCloseInProgress
	default:
		res.Action = ActionCloseFailed
		s.metrics.Evaluation(res.Action)
		return res, err
	}
	s.metrics.Evaluation(res.Action)
	return res, nil
}

// recordPrice stores the observed price and unrealized P&L.
func (s *PositionService) recordPrice(ctx context.Context, id string, current float64) (domain.ManagedPosition, error) {
	unlock, err := s.lockPosition(ctx, id)
	if err != nil {
		return domain.ManagedPosition{}, err
	}
	defer unlock()

	pos, err := s.positions.Get(ctx, id)
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: evaluate %q: %w", id, err)
	}
	if !pos.Status.Open() {
		return domain.ManagedPosition{}, errNotOpen
	}

	pl, plPct := risk.PnL(pos.Side, pos.EntryPrice, current, pos.Quantity)
	updated, err := s.positions.Update(ctx, id, domain.PositionPatch{
		CurrentPrice:    &current,
		UnrealizedPL:    &pl,
		UnrealizedPLPct: &plPct,
	})
	if err != nil {
		return domain.ManagedPosition{}, fmt.Errorf("position_service: record price %q: %w", id, err)
	}
	return updated, nil
}

// AdjustTrailingStop ratchets the stop-loss toward currentPrice. The stop
// only ever moves in the protective direction; otherwise nothing is written.
// It reports whether the stop moved.
func (s *PositionService) AdjustTrailingStop(ctx context.Context, id string, currentPrice float64) (bool, error) {
	if !finite(currentPrice) || currentPrice <= 0 {
		return false, fmt.Errorf("position_service: adjust %q: price %g: %w", id, currentPrice, domain.ErrValidation)
	}

	var (
		pos, updated domain.ManagedPosition
		next         float64
		moved        bool
	)
	err := s.underLock(ctx, id, func() error {
		var err error
		pos, err = s.positions.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("position_service: adjust %q: %w", id, err)
		}
		if !pos.Status.Open() {
			return nil
		}
		next, moved = risk.NextTrailingStop(pos.Side, currentPrice, pos.StopLossPct, pos.StopLossPrice)
		if !moved {
			return nil
		}
		updated, err = s.positions.Update(ctx, id, domain.PositionPatch{StopLossPrice: &next})
		if err != nil {
			moved = false
			return fmt.Errorf("position_service: adjust %q: %w", id, err)
		}
		return nil
	})
	if err != nil || !moved {
		return false, err
	}

	s.metrics.TrailingAdjust(string(pos.Side))
	s.emit(ctx, "trailing_stop_adjusted", updated, map[string]any{
		"previous_stop_loss": pos.StopLossPrice,
		"trigger_price":      currentPrice,
	})
	s.logger.InfoContext(ctx, "position_service: trailing stop moved",
		slog.String("position_id", id),
		slog.String("side", string(pos.Side)),
		slog.Float64("from", pos.StopLossPrice),
		slog.Float64("to", next),
	)
	return true, nil
}
