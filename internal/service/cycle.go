package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/riskpilot/internal/domain"
)

// CycleResult aggregates one monitoring pass. Errors counts evaluations that
// failed, panicked or had no price.
type CycleResult struct {
	Total     int           `json:"total"`
	Triggered int           `json:"triggered"`
	Errors    int           `json:"errors"`
	Duration  time.Duration `json:"duration_ns"`
}

// RunCycle evaluates every active or monitoring position once. Positions
// are evaluated concurrently up to Concurrency; a failure on one position is
// counted and logged and never stops the others. Only a failure to list
// positions is returned as an error.
//
// RunCycle holds no global lock and may overlap a previous cycle.
func (s *PositionService) RunCycle(ctx context.Context) (CycleResult, error) {
	start := time.Now()
	open, err := s.positions.ListByStatus(ctx, domain.StatusActive, domain.StatusMonitoring)
	if err != nil {
		return CycleResult{}, fmt.Errorf("position_service: run cycle: list open: %w", err)
	}

	var triggered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Concurrency)
	for _, pos := range open {
		g.Go(func() error {
			res, err := s.evaluateIsolated(ctx, pos.ID)
			if err != nil {
				failed.Add(1)
				s.logger.ErrorContext(ctx, "position_service: evaluation failed",
					slog.String("position_id", pos.ID),
					slog.String("symbol", pos.Symbol),
					slog.String("error", err.Error()),
				)
			} else if res.DataGap {
				failed.Add(1)
			}
			if res.Triggered {
				triggered.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result := CycleResult{
		Total:     len(open),
		Triggered: int(triggered.Load()),
		Errors:    int(failed.Load()),
		Duration:  time.Since(start),
	}
	s.metrics.ObserveCycle(result.Total, result.Duration)

	level := slog.LevelDebug
	if result.Triggered > 0 || result.Errors > 0 {
		level = slog.LevelInfo
	}
	s.logger.Log(ctx, level, "position_service: cycle complete",
		slog.Int("total", result.Total),
		slog.Int("triggered", result.Triggered),
		slog.Int("errors", result.Errors),
		slog.Duration("duration", result.Duration),
	)
	return result, nil
}

// evaluateIsolated runs Evaluate with its own deadline and turns a panic
// into an error.
func (s *PositionService) evaluateIsolated(ctx context.Context, id string) (res EvaluateResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.ErrorContext(ctx, "position_service: evaluation panicked",
				slog.String("position_id", id),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
			res = EvaluateResult{}
			err = fmt.Errorf("position_service: evaluate %q: panic: %v", id, r)
		}
	}()

	if s.cfg.EvaluateTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.EvaluateTimeout)
		defer cancel()
	}
	return s.Evaluate(ctx, id)
}
