package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/riskpilot/internal/notify"
)

// CycleRunner is the unit of work the Monitor schedules.
type CycleRunner interface {
	RunCycle(ctx context.Context) (CycleResult, error)
}

// Monitor drives RunCycle on a fixed interval until its context ends.
type Monitor struct {
	runner   CycleRunner
	interval time.Duration
	alerts   Alerter
	logger   *slog.Logger
}

// NewMonitor creates a Monitor. interval <= 0 uses 10s.
func NewMonitor(runner CycleRunner, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		runner:   runner,
		interval: interval,
		logger:   logger.With(slog.String("component", "monitor")),
	}
}

// WithAlerts reports cycles that had errors.
func (m *Monitor) WithAlerts(a Alerter) *Monitor {
	m.alerts = a
	return m
}

// Run runs one cycle immediately and then one per tick. A cycle that is
// still running when the next tick fires delays that tick rather than
// overlapping it.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.InfoContext(ctx, "monitor: started", slog.Duration("interval", m.interval))
	m.tick(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.logger.InfoContext(ctx, "monitor: stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	res, err := m.runner.RunCycle(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "monitor: cycle failed", slog.String("error", err.Error()))
		return
	}
	if res.Errors > 0 && m.alerts != nil {
		msg := fmt.Sprintf("%d of %d positions could not be evaluated", res.Errors, res.Total)
		if err := m.alerts.Notify(ctx, notify.EventCycleErrors, "Monitoring cycle errors", msg); err != nil {
			m.logger.WarnContext(ctx, "monitor: notify failed", slog.String("error", err.Error()))
		}
	}
}
