package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/riskpilot/internal/domain"
	"github.com/alanyoungcy/riskpilot/internal/server"
	"github.com/alanyoungcy/riskpilot/internal/server/handler"
	"github.com/alanyoungcy/riskpilot/internal/server/ws"
	"github.com/alanyoungcy/riskpilot/internal/service"
)

// MonitorMode runs the monitoring loop and, when enabled, the API server.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode",
		slog.Duration("interval", a.cfg.Monitor.Interval.Duration),
	)

	g, ctx := errgroup.WithContext(ctx)

	monitor := service.NewMonitor(deps.Service, a.cfg.Monitor.Interval.Duration, a.logger).
		WithAlerts(deps.Notifier)
	g.Go(func() error {
		return monitor.Run(ctx)
	})

	if deps.Archiver != nil && a.cfg.S3.ArchiveAt.Duration > 0 {
		g.Go(func() error {
			return deps.Archiver.RunDaily(ctx, a.cfg.S3.ArchiveAt.Duration)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return ignoreCanceled(g.Wait())
}

// ServerMode runs the API server without the monitoring loop. Cycles can
// still be triggered with POST /api/monitor/cycle.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return ignoreCanceled(g.Wait())
}

// OnceMode runs a single monitoring cycle and returns. It fails when the
// cycle could not list positions or any evaluation failed, so a scheduler
// sees the error.
func (a *App) OnceMode(ctx context.Context, deps *Dependencies) error {
	res, err := deps.Service.RunCycle(ctx)
	if err != nil {
		return fmt.Errorf("app: once: %w", err)
	}
	a.logger.InfoContext(ctx, "cycle complete",
		slog.Int("total", res.Total),
		slog.Int("triggered", res.Triggered),
		slog.Int("errors", res.Errors),
		slog.Duration("duration", res.Duration),
	)
	if res.Errors > 0 {
		return fmt.Errorf("app: once: %d of %d evaluations failed", res.Errors, res.Total)
	}
	return nil
}

// ArchiveMode exports the positions closed yesterday (UTC) to object
// storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires s3.enabled")
	}
	day := time.Now().UTC().AddDate(0, 0, -1)
	n, err := deps.Archiver.ArchiveDay(ctx, day, false)
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	if n > 0 {
		restored, err := deps.Archiver.ReadDay(ctx, day)
		if err != nil {
			return fmt.Errorf("app: archive: verify: %w", err)
		}
		if len(restored) != n {
			return fmt.Errorf("app: archive: verify: wrote %d positions, read back %d", n, len(restored))
		}
	}
	days, err := deps.Archiver.ArchivedDays(ctx)
	if err != nil {
		a.logger.WarnContext(ctx, "archive: list archived days failed", slog.String("error", err.Error()))
	}
	a.logger.InfoContext(ctx, "archive complete",
		slog.String("day", day.Format(time.DateOnly)),
		slog.Int("positions", n),
		slog.Int("archived_days", len(days)),
	)
	return nil
}

// startHTTPServer runs the websocket hub and the HTTP server in g. The
// server shuts down when ctx is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.Bus, []string{domain.ChannelPositions}, a.cfg.Server.CORSOrigins, a.logger).
		WithStatus(func(ctx context.Context) (int, error) {
			open, err := deps.Service.List(ctx, domain.StatusActive, domain.StatusMonitoring)
			return len(open), err
		})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	cfg := server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
		Limiter:     deps.APILimiter,
		MetricsPath: a.cfg.Metrics.Path,
	}
	if deps.Registry != nil {
		cfg.Gatherer = deps.Registry
	}
	srv := server.NewServer(cfg, server.Handlers{
		Health:    handler.NewHealthHandler(deps.Health, a.logger),
		Positions: handler.NewPositionHandler(deps.Service, a.logger),
		Monitor:   handler.NewMonitorHandler(deps.Service, deps.Audit, a.logger),
		Feed:      handler.NewFeedHandler(deps.Bus, deps.PriceCache, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
