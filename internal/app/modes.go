package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/p2pmatch/internal/archive"
	"github.com/alanyoungcy/p2pmatch/internal/domain"
	"github.com/alanyoungcy/p2pmatch/internal/matching"
	"github.com/alanyoungcy/p2pmatch/internal/server"
	"github.com/alanyoungcy/p2pmatch/internal/server/handler"
	"github.com/alanyoungcy/p2pmatch/internal/server/ws"
	"github.com/alanyoungcy/p2pmatch/internal/service"
	"github.com/alanyoungcy/p2pmatch/internal/settlement"
	"github.com/alanyoungcy/p2pmatch/internal/sink"
)

// ServeMode runs the matching engine, settlement, the HTTP API and the
// WebSocket feed until ctx is cancelled. It backs both the full and the
// standalone modes; only the wired dependencies differ.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode", slog.String("mode", a.cfg.Mode))

	pairs, err := a.pairs()
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	// Event fan-out. Publishing never blocks a matching pass.
	events := sink.NewAsync(sink.Multi(deps.Transports), a.cfg.Engine.SinkBuffer, a.logger)
	g.Go(func() error {
		return ignoreCanceled(events.Run(ctx))
	})

	// Settlement.
	settle := settlement.New(settlement.Config{
		PaymentWindow:  a.cfg.Settlement.PaymentWindow.Duration,
		FundingTimeout: a.cfg.Settlement.FundingTimeout.Duration,
		RedriveAfter:   a.cfg.Settlement.RedriveAfter.Duration,
		MaxAttempts:    a.cfg.Settlement.MaxAttempts,
		BackoffBase:    a.cfg.Settlement.BackoffBase.Duration,
		BackoffMax:     a.cfg.Settlement.BackoffMax.Duration,
		SweepBatch:     a.cfg.Settlement.SweepBatch,
	}, settlement.Deps{
		Trades:    deps.Trades,
		Escrows:   deps.Escrows,
		Disputes:  deps.Disputes,
		Audit:     deps.Audit,
		Custodian: deps.Custodian,
		Sink:      events,
	}, a.logger)
	a.closers = append(a.closers, settle.Close)

	// Matching engine.
	engine := matching.NewEngine(matching.Config{
		SnapshotDepth: a.cfg.Engine.SnapshotDepth,
		LockTTL:       a.cfg.Engine.LockTTL.Duration,
	}, matching.Deps{
		Orders:     deps.Orders,
		Recorder:   deps.Recorder,
		Settlement: settle,
		Sink:       events,
		BookCache:  deps.BookCache,
		Locks:      deps.Locks,
	}, a.logger)
	engine.Activate(pairs...)
	if err := engine.Rebuild(ctx); err != nil {
		return fmt.Errorf("app: rebuild books: %w", err)
	}

	scheduler := matching.NewScheduler(matching.SchedulerConfig{
		Workers:       a.cfg.Engine.Workers,
		SweepInterval: a.cfg.Engine.SweepInterval.Duration,
		QueueSize:     a.cfg.Engine.QueueSize,
	}, engine, a.logger, settle)
	g.Go(func() error {
		return ignoreCanceled(scheduler.Run(ctx))
	})

	// Archival on a schedule, when object storage is wired.
	if deps.Archiver != nil && a.cfg.Archive.Enabled {
		runner := archive.NewRunner(deps.Archiver, a.retention(), a.logger)
		g.Go(func() error {
			return runner.RunCron(ctx, a.cfg.Archive.Cron)
		})
	}

	if a.cfg.Server.Enabled {
		orderSvc := service.NewOrderService(
			engine, deps.Orders, deps.Trades, deps.BookCache, deps.RateLimiter,
			service.RateLimit{Limit: a.cfg.Server.OrderRateLimit, Window: time.Minute},
			a.logger,
		)
		tradeSvc := service.NewTradeService(settle, deps.Disputes, a.logger)
		matchingSvc := service.NewMatchingService(
			scheduler, engine, deps.RateLimiter,
			service.RateLimit{
				Limit:  a.cfg.Server.TriggerRateLimit,
				Window: a.cfg.Server.TriggerRateWindow.Duration,
			},
			deps.Audit, a.logger,
		)

		handlers := server.Handlers{
			Health:   handler.NewHealthHandler(a.logger, deps.HealthChecks...),
			Orders:   handler.NewOrderHandler(orderSvc, a.logger),
			Market:   handler.NewMarketHandler(orderSvc, a.logger),
			Trades:   handler.NewTradeHandler(tradeSvc, a.logger),
			Matching: handler.NewMatchingHandler(matchingSvc, a.logger),
		}
		if deps.Callbacks != nil {
			handlers.Custody = handler.NewCustodyHandler(deps.Callbacks, tradeSvc, a.logger)
		}
		if deps.Archiver != nil {
			handlers.Archives = handler.NewArchiveHandler(deps.Archiver, a.logger)
		}

		hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:      a.cfg.Mode,
			StartedAt: time.Now().UTC(),
		})
		g.Go(func() error {
			return hub.Run(ctx)
		})

		a.startHTTPServer(ctx, g, handlers, hub, deps.RateLimiter)
	}

	a.logger.InfoContext(ctx, "serve mode running",
		slog.Int("pairs", len(pairs)),
		slog.Int("workers", a.cfg.Engine.Workers),
		slog.Bool("http", a.cfg.Server.Enabled),
	)
	return g.Wait()
}

// ArchiveMode runs a single archival pass and returns.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")
	if deps.Archiver == nil {
		return errors.New("app: archive mode requires object storage")
	}

	runner := archive.NewRunner(deps.Archiver, a.retention(), a.logger)
	res, err := runner.Run(ctx)
	a.logger.InfoContext(ctx, "archive pass finished",
		slog.Int64("trades", res.Trades),
		slog.Int64("orders", res.Orders),
		slog.Int64("disputes", res.Disputes),
	)
	if err != nil {
		return fmt.Errorf("app: archive: %w", err)
	}
	return nil
}

// startHTTPServer registers the API server and its shutdown watcher on g.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	handlers server.Handlers,
	hub *ws.Hub,
	limiter domain.RateLimiter,
) {
	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		OperatorKey:     a.cfg.Server.OperatorKey,
		JWTSecret:       a.cfg.Server.JWTSecret,
		PublicRateLimit: a.cfg.Server.PublicRateLimit,
	}, handlers, hub, limiter, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// pairs parses the configured trading pairs.
func (a *App) pairs() ([]domain.Pair, error) {
	out := make([]domain.Pair, 0, len(a.cfg.Engine.Pairs))
	for _, s := range a.cfg.Engine.Pairs {
		p, err := domain.ParsePair(s)
		if err != nil {
			return nil, fmt.Errorf("app: pair %q: %w", s, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func (a *App) retention() time.Duration {
	return time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
}

// ignoreCanceled turns the context error of a loop that stopped on shutdown
// into a clean exit so errgroup reports only real failures.
func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
