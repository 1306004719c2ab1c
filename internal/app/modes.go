package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perpdex/perpindexer/internal/consumer"
	"github.com/perpdex/perpindexer/internal/reconcile"
	"github.com/perpdex/perpindexer/internal/server"
	"github.com/perpdex/perpindexer/internal/server/handler"
	"github.com/perpdex/perpindexer/internal/server/ws"
)

// IndexMode runs the live pipeline: one consumer per contract topic, the
// archiver when enabled, and the read API.
func (a *App) IndexMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting index mode")

	g, ctx := errgroup.WithContext(ctx)

	cons := consumer.New(
		deps.Gateway,
		deps.Machine,
		consumer.NewDedup(0, 0),
		deps.SignalBus,
		deps.Backfill,
		a.logger,
	)
	g.Go(func() error {
		return cons.Run(ctx)
	})

	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// BackfillMode runs one gap-discovery and repair pass, then exits.
func (a *App) BackfillMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting backfill mode")

	if err := deps.Backfill.Run(ctx); err != nil {
		if errors.Is(err, reconcile.ErrBackfillIncomplete) {
			a.logger.WarnContext(ctx, "backfill finished with failed chunks")
			return nil
		}
		return fmt.Errorf("backfill mode: %w", err)
	}
	return nil
}

// ReconcileMode runs one reconciliation pass over every indexed position,
// then exits. Reconciler.full in the config selects full mode, which also
// repairs field drift and creates rows the projection is missing.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode",
		slog.Bool("full", a.cfg.Reconciler.Full),
	)
	return a.reconcileAll(ctx, deps)
}

// ServeMode runs the read API only. No chain connection is made.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// FullMode runs everything: the live pipeline, periodic backfill plus
// reconciliation, the archiver, and the read API.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	cons := consumer.New(
		deps.Gateway,
		deps.Machine,
		consumer.NewDedup(0, 0),
		deps.SignalBus,
		deps.Backfill,
		a.logger,
	)
	g.Go(func() error {
		return cons.Run(ctx)
	})

	// Periodic convergence sweep: close id gaps, then reconcile what is
	// indexed. Sweep failures are logged and retried next interval.
	interval := a.cfg.Reconciler.Interval.Duration
	if interval > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-ticker.C:
					if err := deps.Backfill.Run(ctx); err != nil && !errors.Is(err, reconcile.ErrBackfillIncomplete) {
						a.logger.WarnContext(ctx, "periodic backfill failed", slog.String("error", err.Error()))
					}
					if err := a.reconcileAll(ctx, deps); err != nil {
						a.logger.WarnContext(ctx, "periodic reconcile failed", slog.String("error", err.Error()))
					}
				}
			}
		})
	}

	a.startArchiver(ctx, g, deps)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// reconcileAll pages through every indexed position id and reconciles each
// page in the configured mode.
func (a *App) reconcileAll(ctx context.Context, deps *Dependencies) error {
	mode := reconcile.StateOnly
	if a.cfg.Reconciler.Full {
		mode = reconcile.Full
	}

	pageSize := a.cfg.Backfill.PageSize
	var total reconcile.Summary
	for offset := 0; ; offset += pageSize {
		ids, err := deps.Store.ListIDs(ctx, pageSize, offset)
		if err != nil {
			return fmt.Errorf("reconcile: list ids: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		summary, err := deps.Reconciler.Run(ctx, ids, mode)
		if err != nil {
			return fmt.Errorf("reconcile: run: %w", err)
		}
		total.Add(summary)
	}

	a.logger.InfoContext(ctx, "reconciliation pass finished",
		slog.String("mode", string(mode)),
		slog.Int64("scanned", total.Scanned),
		slog.Int64("corrections", total.Corrections()),
		slog.Int64("missing_db", total.MissingDB),
		slog.Int64("rpc_failed", total.RPCFailed),
		slog.Int64("store_failed", total.StoreFailed),
	)
	return nil
}

// startArchiver adds the archival sweep goroutine when archival is enabled.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.Archiver == nil {
		return
	}
	g.Go(func() error {
		return deps.Archiver.Run(ctx)
	})
}

// startHTTPServer adds the read API goroutines to the given errgroup: the
// websocket hub relaying the position signal channel, the HTTP server, and a
// graceful-shutdown watcher.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, consumer.SignalChannel, a.logger)
	g.Go(func() error {
		err := hub.Run(ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	// Serve mode has no chain reader, so no reconciler to verify against.
	var verifier handler.Verifier
	if deps.Reconciler != nil {
		verifier = deps.Reconciler
	}
	handlers := server.Handlers{
		Health:   handler.NewHealthHandler(deps.PG),
		Assets:   handler.NewAssetHandler(deps.Assets, a.logger),
		Position: handler.NewPositionHandler(deps.Store, a.logger),
		Buckets:  handler.NewBucketHandler(deps.Buckets, deps.Assets, a.logger),
		Exposure: handler.NewExposureHandler(deps.Exposure, a.logger),
		Verify:   handler.NewVerifyHandler(verifier, a.logger),
	}
	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
