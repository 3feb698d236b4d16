package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/tokenbay/marketd/internal/blob/s3"
	"github.com/tokenbay/marketd/internal/chainwatch"
	"github.com/tokenbay/marketd/internal/server"
	"github.com/tokenbay/marketd/internal/server/handler"
	"github.com/tokenbay/marketd/internal/server/ws"
	"github.com/tokenbay/marketd/internal/service"
)

// services bundles the request-path services plus the reconciler, shared by
// every mode.
type services struct {
	Nonces     *service.NonceService
	Listings   *service.ListingService
	Bids       *service.BidService
	Aggregates *service.AggregateService
	Reconciler *service.Reconciler
}

// buildServices constructs the service layer on top of the wired stores and
// caches.
func (a *App) buildServices(deps *Dependencies) *services {
	aggregates := service.NewAggregateService(
		deps.ListingStore,
		deps.AggregateStore,
		deps.AggregateCache,
		a.logger,
	)

	return &services{
		Nonces: service.NewNonceService(
			deps.Postgres,
			deps.NonceStore,
			deps.RateLimiter,
			service.NonceLimits{
				MaxRange:   a.cfg.Nonce.MaxRange,
				RateLimit:  a.cfg.Nonce.RateLimit,
				RateWindow: a.cfg.Nonce.RateWindow.Duration,
			},
			a.logger,
		),
		Listings: service.NewListingService(
			deps.Postgres,
			deps.ListingStore,
			deps.NonceStore,
			aggregates,
			a.logger,
		),
		Bids: service.NewBidService(
			deps.Postgres,
			deps.BidStore,
			deps.ListingStore,
			aggregates,
			a.logger,
		),
		Aggregates: aggregates,
		Reconciler: service.NewReconciler(
			deps.Postgres,
			deps.ListingStore,
			deps.BidStore,
			deps.NonceStore,
			deps.TransactionStore,
			aggregates,
			deps.SignalBus,
			a.logger,
		),
	}
}

// ServerMode runs only the HTTP + WebSocket API.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	a.startHTTPServer(ctx, g, deps, svcs)

	return g.Wait()
}

// WatcherMode runs only the chain watcher (plus the archive exporter when
// object storage is configured).
func (a *App) WatcherMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting watcher mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	if err := a.startWatcher(ctx, g, deps, svcs); err != nil {
		return fmt.Errorf("watcher mode: %w", err)
	}
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// FullMode runs the API server and the chain watcher together.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	svcs := a.buildServices(deps)
	a.startHTTPServer(ctx, g, deps, svcs)

	if a.cfg.Watcher.Enabled {
		if err := a.startWatcher(ctx, g, deps, svcs); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	} else {
		a.logger.InfoContext(ctx, "chain watcher disabled; on-chain events must be posted via the API")
	}
	a.startArchiver(ctx, g, deps)

	return g.Wait()
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svcs *services,
) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		// Hub exits with ctx.Err() on shutdown, which errgroup already
		// carries; don't surface it twice.
		_ = hub.Run(ctx)
		return nil
	})

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.Postgres,
			"redis":    deps.Redis,
		}, a.logger),
		Nonces:       handler.NewNonceHandler(svcs.Nonces, a.logger),
		Listings:     handler.NewListingHandler(svcs.Listings, a.logger),
		Bids:         handler.NewBidHandler(svcs.Bids, a.logger),
		Events:       handler.NewEventHandler(svcs.Reconciler, a.logger),
		Collections:  handler.NewCollectionHandler(svcs.Aggregates, a.logger),
		Transactions: handler.NewTransactionHandler(svcs.Reconciler, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// startWatcher adds the chain watcher poller goroutine to the given errgroup.
func (a *App) startWatcher(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	svcs *services,
) error {
	if a.cfg.Watcher.SubgraphURL == "" {
		return fmt.Errorf("watcher: subgraph_url not configured")
	}

	fetcher := chainwatch.NewClient(a.cfg.Watcher.SubgraphURL, a.cfg.Watcher.APIKey)
	poller := chainwatch.NewPoller(
		fetcher,
		svcs.Reconciler,
		deps.Notifier,
		deps.RateLimiter,
		chainwatch.PollerConfig{
			Interval:  a.cfg.Watcher.PollInterval.Duration,
			BatchSize: a.cfg.Watcher.BatchSize,
			Lookback:  a.cfg.Watcher.Lookback.Duration,
		},
		a.logger,
	)

	g.Go(func() error {
		return poller.Run(ctx)
	})
	return nil
}

// startArchiver adds the transaction archive exporter when object storage is
// wired. Without S3 the audit trail simply stays in Postgres.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if deps.BlobWriter == nil {
		return
	}

	archiver := s3blob.NewArchiver(
		deps.BlobWriter,
		deps.TransactionStore,
		time.Now().UTC().Add(-30*24*time.Hour),
		a.logger,
	)

	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = time.Hour
	}

	g.Go(func() error {
		return archiver.RunLoop(ctx, interval)
	})
	a.logger.InfoContext(ctx, "archive exporter started",
		slog.Duration("interval", interval),
	)
}
