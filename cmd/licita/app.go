package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hazyhaar/licita/cache"
	"github.com/hazyhaar/licita/config"
	"github.com/hazyhaar/licita/connectivity"
	"github.com/hazyhaar/licita/consolidate"
	"github.com/hazyhaar/licita/dbopen"
	"github.com/hazyhaar/licita/health"
	"github.com/hazyhaar/licita/observability"
	"github.com/hazyhaar/licita/shield"
	"github.com/hazyhaar/licita/source"
	"github.com/hazyhaar/licita/timeouts"
)

// app is the wired engine shared by serve and search.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	db       *sql.DB
	pg       *pgxpool.Pool
	chain    timeouts.Chain
	registry *health.Registry
	cache    *cache.Manager
	metrics  *observability.MetricsManager
	sink     *observability.EventSink
	svc      *consolidate.Service
}

// openDB opens the local SQLite database holding telemetry, overrides,
// shield tables and, for the sqlite backend, the durable cache tier.
func openDB(cfg *config.Config) (*sql.DB, error) {
	return dbopen.Open(cfg.DBPath,
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(observability.Schema),
		dbopen.WithSchema(health.Schema),
		dbopen.WithSchema(shield.Schema),
	)
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	// A misordered chain is replaced by defaults; the critical log is enough.
	a.chain, _ = cfg.ResolveTimeouts(logger)

	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	a.db = db

	a.metrics = observability.NewMetricsManager(db, 100, 5*time.Second, observability.WithMetricsLogger(logger))
	a.registry = health.NewRegistry(
		health.WithGrace(cfg.Health.Grace),
		health.WithLogger(logger),
	)

	if err := a.openCache(ctx); err != nil {
		a.close()
		return nil, err
	}

	// Breakers are built before the service exists; transitions reach it
	// once it is stored.
	var svcRef atomic.Pointer[consolidate.Service]
	onTransition := func(src string, from, to connectivity.BreakerState) {
		a.registry.ObserveTransition(src, from, to)
		if s := svcRef.Load(); s != nil {
			s.ObserveTransition(src, from, to)
		}
	}

	limiter := connectivity.NewRateLimiter()
	httpClient := &http.Client{}
	var fetchers []consolidate.Fetcher
	for _, sc := range cfg.SourceConfigs() {
		c, err := source.New(sc,
			source.WithLogger(logger),
			source.WithHTTPClient(httpClient),
			source.WithRateLimiter(limiter),
			source.WithMetrics(a.metrics),
			source.WithPageTimeout(a.chain.Page),
			source.WithBreakerOptions(connectivity.WithBreakerTransitions(onTransition)),
		)
		if err != nil {
			for _, f := range fetchers {
				f.Close()
			}
			a.close()
			return nil, fmt.Errorf("source %s: %w", sc.ID, err)
		}
		fetchers = append(fetchers, c)
	}

	svc, err := consolidate.New(a.registry, fetchers,
		consolidate.WithCache(a.cache),
		consolidate.WithChain(a.chain),
		consolidate.WithMetrics(a.metrics),
		consolidate.WithEventBuffer(cfg.Events.Buffer),
		consolidate.WithLogger(logger),
	)
	if err != nil {
		for _, f := range fetchers {
			f.Close()
		}
		a.close()
		return nil, err
	}
	svcRef.Store(svc)
	a.svc = svc
	a.sink = observability.NewEventSink(db, svc.Events(), observability.WithSinkLogger(logger))

	if err := a.registry.Reload(ctx, db); err != nil {
		logger.Warn("health: override load failed", "error", err)
	}
	return a, nil
}

func (a *app) openCache(ctx context.Context) error {
	opts := []cache.Option{
		cache.WithPolicy(a.cfg.CachePolicy()),
		cache.WithLogger(a.logger),
	}
	switch a.cfg.Cache.Backend {
	case "sqlite":
		st, err := cache.NewSQLiteStore(a.db)
		if err != nil {
			return err
		}
		opts = append(opts, cache.WithDurableStore(st))
	case "postgres":
		pool, err := cache.NewPostgresPool(ctx, a.cfg.Cache.DSN)
		if err != nil {
			return err
		}
		a.pg = pool
		st, err := cache.NewPostgresStore(ctx, pool)
		if err != nil {
			return err
		}
		opts = append(opts, cache.WithDurableStore(st))
	}
	a.cache = cache.NewManager(opts...)
	if _, err := a.cache.Warmup(ctx); err != nil {
		a.logger.Warn("cache warmup failed", "error", err)
	}
	return nil
}

// close stops the service first so the event sink sees the channel close
// and flushes, then releases storage.
func (a *app) close() error {
	var errs []error
	if a.svc != nil {
		errs = append(errs, a.svc.Close())
	}
	if a.sink != nil {
		errs = append(errs, a.sink.Close())
	}
	if a.metrics != nil {
		errs = append(errs, a.metrics.Close())
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
	}
	return errors.Join(errs...)
}

// runBackground starts the loops that keep the engine healthy. They stop
// with ctx.
func (a *app) runBackground(ctx context.Context) {
	hc := a.cfg.Health
	go a.registry.RunProber(ctx, hc.ProbeInterval, hc.ProbeTimeout)
	go a.registry.Watch(ctx, a.db, hc.OverridePoll)
	go consolidate.NewRefresher(a.svc, a.cfg.Cache.RefreshInterval, a.logger).Run(ctx)
	go a.every(ctx, a.cfg.Cache.SweepInterval, "cache sweep", func(ctx context.Context) error {
		if n := a.cache.Sweep(ctx); n > 0 {
			a.logger.Info("cache sweep", "dropped", n)
		}
		return nil
	})
	go a.every(ctx, 24*time.Hour, "retention cleanup", func(ctx context.Context) error {
		return observability.Cleanup(ctx, a.db, observability.RetentionConfig{
			MetricsDays: a.cfg.Events.MetricsDays,
			EventsDays:  a.cfg.Events.RetentionDays,
		})
	})
}

func (a *app) every(ctx context.Context, interval time.Duration, name string, fn func(context.Context) error) {
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := fn(ctx); err != nil {
				a.logger.Warn(name+" failed", "error", err)
			}
		}
	}
}
