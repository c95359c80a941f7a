package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/keypool-gateway/internal/config"
	"github.com/nulpointcorp/keypool-gateway/internal/dispatch"
	"github.com/nulpointcorp/keypool-gateway/internal/events"
	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
	"github.com/nulpointcorp/keypool-gateway/internal/keystore"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/models"
	"github.com/nulpointcorp/keypool-gateway/internal/proxy"
	"github.com/nulpointcorp/keypool-gateway/internal/ratelimit"
	"github.com/nulpointcorp/keypool-gateway/internal/stats"
)

// initInfra establishes optional external connections.
// Redis is only required when a store or the rate limiter uses it.
func (a *App) initInfra(ctx context.Context) error {
	if !a.cfg.NeedsRedis() {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")

	return nil
}

// initKeys loads the durable key list, builds the pool and merges keys
// supplied through configuration.
func (a *App) initKeys(ctx context.Context) error {
	switch a.cfg.Keys.Store {
	case config.StoreRedis:
		a.keys = keystore.NewRedisStore(a.rdb, "")
		a.log.Info("key store: redis")
	case config.StoreFile:
		a.keys = keystore.NewFileStore(a.cfg.Keys.File)
		a.log.Info("key store: file", slog.String("path", a.cfg.Keys.File))
	default:
		return fmt.Errorf("unknown key store: %s", a.cfg.Keys.Store)
	}

	secrets, err := a.keys.Load(ctx)
	if err != nil {
		return fmt.Errorf("load keys: %w", err)
	}

	a.pool = keypool.New(secrets,
		keypool.WithCooldown(a.cfg.Keys.Cooldown),
		keypool.WithPersister(a.keys),
	)

	if len(a.cfg.Keys.Secrets) > 0 {
		added, err := a.pool.Merge(ctx, a.cfg.Keys.Secrets)
		if err != nil {
			// The keys are usable; only the stored list is behind.
			a.log.Warn("key merge not persisted", slog.String("error", err.Error()))
		}
		if added > 0 {
			a.log.Info("keys merged from config", slog.Int("added", added))
		}
	}

	if a.pool.Len() == 0 {
		a.log.Warn("key pool is empty; add keys via POST /api/keys")
	} else {
		a.log.Info("keys loaded", slog.Int("count", a.pool.Len()))
	}

	return nil
}

func (a *App) initBackend(_ context.Context) error {
	b, err := buildBackend(a.cfg.Backend)
	if err != nil {
		return err
	}
	a.backend = b
	a.log.Info("backend loaded", slog.String("backend", b.Name()))
	return nil
}

// initServices creates the metrics registry, stats tracker and event hub.
func (a *App) initServices(ctx context.Context) error {
	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version, a.backend.Name())
	a.prom.SetKeyCounts(a.pool.Counts())

	var opts []stats.Option
	switch a.cfg.Stats.Store {
	case config.StoreRedis:
		opts = append(opts, stats.WithStore(stats.NewRedisStore(a.rdb, "")))
		a.log.Info("stats store: redis")
	case config.StoreFile:
		opts = append(opts, stats.WithStore(stats.NewFileStore(a.cfg.Stats.File)))
		a.log.Info("stats store: file", slog.String("path", a.cfg.Stats.File))
	case config.StoreNone:
		a.log.Info("stats store: disabled (in-memory only)")
	default:
		return fmt.Errorf("unknown stats store: %s", a.cfg.Stats.Store)
	}
	opts = append(opts, stats.WithSaveInterval(a.cfg.Stats.SaveInterval))

	tracker, err := stats.New(ctx, a.log, opts...)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	a.tracker = tracker

	a.hub = events.NewHub()

	a.prom.RegisterGaugeFunc("gateway_stats_dropped_outcomes",
		"Dispatch outcomes lost because the stats buffer was full.",
		func() float64 { return float64(a.tracker.Dropped()) })
	a.prom.RegisterGaugeFunc("gateway_event_subscribers",
		"Live subscribers of the dashboard event feed.",
		func() float64 { return float64(a.hub.Subscribers()) })
	a.prom.RegisterGaugeFunc("gateway_event_dropped",
		"Events skipped because a subscriber was full.",
		func() float64 { return float64(a.hub.Dropped()) })

	return nil
}

// initEngine builds the dispatcher, the model catalog and the optional
// health checker and rate limiter.
func (a *App) initEngine(_ context.Context) error {
	a.dispatcher = dispatch.New(a.pool, a.backend, dispatch.Options{
		Logger:     a.log,
		Metrics:    a.prom,
		Stats:      a.tracker,
		Events:     a.hub,
		RetryDelay: a.cfg.Keys.RetryDelay,
		Timeout:    a.cfg.Backend.Timeout,
	})

	filter, err := models.NewFilter(a.cfg.Models.ExcludeExact, a.cfg.Models.ExcludePatterns)
	if err != nil {
		return fmt.Errorf("model exclusions: %w", err)
	}
	if filter.Len() > 0 {
		a.log.Info("model exclusions loaded", slog.Int("rules", filter.Len()))
	}

	catOpts := models.Options{
		Logger:       a.log,
		Metrics:      a.prom,
		Filter:       filter,
		Fallback:     a.cfg.Models.Fallback,
		InitialDelay: a.cfg.Models.InitialDelay,
		Interval:     a.cfg.Models.RefreshInterval,
	}
	if a.rdb != nil {
		catOpts.Snapshot = models.NewRedisSnapshot(a.rdb, "", 0)
	}
	a.catalog = models.New(a.pool, a.backend, catOpts)

	var storeProbe proxy.Probe
	if a.rdb != nil {
		storeProbe = redisProbe(a.rdb)
	}
	a.health = proxy.NewHealthChecker(a.baseCtx, a.pool, a.backend.Name(), storeProbe, a.prom)

	// Rate limiting - only when Redis is available.
	if a.rdb != nil && a.cfg.RateLimit.RPMLimit > 0 {
		a.limiter = ratelimit.NewRPMLimiter(a.rdb, a.cfg.RateLimit.RPMLimit, ratelimit.WithLogger(a.log))
		a.log.Info("rate limiting enabled", slog.Int("rpm_limit", a.cfg.RateLimit.RPMLimit))
	}

	return nil
}

// initGateway wires the HTTP front end.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.Options{
		Logger:       a.log,
		Metrics:      a.prom,
		Limiter:      a.limiter,
		Stats:        a.tracker,
		Events:       a.hub,
		Health:       a.health,
		CORSOrigins:  a.cfg.HTTP.CORSOrigins,
		MaxBodySize:  a.cfg.HTTP.MaxBodySize,
		WriteTimeout: a.cfg.HTTP.WriteTimeout,
		Version:      a.version,
	}
	a.gw = proxy.New(a.baseCtx, a.pool, a.dispatcher, a.catalog, opts)
	return nil
}
