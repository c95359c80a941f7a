// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra   - external connections (Redis when needed)
//  2. initKeys    - key store and pool
//  3. initBackend - upstream generative backend
//  4. initServices - metrics, stats, event hub
//  5. initEngine  - dispatcher, model catalog, health checker, limiter
//  6. initGateway - HTTP routes
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
	anthropicbackend "github.com/nulpointcorp/keypool-gateway/internal/backend/anthropic"
	geminibackend "github.com/nulpointcorp/keypool-gateway/internal/backend/gemini"
	openaibackend "github.com/nulpointcorp/keypool-gateway/internal/backend/openai"
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

const shutdownTimeout = 15 * time.Second

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections - nil when not configured.
	rdb *redis.Client

	keys    keystore.Store
	pool    *keypool.Pool
	backend backend.Backend

	prom    *metrics.Registry
	tracker *stats.Tracker
	hub     *events.Hub

	dispatcher *dispatch.Dispatcher
	catalog    *models.Catalog
	health     *proxy.HealthChecker
	limiter    *ratelimit.RPMLimiter

	gw *proxy.Gateway

	closeOnce sync.Once
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"keys", a.initKeys},
		{"backend", a.initBackend},
		{"services", a.initServices},
		{"engine", a.initEngine},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and background loops and blocks until ctx is
// cancelled or the server fails. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", a.cfg.Port)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		a.Close()
		return fmt.Errorf("app: listen %s: %w", addr, err)
	}
	return a.serve(ctx, ln)
}

func (a *App) serve(ctx context.Context, ln net.Listener) error {
	active, cooldown := a.pool.Counts()
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", ln.Addr().String()),
		slog.String("backend", a.backend.Name()),
		slog.Int("keys", active+cooldown),
		slog.String("key_store", a.cfg.Keys.Store),
		slog.String("stats_store", a.cfg.Stats.Store),
	)

	a.catalog.Start(a.baseCtx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.Serve(ln)
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		if err := a.gw.Shutdown(shutdownCtx); err != nil {
			a.log.Error("http shutdown error", slog.String("error", err.Error()))
		}
		// Serve may not have registered the listener yet.
		_ = ln.Close()
		a.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times and from multiple goroutines.
func (a *App) Close() {
	a.closeOnce.Do(a.close)
}

func (a *App) close() {
	if a.health != nil {
		a.health.Close()
	}
	if a.catalog != nil {
		a.catalog.Close()
	}
	if a.hub != nil {
		_ = a.hub.Close()
	}
	if a.tracker != nil {
		if err := a.tracker.Close(); err != nil {
			a.log.Error("stats close error", slog.String("error", err.Error()))
		}
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
	}
}

// Gateway returns the HTTP front end.
func (a *App) Gateway() *proxy.Gateway { return a.gw }

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
// Returns an error - callers decide whether to fatal or degrade.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// redisProbe returns a health probe that reuses the existing client.
func redisProbe(rdb *redis.Client) proxy.Probe {
	return func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
}

// buildBackend creates the configured backend client.
func buildBackend(cfg config.BackendConfig) (backend.Backend, error) {
	switch cfg.Name {
	case config.BackendGemini:
		return geminibackend.New(geminibackend.WithBaseURL(cfg.BaseURL)), nil
	case config.BackendOpenAI:
		return openaibackend.New(openaibackend.WithBaseURL(cfg.BaseURL)), nil
	case config.BackendAnthropic:
		return anthropicbackend.New(anthropicbackend.WithBaseURL(cfg.BaseURL)), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Name)
	}
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
