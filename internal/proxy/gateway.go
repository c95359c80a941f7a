// Package proxy is the HTTP shell of the gateway.
//
// It exposes an OpenAI-compatible chat endpoint backed by the key-pool
// dispatcher, the key and model management API used by the dashboard, a
// Server-Sent Events feed of pool activity, and health and metrics
// endpoints. All collaborators are injected through New so they can be
// replaced in tests. Optional ones (limiter, stats, hub, health, metrics) are
// nil-safe.
package proxy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/keypool-gateway/internal/dispatch"
	"github.com/nulpointcorp/keypool-gateway/internal/events"
	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
	"github.com/nulpointcorp/keypool-gateway/internal/models"
	"github.com/nulpointcorp/keypool-gateway/internal/ratelimit"
	"github.com/nulpointcorp/keypool-gateway/internal/stats"
)

const (
	defaultWriteTimeout = 10 * time.Minute
	defaultReadTimeout  = 60 * time.Second
	defaultMaxBodySize  = 50 << 20
	defaultKeepAlive    = 15 * time.Second
	defaultOwnedBy      = "google"
)

// StatsSource is the read side of the stats collaborator.
type StatsSource interface {
	Snapshot() stats.Summary
}

// Options holds optional parameters for a Gateway.
type Options struct {
	Logger  *slog.Logger
	Metrics *metrics.Registry

	// Limiter enforces the global inbound RPM budget when set.
	Limiter *ratelimit.RPMLimiter
	Stats   StatsSource
	Events  *events.Hub
	Health  *HealthChecker

	// CORSOrigins: empty or ["*"] allows all origins.
	CORSOrigins []string

	MaxBodySize  int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// EventKeepAlive is the comment interval on /api/events.
	EventKeepAlive time.Duration

	// OwnedBy is reported for every entry of /v1/models.
	OwnedBy string
	Version string
}

// Gateway serves the HTTP API.
type Gateway struct {
	pool       *keypool.Pool
	dispatcher *dispatch.Dispatcher
	catalog    *models.Catalog

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry
	limiter *ratelimit.RPMLimiter
	stats   StatsSource
	hub     *events.Hub
	health  *HealthChecker

	corsOrigins  []string
	maxBodySize  int
	readTimeout  time.Duration
	writeTimeout time.Duration
	keepAlive    time.Duration
	ownedBy      string
	version      string

	mu  sync.Mutex
	srv *fasthttp.Server
}

// New creates a Gateway. baseCtx bounds the lifetime of streaming responses
// and must not be nil.
func New(baseCtx context.Context, pool *keypool.Pool, d *dispatch.Dispatcher, catalog *models.Catalog, opts Options) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	g := &Gateway{
		pool:         pool,
		dispatcher:   d,
		catalog:      catalog,
		baseCtx:      baseCtx,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		limiter:      opts.Limiter,
		stats:        opts.Stats,
		hub:          opts.Events,
		health:       opts.Health,
		corsOrigins:  opts.CORSOrigins,
		maxBodySize:  opts.MaxBodySize,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		keepAlive:    opts.EventKeepAlive,
		ownedBy:      opts.OwnedBy,
		version:      opts.Version,
	}
	if g.log == nil {
		g.log = slog.Default()
	}
	if g.maxBodySize <= 0 {
		g.maxBodySize = defaultMaxBodySize
	}
	if g.readTimeout <= 0 {
		g.readTimeout = defaultReadTimeout
	}
	if g.writeTimeout <= 0 {
		g.writeTimeout = defaultWriteTimeout
	}
	if g.keepAlive <= 0 {
		g.keepAlive = defaultKeepAlive
	}
	if g.ownedBy == "" {
		g.ownedBy = defaultOwnedBy
	}
	return g
}

// publish forwards ev to the hub, if any.
func (g *Gateway) publish(ev events.Event) {
	if g.hub != nil {
		g.hub.Publish(ev)
	}
}
