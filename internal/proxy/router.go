package proxy

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"
)

// Handler returns the full handler: routes wrapped in the middleware chain.
func (g *Gateway) Handler() fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.handleChatCompletions)
	r.GET("/v1/models", g.observed("models", g.handleModels))

	r.GET("/api/keys", g.observed("keys_list", g.handleListKeys))
	r.POST("/api/keys", g.observed("keys_add", g.handleAddKey))
	r.GET("/api/config-template", g.observed("config_template", g.handleConfigTemplate))
	r.POST("/api/refresh-models", g.observed("refresh_models", g.handleRefreshModels))
	r.GET("/api/stats", g.observed("stats", g.handleStats))
	r.GET("/api/events", g.handleEvents)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)
	if g.metrics != nil {
		r.GET("/metrics", g.metrics.Handler())
	}

	return applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		corsHandler(g.corsOrigins),
		securityHeaders,
	)
}

func (g *Gateway) server() *fasthttp.Server {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.srv == nil {
		g.srv = &fasthttp.Server{
			Handler:            g.Handler(),
			Name:               "keypool-gateway",
			ReadTimeout:        g.readTimeout,
			WriteTimeout:       g.writeTimeout,
			MaxRequestBodySize: g.maxBodySize,
		}
	}
	return g.srv
}

// Start listens on addr (e.g. ":13337") and serves until Shutdown.
func (g *Gateway) Start(addr string) error {
	return g.server().ListenAndServe(addr)
}

// Serve serves on an existing listener.
func (g *Gateway) Serve(ln net.Listener) error {
	return g.server().Serve(ln)
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (g *Gateway) Shutdown(ctx context.Context) error {
	return g.server().ShutdownWithContext(ctx)
}

// observed records HTTP metrics for handlers that finish within the call.
func (g *Gateway) observed(route string, h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if g.metrics == nil {
			h(ctx)
			return
		}
		start := time.Now()
		g.metrics.IncInFlight()
		defer g.metrics.DecInFlight()
		h(ctx)
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start), len(ctx.PostBody()))
	}
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	if g.health == nil {
		writeJSON(ctx, map[string]any{"status": "ok", "version": g.version})
		return
	}
	writeJSON(ctx, g.health.Snapshot())
}

func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	if g.health == nil || g.health.ReadinessOK() {
		writeJSON(ctx, map[string]string{"status": "ok"})
		return
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
