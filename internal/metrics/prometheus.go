// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

var durationBuckets = []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120}

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_http_request_size_bytes{route}
	httpReqSize *prometheus.HistogramVec

	// gateway_upstream_attempts_total{backend,outcome}
	upstreamAttempts *prometheus.CounterVec

	// gateway_upstream_attempt_duration_seconds{backend,outcome}
	upstreamDuration *prometheus.HistogramVec

	// gateway_dispatch_total{result}
	dispatchTotal *prometheus.CounterVec

	// gateway_dispatch_retries_total
	retries prometheus.Counter

	// gateway_key_cooldowns_total
	cooldowns prometheus.Counter

	// gateway_keys{status}
	keys *prometheus.GaugeVec

	// gateway_stream_outcomes_total{outcome}
	streamOutcomes *prometheus.CounterVec

	// gateway_stream_skipped_fragments_total
	skippedFragments prometheus.Counter

	// gateway_tokens_total{backend,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_models_available
	modelsAvailable prometheus.Gauge

	// gateway_model_refresh_total{result}
	modelRefresh *prometheus.CounterVec

	// gateway_build_info{version,backend}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (until the handler returns; streams end later)",
				Buckets: durationBuckets,
			},
			[]string{"route"},
		),

		httpReqSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_size_bytes",
				Help:    "HTTP request body size in bytes",
				Buckets: prometheus.ExponentialBuckets(256, 2, 16), // 256B .. ~8MB
			},
			[]string{"route"},
		),

		upstreamAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_upstream_attempts_total",
				Help: "Upstream calls, one per key tried",
			},
			[]string{"backend", "outcome"},
		),

		upstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_upstream_attempt_duration_seconds",
				Help:    "Upstream call duration in seconds (time to first fragment for streams)",
				Buckets: durationBuckets,
			},
			[]string{"backend", "outcome"},
		),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Dispatch results (success, exhausted, hard_failure)",
			},
			[]string{"result"},
		),

		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dispatch_retries_total",
			Help: "Retries against another key after a quota failure",
		}),

		cooldowns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_key_cooldowns_total",
			Help: "Keys moved to cooldown after a quota failure",
		}),

		keys: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_keys",
				Help: "Keys in the pool by status",
			},
			[]string{"status"},
		),

		streamOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_stream_outcomes_total",
				Help: "Stream relay outcomes (completed, disconnected, interrupted)",
			},
			[]string{"outcome"},
		),

		skippedFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_stream_skipped_fragments_total",
			Help: "Stream fragments dropped because they could not be decoded",
		}),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from upstream usage fields",
			},
			[]string{"backend", "direction"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		modelsAvailable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_models_available",
			Help: "Models currently offered by the catalog",
		}),

		modelRefresh: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_model_refresh_total",
				Help: "Model discovery runs by result",
			},
			[]string{"result"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version", "backend"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.httpReqSize,
		r.upstreamAttempts,
		r.upstreamDuration,
		r.dispatchTotal,
		r.retries,
		r.cooldowns,
		r.keys,
		r.streamOutcomes,
		r.skippedFragments,
		r.tokensTotal,
		r.rateLimitTotal,
		r.modelsAvailable,
		r.modelRefresh,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration, reqBytes int) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(statusCode)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
	if reqBytes >= 0 {
		r.httpReqSize.WithLabelValues(route).Observe(float64(reqBytes))
	}
}

// ObserveUpstreamAttempt records one backend call made with one key.
func (r *Registry) ObserveUpstreamAttempt(backend, outcome string, dur time.Duration) {
	r.upstreamAttempts.WithLabelValues(backend, outcome).Inc()
	r.upstreamDuration.WithLabelValues(backend, outcome).Observe(dur.Seconds())
}

func (r *Registry) RecordDispatch(result string) {
	r.dispatchTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordRetry() { r.retries.Inc() }

func (r *Registry) RecordCooldown() { r.cooldowns.Inc() }

// SetKeyCounts publishes the pool composition.
func (r *Registry) SetKeyCounts(active, cooldown int) {
	r.keys.WithLabelValues("active").Set(float64(active))
	r.keys.WithLabelValues("cooldown").Set(float64(cooldown))
}

func (r *Registry) RecordStreamOutcome(outcome string) {
	r.streamOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Registry) RecordSkippedFragment() { r.skippedFragments.Inc() }

func (r *Registry) AddTokens(backend string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(backend, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

// RecordModelRefresh counts one discovery run and, on success, the size of
// the resulting catalog.
func (r *Registry) RecordModelRefresh(ok bool, models int) {
	if !ok {
		r.modelRefresh.WithLabelValues("error").Inc()
		return
	}
	r.modelRefresh.WithLabelValues("ok").Inc()
	r.modelsAvailable.Set(float64(models))
}

func (r *Registry) SetBuildInfo(version, backend string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version, backend).Set(1)
}

// RegisterGaugeFunc exposes a value owned by another component, e.g. the
// drop counters of the stats tracker and the event hub.
func (r *Registry) RegisterGaugeFunc(name, help string, fn func() float64) {
	r.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn))
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
