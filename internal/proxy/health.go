package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// Probe checks one external dependency. A nil Probe means "not configured".
type Probe func(ctx context.Context) error

// componentStatus holds the last known health result for one component.
type componentStatus struct {
	mu     sync.RWMutex
	status string // "ok" | "degraded" | "down"
}

func (s *componentStatus) set(v string) {
	s.mu.Lock()
	s.status = v
	s.mu.Unlock()
}

func (s *componentStatus) get() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.status == "" {
		return "unknown"
	}
	return s.status
}

// HealthChecker probes the store in the background and reports pool state.
type HealthChecker struct {
	pool    *keypool.Pool
	backend string
	store   Probe
	baseCtx context.Context
	metrics *metrics.Registry

	storeStatus componentStatus

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and starts background probes.
func NewHealthChecker(ctx context.Context, pool *keypool.Pool, backendName string, store Probe, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		pool:      pool,
		backend:   backendName,
		store:     store,
		baseCtx:   ctx,
		metrics:   met,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	// First probe runs synchronously so health is never "unknown".
	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// KeyHealth summarises the pool.
type KeyHealth struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Cooldown int `json:"cooldown"`
}

// HealthSnapshot is the body of GET /health.
type HealthSnapshot struct {
	Status        string    `json:"status"`
	UptimeSeconds int64     `json:"uptime_seconds"`
	Backend       string    `json:"backend"`
	Keys          KeyHealth `json:"keys"`
	Store         string    `json:"store"`
}

// Snapshot builds a snapshot from the latest probe and the live pool.
//
// The gateway is "degraded" while every key cools down or the store is
// unreachable, and "down" with an empty pool.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	active, cooldown := hc.pool.Counts()
	store := hc.storeStatus.get()

	overall := "ok"
	switch {
	case active+cooldown == 0:
		overall = "down"
	case active == 0, store != "ok":
		overall = "degraded"
	}

	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		Backend:       hc.backend,
		Keys:          KeyHealth{Total: active + cooldown, Active: active, Cooldown: cooldown},
		Store:         store,
	}
}

// ReadinessOK reports whether requests can be served at all: the pool has
// keys and the store answered the last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	return hc.pool.Len() > 0 && hc.storeStatus.get() == "ok"
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	if hc.metrics != nil {
		hc.metrics.SetKeyCounts(hc.pool.Counts())
	}

	if hc.store == nil {
		hc.storeStatus.set("ok")
		return
	}

	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()
	if err := hc.store(ctx); err != nil {
		hc.storeStatus.set("down")
		return
	}
	hc.storeStatus.set("ok")
}
