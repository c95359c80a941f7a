// Package models discovers which models the backend offers and keeps the
// list fresh in the background.
package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
)

const (
	DefaultInitialDelay = 2 * time.Second
	DefaultInterval     = time.Hour
	defaultTimeout      = 15 * time.Second
)

// DefaultFallback is served when discovery fails before any list is known.
var DefaultFallback = []string{"gemini-2.0-flash", "gemini-1.5-pro", "gemini-1.5-flash"}

// ErrNoKey is returned by Refresh when the pool has no usable key.
var ErrNoKey = errors.New("models: no active key available")

type Options struct {
	Logger   *slog.Logger
	Metrics  *metrics.Registry
	Filter   *Filter
	Snapshot SnapshotStore
	Fallback []string

	InitialDelay time.Duration
	Interval     time.Duration
	Timeout      time.Duration
}

// Catalog holds the discovered model list.
type Catalog struct {
	pool    *keypool.Pool
	backend backend.Backend

	log      *slog.Logger
	metrics  *metrics.Registry
	filter   *Filter
	snapshot SnapshotStore
	fallback []string

	initialDelay time.Duration
	interval     time.Duration
	timeout      time.Duration

	mu          sync.RWMutex
	list        []string
	refreshedAt time.Time

	// refreshMu keeps one discovery in flight at a time.
	refreshMu sync.Mutex

	baseCtx   context.Context
	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

func New(pool *keypool.Pool, b backend.Backend, opts Options) *Catalog {
	c := &Catalog{
		pool:         pool,
		backend:      b,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		filter:       opts.Filter,
		snapshot:     opts.Snapshot,
		fallback:     opts.Fallback,
		initialDelay: opts.InitialDelay,
		interval:     opts.Interval,
		timeout:      opts.Timeout,
		baseCtx:      context.Background(),
		done:         make(chan struct{}),
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if len(c.fallback) == 0 {
		c.fallback = DefaultFallback
	}
	if c.initialDelay <= 0 {
		c.initialDelay = DefaultInitialDelay
	}
	if c.interval <= 0 {
		c.interval = DefaultInterval
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	return c
}

// Start restores the last snapshot, if any, and launches the refresh loop:
// one discovery after the initial delay, then one per interval.
func (c *Catalog) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.baseCtx = ctx
		c.warmStart(ctx)
		c.wg.Add(1)
		go c.run()
	})
}

// Close stops the refresh loop.
func (c *Catalog) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	c.wg.Wait()
}

// Models returns the current list with hidden models removed.
func (c *Catalog) Models() []string {
	c.mu.RLock()
	list := slices.Clone(c.list)
	c.mu.RUnlock()
	return c.filter.Apply(list)
}

// RefreshedAt returns the time of the last successful discovery.
func (c *Catalog) RefreshedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refreshedAt
}

// Ensure returns the current list, running a discovery first when nothing
// is known yet.
func (c *Catalog) Ensure(ctx context.Context) []string {
	c.mu.RLock()
	empty := len(c.list) == 0
	c.mu.RUnlock()

	if empty {
		_, _ = c.Refresh(ctx)
	}
	return c.Models()
}

// Refresh queries the backend with a key chosen by the selector (without
// claiming it). On failure the previous list is kept, or the fallback list
// when none is known, and the error is returned.
func (c *Catalog) Refresh(ctx context.Context) ([]string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	list, err := c.discover(ctx)
	if err != nil {
		c.mu.Lock()
		if len(c.list) == 0 {
			c.list = slices.Clone(c.fallback)
		}
		c.mu.Unlock()

		if c.metrics != nil {
			c.metrics.RecordModelRefresh(false, 0)
		}
		c.log.WarnContext(ctx, "models_refresh_failed", slog.String("error", err.Error()))
		return c.Models(), err
	}

	c.mu.Lock()
	c.list = list
	c.refreshedAt = time.Now()
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.RecordModelRefresh(true, len(list))
	}
	c.log.InfoContext(ctx, "models_refreshed", slog.Int("count", len(list)))

	if c.snapshot != nil {
		if err := c.snapshot.Save(ctx, list); err != nil {
			c.log.WarnContext(ctx, "models_snapshot_save_failed", slog.String("error", err.Error()))
		}
	}
	return c.Models(), nil
}

func (c *Catalog) discover(ctx context.Context) ([]string, error) {
	rec, ok := c.pool.Select(nil)
	if !ok {
		return nil, ErrNoKey
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	infos, err := c.backend.ListModels(ctx, rec.Secret)
	if err != nil {
		return nil, fmt.Errorf("models: list via %s: %w", rec.Masked(), err)
	}

	list := make([]string, 0, len(infos))
	seen := make(map[string]struct{}, len(infos))
	for _, m := range infos {
		id := strings.TrimPrefix(m.ID, "models/")
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		list = append(list, id)
	}
	sortProFirst(list)
	return list, nil
}

// sortProFirst moves "pro" models to the front and keeps the backend order
// otherwise.
func sortProFirst(list []string) {
	sort.SliceStable(list, func(i, j int) bool {
		return strings.Contains(list[i], "pro") && !strings.Contains(list[j], "pro")
	})
}

func (c *Catalog) warmStart(ctx context.Context) {
	if c.snapshot == nil {
		return
	}
	list, err := c.snapshot.Load(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "models_snapshot_load_failed", slog.String("error", err.Error()))
		return
	}
	if len(list) == 0 {
		return
	}
	c.mu.Lock()
	if len(c.list) == 0 {
		c.list = list
	}
	c.mu.Unlock()
	c.log.InfoContext(ctx, "models_snapshot_loaded", slog.Int("count", len(list)))
}

func (c *Catalog) run() {
	defer c.wg.Done()

	timer := time.NewTimer(c.initialDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		_, _ = c.Refresh(c.baseCtx)
	case <-c.done:
		return
	case <-c.baseCtx.Done():
		return
	}

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			_, _ = c.Refresh(c.baseCtx)
		case <-c.done:
			return
		case <-c.baseCtx.Done():
			return
		}
	}
}
