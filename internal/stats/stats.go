// Package stats aggregates dispatch outcomes for the dashboard.
//
// Outcomes go into a buffered channel and are folded into a Summary by a
// background goroutine, so recording never blocks a request. If the channel
// fills up, new outcomes are dropped and counted in Dropped. The Summary is
// saved to a Store at most once per save interval, and once more on Close.
package stats

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	channelBuffer       = 10_000
	DefaultSaveInterval = 10 * time.Second
	dateLayout          = "2006-01-02"
	saveTimeout         = 5 * time.Second
)

// Counter is a requests/errors pair.
type Counter struct {
	Requests uint64 `json:"requests"`
	Errors   uint64 `json:"errors"`
}

// Summary is the aggregated view. Keys are key fingerprints, never secrets.
type Summary struct {
	TotalRequests uint64              `json:"totalRequests"`
	TotalSuccess  uint64              `json:"totalSuccess"`
	TotalErrors   uint64              `json:"totalErrors"`
	Daily         map[string]*Counter `json:"dailyStats"`
	Models        map[string]uint64   `json:"modelUsage"`
	Keys          map[string]*Counter `json:"keyUsage"`
}

func newSummary() *Summary {
	return &Summary{
		Daily:  make(map[string]*Counter),
		Models: make(map[string]uint64),
		Keys:   make(map[string]*Counter),
	}
}

// normalize fills nil maps left by a decoded snapshot.
func (s *Summary) normalize() {
	if s.Daily == nil {
		s.Daily = make(map[string]*Counter)
	}
	if s.Models == nil {
		s.Models = make(map[string]uint64)
	}
	if s.Keys == nil {
		s.Keys = make(map[string]*Counter)
	}
}

func (s *Summary) clone() Summary {
	out := Summary{
		TotalRequests: s.TotalRequests,
		TotalSuccess:  s.TotalSuccess,
		TotalErrors:   s.TotalErrors,
		Daily:         make(map[string]*Counter, len(s.Daily)),
		Models:        make(map[string]uint64, len(s.Models)),
		Keys:          make(map[string]*Counter, len(s.Keys)),
	}
	for k, v := range s.Daily {
		c := *v
		out.Daily[k] = &c
	}
	for k, v := range s.Models {
		out.Models[k] = v
	}
	for k, v := range s.Keys {
		c := *v
		out.Keys[k] = &c
	}
	return out
}

// Store persists a Summary.
type Store interface {
	Load(ctx context.Context) (*Summary, error)
	Save(ctx context.Context, s *Summary) error
}

type outcome struct {
	keyID   string
	model   string
	success bool
	at      time.Time
}

// Tracker is the stats collaborator.
type Tracker struct {
	ch        chan outcome
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	summary *Summary
	dirty   bool

	dropped atomic.Int64

	store        Store
	saveInterval time.Duration
	now          func() time.Time

	baseCtx context.Context
	log     *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithStore enables persistence. Without a store the tracker is in-memory.
func WithStore(s Store) Option {
	return func(t *Tracker) { t.store = s }
}

// WithSaveInterval sets the debounce period for persistence.
func WithSaveInterval(d time.Duration) Option {
	return func(t *Tracker) {
		if d > 0 {
			t.saveInterval = d
		}
	}
}

// WithClock replaces time.Now, used to pick the daily bucket.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// New loads the last snapshot from the store (if any) and starts the
// aggregator. A load failure is logged and the tracker starts empty.
func New(ctx context.Context, log *slog.Logger, opts ...Option) (*Tracker, error) {
	if ctx == nil {
		return nil, fmt.Errorf("stats: context must not be nil")
	}
	if log == nil {
		log = slog.Default()
	}

	t := &Tracker{
		ch:           make(chan outcome, channelBuffer),
		done:         make(chan struct{}),
		summary:      newSummary(),
		saveInterval: DefaultSaveInterval,
		now:          time.Now,
		baseCtx:      ctx,
		log:          log,
	}
	for _, o := range opts {
		o(t)
	}

	if t.store != nil {
		loadCtx, cancel := context.WithTimeout(ctx, saveTimeout)
		s, err := t.store.Load(loadCtx)
		cancel()
		switch {
		case err != nil:
			log.Warn("stats_load_failed", slog.String("error", err.Error()))
		case s != nil:
			s.normalize()
			t.summary = s
		}
	}

	t.wg.Add(1)
	go t.run()

	return t, nil
}

// RecordOutcome enqueues one dispatch outcome. It never blocks.
func (t *Tracker) RecordOutcome(keyID, model string, success bool) {
	select {
	case t.ch <- outcome{keyID: keyID, model: model, success: success, at: t.now()}:
	default:
		t.dropped.Add(1)
	}
}

// Dropped returns the number of outcomes lost to a full buffer.
func (t *Tracker) Dropped() int64 { return t.dropped.Load() }

// Snapshot returns a deep copy of the current summary.
func (t *Tracker) Snapshot() Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.summary.clone()
}

// Close drains pending outcomes, saves once more and stops the aggregator.
func (t *Tracker) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	return nil
}

func (t *Tracker) apply(o outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.summary
	s.TotalRequests++
	if o.success {
		s.TotalSuccess++
	} else {
		s.TotalErrors++
	}

	day := o.at.Format(dateLayout)
	d, ok := s.Daily[day]
	if !ok {
		d = &Counter{}
		s.Daily[day] = d
	}
	d.Requests++
	if !o.success {
		d.Errors++
	}

	if o.model != "" {
		s.Models[o.model]++
	}

	if o.keyID != "" {
		k, ok := s.Keys[o.keyID]
		if !ok {
			k = &Counter{}
			s.Keys[o.keyID] = k
		}
		k.Requests++
		if !o.success {
			k.Errors++
		}
	}
	t.dirty = true
}

func (t *Tracker) save(ctx context.Context) {
	if t.store == nil {
		return
	}

	t.mu.Lock()
	if !t.dirty {
		t.mu.Unlock()
		return
	}
	snap := t.summary.clone()
	t.dirty = false
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()

	if err := t.store.Save(ctx, &snap); err != nil {
		t.log.Warn("stats_save_failed", slog.String("error", err.Error()))
		t.mu.Lock()
		t.dirty = true
		t.mu.Unlock()
	}
}

func (t *Tracker) run() {
	defer t.wg.Done()

	ticker := time.NewTicker(t.saveInterval)
	defer ticker.Stop()

	for {
		select {
		case o := <-t.ch:
			t.apply(o)

		case <-ticker.C:
			t.save(t.baseCtx)

		case <-t.done:
			for {
				select {
				case o := <-t.ch:
					t.apply(o)
				default:
					t.save(t.baseCtx)
					return
				}
			}
		}
	}
}
