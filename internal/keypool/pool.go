// Package keypool owns the set of backend credentials and their admission
// state.
//
// A Pool is an ordered list of Records guarded by a single mutex. Selection
// prefers the least-recently-used Active key; when none is eligible it tries
// to reclaim a key whose cooldown has elapsed. Acquire performs selection and
// claim as one critical section so two concurrent requests never claim the
// same key from the same snapshot.
//
// Only the ordered list of secrets is durable (see Persister). Status and
// counters are session-scoped and reset on restart.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultCooldown is the time a key stays in Cooldown before it may be
// reclaimed.
const DefaultCooldown = 60 * time.Second

var (
	ErrInvalidKey   = errors.New("keypool: key must not be empty")
	ErrDuplicateKey = errors.New("keypool: key already exists")
)

// Persister stores the ordered list of secrets.
type Persister interface {
	Save(ctx context.Context, secrets []string) error
}

// Pool is the in-memory key pool. The zero value is not usable; build one
// with New.
type Pool struct {
	mu      sync.Mutex
	records []*Record
	index   map[string]*Record

	cooldown time.Duration
	now      func() time.Time

	// saveMu orders persistence so a slower save never overwrites a newer list.
	saveMu sync.Mutex
	store  Persister
}

// Option configures a Pool.
type Option func(*Pool)

// WithCooldown sets T_cooldown. Non-positive values keep the default.
func WithCooldown(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.cooldown = d
		}
	}
}

// WithClock replaces time.Now, used by tests.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) { p.now = now }
}

// WithPersister attaches the durable secret list written by Add.
func WithPersister(s Persister) Option {
	return func(p *Pool) { p.store = s }
}

// New builds a pool from the durable secret list. Empty and duplicate
// entries are dropped; every record starts Active with zeroed counters.
func New(secrets []string, opts ...Option) *Pool {
	p := &Pool{
		index:    make(map[string]*Record, len(secrets)),
		cooldown: DefaultCooldown,
		now:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := p.index[s]; ok {
			continue
		}
		r := &Record{Secret: s, Status: Active}
		p.records = append(p.records, r)
		p.index[s] = r
	}
	return p
}

// Cooldown returns the configured T_cooldown.
func (p *Pool) Cooldown() time.Duration { return p.cooldown }

// Len returns the number of keys in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.records)
}

// Select returns the next key to use without claiming it. It may still
// reclaim a cooled-down key, which is a state change.
func (p *Pool) Select(excluded map[string]struct{}) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.selectLocked(excluded)
	if r == nil {
		return Record{}, false
	}
	return *r, true
}

// Acquire selects a key and claims it: the key is marked Active and its
// LRU clock is refreshed so a burst of requests spreads across the pool.
func (p *Pool) Acquire(excluded map[string]struct{}) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.selectLocked(excluded)
	if r == nil {
		return Record{}, false
	}
	r.Status = Active
	r.LastStatusChangeAt = p.now()
	return *r, true
}

// TryReclaim promotes the first non-excluded Cooldown key whose cooldown has
// elapsed. At most one key is reclaimed per call.
func (p *Pool) TryReclaim(excluded map[string]struct{}) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r := p.reclaimLocked(excluded)
	if r == nil {
		return Record{}, false
	}
	return *r, true
}

func (p *Pool) selectLocked(excluded map[string]struct{}) *Record {
	var best *Record
	for _, r := range p.records {
		if r.Status != Active {
			continue
		}
		if _, skip := excluded[r.Secret]; skip {
			continue
		}
		// Strict comparison keeps the earliest record on ties.
		if best == nil || r.LastStatusChangeAt.Before(best.LastStatusChangeAt) {
			best = r
		}
	}
	if best != nil {
		return best
	}
	return p.reclaimLocked(excluded)
}

func (p *Pool) reclaimLocked(excluded map[string]struct{}) *Record {
	now := p.now()
	for _, r := range p.records {
		if r.Status != Cooldown {
			continue
		}
		if _, skip := excluded[r.Secret]; skip {
			continue
		}
		if now.Sub(r.LastStatusChangeAt) > p.cooldown {
			r.Status = Active
			r.LastStatusChangeAt = now
			return r
		}
	}
	return nil
}

// MarkCooldown records a quota failure on secret: the key enters Cooldown,
// its clock restarts and its error counter grows. Unknown secrets are
// ignored.
func (p *Pool) MarkCooldown(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.index[secret]; ok {
		r.Status = Cooldown
		r.LastStatusChangeAt = p.now()
		r.ErrorCount++
	}
}

// RecordSuccess increments the usage counter of secret.
func (p *Pool) RecordSuccess(secret string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r, ok := p.index[secret]; ok {
		r.UsageCount++
	}
}

// Covers reports whether every key of the pool is in excluded.
func (p *Pool) Covers(excluded map[string]struct{}) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.records {
		if _, ok := excluded[r.Secret]; !ok {
			return false
		}
	}
	return true
}

// Counts returns the number of Active and Cooldown keys.
func (p *Pool) Counts() (active, cooldown int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, r := range p.records {
		if r.Status == Active {
			active++
		} else {
			cooldown++
		}
	}
	return active, cooldown
}

// NextAvailableIn returns how long until some key can be used again: zero
// when an Active key exists, the shortest remaining cooldown otherwise, and
// the full cooldown for an empty pool.
func (p *Pool) NextAvailableIn() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.records) == 0 {
		return p.cooldown
	}
	now := p.now()
	best := time.Duration(-1)
	for _, r := range p.records {
		if r.Status == Active {
			return 0
		}
		left := p.cooldown - now.Sub(r.LastStatusChangeAt)
		if left < 0 {
			left = 0
		}
		if best < 0 || left < best {
			best = left
		}
	}
	return best
}

// Get returns a copy of the record for secret.
func (p *Pool) Get(secret string) (Record, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	r, ok := p.index[secret]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Secrets returns the ordered secret list, i.e. the durable state.
func (p *Pool) Secrets() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.secretsLocked()
}

func (p *Pool) secretsLocked() []string {
	out := make([]string, len(p.records))
	for i, r := range p.records {
		out[i] = r.Secret
	}
	return out
}

// Snapshot returns the display view of every key in pool order.
func (p *Pool) Snapshot() []Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	out := make([]Snapshot, len(p.records))
	for i, r := range p.records {
		s := Snapshot{
			ID:                 r.ID(),
			Key:                r.Masked(),
			Status:             r.Status,
			Usage:              r.UsageCount,
			Errors:             r.ErrorCount,
			LastStatusChangeAt: r.LastStatusChangeAt,
		}
		if r.Status == Cooldown {
			if left := p.cooldown - now.Sub(r.LastStatusChangeAt); left > 0 {
				s.CooldownRemaining = left.Seconds()
			}
		}
		out[i] = s
	}
	return out
}

// Add appends a new Active key and persists the updated list. The key stays
// in memory even when persistence fails; the returned error then wraps the
// store error.
func (p *Pool) Add(ctx context.Context, secret string) error {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return ErrInvalidKey
	}

	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	if _, ok := p.index[secret]; ok {
		p.mu.Unlock()
		return ErrDuplicateKey
	}
	r := &Record{Secret: secret, Status: Active}
	p.records = append(p.records, r)
	p.index[secret] = r
	secrets := p.secretsLocked()
	p.mu.Unlock()

	if p.store == nil {
		return nil
	}
	if err := p.store.Save(ctx, secrets); err != nil {
		return fmt.Errorf("keypool: persist: %w", err)
	}
	return nil
}

// Merge appends every secret not yet in the pool and persists once when
// anything changed. It returns the number of keys added.
func (p *Pool) Merge(ctx context.Context, secrets []string) (int, error) {
	p.saveMu.Lock()
	defer p.saveMu.Unlock()

	p.mu.Lock()
	added := 0
	for _, s := range secrets {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, ok := p.index[s]; ok {
			continue
		}
		r := &Record{Secret: s, Status: Active}
		p.records = append(p.records, r)
		p.index[s] = r
		added++
	}
	list := p.secretsLocked()
	p.mu.Unlock()

	if added == 0 || p.store == nil {
		return added, nil
	}
	if err := p.store.Save(ctx, list); err != nil {
		return added, fmt.Errorf("keypool: persist: %w", err)
	}
	return added, nil
}
