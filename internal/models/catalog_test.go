package models

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nulpointcorp/keypool-gateway/internal/backend"
	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
	"github.com/nulpointcorp/keypool-gateway/internal/metrics"
)

type listBackend struct {
	models  []backend.ModelInfo
	err     error
	calls   atomic.Int32
	lastKey atomic.Value
}

func (b *listBackend) Name() string { return "fake" }

func (b *listBackend) Invoke(context.Context, string, *backend.Request) (*backend.Response, error) {
	return nil, errors.New("not implemented")
}

func (b *listBackend) ListModels(_ context.Context, secret string) ([]backend.ModelInfo, error) {
	b.calls.Add(1)
	b.lastKey.Store(secret)
	if b.err != nil {
		return nil, b.err
	}
	return b.models, nil
}

func infos(ids ...string) []backend.ModelInfo {
	out := make([]backend.ModelInfo, len(ids))
	for i, id := range ids {
		out[i] = backend.ModelInfo{ID: id}
	}
	return out
}

func TestRefresh_SortsProFirstAndStripsPrefix(t *testing.T) {
	b := &listBackend{models: infos("models/gemini-2.0-flash", "gemini-1.5-pro", "models/gemini-1.5-flash", "gemini-2.5-pro")}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{Metrics: metrics.New()})

	got, err := c.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	want := "gemini-1.5-pro,gemini-2.5-pro,gemini-2.0-flash,gemini-1.5-flash"
	if strings.Join(got, ",") != want {
		t.Errorf("got %v, want %s", got, want)
	}
	if c.RefreshedAt().IsZero() {
		t.Error("RefreshedAt not set")
	}
}

func TestRefresh_DoesNotClaimKey(t *testing.T) {
	pool := keypool.New([]string{"key-AAAA", "key-BBBB"})
	b := &listBackend{models: infos("gemini-1.5-flash")}
	c := New(pool, b, Options{})

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	rec, _ := pool.Get("key-AAAA")
	if !rec.LastStatusChangeAt.IsZero() {
		t.Error("discovery must not refresh the key's LRU clock")
	}
	if b.lastKey.Load() != "key-AAAA" {
		t.Errorf("expected selector's key, got %v", b.lastKey.Load())
	}
}

func TestRefresh_FailureUsesFallbackWhenEmpty(t *testing.T) {
	b := &listBackend{err: errors.New("dial tcp: connection refused")}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{})

	got, err := c.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if strings.Join(got, ",") != strings.Join(DefaultFallback, ",") {
		t.Errorf("expected fallback list, got %v", got)
	}
}

func TestRefresh_FailureKeepsLastList(t *testing.T) {
	b := &listBackend{models: infos("gemini-exp")}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{})

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	b.err = errors.New("boom")
	got, err := c.Refresh(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
	if len(got) != 1 || got[0] != "gemini-exp" {
		t.Errorf("expected previous list, got %v", got)
	}
}

func TestRefresh_NoKey(t *testing.T) {
	b := &listBackend{models: infos("gemini-exp")}
	pool := keypool.New([]string{"key-AAAA"})
	pool.MarkCooldown("key-AAAA")
	c := New(pool, b, Options{Fallback: []string{"only-model"}})

	got, err := c.Refresh(context.Background())
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	if b.calls.Load() != 0 {
		t.Error("backend must not be called without a key")
	}
	if len(got) != 1 || got[0] != "only-model" {
		t.Errorf("expected custom fallback, got %v", got)
	}
}

func TestModels_AppliesFilter(t *testing.T) {
	f, err := NewFilter([]string{"gemini-1.0-pro"}, []string{`^text-`, `embedding`})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	b := &listBackend{models: infos("gemini-1.0-pro", "gemini-1.5-flash", "text-bison", "gemini-embedding-001")}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{Filter: f})

	got, _ := c.Refresh(context.Background())
	if len(got) != 1 || got[0] != "gemini-1.5-flash" {
		t.Errorf("unexpected filtered list: %v", got)
	}
}

func TestEnsure_RefreshesOnlyWhenEmpty(t *testing.T) {
	b := &listBackend{models: infos("gemini-1.5-flash")}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{})

	if got := c.Ensure(context.Background()); len(got) != 1 {
		t.Fatalf("unexpected list: %v", got)
	}
	c.Ensure(context.Background())
	if n := b.calls.Load(); n != 1 {
		t.Errorf("expected 1 discovery, got %d", n)
	}
}

func TestStart_RunsInitialDiscovery(t *testing.T) {
	b := &listBackend{models: infos("gemini-1.5-flash")}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{InitialDelay: 10 * time.Millisecond, Interval: time.Hour})
	c.Start(context.Background())
	defer c.Close()

	deadline := time.Now().Add(2 * time.Second)
	for b.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if b.calls.Load() == 0 {
		t.Fatal("initial discovery did not run")
	}
	if got := c.Models(); len(got) != 1 {
		t.Errorf("unexpected list: %v", got)
	}
}

func TestClose_BeforeInitialDelay(t *testing.T) {
	b := &listBackend{}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{InitialDelay: time.Hour})
	c.Start(context.Background())
	c.Close()
	c.Close()
	if b.calls.Load() != 0 {
		t.Error("no discovery expected")
	}
}

func newSnapshot(t *testing.T) (*RedisSnapshot, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })
	return NewRedisSnapshot(cli, "", 0), mr
}

func TestRedisSnapshot_RoundTrip(t *testing.T) {
	s, mr := newSnapshot(t)
	ctx := context.Background()

	got, err := s.Load(ctx)
	if err != nil || got != nil {
		t.Fatalf("expected empty load, got %v/%v", got, err)
	}
	if err := s.Save(ctx, []string{"a", "b"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if ttl := mr.TTL(DefaultSnapshotKey); ttl != defaultSnapshotTTL {
		t.Errorf("expected ttl %v, got %v", defaultSnapshotTTL, ttl)
	}
	got, err = s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("unexpected list: %v", got)
	}
}

func TestCatalog_SnapshotWarmStartAndSave(t *testing.T) {
	s, mr := newSnapshot(t)
	if err := mr.Set(DefaultSnapshotKey, `["warm-model"]`); err != nil {
		t.Fatalf("seed: %v", err)
	}

	b := &listBackend{models: infos("fresh-model")}
	c := New(keypool.New([]string{"key-AAAA"}), b, Options{Snapshot: s, InitialDelay: time.Hour})
	c.Start(context.Background())
	defer c.Close()

	if got := c.Models(); len(got) != 1 || got[0] != "warm-model" {
		t.Fatalf("expected warm list, got %v", got)
	}

	if _, err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	raw, err := mr.Get(DefaultSnapshotKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if raw != `["fresh-model"]` {
		t.Errorf("snapshot not updated: %s", raw)
	}
}

func TestFilter(t *testing.T) {
	if _, err := NewFilter(nil, []string{"("}); err == nil {
		t.Error("expected invalid pattern error")
	}

	var nilFilter *Filter
	if nilFilter.Matches("x") || nilFilter.Len() != 0 {
		t.Error("nil filter must match nothing")
	}

	f, err := NewFilter([]string{"", "a"}, []string{"", "^b"})
	if err != nil {
		t.Fatalf("NewFilter: %v", err)
	}
	if f.Len() != 2 {
		t.Errorf("expected 2 rules, got %d", f.Len())
	}
	if got := f.Apply([]string{"a", "bc", "cb"}); len(got) != 1 || got[0] != "cb" {
		t.Errorf("unexpected result: %v", got)
	}
}
