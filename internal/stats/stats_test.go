package stats

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

type memStore struct {
	mu     sync.Mutex
	loaded *Summary
	saves  []Summary
	err    error
}

func (m *memStore) Load(context.Context) (*Summary, error) { return m.loaded, nil }

func (m *memStore) Save(_ context.Context, s *Summary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saves = append(m.saves, s.clone())
	return nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saves)
}

func fixedClock(s string) func() time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return func() time.Time { return t }
}

func TestTracker_Aggregates(t *testing.T) {
	tr, err := New(context.Background(), quietLogger(), WithClock(fixedClock("2025-03-04T10:00:00Z")))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	tr.RecordOutcome("k1", "gemini-1.5-pro", true)
	tr.RecordOutcome("k1", "gemini-1.5-pro", false)
	tr.RecordOutcome("k2", "gemini-2.0-flash", true)
	_ = tr.Close()

	s := tr.Snapshot()
	if s.TotalRequests != 3 || s.TotalSuccess != 2 || s.TotalErrors != 1 {
		t.Errorf("unexpected totals %+v", s)
	}
	day := s.Daily["2025-03-04"]
	if day == nil || day.Requests != 3 || day.Errors != 1 {
		t.Errorf("unexpected daily bucket %+v", day)
	}
	if s.Models["gemini-1.5-pro"] != 2 || s.Models["gemini-2.0-flash"] != 1 {
		t.Errorf("unexpected model usage %v", s.Models)
	}
	if k := s.Keys["k1"]; k == nil || k.Requests != 2 || k.Errors != 1 {
		t.Errorf("unexpected key usage %+v", k)
	}
}

func TestTracker_SnapshotIsACopy(t *testing.T) {
	tr, _ := New(context.Background(), quietLogger())
	tr.RecordOutcome("k1", "m", true)
	_ = tr.Close()

	s := tr.Snapshot()
	s.Keys["k1"].Requests = 100
	s.Models["m"] = 100

	again := tr.Snapshot()
	if again.Keys["k1"].Requests != 1 || again.Models["m"] != 1 {
		t.Error("mutating a snapshot must not affect the tracker")
	}
}

func TestTracker_LoadsPreviousSummary(t *testing.T) {
	prev := &Summary{TotalRequests: 10, TotalSuccess: 9, TotalErrors: 1}
	tr, _ := New(context.Background(), quietLogger(), WithStore(&memStore{loaded: prev}))
	tr.RecordOutcome("k", "m", true)
	_ = tr.Close()

	s := tr.Snapshot()
	if s.TotalRequests != 11 || s.TotalSuccess != 10 {
		t.Errorf("expected history continued, got %+v", s)
	}
	if s.Models["m"] != 1 {
		t.Errorf("expected nil maps to be initialised, got %v", s.Models)
	}
}

func TestTracker_SavesOnCloseOnlyWhenDirty(t *testing.T) {
	store := &memStore{}
	tr, _ := New(context.Background(), quietLogger(), WithStore(store), WithSaveInterval(time.Hour))
	_ = tr.Close()
	if store.count() != 0 {
		t.Errorf("expected no save without changes, got %d", store.count())
	}

	store = &memStore{}
	tr, _ = New(context.Background(), quietLogger(), WithStore(store), WithSaveInterval(time.Hour))
	tr.RecordOutcome("k", "m", false)
	_ = tr.Close()
	if store.count() != 1 {
		t.Fatalf("expected exactly one save on close, got %d", store.count())
	}
	if store.saves[0].TotalErrors != 1 {
		t.Errorf("unexpected saved summary %+v", store.saves[0])
	}
}

func TestTracker_DebouncedSave(t *testing.T) {
	store := &memStore{}
	tr, _ := New(context.Background(), quietLogger(), WithStore(store), WithSaveInterval(20*time.Millisecond))
	defer tr.Close()

	for i := 0; i < 50; i++ {
		tr.RecordOutcome("k", "m", true)
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.count() == 0 {
		t.Fatal("expected a periodic save")
	}
	if store.count() > 5 {
		t.Errorf("expected saves to be batched, got %d", store.count())
	}
}

func TestTracker_SaveFailureIsRetried(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	tr, _ := New(context.Background(), quietLogger(), WithStore(store), WithSaveInterval(time.Hour))
	tr.RecordOutcome("k", "m", true)

	tr.save(context.Background())
	store.mu.Lock()
	store.err = nil
	store.mu.Unlock()

	_ = tr.Close()
	if store.count() != 1 {
		t.Errorf("expected the failed save to be retried on close, got %d saves", store.count())
	}
}

func TestFileStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "history.json")
	s := NewFileStore(path)

	got, err := s.Load(context.Background())
	if err != nil || got != nil {
		t.Fatalf("expected nil summary for missing file, got %+v, %v", got, err)
	}

	sum := newSummary()
	sum.TotalRequests = 2
	sum.Daily["2025-01-01"] = &Counter{Requests: 2, Errors: 1}
	if err := s.Save(context.Background(), sum); err != nil {
		t.Fatalf("Save: %v", err)
	}

	raw, _ := os.ReadFile(path)
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("history.json is not JSON: %v", err)
	}
	for _, field := range []string{"totalRequests", "dailyStats", "modelUsage", "keyUsage"} {
		if _, ok := doc[field]; !ok {
			t.Errorf("expected field %q in history.json", field)
		}
	}

	got, err = s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TotalRequests != 2 || got.Daily["2025-01-01"].Errors != 1 {
		t.Errorf("unexpected summary %+v", got)
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	cli := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cli.Close() })

	s := NewRedisStore(cli, "")
	if got, err := s.Load(context.Background()); err != nil || got != nil {
		t.Fatalf("expected empty load, got %+v, %v", got, err)
	}

	sum := newSummary()
	sum.TotalSuccess = 7
	sum.Models["gemini-1.5-pro"] = 7
	if err := s.Save(context.Background(), sum); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if !mr.Exists(DefaultRedisKey) {
		t.Fatal("expected summary key in redis")
	}

	got, err := s.Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.TotalSuccess != 7 || got.Models["gemini-1.5-pro"] != 7 {
		t.Errorf("unexpected summary %+v", got)
	}
}
