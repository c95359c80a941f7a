package events

import (
	"sync"
	"testing"

	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
)

func TestHub_FanOut(t *testing.T) {
	h := NewHub()
	defer h.Close()

	a, cancelA := h.Subscribe(4)
	defer cancelA()
	b, cancelB := h.Subscribe(4)
	defer cancelB()

	h.Publish(Log(LevelInfo, "hello"))

	for name, ch := range map[string]<-chan Event{"a": a, "b": b} {
		ev := <-ch
		if ev.Type != TypeLog || ev.Log == nil || ev.Log.Message != "hello" {
			t.Errorf("subscriber %s: unexpected event %+v", name, ev)
		}
		if ev.Log.ID == "" || ev.Log.Level != LevelInfo {
			t.Errorf("subscriber %s: expected id and level, got %+v", name, ev.Log)
		}
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	h := NewHub()
	defer h.Close()

	_, cancel := h.Subscribe(1)
	defer cancel()

	for i := 0; i < 10; i++ {
		h.Publish(Traffic())
	}
	if got := h.Dropped(); got != 9 {
		t.Errorf("expected 9 drops for a full subscriber, got %d", got)
	}
}

func TestHub_CancelUnsubscribes(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ch, cancel := h.Subscribe(1)
	if h.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", h.Subscribers())
	}
	cancel()
	cancel()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed after cancel")
	}
	if h.Subscribers() != 0 {
		t.Errorf("expected 0 subscribers, got %d", h.Subscribers())
	}
	h.Publish(Traffic())
}

func TestHub_CloseDisconnectsAll(t *testing.T) {
	h := NewHub()
	ch, cancel := h.Subscribe(1)
	_ = h.Close()

	if _, ok := <-ch; ok {
		t.Error("expected channel closed by Close")
	}
	cancel()
	h.Publish(Traffic())

	late, _ := h.Subscribe(1)
	if _, ok := <-late; ok {
		t.Error("expected subscription after Close to be closed")
	}
}

func TestHub_ConcurrentPublishAndCancel(t *testing.T) {
	h := NewHub()
	defer h.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		_, cancel := h.Subscribe(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h.Publish(Traffic())
			}
		}()
		go func() {
			defer wg.Done()
			cancel()
		}()
	}
	wg.Wait()
}

func TestStatsEvent(t *testing.T) {
	ev := Stats([]keypool.Snapshot{{ID: "abc", Key: "...1234"}})
	if ev.Type != TypeStats || len(ev.Keys) != 1 || ev.Keys[0].Key != "...1234" {
		t.Errorf("unexpected stats event %+v", ev)
	}
}
