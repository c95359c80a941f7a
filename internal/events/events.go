// Package events fans dashboard notifications out to live subscribers.
//
// Publish never blocks: a subscriber whose buffer is full misses the event
// and the drop is counted. Nothing is retained for late subscribers.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/nulpointcorp/keypool-gateway/internal/keypool"
)

// Type names an event on the wire.
type Type string

const (
	TypeLog     Type = "log"
	TypeTraffic Type = "traffic_update"
	TypeStats   Type = "stats_update"
)

// Level is the severity of a log event.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

const defaultSubscriberBuffer = 64

// LogEntry is a human-readable line for the dashboard console.
type LogEntry struct {
	ID        string    `json:"id"`
	Level     Level     `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Event is one notification. Log is set for TypeLog, Keys for TypeStats.
type Event struct {
	Type Type               `json:"-"`
	Log  *LogEntry          `json:"log,omitempty"`
	Keys []keypool.Snapshot `json:"keys,omitempty"`
	At   time.Time          `json:"at"`
}

// Log builds a log event.
func Log(level Level, msg string) Event {
	now := time.Now().UTC()
	return Event{
		Type: TypeLog,
		Log:  &LogEntry{ID: uuid.NewString(), Level: level, Message: msg, Timestamp: now},
		At:   now,
	}
}

// Traffic builds the per-request traffic tick.
func Traffic() Event {
	return Event{Type: TypeTraffic, At: time.Now().UTC()}
}

// Stats builds a pool snapshot event.
func Stats(keys []keypool.Snapshot) Event {
	return Event{Type: TypeStats, Keys: keys, At: time.Now().UTC()}
}

// Publisher is the notification collaborator used by the dispatcher.
type Publisher interface {
	Publish(ev Event)
}

// Hub is an in-process Publisher with any number of subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool

	dropped atomic.Int64
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]chan Event)}
}

// Publish delivers ev to every subscriber that has room for it.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func unregisters it
// and closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := h.nextID
	h.nextID++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if c, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(c)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber was
// full.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Close disconnects every subscriber. Later publishes are ignored.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	return nil
}

// Discard is a Publisher that drops everything.
var Discard Publisher = discard{}

type discard struct{}

func (discard) Publish(Event) {}
