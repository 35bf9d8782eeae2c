// Package events fans job lifecycle notices out to SSE clients.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

const (
	TypeJobSubmitted = "job.submitted"
	TypeJobCompleted = "job.completed"
	TypeJobFailed    = "job.failed"
	TypeJobArchived  = "job.archived"
)

type Event struct {
	ID        int64           `json:"id"`
	Type      string          `json:"type"`
	HistoryID string          `json:"history_id,omitempty"`
	At        time.Time       `json:"at"`
	Data      json.RawMessage `json:"data"`
}

// JobPayload is the data carried by job.* events.
type JobPayload struct {
	HistoryID     string `json:"historyId"`
	Status        string `json:"status"`
	Source        string `json:"source,omitempty"`
	VideoURL      string `json:"videoUrl,omitempty"`
	LocalVideoURL string `json:"localVideoUrl,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Filter selects which events a subscriber receives; nil accepts all.
type Filter func(Event) bool

// ForHistory accepts only events about one job.
func ForHistory(id string) Filter {
	return func(ev Event) bool { return ev.HistoryID == id }
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

// Hub is an in-memory pub/sub with a ring buffer so reconnecting clients can
// resume from Last-Event-ID.
type Hub struct {
	nextID atomic.Int64

	mu    sync.Mutex
	ring  []Event
	start int
	size  int

	subs      map[int]subscriber
	nextSubID int
}

func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		ring: make([]Event, capacity),
		subs: make(map[int]subscriber),
	}
}

// Publish records and broadcasts an event. Slow subscribers miss events
// rather than block the publisher.
func (h *Hub) Publish(eventType, historyID string, data any) Event {
	payload := json.RawMessage("{}")
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}

	ev := Event{
		ID:        h.nextID.Add(1),
		Type:      eventType,
		HistoryID: historyID,
		At:        time.Now().UTC(),
		Data:      payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pushLocked(ev)
	for _, sub := range h.subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
	return ev
}

// PublishJob publishes a job.* event keyed by p.HistoryID.
func (h *Hub) PublishJob(eventType string, p JobPayload) Event {
	return h.Publish(eventType, p.HistoryID, p)
}

func (h *Hub) Subscribe(filter Filter) (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSubID
	h.nextSubID++
	ch := make(chan Event, 64)
	h.subs[id] = subscriber{ch: ch, filter: filter}

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub.ch)
		}
	}
	return ch, cancel
}

// SnapshotSince returns buffered events with ID > lastID that pass filter,
// oldest first.
func (h *Hub) SnapshotSince(lastID int64, filter Filter) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.size)
	for i := 0; i < h.size; i++ {
		ev := h.ring[(h.start+i)%len(h.ring)]
		if ev.ID <= lastID {
			continue
		}
		if filter != nil && !filter(ev) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (h *Hub) pushLocked(ev Event) {
	capacity := len(h.ring)
	if h.size < capacity {
		h.ring[(h.start+h.size)%capacity] = ev
		h.size++
		return
	}
	h.ring[h.start] = ev
	h.start = (h.start + 1) % capacity
}
