package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestHubPublishSubscribe(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe(nil)
	defer cancel()

	h.PublishJob(TypeJobCompleted, JobPayload{HistoryID: "h1", Status: "completed", Source: "webhook"})

	select {
	case ev := <-ch:
		if ev.Type != TypeJobCompleted || ev.HistoryID != "h1" || ev.ID != 1 {
			t.Fatalf("unexpected event: %#v", ev)
		}
		var p JobPayload
		if err := json.Unmarshal(ev.Data, &p); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if p.Source != "webhook" {
			t.Fatalf("source = %q, want webhook", p.Source)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestHubFilter(t *testing.T) {
	t.Parallel()

	h := NewHub(10)
	ch, cancel := h.Subscribe(ForHistory("h2"))
	defer cancel()

	h.PublishJob(TypeJobCompleted, JobPayload{HistoryID: "h1"})
	h.PublishJob(TypeJobFailed, JobPayload{HistoryID: "h2"})

	select {
	case ev := <-ch:
		if ev.HistoryID != "h2" {
			t.Fatalf("filtered subscriber got %#v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
	select {
	case ev := <-ch:
		t.Fatalf("unexpected extra event %#v", ev)
	default:
	}
}

func TestHubSnapshotSinceWrapsRing(t *testing.T) {
	t.Parallel()

	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish("tick", "", map[string]int{"i": i})
	}

	all := h.SnapshotSince(0, nil)
	if len(all) != 3 || all[0].ID != 3 || all[2].ID != 5 {
		t.Fatalf("unexpected snapshot: %#v", all)
	}
	tail := h.SnapshotSince(4, nil)
	if len(tail) != 1 || tail[0].ID != 5 {
		t.Fatalf("unexpected tail: %#v", tail)
	}
}

func TestHubCancelClosesChannel(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	ch, cancel := h.Subscribe(nil)
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatalf("channel not closed")
	}
	h.Publish("after", "", nil)
}
