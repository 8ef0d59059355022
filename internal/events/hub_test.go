package events

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

func newTestHub() *Hub {
	return NewHub(config.EventsConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestPublishReachesSubscriber(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish("tunnel:status", map[string]any{"worker": "w1", "status": "down"})

	select {
	case ev := <-ch:
		if ev.Type != "tunnel:status" || ev.Data["worker"] != "w1" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			h.Publish("gov:transition", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a lagging subscriber")
	}
}

func TestCancelClosesChannel(t *testing.T) {
	h := newTestHub()
	defer h.Close()

	ch, cancel := h.Subscribe()
	cancel()
	cancel() // idempotent

	if _, open := <-ch; open {
		t.Fatal("channel still open after cancel")
	}
}
