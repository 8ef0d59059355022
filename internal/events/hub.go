// Package events provides the in-process event hub feeding the ops SSE stream,
// with an optional Kafka mirror when brokers are configured.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nanoclaw/nanoclaw/internal/config"
)

// Event is a single host event published to subscribers.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Hub fans events out to in-process subscribers. Slow subscribers drop events
// rather than block publishers.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	logger *slog.Logger

	writer *kafka.Writer
}

// NewHub builds a hub. When cfg.KafkaBrokers is set, every event is mirrored
// to the configured topic.
func NewHub(cfg config.EventsConfig, logger *slog.Logger) *Hub {
	h := &Hub{subs: make(map[int]chan Event), logger: logger}
	if cfg.KafkaBrokers != "" {
		h.writer = &kafka.Writer{
			Addr:         kafka.TCP(strings.Split(cfg.KafkaBrokers, ",")...),
			Topic:        cfg.KafkaTopic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
			Async:        true,
		}
		logger.Info("Kafka event mirror enabled", "brokers", cfg.KafkaBrokers, "topic", cfg.KafkaTopic)
	}
	return h
}

// Publish delivers the event to all subscribers and the Kafka mirror.
func (h *Hub) Publish(eventType string, data map[string]any) {
	ev := Event{Type: eventType, At: time.Now().UTC(), Data: data}

	h.mu.Lock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default: // subscriber lagging, drop
		}
	}
	h.mu.Unlock()

	if h.writer != nil {
		payload, err := json.Marshal(ev)
		if err != nil {
			h.logger.Warn("event marshal failed", "type", eventType, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.writer.WriteMessages(ctx, kafka.Message{
			Key:   []byte(eventType),
			Value: payload,
			Time:  ev.At,
		}); err != nil {
			h.logger.Warn("kafka event publish failed", "type", eventType, "error", err)
		}
	}
}

// Subscribe registers a buffered subscriber channel. The returned cancel
// function removes the subscription and closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Close tears down the Kafka mirror and all subscriptions.
func (h *Hub) Close() error {
	h.mu.Lock()
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
	h.mu.Unlock()

	if h.writer != nil {
		return h.writer.Close()
	}
	return nil
}
