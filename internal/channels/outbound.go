package channels

import (
	"context"
	"log/slog"
	"sync"

	"github.com/nanoclaw/nanoclaw/internal/bus"
)

// OutboundQueue wraps a driver with a per-channel queue: sends while the
// driver is disconnected are held and drained on reconnect. A single drainer
// owns delivery order.
type OutboundQueue struct {
	driver Driver
	logger *slog.Logger

	mu      sync.Mutex
	pending []*bus.OutboundMessage
}

// NewOutboundQueue wraps the driver.
func NewOutboundQueue(driver Driver, logger *slog.Logger) *OutboundQueue {
	return &OutboundQueue{driver: driver, logger: logger}
}

// Send delivers the message now, or queues it when the channel is down or the
// delivery fails transiently.
func (q *OutboundQueue) Send(ctx context.Context, msg *bus.OutboundMessage) error {
	if !q.driver.Connected() {
		q.enqueue(msg)
		return nil
	}
	if err := q.driver.Send(ctx, msg); err != nil {
		q.logger.Warn("outbound send failed, queued for drain", "channel", q.driver.Name(), "chat", msg.ChatJID, "error", err)
		q.enqueue(msg)
		return nil
	}
	return nil
}

// Drain flushes queued messages in arrival order. Called on reconnect; stops
// at the first failure, leaving the remainder queued.
func (q *OutboundQueue) Drain(ctx context.Context) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		msg := q.pending[0]
		q.mu.Unlock()

		if !q.driver.Connected() {
			return
		}
		if err := q.driver.Send(ctx, msg); err != nil {
			q.logger.Warn("drain send failed", "channel", q.driver.Name(), "chat", msg.ChatJID, "error", err)
			return
		}

		q.mu.Lock()
		q.pending = q.pending[1:]
		q.mu.Unlock()
	}
}

// Pending returns the queued message count.
func (q *OutboundQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

func (q *OutboundQueue) enqueue(msg *bus.OutboundMessage) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, msg)
}
