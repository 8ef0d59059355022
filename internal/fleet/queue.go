package fleet

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// GroupQueue serializes execution per group: at most one in-flight item per
// group, bounded pending depth, retry with backoff on transient failure.
type GroupQueue struct {
	capacity int
	logger   *slog.Logger

	mu       sync.Mutex
	pending  map[string][]queueItem
	inFlight map[string]bool
}

type queueItem struct {
	run      func(ctx context.Context) error
	attempts int
}

// maxQueueAttempts bounds retries before an item is dropped.
const maxQueueAttempts = 5

// NewGroupQueue builds a queue with the given per-group capacity.
func NewGroupQueue(capacity int, logger *slog.Logger) *GroupQueue {
	if capacity <= 0 {
		capacity = 50
	}
	return &GroupQueue{
		capacity: capacity,
		logger:   logger,
		pending:  make(map[string][]queueItem),
		inFlight: make(map[string]bool),
	}
}

// Enqueue adds work for a group. False when the group's queue is full.
func (q *GroupQueue) Enqueue(group string, run func(ctx context.Context) error) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending[group]) >= q.capacity {
		return false
	}
	q.pending[group] = append(q.pending[group], queueItem{run: run})
	return true
}

// Depth returns the group's pending count.
func (q *GroupQueue) Depth(group string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending[group])
}

// Run drains queues until ctx is cancelled.
func (q *GroupQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			q.Step(ctx)
		}
	}
}

// Step starts at most one pending item per idle group. Exported for tests.
func (q *GroupQueue) Step(ctx context.Context) {
	q.mu.Lock()
	var starts []struct {
		group string
		item  queueItem
	}
	for group, items := range q.pending {
		if len(items) == 0 || q.inFlight[group] {
			continue
		}
		q.inFlight[group] = true
		q.pending[group] = items[1:]
		starts = append(starts, struct {
			group string
			item  queueItem
		}{group, items[0]})
	}
	q.mu.Unlock()

	for _, s := range starts {
		go q.execute(ctx, s.group, s.item)
	}
}

func (q *GroupQueue) execute(ctx context.Context, group string, item queueItem) {
	err := item.run(ctx)

	q.mu.Lock()
	q.inFlight[group] = false
	if err != nil {
		item.attempts++
		if item.attempts >= maxQueueAttempts {
			q.logger.Error("queued work dropped after retries", "group", group, "attempts", item.attempts, "error", err)
		} else {
			// Requeue at the back; the next Step retries after backoff.
			q.pending[group] = append(q.pending[group], item)
			q.logger.Warn("queued work failed, will retry", "group", group, "attempts", item.attempts, "error", err)
		}
	}
	q.mu.Unlock()
}
