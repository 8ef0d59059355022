package governance

import (
	"context"
	"fmt"
	"sync"
)

// Waiter lets a caller block on a gate decision delivered from another
// goroutine, typically the ops API handling an approve or deny action.
type Waiter struct {
	mu      sync.Mutex
	pending map[string]chan bool
}

// NewWaiter builds an empty waiter.
func NewWaiter() *Waiter {
	return &Waiter{pending: make(map[string]chan bool)}
}

func waitKey(taskID, gateType string) string {
	return taskID + ":" + gateType
}

// Wait blocks until the gate is resolved or ctx expires.
func (w *Waiter) Wait(ctx context.Context, taskID, gateType string) (bool, error) {
	key := waitKey(taskID, gateType)

	w.mu.Lock()
	ch, ok := w.pending[key]
	if !ok {
		ch = make(chan bool, 1)
		w.pending[key] = ch
	}
	w.mu.Unlock()

	select {
	case approved := <-ch:
		w.drop(key)
		return approved, nil
	case <-ctx.Done():
		w.drop(key)
		return false, fmt.Errorf("approval wait for %s: %w", key, ctx.Err())
	}
}

// Resolve delivers a decision. A resolution with no waiter is buffered so a
// Wait issued just after still observes it.
func (w *Waiter) Resolve(taskID, gateType string, approved bool) {
	key := waitKey(taskID, gateType)

	w.mu.Lock()
	ch, ok := w.pending[key]
	if !ok {
		ch = make(chan bool, 1)
		w.pending[key] = ch
	}
	w.mu.Unlock()

	select {
	case ch <- approved:
	default:
	}
}

func (w *Waiter) drop(key string) {
	w.mu.Lock()
	delete(w.pending, key)
	w.mu.Unlock()
}
