// Package agent defines the runner boundary between the host and the AI
// agent, the streamed event sequence it produces, and the process-wide lock
// serializing agent executions.
package agent

import (
	"context"
	"sync"
)

// Event statuses streamed by a runner. A run ends with exactly one done or
// error event; partial events may precede it.
const (
	StatusPartial = "partial"
	StatusDone    = "done"
	StatusError   = "error"
)

// Event is one element of the agent's result stream. A non-empty SessionID on
// any event replaces the chat's stored session mapping.
type Event struct {
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Err       string `json:"error,omitempty"`
}

// Invocation carries one agent run request.
type Invocation struct {
	Prompt      string
	SessionID   string // resume this session when set
	ChatJID     string
	GroupFolder string
	Scheduled   bool // true for scheduler/governance-originated prompts
}

// Runner executes agent invocations. Implementations stream events on the
// returned channel and close it when the run finishes or ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (<-chan Event, error)
}

// Lock is the single boolean guarding agent execution process-wide. Acquire
// succeeds exactly once until Release; contenders defer rather than queue.
type Lock struct {
	mu   sync.Mutex
	held bool
}

// TryAcquire takes the lock if free and reports whether it did.
func (l *Lock) TryAcquire() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false
	}
	l.held = true
	return true
}

// Release frees the lock.
func (l *Lock) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.held = false
}

// Held reports the current state, for status output only.
func (l *Lock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}
