// Package governance runs the state machine over governed tasks: INBOX →
// READY → DOING → REVIEW → APPROVAL → DONE, with compare-and-swap writes,
// idempotent dispatch claims, gate approvals, and founder override.
package governance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/events"
	"github.com/nanoclaw/nanoclaw/internal/fleet"
	"github.com/nanoclaw/nanoclaw/internal/memory"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("INVALID_TRANSITION")
	ErrMissingGroup      = errors.New("assigned_group required")
	ErrApprovalRequired  = errors.New("APPROVAL_REQUIRED")
	ErrGateMismatch      = errors.New("gate does not match task")
)

// Activity actions written to the audit trail.
const (
	ActionTransition       = "transition"
	ActionDispatch         = "dispatch"
	ActionApprove          = "approve"
	ActionDeny             = "deny"
	ActionOverride         = "override"
	ActionDeferred         = "deferred"
	ActionExecutionSummary = "execution_summary"
	ActionEvidence         = "evidence"
)

// transitions holds the permitted from -> to pairs. REVIEW -> DONE requires
// gate = None and APPROVAL -> DONE requires a recorded approval; both are
// checked beyond this table.
var transitions = map[string]map[string]bool{
	store.StateInbox:    {store.StateReady: true},
	store.StateReady:    {store.StateDoing: true},
	store.StateDoing:    {store.StateReview: true},
	store.StateReview:   {store.StateApproval: true, store.StateDone: true},
	store.StateApproval: {store.StateDone: true},
}

// WorkSender hands claimed work to the worker fleet.
type WorkSender interface {
	Dispatch(ctx context.Context, dispatchKey string, payload fleet.DispatchPayload) (*store.Worker, error)
}

// Engine applies governed-task transitions and runs the dispatch loop.
type Engine struct {
	store      *store.Store
	cfg        config.GovernanceConfig
	mem        *memory.Broker
	dispatcher WorkSender
	hub        *events.Hub
	logger     *slog.Logger
	ipcRoot    string
	approvals  *Waiter
	queue      *fleet.GroupQueue
	now        func() time.Time
}

// NewEngine builds the governance engine. dispatcher may be nil when the host
// runs without a worker fleet; READY tasks then stay put.
func NewEngine(st *store.Store, cfg config.GovernanceConfig, mem *memory.Broker, dispatcher WorkSender, hub *events.Hub, ipcRoot string, logger *slog.Logger) *Engine {
	return &Engine{
		store:      st,
		cfg:        cfg,
		mem:        mem,
		dispatcher: dispatcher,
		hub:        hub,
		logger:     logger,
		ipcRoot:    ipcRoot,
		approvals:  NewWaiter(),
		now:        time.Now,
	}
}

// UseRetryQueue installs the per-group queue that re-attempts dispatches
// failing with fleet.ErrNoCapacity ahead of the next tick. Without one, such
// dispatches wait for the tick like any other failure.
func (e *Engine) UseRetryQueue(q *fleet.GroupQueue) {
	e.queue = q
}

// Transition applies one actor-driven state change with compare-and-swap on
// the task version. Stale versions surface store.ErrVersionConflict.
func (e *Engine) Transition(taskID, to, actor, reason string) (*store.GovTask, error) {
	task, err := e.store.GetGovTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}

	if !transitions[task.State][to] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, task.State, to)
	}
	if task.State == store.StateInbox && to == store.StateReady && task.AssignedGroup == "" {
		return nil, ErrMissingGroup
	}
	if task.State == store.StateReview && to == store.StateDone && task.Gate != store.GateNone {
		return nil, fmt.Errorf("%w: gate %s pending", ErrApprovalRequired, task.Gate)
	}
	if task.State == store.StateApproval && to == store.StateDone {
		approval, err := e.store.GetApproval(taskID, task.Gate)
		if err != nil {
			return nil, err
		}
		if approval == nil {
			return nil, fmt.Errorf("%w: gate %s", ErrApprovalRequired, task.Gate)
		}
	}

	return e.apply(task, to, ActionTransition, actor, reason)
}

// Override moves a task in REVIEW or APPROVAL straight to DONE, bypassing its
// gate. The override is written into the task metadata and audited.
func (e *Engine) Override(taskID, actor, reason string) (*store.GovTask, error) {
	task, err := e.store.GetGovTask(taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, ErrNotFound
	}
	if task.State != store.StateReview && task.State != store.StateApproval {
		return nil, fmt.Errorf("%w: override from %s", ErrInvalidTransition, task.State)
	}

	meta := map[string]any{}
	if task.Metadata != "" {
		_ = json.Unmarshal([]byte(task.Metadata), &meta)
	}
	meta["override"] = map[string]any{
		"by":     actor,
		"reason": reason,
		"from":   task.State,
		"at":     e.now().UTC().Format(time.RFC3339),
	}
	raw, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("marshal override metadata: %w", err)
	}
	task.Metadata = string(raw)

	return e.apply(task, store.StateDone, ActionOverride, actor, reason)
}

// Approve records a gate approval and, when the task is waiting in APPROVAL,
// completes it. The bool reports whether this call recorded the approval
// (false = the gate was already approved).
func (e *Engine) Approve(taskID, gateType, approvedBy, notes string) (bool, error) {
	task, err := e.store.GetGovTask(taskID)
	if err != nil {
		return false, err
	}
	if task == nil {
		return false, ErrNotFound
	}
	if task.Gate == store.GateNone || task.Gate != gateType {
		return false, fmt.Errorf("%w: task gate %q, approval %q", ErrGateMismatch, task.Gate, gateType)
	}

	recorded, err := e.store.InsertApproval(&store.GovApproval{
		TaskID:     taskID,
		GateType:   gateType,
		ApprovedBy: approvedBy,
		Notes:      notes,
	})
	if err != nil {
		return false, err
	}
	e.approvals.Resolve(taskID, gateType, true)

	if task.State == store.StateApproval {
		if _, err := e.apply(task, store.StateDone, ActionApprove, approvedBy, notes); err != nil {
			return recorded, err
		}
	}
	return recorded, nil
}

// Deny resolves a pending gate wait negatively and audits the decision. The
// task stays in its current state for rework or override.
func (e *Engine) Deny(taskID, gateType, actor, reason string) error {
	task, err := e.store.GetGovTask(taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrNotFound
	}
	e.approvals.Resolve(taskID, gateType, false)
	return e.store.AppendActivity(&store.GovActivity{
		TaskID: taskID,
		Action: ActionDeny,
		Actor:  actor,
		Reason: reason,
	})
}

// WaitApproval blocks until the gate is approved or denied, or ctx expires.
func (e *Engine) WaitApproval(ctx context.Context, taskID, gateType string) (bool, error) {
	return e.approvals.Wait(ctx, taskID, gateType)
}

// OnWorkerCompletion moves a DOING task to REVIEW on the worker's callback,
// recording the execution summary as an activity.
func (e *Engine) OnWorkerCompletion(report fleet.CompletionReport) error {
	task, err := e.store.GetGovTask(report.TaskID)
	if err != nil {
		return err
	}
	if task == nil {
		return ErrNotFound
	}
	if task.State != store.StateDoing {
		return fmt.Errorf("%w: completion for task in %s", ErrInvalidTransition, task.State)
	}

	if report.Summary != "" {
		if err := e.store.AppendActivity(&store.GovActivity{
			TaskID: task.ID,
			Action: ActionExecutionSummary,
			Actor:  "worker",
			Reason: report.Summary,
		}); err != nil {
			return err
		}
	}
	_, err = e.apply(task, store.StateReview, ActionTransition, "worker", report.Status)
	return err
}

// apply performs the CAS write plus audit entry and event.
func (e *Engine) apply(task *store.GovTask, to, action, actor, reason string) (*store.GovTask, error) {
	from := task.State
	task.State = to
	if err := e.store.UpdateGovTask(task, task.Version); err != nil {
		return nil, err
	}
	if err := e.store.AppendActivity(&store.GovActivity{
		TaskID:    task.ID,
		Action:    action,
		FromState: from,
		ToState:   to,
		Actor:     actor,
		Reason:    reason,
	}); err != nil {
		e.logger.Warn("activity append failed", "task", task.ID, "error", err)
	}
	e.hub.Publish("gov:transition", map[string]any{
		"task": task.ID, "from": from, "to": to, "action": action, "actor": actor,
	})
	e.logger.Info("governed task transitioned", "task", task.ID, "from", from, "to", to, "actor", actor)
	return task, nil
}
