package governance

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/fleet"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Run ticks the governance loop until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	interval := e.cfg.TickInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info("governance loop started", "tick", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every task with pending automatic work: READY tasks are
// dispatched to the fleet, REVIEW tasks advance to APPROVAL or DONE per their
// gate. Exported so tests and the CLI drive ticks manually.
func (e *Engine) Tick(ctx context.Context) {
	ready, err := e.store.ListGovTasks(store.GovTaskFilter{State: store.StateReady})
	if err != nil {
		e.logger.Error("governance tick cannot list READY tasks", "error", err)
		return
	}
	for i := range ready {
		if err := e.dispatchReady(ctx, &ready[i]); errors.Is(err, fleet.ErrNoCapacity) {
			e.queueRetry(ready[i].ID, ready[i].AssignedGroup)
		}
	}

	review, err := e.store.ListGovTasks(store.GovTaskFilter{State: store.StateReview})
	if err != nil {
		e.logger.Error("governance tick cannot list REVIEW tasks", "error", err)
		return
	}
	for i := range review {
		e.routeReview(&review[i])
	}
}

// routeReview advances a reviewed task: gated tasks move to APPROVAL, ungated
// ones complete.
func (e *Engine) routeReview(task *store.GovTask) {
	to := store.StateDone
	if task.Gate != store.GateNone {
		to = store.StateApproval
	}
	if _, err := e.apply(task, to, ActionTransition, "governance", ""); err != nil {
		// VERSION_CONFLICT means someone else moved it; retry next tick.
		e.logger.Warn("review routing failed", "task", task.ID, "error", err)
	}
}

// dispatchReady claims and dispatches one READY task, honoring product gating
// and the per-group WIP bound. The returned error is the dispatch failure, if
// any; deferrals and lost claims return nil.
func (e *Engine) dispatchReady(ctx context.Context, task *store.GovTask) error {
	group := task.AssignedGroup
	if group == "" || e.dispatcher == nil {
		return nil
	}

	if deferred, err := e.productPaused(task); err != nil {
		e.logger.Error("product gate check failed", "task", task.ID, "error", err)
		return err
	} else if deferred {
		return nil
	}

	if limit := e.cfg.GroupWIPLimit; limit > 0 {
		doing, err := e.store.CountDoingByGroup(group)
		if err != nil {
			e.logger.Error("WIP count failed", "group", group, "error", err)
			return err
		}
		if doing >= limit {
			e.logger.Debug("group at WIP limit, deferring dispatch", "task", task.ID, "group", group, "doing", doing)
			return nil
		}
	}

	key := store.DispatchKey(task.ID, store.StateReady, store.StateDoing, task.Version)
	claimed, err := e.store.ClaimDispatch(&store.GovDispatch{
		TaskID:      task.ID,
		FromState:   store.StateReady,
		ToState:     store.StateDoing,
		DispatchKey: key,
		GroupTarget: group,
	})
	if err != nil {
		e.logger.Error("dispatch claim failed", "task", task.ID, "error", err)
		return err
	}
	if !claimed {
		// Another tick owns this version's dispatch. Retry only if that
		// attempt ended in FAILED.
		existing, err := e.store.GetDispatch(key)
		if err != nil || existing == nil || existing.Status != store.DispatchFailed {
			return nil
		}
	}

	pack, err := e.BuildContextPack(task)
	if err != nil {
		e.logger.Error("context pack build failed", "task", task.ID, "error", err)
		e.markDispatchFailed(key)
		return err
	}
	if err := e.WriteContextPack(group, pack); err != nil {
		e.logger.Error("context pack write failed", "task", task.ID, "group", group, "error", err)
		e.markDispatchFailed(key)
		return err
	}
	rawPack, _ := json.Marshal(pack)

	worker, err := e.dispatcher.Dispatch(ctx, key, fleet.DispatchPayload{
		TaskID:      task.ID,
		GroupFolder: group,
		DispatchKey: key,
		Title:       task.Title,
		Description: task.Description,
		ContextPack: rawPack,
	})
	if err != nil {
		e.logger.Warn("dispatch to fleet failed", "task", task.ID, "error", err)
		e.markDispatchFailed(key)
		return err
	}

	if _, err := e.apply(task, store.StateDoing, ActionDispatch, "governance", "worker "+worker.ID); err != nil {
		// The worker already has the task; the stale version is reconciled by
		// its completion callback.
		e.logger.Warn("task CAS after dispatch failed", "task", task.ID, "error", err)
	}
	return nil
}

// queueRetry hands a no-capacity dispatch to the fleet queue so it re-runs
// ahead of the next tick. The closure re-reads the task; a concurrent
// transition or a won claim makes it a no-op.
func (e *Engine) queueRetry(taskID, group string) {
	if e.queue == nil {
		return
	}
	ok := e.queue.Enqueue(group, func(ctx context.Context) error {
		task, err := e.store.GetGovTask(taskID)
		if err != nil {
			return err
		}
		if task == nil || task.State != store.StateReady {
			return nil
		}
		return e.dispatchReady(ctx, task)
	})
	if !ok {
		e.logger.Warn("dispatch retry queue full", "task", taskID, "group", group)
	}
}

// productPaused reports whether a PRODUCT-scoped task's product is not active.
// The first deferral writes an audit entry; later ticks stay quiet.
func (e *Engine) productPaused(task *store.GovTask) (bool, error) {
	if task.Scope != store.ScopeProduct || task.ProductID == "" {
		return false, nil
	}
	product, err := e.store.GetProduct(task.ProductID)
	if err != nil {
		return false, err
	}
	if product != nil && product.Status == "active" {
		return false, nil
	}

	prior, err := e.store.ActivitiesByAction(task.ID, ActionDeferred, 1)
	if err != nil {
		return true, err
	}
	if len(prior) == 0 {
		if err := e.store.AppendActivity(&store.GovActivity{
			TaskID: task.ID,
			Action: ActionDeferred,
			Actor:  "governance",
			Reason: "product " + task.ProductID + " not active",
		}); err != nil {
			return true, err
		}
	}
	return true, nil
}

func (e *Engine) markDispatchFailed(key string) {
	if err := e.store.SetDispatchStatus(key, store.DispatchFailed, ""); err != nil {
		e.logger.Error("dispatch status update failed", "dispatch_key", key, "error", err)
	}
}
