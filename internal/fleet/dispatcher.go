// Package fleet dispatches governed work to remote worker nodes over
// loopback SSH tunnels: round-robin selection, HMAC-signed HTTP dispatch, WIP
// accounting, health probing, and a per-group retry queue.
package fleet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/events"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/workerauth"
)

// Dispatch failure modes.
var (
	ErrNoCapacity = errors.New("no_capacity")
	ErrTunnelDown = errors.New("tunnel_down")
	ErrHTTP       = errors.New("http_error")
)

// rrCursorKey persists the round-robin position across restarts.
const rrCursorKey = "fleet_rr_cursor"

// DispatchPayload is the body posted to a worker.
type DispatchPayload struct {
	TaskID      string          `json:"taskId"`
	GroupFolder string          `json:"groupFolder"`
	DispatchKey string          `json:"dispatchKey"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	ContextPack json.RawMessage `json:"contextPack,omitempty"`
}

// CompletionReport is the worker's callback body.
type CompletionReport struct {
	TaskID      string `json:"taskId"`
	GroupFolder string `json:"groupFolder"`
	DispatchKey string `json:"dispatchKey"`
	Status      string `json:"status"` // completed, failed
	Summary     string `json:"summary,omitempty"`
}

// Dispatcher selects workers and posts work to them.
type Dispatcher struct {
	store  *store.Store
	cfg    config.WorkerConfig
	hub    *events.Hub
	logger *slog.Logger
	client *http.Client
}

// NewDispatcher builds a dispatcher over the shared store.
func NewDispatcher(st *store.Store, cfg config.WorkerConfig, hub *events.Hub, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		store:  st,
		cfg:    cfg,
		hub:    hub,
		logger: logger,
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// SelectWorker picks the next eligible worker for the group: online, spare
// WIP, and the group in groups_served. Empty groups_served never matches.
// Selection is round-robin across the eligible set, cursor persisted in
// settings.
func (d *Dispatcher) SelectWorker(group string) (*store.Worker, error) {
	workers, err := d.store.ListWorkers()
	if err != nil {
		return nil, err
	}

	var eligible []store.Worker
	for _, w := range workers {
		if w.Status != store.WorkerOnline || w.CurrentWIP >= w.MaxWIP {
			continue
		}
		if !servesGroup(w.GroupsServed, group) {
			continue
		}
		eligible = append(eligible, w)
	}
	if len(eligible) == 0 {
		return nil, ErrNoCapacity
	}

	cursorRaw, err := d.store.GetSetting(rrCursorKey)
	if err != nil {
		return nil, err
	}
	cursor, _ := strconv.Atoi(cursorRaw)
	pick := eligible[cursor%len(eligible)]
	if err := d.store.SetSetting(rrCursorKey, strconv.Itoa(cursor+1)); err != nil {
		return nil, err
	}
	return &pick, nil
}

// servesGroup is deny-by-default: a nil or empty list serves nothing.
func servesGroup(served []string, group string) bool {
	for _, g := range served {
		if g == group {
			return true
		}
	}
	return false
}

// Dispatch selects a worker and posts the payload through its tunnel. On
// HTTP 200 the worker's WIP increments and the dispatch row moves to SENT.
func (d *Dispatcher) Dispatch(ctx context.Context, dispatchKey string, payload DispatchPayload) (*store.Worker, error) {
	worker, err := d.SelectWorker(payload.GroupFolder)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch: %w", err)
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/worker/dispatch", worker.LocalPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	secret := worker.SharedSecret
	if secret == "" {
		secret = d.cfg.SharedSecret
	}
	workerauth.Sign(req, secret, body)

	resp, err := d.client.Do(req)
	if err != nil {
		d.logger.Warn("worker dispatch transport failed", "worker", worker.ID, "error", err)
		return worker, fmt.Errorf("%w: %v", ErrTunnelDown, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return worker, fmt.Errorf("%w: worker %s returned %d", ErrHTTP, worker.ID, resp.StatusCode)
	}

	claimed, err := d.store.IncrementWorkerWIP(worker.ID)
	if err != nil {
		return worker, err
	}
	if !claimed {
		// Raced to the worker's last slot; the worker accepted, so count it
		// against the dispatch row anyway and let the callback release it.
		d.logger.Warn("worker accepted past WIP bound", "worker", worker.ID)
	}
	if err := d.store.SetDispatchStatus(dispatchKey, store.DispatchSent, worker.ID); err != nil {
		return worker, err
	}

	d.hub.Publish("fleet:dispatched", map[string]any{"worker": worker.ID, "task": payload.TaskID})
	d.logger.Info("dispatched to worker", "worker", worker.ID, "task", payload.TaskID, "group", payload.GroupFolder)
	return worker, nil
}

// Complete applies a worker completion callback: dispatch status moves to
// COMPLETED or FAILED and the worker's WIP is released.
func (d *Dispatcher) Complete(report CompletionReport) error {
	disp, err := d.store.GetDispatch(report.DispatchKey)
	if err != nil {
		return err
	}
	if disp == nil {
		return fmt.Errorf("unknown dispatch key: %s", report.DispatchKey)
	}

	status := store.DispatchCompleted
	if report.Status == "failed" {
		status = store.DispatchFailed
	}
	if err := d.store.SetDispatchStatus(report.DispatchKey, status, disp.WorkerID); err != nil {
		return err
	}
	if disp.WorkerID != "" {
		if err := d.store.DecrementWorkerWIP(disp.WorkerID); err != nil {
			d.logger.Warn("WIP decrement failed", "worker", disp.WorkerID, "error", err)
		}
	}

	d.hub.Publish("fleet:completed", map[string]any{"task": report.TaskID, "status": status})
	return nil
}
