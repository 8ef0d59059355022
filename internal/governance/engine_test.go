package governance

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/events"
	"github.com/nanoclaw/nanoclaw/internal/fleet"
	"github.com/nanoclaw/nanoclaw/internal/memory"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

type fakeFleet struct {
	st    *store.Store
	calls []fleet.DispatchPayload
	err   error
}

func (f *fakeFleet) Dispatch(ctx context.Context, key string, p fleet.DispatchPayload) (*store.Worker, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.calls = append(f.calls, p)
	_ = f.st.SetDispatchStatus(key, store.DispatchSent, "w1")
	return &store.Worker{ID: "w1"}, nil
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *fakeFleet) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "gov.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	hub := events.NewHub(config.EventsConfig{}, logger)
	t.Cleanup(func() { hub.Close() })

	mem := memory.NewBroker(st, "main", logger)
	ff := &fakeFleet{st: st}
	cfg := config.GovernanceConfig{TickIntervalMs: 60000, GroupWIPLimit: 3, ActivityWindow: 20}
	e := NewEngine(st, cfg, mem, ff, hub, t.TempDir(), logger)
	return e, st, ff
}

func mustCreateGov(t *testing.T, st *store.Store, task *store.GovTask) {
	t.Helper()
	if err := st.CreateGovTask(task); err != nil {
		t.Fatalf("create gov task: %v", err)
	}
}

func TestTransitionInboxToReadyRequiresGroup(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{ID: "g1", Title: "ship feature"})

	if _, err := e.Transition("g1", store.StateReady, "founder", ""); !errors.Is(err, ErrMissingGroup) {
		t.Fatalf("err = %v", err)
	}

	task, _ := st.GetGovTask("g1")
	task.AssignedGroup = "dev"
	if err := st.UpdateGovTask(task, task.Version); err != nil {
		t.Fatalf("assign group: %v", err)
	}

	got, err := e.Transition("g1", store.StateReady, "founder", "triage")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.State != store.StateReady || got.Version != task.Version+1 {
		t.Fatalf("task = %+v", got)
	}

	acts, _ := st.ListActivities("g1", 10)
	if len(acts) == 0 || acts[0].Action != ActionTransition || acts[0].ToState != store.StateReady {
		t.Fatalf("activities = %+v", acts)
	}
}

func TestTransitionRejectsInvalidEdge(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{ID: "g1", Title: "t", AssignedGroup: "dev"})

	if _, err := e.Transition("g1", store.StateDoing, "founder", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v", err)
	}
	if _, err := e.Transition("missing", store.StateReady, "founder", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v", err)
	}
}

func TestTickDispatchesReadyTask(t *testing.T) {
	e, st, ff := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "build thing", Description: "details",
		State: store.StateReady, AssignedGroup: "dev",
	})

	e.Tick(context.Background())

	if len(ff.calls) != 1 || ff.calls[0].TaskID != "g1" || ff.calls[0].GroupFolder != "dev" {
		t.Fatalf("calls = %+v", ff.calls)
	}

	task, _ := st.GetGovTask("g1")
	if task.State != store.StateDoing {
		t.Fatalf("state = %s", task.State)
	}

	key := store.DispatchKey("g1", store.StateReady, store.StateDoing, 1)
	disp, _ := st.GetDispatch(key)
	if disp == nil || disp.Status != store.DispatchSent {
		t.Fatalf("dispatch = %+v", disp)
	}

	// Context pack was delivered into the group's IPC root before dispatch.
	data, err := os.ReadFile(filepath.Join(e.ipcRoot, "dev", ContextPackFile))
	if err != nil {
		t.Fatalf("context pack: %v", err)
	}
	var pack ContextPack
	if err := json.Unmarshal(data, &pack); err != nil {
		t.Fatalf("unmarshal pack: %v", err)
	}
	if pack.Task.ID != "g1" {
		t.Fatalf("pack task = %s", pack.Task.ID)
	}
}

func TestDispatchIsAtMostOncePerVersion(t *testing.T) {
	e, st, ff := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateReady, AssignedGroup: "dev",
	})

	// Two ticks race over the same READY snapshot. The second claim loses on
	// the unique dispatch_key and proceeds without dispatching.
	task, _ := st.GetGovTask("g1")
	copy1, copy2 := *task, *task
	e.dispatchReady(context.Background(), &copy1)
	e.dispatchReady(context.Background(), &copy2)

	if len(ff.calls) != 1 {
		t.Fatalf("dispatched %d times", len(ff.calls))
	}
	rows, _ := st.ListDispatches("g1", "")
	if len(rows) != 1 {
		t.Fatalf("dispatch rows = %d", len(rows))
	}
}

func TestFailedDispatchRetriesNextTick(t *testing.T) {
	e, st, ff := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateReady, AssignedGroup: "dev",
	})

	ff.err = fleet.ErrTunnelDown
	e.Tick(context.Background())

	task, _ := st.GetGovTask("g1")
	if task.State != store.StateReady {
		t.Fatalf("state after failed dispatch = %s", task.State)
	}
	key := store.DispatchKey("g1", store.StateReady, store.StateDoing, 1)
	disp, _ := st.GetDispatch(key)
	if disp == nil || disp.Status != store.DispatchFailed {
		t.Fatalf("dispatch = %+v", disp)
	}

	ff.err = nil
	e.Tick(context.Background())
	if len(ff.calls) != 1 {
		t.Fatalf("calls = %d", len(ff.calls))
	}
	task, _ = st.GetGovTask("g1")
	if task.State != store.StateDoing {
		t.Fatalf("state after retry = %s", task.State)
	}
}

func TestNoCapacityDispatchRetriesThroughQueue(t *testing.T) {
	e, st, ff := newTestEngine(t)
	q := fleet.NewGroupQueue(10, slog.New(slog.NewTextHandler(io.Discard, nil)))
	e.UseRetryQueue(q)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateReady, AssignedGroup: "dev",
	})

	ff.err = fleet.ErrNoCapacity
	e.Tick(context.Background())

	if q.Depth("dev") != 1 {
		t.Fatalf("queue depth = %d", q.Depth("dev"))
	}
	task, _ := st.GetGovTask("g1")
	if task.State != store.StateReady {
		t.Fatalf("state after no-capacity dispatch = %s", task.State)
	}

	// A worker frees up; the queued retry completes the dispatch without
	// waiting for the next tick.
	ff.err = nil
	q.Step(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for {
		task, _ = st.GetGovTask("g1")
		if task != nil && task.State == store.StateDoing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("queued retry never dispatched: state = %s", task.State)
		}
		time.Sleep(10 * time.Millisecond)
	}

	key := store.DispatchKey("g1", store.StateReady, store.StateDoing, 1)
	disp, _ := st.GetDispatch(key)
	if disp == nil || disp.Status != store.DispatchSent {
		t.Fatalf("dispatch = %+v", disp)
	}
}

func TestProductGatingDefersDispatch(t *testing.T) {
	e, st, ff := newTestEngine(t)
	if err := st.UpsertProduct(&store.Product{ID: "p1", Name: "Widget", Status: "paused"}); err != nil {
		t.Fatalf("product: %v", err)
	}
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateReady, AssignedGroup: "dev",
		Scope: store.ScopeProduct, ProductID: "p1",
	})

	e.Tick(context.Background())
	e.Tick(context.Background())

	if len(ff.calls) != 0 {
		t.Fatalf("dispatched while product paused: %+v", ff.calls)
	}
	deferred, _ := st.ActivitiesByAction("g1", ActionDeferred, 10)
	if len(deferred) != 1 {
		t.Fatalf("deferral activities = %d", len(deferred))
	}

	if err := st.SetProductStatus("p1", "active"); err != nil {
		t.Fatalf("resume: %v", err)
	}
	e.Tick(context.Background())
	if len(ff.calls) != 1 {
		t.Fatalf("calls after resume = %d", len(ff.calls))
	}
}

func TestGroupWIPLimitDefersDispatch(t *testing.T) {
	e, st, ff := newTestEngine(t)
	e.cfg.GroupWIPLimit = 1
	mustCreateGov(t, st, &store.GovTask{
		ID: "busy", Title: "t", State: store.StateDoing, AssignedGroup: "dev",
	})
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateReady, AssignedGroup: "dev",
	})

	e.Tick(context.Background())
	if len(ff.calls) != 0 {
		t.Fatalf("dispatched past WIP limit: %+v", ff.calls)
	}

	// Other groups are unaffected.
	mustCreateGov(t, st, &store.GovTask{
		ID: "g2", Title: "t", State: store.StateReady, AssignedGroup: "ops",
	})
	e.Tick(context.Background())
	if len(ff.calls) != 1 || ff.calls[0].TaskID != "g2" {
		t.Fatalf("calls = %+v", ff.calls)
	}
}

func TestReviewRoutesByGate(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "plain", Title: "t", State: store.StateReview, AssignedGroup: "dev",
	})
	mustCreateGov(t, st, &store.GovTask{
		ID: "gated", Title: "t", State: store.StateReview, AssignedGroup: "dev", Gate: "Security",
	})

	e.Tick(context.Background())

	plain, _ := st.GetGovTask("plain")
	gated, _ := st.GetGovTask("gated")
	if plain.State != store.StateDone {
		t.Fatalf("ungated state = %s", plain.State)
	}
	if gated.State != store.StateApproval {
		t.Fatalf("gated state = %s", gated.State)
	}
}

func TestApproveCompletesGatedTask(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateApproval, AssignedGroup: "dev", Gate: "Security",
	})

	// Completing without an approval is refused.
	if _, err := e.Transition("g1", store.StateDone, "founder", ""); !errors.Is(err, ErrApprovalRequired) {
		t.Fatalf("err = %v", err)
	}

	recorded, err := e.Approve("g1", "Security", "secops", "reviewed")
	if err != nil || !recorded {
		t.Fatalf("approve: recorded=%v err=%v", recorded, err)
	}
	task, _ := st.GetGovTask("g1")
	if task.State != store.StateDone {
		t.Fatalf("state = %s", task.State)
	}

	// The (task, gate) pair is unique; a second approve is a no-op.
	recorded, err = e.Approve("g1", "Security", "secops", "again")
	if err != nil || recorded {
		t.Fatalf("second approve: recorded=%v err=%v", recorded, err)
	}

	if _, err := e.Approve("g1", "Legal", "counsel", ""); !errors.Is(err, ErrGateMismatch) {
		t.Fatalf("mismatched gate err = %v", err)
	}
}

func TestFounderOverrideWritesMetadata(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateApproval, AssignedGroup: "dev",
		Gate: "Security", Metadata: `{"origin":"roadmap"}`,
	})

	got, err := e.Override("g1", "founder", "ship it")
	if err != nil {
		t.Fatalf("override: %v", err)
	}
	if got.State != store.StateDone {
		t.Fatalf("state = %s", got.State)
	}

	var meta map[string]any
	if err := json.Unmarshal([]byte(got.Metadata), &meta); err != nil {
		t.Fatalf("metadata: %v", err)
	}
	if meta["origin"] != "roadmap" {
		t.Fatal("existing metadata lost")
	}
	ov, ok := meta["override"].(map[string]any)
	if !ok || ov["by"] != "founder" || ov["from"] != store.StateApproval {
		t.Fatalf("override metadata = %+v", meta["override"])
	}

	acts, _ := st.ActivitiesByAction("g1", ActionOverride, 5)
	if len(acts) != 1 || acts[0].Actor != "founder" {
		t.Fatalf("override activities = %+v", acts)
	}

	if _, err := e.Override("g1", "founder", "again"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("override from DONE err = %v", err)
	}
}

func TestWorkerCompletionMovesDoingToReview(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateDoing, AssignedGroup: "dev",
	})

	err := e.OnWorkerCompletion(fleet.CompletionReport{
		TaskID: "g1", GroupFolder: "dev", Status: "completed",
		Summary: "implemented and tested",
	})
	if err != nil {
		t.Fatalf("completion: %v", err)
	}

	task, _ := st.GetGovTask("g1")
	if task.State != store.StateReview {
		t.Fatalf("state = %s", task.State)
	}
	sums, _ := st.ActivitiesByAction("g1", ActionExecutionSummary, 5)
	if len(sums) != 1 || !strings.Contains(sums[0].Reason, "implemented") {
		t.Fatalf("summaries = %+v", sums)
	}

	// A second callback for the same task is rejected.
	if err := e.OnWorkerCompletion(fleet.CompletionReport{TaskID: "g1"}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second completion err = %v", err)
	}
}

func TestContextPackWithholdsL3FromNonMain(t *testing.T) {
	e, st, _ := newTestEngine(t)

	mem := memory.NewBroker(st, "main", slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := mem.Store(memory.StoreRequest{
		Content: "deploy checklist for widget", CallerGroup: "main", Level: store.LevelL1,
	}); err != nil {
		t.Fatalf("store L1: %v", err)
	}
	if _, err := mem.Store(memory.StoreRequest{
		Content: "widget signing key location", CallerGroup: "main", Level: store.LevelL3,
	}); err != nil {
		t.Fatalf("store L3: %v", err)
	}

	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "widget", State: store.StateReady, AssignedGroup: "dev",
	})
	task, _ := st.GetGovTask("g1")

	pack, err := e.BuildContextPack(task)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	for _, m := range pack.Memories {
		if m.Level == store.LevelL3 {
			t.Fatalf("L3 memory leaked to non-main group: %s", m.ID)
		}
	}
	if len(pack.Memories) != 1 {
		t.Fatalf("memories = %d", len(pack.Memories))
	}
}

func TestApprovalWaiter(t *testing.T) {
	e, st, _ := newTestEngine(t)
	mustCreateGov(t, st, &store.GovTask{
		ID: "g1", Title: "t", State: store.StateApproval, AssignedGroup: "dev", Gate: "Security",
	})

	done := make(chan bool, 1)
	go func() {
		approved, err := e.WaitApproval(context.Background(), "g1", "Security")
		if err != nil {
			t.Errorf("wait: %v", err)
		}
		done <- approved
	}()

	// Give the waiter a moment to register, then approve.
	time.Sleep(10 * time.Millisecond)
	if _, err := e.Approve("g1", "Security", "secops", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved := <-done; !approved {
		t.Fatal("waiter saw denial")
	}

	// Deny resolves a waiter negatively and leaves state untouched.
	mustCreateGov(t, st, &store.GovTask{
		ID: "g2", Title: "t", State: store.StateApproval, AssignedGroup: "dev", Gate: "Security",
	})
	e.approvals.Resolve("g2", "Security", false)
	approved, err := e.WaitApproval(context.Background(), "g2", "Security")
	if err != nil || approved {
		t.Fatalf("deny wait: approved=%v err=%v", approved, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := e.WaitApproval(ctx, "g2", "Security"); err == nil {
		t.Fatal("expired wait returned no error")
	}
}
