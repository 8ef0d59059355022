package cmd

import (
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/agent"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/extcall"
	"github.com/nanoclaw/nanoclaw/internal/limits"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

func newSnapshotSource(t *testing.T) (*snapshotSource, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "host.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ext := extcall.NewRegistry(limits.NewEngine(config.LimitsConfig{}, st, logger), logger)
	return &snapshotSource{st: st, ext: ext, main: "main"}, st
}

func TestCurrentTasksSnapshotIsBareList(t *testing.T) {
	src, st := newSnapshotSource(t)

	next := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := st.CreateTask(&store.Task{
		TaskID: "t1", ChatJID: "c1@g.us", GroupFolder: "dev", Prompt: "check builds",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "60000", NextRun: &next,
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateTask(&store.Task{
		TaskID: "t2", ChatJID: "c2@g.us", GroupFolder: "ops", Prompt: "rotate logs",
		ScheduleType: store.ScheduleCron, ScheduleValue: "0 9 * * *",
	}); err != nil {
		t.Fatalf("create: %v", err)
	}

	v, err := src.CurrentTasks("dev")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	data, _ := json.Marshal(v)
	var list []map[string]any
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("not a bare list: %s", data)
	}
	if len(list) != 1 {
		t.Fatalf("dev sees %d tasks", len(list))
	}
	entry := list[0]
	for _, key := range []string{"id", "chatJid", "prompt", "schedule_type", "schedule_value", "status", "next_run"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing %q in %s", key, data)
		}
	}
	if entry["id"] != "t1" || entry["chatJid"] != "c1@g.us" || entry["status"] != store.TaskActive {
		t.Fatalf("entry = %v", entry)
	}

	// The main group sees every group's tasks.
	v, err = src.CurrentTasks("main")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	data, _ = json.Marshal(v)
	if err := json.Unmarshal(data, &list); err != nil || len(list) != 2 {
		t.Fatalf("main list = %s err = %v", data, err)
	}
}

func TestGovPipelineSnapshotEnvelope(t *testing.T) {
	src, st := newSnapshotSource(t)

	if err := st.CreateGovTask(&store.GovTask{ID: "g1", Title: "a", State: store.StateReady, AssignedGroup: "dev"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := st.CreateGovTask(&store.GovTask{ID: "g2", Title: "b", State: store.StateInbox, AssignedGroup: "ops"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	v, err := src.GovPipeline("dev")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	data, _ := json.Marshal(v)
	var envelope struct {
		GeneratedAt time.Time       `json:"generatedAt"`
		Tasks       []store.GovTask `json:"tasks"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if envelope.GeneratedAt.IsZero() {
		t.Fatalf("generatedAt missing in %s", data)
	}
	if len(envelope.Tasks) != 1 || envelope.Tasks[0].ID != "g1" {
		t.Fatalf("tasks = %+v", envelope.Tasks)
	}
}

func TestDrainAgentWaitsForRelease(t *testing.T) {
	lock := &agent.Lock{}
	lock.TryAcquire()
	go func() {
		time.Sleep(300 * time.Millisecond)
		lock.Release()
	}()

	if !drainAgent(lock, 5*time.Second) {
		t.Fatal("drain timed out despite release")
	}
	// The drain keeps the lock so no new run starts mid-shutdown.
	if lock.TryAcquire() {
		t.Fatal("lock free after drain")
	}
}

func TestDrainAgentGivesUpAtDeadline(t *testing.T) {
	lock := &agent.Lock{}
	lock.TryAcquire()
	if drainAgent(lock, 100*time.Millisecond) {
		t.Fatal("drain reported success while the agent held the lock")
	}
}
