package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanoclaw/nanoclaw/internal/agent"
	"github.com/nanoclaw/nanoclaw/internal/bus"
	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/events"
	"github.com/nanoclaw/nanoclaw/internal/extcall"
	"github.com/nanoclaw/nanoclaw/internal/fleet"
	"github.com/nanoclaw/nanoclaw/internal/governance"
	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/limits"
	"github.com/nanoclaw/nanoclaw/internal/memory"
	"github.com/nanoclaw/nanoclaw/internal/opsapi"
	"github.com/nanoclaw/nanoclaw/internal/router"
	"github.com/nanoclaw/nanoclaw/internal/scheduler"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/workerauth"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the host: router, scheduler, governance, IPC broker, ops API",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	printHeader("NanoClaw Host")

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	lockPath := cfg.Scheduler.LockPath
	if lockPath == "" {
		lockPath = filepath.Join(cfg.Data.Dir, "scheduler.lock")
	}
	pidLock := scheduler.NewPIDLock(lockPath)
	held, err := pidLock.TryLock()
	if err != nil {
		return fmt.Errorf("scheduler lock: %w", err)
	}
	if !held {
		return fmt.Errorf("another host instance holds %s", lockPath)
	}
	defer pidLock.Unlock()

	st, err := store.New(cfg.Data.DBPath())
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	tz := time.Local
	if cfg.Data.Timezone != "" {
		if loc, tzErr := time.LoadLocation(cfg.Data.Timezone); tzErr == nil {
			tz = loc
		} else {
			logger.Warn("invalid timezone, using local", "tz", cfg.Data.Timezone, "error", tzErr)
		}
	}

	ipcRoot := cfg.Data.IPCRoot()
	mainDirs := ipc.GroupDirs(ipcRoot, cfg.Assistant.MainGroup)
	if err := mainDirs.Ensure(); err != nil {
		return fmt.Errorf("ipc setup: %w", err)
	}
	if _, err := ipc.EnsureSecret(mainDirs.Root); err != nil {
		return fmt.Errorf("ipc secret: %w", err)
	}

	hub := events.NewHub(cfg.Events, logger)
	defer hub.Close()

	msgBus := bus.NewMessageBus()
	agentLock := &agent.Lock{}
	// Deployments inject a model-backed runner; the scripted default echoes
	// prompts so the routing and scheduling paths stay observable without one.
	var runner agent.Runner = &agent.ScriptedRunner{}
	runner = agent.WithTimeouts(runner, cfg.Agent.ContainerTimeout(), cfg.Agent.IdleTimeout())

	rtr := router.New(st, msgBus, agentLock, runner, cfg.Assistant.Name, logger)
	sched := scheduler.New(st, cfg.Scheduler, tz, agentLock, runner, logger)

	limEng := limits.NewEngine(cfg.Limits, st, logger)
	verifier := workerauth.NewVerifier(st, cfg.Worker.NonceTTL(), logger)
	dispatcher := fleet.NewDispatcher(st, cfg.Worker, hub, logger)
	mem := memory.NewBroker(st, cfg.Assistant.MainGroup, logger)
	gov := governance.NewEngine(st, cfg.Governance, mem, dispatcher, hub, ipcRoot, logger)
	dispatchQueue := fleet.NewGroupQueue(cfg.Worker.DispatchQueueCapacity, logger)
	gov.UseRetryQueue(dispatchQueue)
	ext := extcall.NewRegistry(limEng, logger)

	broker := ipc.NewBroker(ipcRoot, cfg.Assistant.MainGroup, cfg.IPC.PollInterval(), logger)
	broker.RegisterGroupOps()
	memory.RegisterIPC(broker, mem, limEng)
	scheduler.RegisterIPC(broker, sched)
	extcall.RegisterIPC(broker, ext)
	broker.OnOutbound = func(msg ipc.OutboundChat) {
		msgBus.PublishOutbound(&bus.OutboundMessage{ChatJID: msg.ChatJID, Content: msg.Content})
	}

	snap := ipc.NewSnapshotWriter(ipcRoot, &snapshotSource{st: st, ext: ext, main: cfg.Assistant.MainGroup}, cfg.Scheduler.PollInterval(), logger)
	snap.Groups = func() []string {
		entries, err := os.ReadDir(ipcRoot)
		if err != nil {
			return nil
		}
		var groups []string
		for _, e := range entries {
			if e.IsDir() {
				groups = append(groups, e.Name())
			}
		}
		return groups
	}

	opsSrv := opsapi.NewServer(st, cfg.Ops, limEng, gov, dispatcher, hub, verifier, cfg.Worker, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	run := func(name string, fn func(context.Context) error) {
		go func() {
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("component stopped", "component", name, "error", err)
			}
		}()
	}
	run("bus", msgBus.DispatchOutbound)
	run("router", func(ctx context.Context) error { return rtr.Run(ctx, cfg.Router.PollInterval()) })
	run("scheduler", sched.Run)
	run("ipc", broker.Run)
	run("snapshots", snap.Run)
	run("governance", gov.Run)
	run("dispatch-queue", dispatchQueue.Run)
	run("ops", opsSrv.Run)
	run("fleet-health", dispatcher.RunHealthLoop)
	go verifier.RunJanitor(ctx, cfg.Worker.NonceCleanupInterval(), cfg.Worker.NonceCap)

	workers, err := st.ListWorkers()
	if err != nil {
		logger.Warn("worker list unavailable", "error", err)
	}
	for _, w := range workers {
		t := fleet.NewTunnel(w, cfg.Worker.TunnelAutoRestart, logger)
		go t.Run(ctx)
	}

	logger.Info("host started",
		"assistant", cfg.Assistant.Name,
		"data", cfg.Data.Dir,
		"ops", fmt.Sprintf("%s:%d", cfg.Ops.Host, cfg.Ops.Port),
		"workers", len(workers))
	fmt.Println("Host running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	fmt.Println("Shutting down...")
	// A running agent gets a bounded drain before the loops stop; worker
	// callbacks keep landing on the ops server until then.
	if !drainAgent(agentLock, cfg.Agent.ContainerTimeout()) {
		logger.Warn("agent still running at shutdown deadline", "timeout", cfg.Agent.ContainerTimeout())
	}
	cancel()
	return nil
}

// drainAgent waits for the in-flight agent run to finish by taking the lock
// itself, which also keeps new runs from starting mid-shutdown. False when
// the bound elapses first.
func drainAgent(lock *agent.Lock, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for !lock.TryAcquire() {
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(200 * time.Millisecond)
	}
	return true
}

// snapshotSource feeds the per-group snapshot files from the store. Non-main
// groups see only their own rows.
type snapshotSource struct {
	st   *store.Store
	ext  *extcall.Registry
	main string
}

// taskSnapshot is the agent-facing shape of one current_tasks.json entry.
type taskSnapshot struct {
	ID            string     `json:"id"`
	ChatJID       string     `json:"chatJid"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run"`
}

// CurrentTasks emits a bare list, not an envelope; agents index it directly.
func (s *snapshotSource) CurrentTasks(group string) (any, error) {
	tasks, err := s.st.ListTasks()
	if err != nil {
		return nil, err
	}
	out := make([]taskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		if group != s.main && t.GroupFolder != group {
			continue
		}
		out = append(out, taskSnapshot{
			ID:            t.TaskID,
			ChatJID:       t.ChatJID,
			Prompt:        t.Prompt,
			ScheduleType:  t.ScheduleType,
			ScheduleValue: t.ScheduleValue,
			Status:        t.Status,
			NextRun:       t.NextRun,
		})
	}
	return out, nil
}

func (s *snapshotSource) GovPipeline(group string) (any, error) {
	items, err := s.st.ListGovTasks(store.GovTaskFilter{})
	if err != nil {
		return nil, err
	}
	if group != s.main {
		visible := make([]store.GovTask, 0, len(items))
		for _, t := range items {
			if t.AssignedGroup == group {
				visible = append(visible, t)
			}
		}
		items = visible
	}
	return map[string]any{"generatedAt": time.Now().UTC(), "tasks": items}, nil
}

func (s *snapshotSource) ExtCapabilities(group string) (any, error) {
	return map[string]any{"providers": s.ext.Capabilities()}, nil
}
