package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"time"
)

// Snapshot file names the agent reads from its group root.
const (
	SnapshotTasks        = "current_tasks.json"
	SnapshotGovPipeline  = "gov_pipeline.json"
	SnapshotCapabilities = "ext_capabilities.json"
)

// SnapshotSource produces the snapshot payloads. The host wires the scheduler
// and governance stores in here.
type SnapshotSource interface {
	CurrentTasks(group string) (any, error)
	GovPipeline(group string) (any, error)
	ExtCapabilities(group string) (any, error)
}

// SnapshotWriter periodically refreshes the per-group snapshot files via
// atomic rename.
type SnapshotWriter struct {
	root     string
	source   SnapshotSource
	interval time.Duration
	logger   *slog.Logger

	// Groups lists the group folders to refresh. The host keeps it current.
	Groups func() []string
}

// NewSnapshotWriter builds the snapshot janitor.
func NewSnapshotWriter(root string, source SnapshotSource, interval time.Duration, logger *slog.Logger) *SnapshotWriter {
	return &SnapshotWriter{root: root, source: source, interval: interval, logger: logger}
}

// Run refreshes snapshots on the interval until ctx is cancelled.
func (w *SnapshotWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		w.RefreshAll()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RefreshAll rewrites every group's snapshot files once.
func (w *SnapshotWriter) RefreshAll() {
	if w.Groups == nil {
		return
	}
	for _, group := range w.Groups() {
		w.refreshGroup(group)
	}
}

func (w *SnapshotWriter) refreshGroup(group string) {
	dirs := GroupDirs(w.root, group)
	if err := dirs.Ensure(); err != nil {
		w.logger.Warn("snapshot dir setup failed", "group", group, "error", err)
		return
	}

	write := func(name string, produce func(string) (any, error)) {
		payload, err := produce(group)
		if err != nil {
			w.logger.Warn("snapshot build failed", "group", group, "file", name, "error", err)
			return
		}
		data, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			w.logger.Warn("snapshot marshal failed", "group", group, "file", name, "error", err)
			return
		}
		if err := WriteAtomic(filepath.Join(dirs.Root, name), data); err != nil {
			w.logger.Warn("snapshot write failed", "group", group, "file", name, "error", err)
		}
	}

	write(SnapshotTasks, w.source.CurrentTasks)
	write(SnapshotGovPipeline, w.source.GovPipeline)
	write(SnapshotCapabilities, w.source.ExtCapabilities)
}
