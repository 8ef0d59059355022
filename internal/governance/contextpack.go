package governance

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/ipc"
	"github.com/nanoclaw/nanoclaw/internal/memory"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// ContextPackFile is the snapshot name written into the group's IPC root
// before dispatch.
const ContextPackFile = "context_pack.json"

// ContextPack is everything a worker group receives about a dispatched task.
// Memory visibility rules apply: L3 memories never reach a non-main group.
type ContextPack struct {
	Task               store.GovTask       `json:"task"`
	Product            *store.Product      `json:"product,omitempty"`
	ExecutionSummaries []store.GovActivity `json:"executionSummaries,omitempty"`
	Evidence           []store.GovActivity `json:"evidence,omitempty"`
	Activities         []store.GovActivity `json:"activities,omitempty"`
	Approvals          []store.GovApproval `json:"approvals,omitempty"`
	Memories           []store.Memory      `json:"memories,omitempty"`
	GeneratedAt        time.Time           `json:"generatedAt"`
}

// BuildContextPack assembles the pack for one task.
func (e *Engine) BuildContextPack(task *store.GovTask) (*ContextPack, error) {
	pack := &ContextPack{Task: *task, GeneratedAt: e.now().UTC()}

	if task.Scope == store.ScopeProduct && task.ProductID != "" {
		product, err := e.store.GetProduct(task.ProductID)
		if err != nil {
			return nil, fmt.Errorf("load product: %w", err)
		}
		pack.Product = product
	}

	var err error
	if pack.ExecutionSummaries, err = e.store.ActivitiesByAction(task.ID, ActionExecutionSummary, 5); err != nil {
		return nil, err
	}
	if pack.Evidence, err = e.store.ActivitiesByAction(task.ID, ActionEvidence, 10); err != nil {
		return nil, err
	}
	if pack.Activities, err = e.store.ListActivities(task.ID, e.cfg.ActivityWindow); err != nil {
		return nil, err
	}
	if pack.Approvals, err = e.store.ListApprovals(task.ID); err != nil {
		return nil, err
	}

	if e.mem != nil && task.AssignedGroup != "" {
		memories, err := e.mem.Recall(memory.RecallRequest{
			Query:       task.Title,
			CallerGroup: task.AssignedGroup,
			ProductID:   task.ProductID,
			Limit:       10,
		})
		if err != nil {
			return nil, fmt.Errorf("recall memories: %w", err)
		}
		pack.Memories = memories
	}
	return pack, nil
}

// WriteContextPack delivers the pack into the group's IPC root atomically.
func (e *Engine) WriteContextPack(group string, pack *ContextPack) error {
	dirs := ipc.GroupDirs(e.ipcRoot, group)
	if err := dirs.Ensure(); err != nil {
		return err
	}
	data, err := json.MarshalIndent(pack, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal context pack: %w", err)
	}
	return ipc.WriteAtomic(filepath.Join(dirs.Root, ContextPackFile), data)
}
