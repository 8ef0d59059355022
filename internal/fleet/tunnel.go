package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// Tunnel manages one ssh -NL loopback port forward to a worker.
type Tunnel struct {
	worker      store.Worker
	autoRestart bool
	logger      *slog.Logger

	mu  sync.Mutex
	cmd *exec.Cmd
}

// NewTunnel builds a tunnel for the worker.
func NewTunnel(w store.Worker, autoRestart bool, logger *slog.Logger) *Tunnel {
	return &Tunnel{worker: w, autoRestart: autoRestart, logger: logger}
}

// Args returns the ssh invocation for the forward.
func (t *Tunnel) Args() []string {
	return []string{
		"-NL", fmt.Sprintf("127.0.0.1:%d:127.0.0.1:%d", t.worker.LocalPort, t.worker.RemotePort),
		"-p", fmt.Sprintf("%d", t.worker.SSHPort),
		"-o", "ServerAliveInterval=15",
		"-o", "ExitOnForwardFailure=yes",
		"-o", "StrictHostKeyChecking=yes",
		fmt.Sprintf("%s@%s", t.worker.User, t.worker.Host),
	}
}

// Run keeps the tunnel up until ctx is cancelled, restarting on exit when
// auto-restart is enabled.
func (t *Tunnel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		cmd := exec.CommandContext(ctx, "ssh", t.Args()...)
		t.mu.Lock()
		t.cmd = cmd
		t.mu.Unlock()

		t.logger.Info("tunnel starting", "worker", t.worker.ID, "local_port", t.worker.LocalPort)
		err := cmd.Run()
		if ctx.Err() != nil {
			return
		}
		t.logger.Warn("tunnel exited", "worker", t.worker.ID, "error", err)

		if !t.autoRestart {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// Stop kills the tunnel process if running.
func (t *Tunnel) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cmd != nil && t.cmd.Process != nil {
		_ = t.cmd.Process.Kill()
	}
}
