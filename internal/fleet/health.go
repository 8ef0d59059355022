package fleet

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

// offlineAfterFails is the consecutive probe failures that mark a worker
// offline and suspend its dispatch.
const offlineAfterFails = 3

// RunHealthLoop probes every worker's /worker/health on the configured
// interval until ctx is cancelled.
func (d *Dispatcher) RunHealthLoop(ctx context.Context) error {
	interval := d.cfg.HealthInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	fails := make(map[string]int)
	d.logger.Info("worker health loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.probeAll(ctx, fails)
		}
	}
}

func (d *Dispatcher) probeAll(ctx context.Context, fails map[string]int) {
	workers, err := d.store.ListWorkers()
	if err != nil {
		d.logger.Error("health loop cannot list workers", "error", err)
		return
	}
	for _, w := range workers {
		if d.probe(ctx, w) {
			fails[w.ID] = 0
			if w.Status != store.WorkerOnline {
				if err := d.store.SetWorkerStatus(w.ID, store.WorkerOnline); err == nil {
					d.hub.Publish("tunnel:status", map[string]any{"worker": w.ID, "status": "up"})
					d.logger.Info("worker back online", "worker", w.ID)
				}
			}
			continue
		}

		fails[w.ID]++
		if fails[w.ID] >= offlineAfterFails && w.Status == store.WorkerOnline {
			if err := d.store.SetWorkerStatus(w.ID, store.WorkerOffline); err != nil {
				d.logger.Error("failed to mark worker offline", "worker", w.ID, "error", err)
				continue
			}
			d.hub.Publish("tunnel:status", map[string]any{"worker": w.ID, "status": "down"})
			d.logger.Warn("worker offline after failed probes", "worker", w.ID, "fails", fails[w.ID])
		}
	}
}

func (d *Dispatcher) probe(ctx context.Context, w store.Worker) bool {
	url := fmt.Sprintf("http://127.0.0.1:%d/worker/health", w.LocalPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
