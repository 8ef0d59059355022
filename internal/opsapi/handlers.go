package opsapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nanoclaw/nanoclaw/internal/store"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListGovTasks(store.GovTaskFilter{})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	byState := map[string]int{}
	for _, t := range tasks {
		byState[t.State]++
	}

	workers, err := s.store.ListWorkers()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	online, wip := 0, 0
	for _, wk := range workers {
		if wk.Status == store.WorkerOnline {
			online++
		}
		wip += wk.CurrentWIP
	}

	denials, err := s.store.DenialsSince(time.Now().Add(-24 * time.Hour))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"tasks": map[string]any{"total": len(tasks), "by_state": byState},
		"workers": map[string]any{
			"total": len(workers), "online": online, "wip": wip,
		},
		"limits": map[string]any{"denials_24h": denials},
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	tasks, err := s.store.ListGovTasks(store.GovTaskFilter{
		State:     q.Get("state"),
		TaskType:  q.Get("type"),
		ProductID: q.Get("product_id"),
	})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
}

func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetGovTask(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if task == nil {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such task")
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskActivities(w http.ResponseWriter, r *http.Request) {
	acts, err := s.store.ListActivities(mux.Vars(r)["id"], 100)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

func (s *Server) handleTaskApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.store.ListApprovals(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleApprovals(w http.ResponseWriter, r *http.Request) {
	approvals, err := s.store.ListApprovals("")
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) handleProducts(w http.ResponseWriter, r *http.Request) {
	products, err := s.store.ListProducts()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) handleProduct(w http.ResponseWriter, r *http.Request) {
	product, err := s.store.GetProduct(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if product == nil {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such product")
		return
	}
	s.writeJSON(w, http.StatusOK, product)
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	workers, err := s.store.ListWorkers()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"workers": workers})
}

func (s *Server) handleWorker(w http.ResponseWriter, r *http.Request) {
	worker, err := s.store.GetWorker(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if worker == nil {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such worker")
		return
	}
	s.writeJSON(w, http.StatusOK, worker)
}

func (s *Server) handleWorkerDispatches(w http.ResponseWriter, r *http.Request) {
	dispatches, err := s.store.ListDispatches("", mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"dispatches": dispatches})
}

func (s *Server) handleWorkerTunnels(w http.ResponseWriter, r *http.Request) {
	worker, err := s.store.GetWorker(mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if worker == nil {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", "no such worker")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"tunnels": []map[string]any{{
		"worker_id":   worker.ID,
		"local_port":  worker.LocalPort,
		"remote_port": worker.RemotePort,
		"status":      worker.Status,
	}}})
}

func (s *Server) handleMemories(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")

	var memories []store.Memory
	var err error
	if query == "" {
		memories, err = s.store.ListMemories(100)
	} else {
		memories, err = s.store.SearchMemories(query, 100)
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"memories": memories})
}

// handleEvents streams the hub over SSE until the client disconnects.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", "streaming unsupported")
		return
	}

	ch, cancel := s.hub.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if err := writeSSE(w, ev.Type, ev); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
