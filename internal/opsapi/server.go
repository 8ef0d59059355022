// Package opsapi serves the operator HTTP surface: read endpoints over the
// governed pipeline, an SSE event stream, rate-limited write actions, and the
// HMAC-authenticated worker completion callback.
package opsapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/nanoclaw/nanoclaw/internal/config"
	"github.com/nanoclaw/nanoclaw/internal/events"
	"github.com/nanoclaw/nanoclaw/internal/fleet"
	"github.com/nanoclaw/nanoclaw/internal/governance"
	"github.com/nanoclaw/nanoclaw/internal/limits"
	"github.com/nanoclaw/nanoclaw/internal/store"
	"github.com/nanoclaw/nanoclaw/internal/workerauth"
)

// Auth headers.
const (
	HeaderOSSecret    = "X-OS-SECRET"
	HeaderWriteSecret = "X-WRITE-SECRET"
)

// CompletionSink receives worker completion reports for WIP release.
type CompletionSink interface {
	Complete(report fleet.CompletionReport) error
}

// Server is the ops HTTP API.
type Server struct {
	store     *store.Store
	cfg       config.OpsConfig
	limits    *limits.Engine
	gov       *governance.Engine
	fleet     CompletionSink
	hub       *events.Hub
	verifier  *workerauth.Verifier
	workerCfg config.WorkerConfig
	logger    *slog.Logger
	started   time.Time
}

// NewServer builds the ops API server. gov, fleet, and verifier may be nil in
// reduced deployments; the corresponding endpoints then return 503.
func NewServer(st *store.Store, cfg config.OpsConfig, eng *limits.Engine, gov *governance.Engine, sink CompletionSink, hub *events.Hub, verifier *workerauth.Verifier, workerCfg config.WorkerConfig, logger *slog.Logger) *Server {
	return &Server{
		store:     st,
		cfg:       cfg,
		limits:    eng,
		gov:       gov,
		fleet:     sink,
		hub:       hub,
		verifier:  verifier,
		workerCfg: workerCfg,
		logger:    logger,
		started:   time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Worker callback authenticates by HMAC, not by the operator secret.
	r.HandleFunc("/ops/worker/completion", s.handleWorkerCompletion).Methods(http.MethodPost)

	ops := r.PathPrefix("/ops").Subrouter()
	ops.Use(s.requireOSSecret)

	ops.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	ops.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	ops.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)

	ops.HandleFunc("/tasks", s.handleTasks).Methods(http.MethodGet)
	ops.HandleFunc("/tasks/{id}", s.handleTask).Methods(http.MethodGet)
	ops.HandleFunc("/tasks/{id}/activities", s.handleTaskActivities).Methods(http.MethodGet)
	ops.HandleFunc("/tasks/{id}/approvals", s.handleTaskApprovals).Methods(http.MethodGet)

	ops.HandleFunc("/products", s.handleProducts).Methods(http.MethodGet)
	ops.HandleFunc("/products/{id}", s.handleProduct).Methods(http.MethodGet)

	ops.HandleFunc("/workers", s.handleWorkers).Methods(http.MethodGet)
	ops.HandleFunc("/workers/{id}", s.handleWorker).Methods(http.MethodGet)
	ops.HandleFunc("/workers/{id}/dispatches", s.handleWorkerDispatches).Methods(http.MethodGet)
	ops.HandleFunc("/workers/{id}/tunnels", s.handleWorkerTunnels).Methods(http.MethodGet)

	ops.HandleFunc("/approvals", s.handleApprovals).Methods(http.MethodGet)
	ops.HandleFunc("/memories", s.handleMemories).Methods(http.MethodGet)
	ops.HandleFunc("/memories/search", s.handleMemories).Methods(http.MethodGet)

	actions := ops.PathPrefix("/actions").Subrouter()
	actions.Use(s.requireWriteSecret)
	actions.HandleFunc("/transition", s.handleTransition).Methods(http.MethodPost)
	actions.HandleFunc("/approve", s.handleApprove).Methods(http.MethodPost)
	actions.HandleFunc("/deny", s.handleDeny).Methods(http.MethodPost)
	actions.HandleFunc("/override", s.handleOverride).Methods(http.MethodPost)
	actions.HandleFunc("/product_status", s.handleProductStatus).Methods(http.MethodPost)

	return r
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("ops API listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// requireOSSecret is fail-closed: with no secret configured every request is
// rejected.
func (s *Server) requireOSSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.HTTPSecret == "" || subtle.ConstantTimeCompare([]byte(r.Header.Get(HeaderOSSecret)), []byte(s.cfg.HTTPSecret)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid "+HeaderOSSecret)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireWriteSecret accepts the current secret and, during rotation, the
// previous one. Fail-closed when neither is configured.
func (s *Server) requireWriteSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := []byte(r.Header.Get(HeaderWriteSecret))
		ok := false
		if s.cfg.WriteSecretCurrent != "" && subtle.ConstantTimeCompare(got, []byte(s.cfg.WriteSecretCurrent)) == 1 {
			ok = true
		}
		if !ok && s.cfg.WriteSecretPrevious != "" && subtle.ConstantTimeCompare(got, []byte(s.cfg.WriteSecretPrevious)) == 1 {
			ok = true
		}
		if !ok {
			s.writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing or invalid "+HeaderWriteSecret)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, map[string]any{"error": code, "message": message})
}
