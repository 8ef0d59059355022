package opsapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/nanoclaw/nanoclaw/internal/fleet"
	"github.com/nanoclaw/nanoclaw/internal/governance"
	"github.com/nanoclaw/nanoclaw/internal/limits"
	"github.com/nanoclaw/nanoclaw/internal/store"
)

// gateWrite enforces the cockpit_write limit. False means the response has
// already been written.
func (s *Server) gateWrite(w http.ResponseWriter, scope string) bool {
	decision, err := s.limits.Enforce(limits.Request{Op: limits.OpCockpitWrite, Scope: scope})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return false
	}
	if !decision.Allowed {
		status := http.StatusTooManyRequests
		if decision.Code == limits.CodeNotAuthorized {
			status = http.StatusForbidden
		}
		s.writeError(w, status, decision.Code, decision.Detail)
		return false
	}
	return true
}

func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return false
	}
	return true
}

// writeGovError maps governance failures onto HTTP statuses.
func (s *Server) writeGovError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, governance.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, store.ErrVersionConflict):
		s.writeError(w, http.StatusConflict, "VERSION_CONFLICT", err.Error())
	case errors.Is(err, governance.ErrApprovalRequired):
		s.writeError(w, http.StatusConflict, "APPROVAL_REQUIRED", err.Error())
	case errors.Is(err, governance.ErrInvalidTransition),
		errors.Is(err, governance.ErrMissingGroup),
		errors.Is(err, governance.ErrGateMismatch):
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

func (s *Server) handleTransition(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrite(w, "transition") {
		return
	}
	var req struct {
		TaskID string `json:"taskId"`
		To     string `json:"to"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.To == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "taskId and to are required")
		return
	}

	task, err := s.gov.Transition(req.TaskID, req.To, req.Actor, req.Reason)
	if err != nil {
		s.writeGovError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrite(w, "approve") {
		return
	}
	var req struct {
		TaskID     string `json:"taskId"`
		Gate       string `json:"gate"`
		ApprovedBy string `json:"approvedBy"`
		Notes      string `json:"notes"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.Gate == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "taskId and gate are required")
		return
	}

	recorded, err := s.gov.Approve(req.TaskID, req.Gate, req.ApprovedBy, req.Notes)
	if err != nil {
		s.writeGovError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"recorded": recorded})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrite(w, "deny") {
		return
	}
	var req struct {
		TaskID string `json:"taskId"`
		Gate   string `json:"gate"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TaskID == "" || req.Gate == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "taskId and gate are required")
		return
	}

	if err := s.gov.Deny(req.TaskID, req.Gate, req.Actor, req.Reason); err != nil {
		s.writeGovError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleOverride(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrite(w, "override") {
		return
	}
	var req struct {
		TaskID string `json:"taskId"`
		Actor  string `json:"actor"`
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.TaskID == "" {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "taskId is required")
		return
	}

	task, err := s.gov.Override(req.TaskID, req.Actor, req.Reason)
	if err != nil {
		s.writeGovError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleProductStatus(w http.ResponseWriter, r *http.Request) {
	if !s.gateWrite(w, "product_status") {
		return
	}
	var req struct {
		ProductID string `json:"productId"`
		Status    string `json:"status"`
	}
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.ProductID == "" || (req.Status != "active" && req.Status != "paused") {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "productId and status (active|paused) are required")
		return
	}

	if err := s.store.SetProductStatus(req.ProductID, req.Status); err != nil {
		s.writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
		return
	}
	s.hub.Publish("product:status", map[string]any{"product": req.ProductID, "status": req.Status})
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// handleWorkerCompletion applies a worker's HMAC-signed completion callback:
// WIP release in the fleet, then the DOING -> REVIEW transition.
func (s *Server) handleWorkerCompletion(w http.ResponseWriter, r *http.Request) {
	if s.verifier == nil || s.fleet == nil {
		s.writeError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "worker fleet not configured")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
		return
	}

	var report fleet.CompletionReport
	if err := json.Unmarshal(body, &report); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}

	secret, err := s.completionSecret(report.DispatchKey)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	code, err := s.verifier.Verify(secret, r.Header, body)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "INTERNAL", err.Error())
		return
	}
	if code != "" {
		s.writeError(w, http.StatusUnauthorized, code, "worker authentication failed")
		return
	}

	if err := s.fleet.Complete(report); err != nil {
		s.writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}
	if s.gov != nil {
		if err := s.gov.OnWorkerCompletion(report); err != nil {
			// WIP is already released; a repeated or late callback is logged,
			// not failed.
			s.logger.Warn("completion transition rejected", "task", report.TaskID, "error", err)
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// completionSecret resolves the signing secret for a callback: the dispatched
// worker's own secret when it has one, the fleet-wide secret otherwise.
func (s *Server) completionSecret(dispatchKey string) (string, error) {
	disp, err := s.store.GetDispatch(dispatchKey)
	if err != nil {
		return "", err
	}
	if disp != nil && disp.WorkerID != "" {
		worker, err := s.store.GetWorker(disp.WorkerID)
		if err != nil {
			return "", err
		}
		if worker != nil && worker.SharedSecret != "" {
			return worker.SharedSecret, nil
		}
	}
	return s.workerCfg.SharedSecret, nil
}

// writeSSE emits one server-sent event.
func writeSSE(w io.Writer, eventType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, data)
	return err
}
