package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/p-arndt/werkstatt/internal/lifecycle"
)

type ensureThreadRequest struct {
	OwnerID      string `json:"owner_id"`
	RepositoryID string `json:"repository_id"`
	RepoURL      string `json:"repo_url"`
	Branch       string `json:"branch"`
}

type restoreRequest struct {
	SandboxID string `json:"sandbox_id"`
}

func (s *Server) handleEnsureThreadSandbox(w http.ResponseWriter, r *http.Request) {
	thread := mux.Vars(r)["thread"]
	if err := validateID("thread id", thread); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}
	var req ensureThreadRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, r, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateEnsureThreadRequest(req); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}

	s.logger.Debug("ensure thread sandbox", "thread_id", thread, "owner_id", req.OwnerID, "repository_id", req.RepositoryID)
	b, err := s.svc.EnsureThreadSandbox(r.Context(), lifecycle.BindRequest{
		OwnerID:      req.OwnerID,
		ThreadID:     thread,
		RepositoryID: req.RepositoryID,
		RepoURL:      req.RepoURL,
		Branch:       req.Branch,
	})
	if err != nil {
		s.logger.Error("ensure thread sandbox", "thread_id", thread, "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleForceCleanupThread(w http.ResponseWriter, r *http.Request) {
	thread := mux.Vars(r)["thread"]
	if err := validateID("thread id", thread); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}
	s.logger.Debug("force cleanup thread", "thread_id", thread)
	if err := s.svc.ForceCleanupThread(r.Context(), thread); err != nil {
		s.logger.Error("force cleanup thread", "thread_id", thread, "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleRestoreThread(w http.ResponseWriter, r *http.Request) {
	thread := mux.Vars(r)["thread"]
	if err := validateID("thread id", thread); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}
	var req restoreRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, r, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateID("sandbox_id", req.SandboxID); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}

	cp, err := s.svc.RestoreThreadState(r.Context(), req.SandboxID, thread)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if cp == nil {
		writeJSON(w, http.StatusOK, map[string]any{"restored": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"restored": true, "checkpoint": cp})
}

func (s *Server) handleUpdateActivity(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := validateID("sandbox id", id); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}
	if err := s.svc.UpdateActivity(r.Context(), id); err != nil {
		writeAPIError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
