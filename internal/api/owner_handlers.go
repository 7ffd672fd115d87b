package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// ownerFromPath validates the {owner} variable and writes the 400 itself.
func ownerFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	owner := mux.Vars(r)["owner"]
	if err := validateID("owner id", owner); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return "", false
	}
	return owner, true
}

func (s *Server) handleSandboxStatus(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromPath(w, r)
	if !ok {
		return
	}
	rec, err := s.svc.SandboxStatus(owner)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleResourceUsage(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromPath(w, r)
	if !ok {
		return
	}
	u, err := s.svc.ResourceUsage(r.Context(), owner)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromPath(w, r)
	if !ok {
		return
	}
	tail := 200
	if v := r.URL.Query().Get("tail"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeValidationError(w, r, "tail must be an integer", nil)
			return
		}
		tail = n
	}
	if err := validateLines("tail", tail); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}

	logs, err := s.svc.Logs(r.Context(), owner, tail)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"logs": logs})
}

func (s *Server) handleRestartSandbox(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromPath(w, r)
	if !ok {
		return
	}
	s.logger.Debug("restart sandbox", "owner_id", owner)
	if err := s.svc.RestartSandbox(r.Context(), owner); err != nil {
		s.logger.Error("restart sandbox", "owner_id", owner, "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handlePurgeOwner(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromPath(w, r)
	if !ok {
		return
	}
	s.logger.Info("purge owner", "owner_id", owner, "request_id", requestID(r.Context()))
	if err := s.svc.PurgeOwner(r.Context(), owner); err != nil {
		s.logger.Error("purge owner", "owner_id", owner, "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
