package api

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type ensureSessionRequest struct {
	OwnerID       string `json:"owner_id"`
	WorkspaceRoot string `json:"workspace_root"`
}

type sendCommandRequest struct {
	Command string `json:"command"`
}

func (s *Server) handleEnsureSession(w http.ResponseWriter, r *http.Request) {
	var req ensureSessionRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, r, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateID("owner_id", req.OwnerID); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}

	s.logger.Debug("ensure interactive session", "owner_id", req.OwnerID)
	sess, err := s.svc.EnsureInteractiveSession(r.Context(), req.OwnerID, req.WorkspaceRoot)
	if err != nil {
		s.logger.Error("ensure interactive session", "owner_id", req.OwnerID, "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner_id")
	if owner != "" {
		if err := validateID("owner_id", owner); err != nil {
			writeValidationError(w, r, err.Error(), nil)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.svc.ListActiveSessions(owner))
}

// sessionFromPath validates the {id} variable and writes the 400 itself.
func sessionFromPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := mux.Vars(r)["id"]
	if err := validateSessionID(id); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return "", false
	}
	return id, true
}

func (s *Server) handleSendCommand(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionFromPath(w, r)
	if !ok {
		return
	}
	var req sendCommandRequest
	if err := decodeJSONBody(w, r, &req); err != nil {
		writeValidationError(w, r, "invalid json: "+err.Error(), nil)
		return
	}
	if err := validateSendCommandRequest(req); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}

	s.logger.Debug("send command", "session_id", id, "bytes", len(req.Command))
	res, err := s.svc.SendCommand(r.Context(), id, req.Command)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionFromPath(w, r)
	if !ok {
		return
	}
	lines := 0
	if v := r.URL.Query().Get("lines"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeValidationError(w, r, "lines must be an integer", nil)
			return
		}
		lines = n
	}
	if err := validateLines("lines", lines); err != nil {
		writeValidationError(w, r, err.Error(), nil)
		return
	}

	out, err := s.svc.GetOutput(r.Context(), id, lines)
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"output": out})
}

func (s *Server) handleRestartSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.svc.RestartSession(r.Context(), id); err != nil {
		s.logger.Error("restart session", "session_id", id, "error", err)
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionFromPath(w, r)
	if !ok {
		return
	}
	if err := s.svc.CloseSession(r.Context(), id); err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
