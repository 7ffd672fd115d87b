package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/p-arndt/werkstatt/internal/config"
)

type Server struct {
	cfg    *config.Config
	svc    Service
	logger *slog.Logger
	router *mux.Router
}

func NewServer(cfg *config.Config, svc Service, logger *slog.Logger) *Server {
	s := &Server{
		cfg:    cfg,
		svc:    svc,
		logger: logger,
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.requestIDMiddleware(s.authMiddleware(s.router))
}

func (s *Server) routes() {
	r := s.router
	r.HandleFunc("/v1/threads/{thread}/sandbox", s.handleEnsureThreadSandbox).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{thread}/restore", s.handleRestoreThread).Methods(http.MethodPost)
	r.HandleFunc("/v1/threads/{thread}", s.handleForceCleanupThread).Methods(http.MethodDelete)
	r.HandleFunc("/v1/sandboxes/{id}/activity", s.handleUpdateActivity).Methods(http.MethodPost)

	r.HandleFunc("/v1/owners/{owner}/sandbox", s.handleSandboxStatus).Methods(http.MethodGet)
	r.HandleFunc("/v1/owners/{owner}/usage", s.handleResourceUsage).Methods(http.MethodGet)
	r.HandleFunc("/v1/owners/{owner}/logs", s.handleLogs).Methods(http.MethodGet)
	r.HandleFunc("/v1/owners/{owner}/restart", s.handleRestartSandbox).Methods(http.MethodPost)
	r.HandleFunc("/v1/owners/{owner}/workspace", s.handlePurgeOwner).Methods(http.MethodDelete)

	r.HandleFunc("/v1/sessions", s.handleEnsureSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}/commands", s.handleSendCommand).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}/output", s.handleGetOutput).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions/{id}/restart", s.handleRestartSession).Methods(http.MethodPost)
	r.HandleFunc("/v1/sessions/{id}", s.handleCloseSession).Methods(http.MethodDelete)

	r.HandleFunc("/v1/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/metrics", s.handleMetrics).Methods(http.MethodGet)

	// Health check (no auth)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods(http.MethodGet)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
