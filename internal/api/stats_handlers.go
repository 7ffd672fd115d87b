package api

import "net/http"

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.Statistics(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	m, err := s.svc.Metrics(r.Context())
	if err != nil {
		writeAPIError(w, r, err)
		return
	}
	if m == nil {
		m = map[string]int64{}
	}
	writeJSON(w, http.StatusOK, m)
}
