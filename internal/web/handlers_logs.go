package web

import (
	"net/http"
	"strconv"
)

const (
	defaultLogLines = 200
	maxLogLines     = 5000
)

type logsResponse struct {
	Lines []string `json:"lines"`
}

// handleLogs serves the newest daemon log lines kept in memory, so a client
// without access to the log file can still see what the watchers are doing.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	n := defaultLogLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "n must be a positive integer")
			return
		}
		n = min(v, maxLogLines)
	}

	lines := []string{}
	if s.cfg.RecentLogs != nil {
		if got := s.cfg.RecentLogs(n); got != nil {
			lines = got
		}
	}
	writeJSON(w, http.StatusOK, logsResponse{Lines: lines})
}
