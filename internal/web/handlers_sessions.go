package web

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/asheshgoplani/agent-mom/internal/registry"
	"github.com/asheshgoplani/agent-mom/internal/transcript"
	"github.com/asheshgoplani/agent-mom/internal/watcher"
)

type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type sessionsResponse struct {
	Sessions []watcher.Snapshot `json:"sessions"`
}

type sessionDetailResponse struct {
	Session    watcher.Snapshot   `json:"session"`
	Transcript []transcript.Entry `json:"transcript"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}
	if s.sessions == nil {
		writeJSON(w, http.StatusOK, sessionsResponse{Sessions: []watcher.Snapshot{}})
		return
	}

	list := s.sessions.List()
	if list == nil {
		list = []watcher.Snapshot{}
	}
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: list})
}

func (s *Server) handleSessionByKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	key, ok := sessionKeyFromPath(r.URL.Path, "/api/sessions/")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session key is required")
		return
	}

	wt, found := s.lookup(w, key)
	if !found {
		return
	}

	entries := wt.Transcript().Snapshot()
	if entries == nil {
		entries = []transcript.Entry{}
	}
	writeJSON(w, http.StatusOK, sessionDetailResponse{
		Session:    wt.Snapshot(),
		Transcript: entries,
	})
}

// lookup resolves key and writes the error response when it cannot.
func (s *Server) lookup(w http.ResponseWriter, key string) (*watcher.Watcher, bool) {
	if s.sessions == nil {
		writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		return nil, false
	}
	wt, err := s.sessions.Get(key)
	if err != nil {
		if errors.Is(err, registry.ErrNotFound) {
			writeAPIError(w, http.StatusNotFound, "NOT_FOUND", "session not found")
		} else {
			writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load session")
		}
		return nil, false
	}
	return wt, true
}

func sessionKeyFromPath(path, prefix string) (string, bool) {
	key := strings.TrimPrefix(path, prefix)
	if key == "" || strings.Contains(key, "/") {
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeAPIError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, apiErrorResponse{
		Error: apiError{
			Code:    code,
			Message: message,
		},
	})
}
