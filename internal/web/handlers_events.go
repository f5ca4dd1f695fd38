package web

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/asheshgoplani/agent-mom/internal/watcher"
)

var (
	sessionEventsPollInterval      = 2 * time.Second
	sessionEventsHeartbeatInterval = 15 * time.Second
)

// handleSessionEvents streams the session list as SSE, emitting only when
// the list changes.
func (s *Server) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeAPIError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "stream unavailable")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	current := s.listSessions()
	lastFingerprint := sessionsFingerprint(current)
	if err := writeSSEEvent(w, flusher, "sessions", sessionsResponse{Sessions: current}); err != nil {
		return
	}

	pollTicker := time.NewTicker(sessionEventsPollInterval)
	defer pollTicker.Stop()

	heartbeatTicker := time.NewTicker(sessionEventsHeartbeatInterval)
	defer heartbeatTicker.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeatTicker.C:
			if err := writeSSEComment(w, flusher, "keepalive"); err != nil {
				return
			}
		case <-pollTicker.C:
			next := s.listSessions()
			nextFingerprint := sessionsFingerprint(next)
			if nextFingerprint == lastFingerprint {
				continue
			}
			if err := writeSSEEvent(w, flusher, "sessions", sessionsResponse{Sessions: next}); err != nil {
				return
			}
			lastFingerprint = nextFingerprint
		}
	}
}

func (s *Server) listSessions() []watcher.Snapshot {
	if s.sessions == nil {
		return []watcher.Snapshot{}
	}
	list := s.sessions.List()
	if list == nil {
		return []watcher.Snapshot{}
	}
	return list
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func writeSSEComment(w http.ResponseWriter, flusher http.Flusher, comment string) error {
	if _, err := fmt.Fprintf(w, ": %s\n\n", comment); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// sessionsFingerprint ignores LastActivity so an otherwise idle list does
// not re-emit on every poll.
func sessionsFingerprint(list []watcher.Snapshot) string {
	type view struct {
		Key           string        `json:"k"`
		State         watcher.State `json:"s"`
		Paused        bool          `json:"p"`
		PaneAlive     bool          `json:"a"`
		Cycles        int           `json:"c"`
		TranscriptLen int           `json:"t"`
		Goal          string        `json:"g"`
	}
	views := make([]view, 0, len(list))
	for _, snap := range list {
		views = append(views, view{
			Key:           snap.Key,
			State:         snap.State,
			Paused:        snap.Paused,
			PaneAlive:     snap.PaneAlive,
			Cycles:        snap.Cycles,
			TranscriptLen: snap.TranscriptLen,
			Goal:          snap.Goal,
		})
	}

	raw, err := json.Marshal(views)
	if err != nil {
		return "marshal-error"
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
