package web

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agent-mom/internal/transcript"
)

var (
	transcriptStreamPollInterval = 500 * time.Millisecond
	wsWriteTimeout               = 10 * time.Second
)

type wsClientMessage struct {
	Type string `json:"type"`
}

type wsServerMessage struct {
	Type       string            `json:"type"` // entry, status, error
	Event      string            `json:"event,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	SessionKey string            `json:"sessionKey,omitempty"`
	Entry      *transcript.Entry `json:"entry,omitempty"`
	Time       time.Time         `json:"time,omitempty"`
}

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowWSOrigin,
}

func allowWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	return strings.EqualFold(originURL.Host, r.Host)
}

// wsConnWriter serializes writes; gorilla connections allow one writer at a time.
type wsConnWriter struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConnWriter(conn *websocket.Conn) *wsConnWriter {
	return &wsConnWriter{conn: conn}
}

func (w *wsConnWriter) WriteJSON(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return w.conn.WriteJSON(v)
}

func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
		return
	}
	if !s.authorizeRequest(r) {
		writeAPIError(w, http.StatusUnauthorized, "UNAUTHORIZED", "unauthorized")
		return
	}

	key, ok := sessionKeyFromPath(r.URL.Path, "/ws/sessions/")
	if !ok {
		writeAPIError(w, http.StatusBadRequest, "INVALID_REQUEST", "session key is required")
		return
	}

	wt, found := s.lookup(w, key)
	if !found {
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	writer := newWSConnWriter(conn)
	_ = writer.WriteJSON(wsServerMessage{
		Type:       "status",
		Event:      "connected",
		SessionKey: key,
		Time:       time.Now().UTC(),
	})

	clientGone := make(chan struct{})
	go s.readWSClient(conn, writer, key, clientGone)

	log := wt.Transcript()
	var lastSeq uint64
	flush := func() error {
		for _, e := range log.Since(lastSeq) {
			entry := e
			if err := writer.WriteJSON(wsServerMessage{Type: "entry", SessionKey: key, Entry: &entry}); err != nil {
				return err
			}
			lastSeq = e.Seq
		}
		return nil
	}
	if err := flush(); err != nil {
		return
	}

	ticker := time.NewTicker(transcriptStreamPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-clientGone:
			return
		case <-wt.Done():
			_ = flush()
			_ = writer.WriteJSON(wsServerMessage{
				Type:       "status",
				Event:      "closed",
				SessionKey: key,
				Time:       time.Now().UTC(),
			})
			return
		case <-ticker.C:
			if err := flush(); err != nil {
				return
			}
		}
	}
}

// readWSClient answers pings and reports when the client goes away.
func (s *Server) readWSClient(conn *websocket.Conn, writer *wsConnWriter, key string, gone chan<- struct{}) {
	defer close(gone)
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(
				err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				webLog.Warn("websocket_closed_unexpectedly",
					slog.String("session_key", key),
					slog.String("error", err.Error()))
			}
			return
		}

		var msg wsClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			_ = writer.WriteJSON(wsServerMessage{
				Type:       "error",
				Code:       "INVALID_MESSAGE",
				Message:    "invalid json payload",
				SessionKey: key,
				Time:       time.Now().UTC(),
			})
			continue
		}

		switch msg.Type {
		case "ping":
			_ = writer.WriteJSON(wsServerMessage{
				Type:       "status",
				Event:      "pong",
				SessionKey: key,
				Time:       time.Now().UTC(),
			})
		default:
			_ = writer.WriteJSON(wsServerMessage{
				Type:       "error",
				Code:       "UNSUPPORTED_MESSAGE",
				Message:    "supported message types: ping",
				SessionKey: key,
				Time:       time.Now().UTC(),
			})
		}
	}
}
