package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asheshgoplani/agent-mom/internal/decide"
	"github.com/asheshgoplani/agent-mom/internal/registry"
	"github.com/asheshgoplani/agent-mom/internal/transcript"
	"github.com/asheshgoplani/agent-mom/internal/watcher"
)

type stubPane struct {
	ref string
}

func (p *stubPane) Ref() string { return p.ref }
func (p *stubPane) Capture(ctx context.Context) ([]string, error) { return []string{"$"}, nil }
func (p *stubPane) Tail(ctx context.Context, n int) (string, error) { return "$", nil }
func (p *stubPane) SendKeys(ctx context.Context, text string, submit bool) error { return nil }
func (p *stubPane) Alive(ctx context.Context) bool { return true }
func (p *stubPane) Close() error { return nil }

type stubWaiter struct{}

func (stubWaiter) Run(ctx context.Context, cmd string, sleep time.Duration) (string, error) {
	return "ok", nil
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	opts := watcher.DefaultOptions()
	opts.PollInterval = 10 * time.Millisecond
	opts.IdleThreshold = 5 * time.Millisecond
	opts.IdlePollInterval = time.Millisecond
	stop := decide.FuncDecider(func(ctx context.Context, prompt string) (decide.Decision, error) {
		return decide.Decision{}, nil
	})
	reg := registry.New(registry.Deps{
		OpenPane: func(ref string) (watcher.Pane, error) { return &stubPane{ref: ref}, nil },
		Decider:  stop,
		Waiter:   stubWaiter{},
	}, opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = reg.Shutdown(ctx)
	})
	return reg
}

func TestHealthzEndpoint(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Attach("s1", "%1", "build it", ""); err != nil {
		t.Fatalf("attach: %v", err)
	}
	srv := NewServer(Config{
		ListenAddr: "127.0.0.1:0",
		Version:    "test",
		Sessions:   reg,
	})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}

	body := rr.Body.String()
	if !strings.Contains(body, `"ok":true`) {
		t.Fatalf("expected health response to contain ok=true, got: %s", body)
	}
	if !strings.Contains(body, `"version":"test"`) {
		t.Fatalf("expected health response to contain version, got: %s", body)
	}
	if !strings.Contains(body, `"sessions":1`) {
		t.Fatalf("expected health response to count sessions, got: %s", body)
	}
}

func TestHealthzMethodNotAllowed(t *testing.T) {
	srv := NewServer(Config{ListenAddr: "127.0.0.1:0"})

	req := httptest.NewRequest(http.MethodPost, "/healthz", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected status %d, got %d", http.StatusMethodNotAllowed, rr.Code)
	}
}

func TestSessionsListEmpty(t *testing.T) {
	srv := NewServer(Config{Sessions: newTestRegistry(t)})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"sessions":[]`) {
		t.Fatalf("expected empty sessions array, got: %s", rr.Body.String())
	}
}

func TestSessionsListSorted(t *testing.T) {
	reg := newTestRegistry(t)
	for _, key := range []string{"beta", "alpha"} {
		if _, err := reg.Attach(key, "%"+key, "goal "+key, ""); err != nil {
			t.Fatalf("attach %s: %v", key, err)
		}
	}
	srv := NewServer(Config{Sessions: reg})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	var resp sessionsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v (%s)", err, rr.Body.String())
	}
	if len(resp.Sessions) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(resp.Sessions))
	}
	if resp.Sessions[0].Key != "alpha" || resp.Sessions[1].Key != "beta" {
		t.Fatalf("expected sorted keys, got %q, %q", resp.Sessions[0].Key, resp.Sessions[1].Key)
	}
	if resp.Sessions[0].Goal != "goal alpha" {
		t.Fatalf("unexpected goal: %q", resp.Sessions[0].Goal)
	}
}

func TestSessionDetail(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Attach("s1", "%1", "ship the release", "sleep 1"); err != nil {
		t.Fatalf("attach: %v", err)
	}
	srv := NewServer(Config{Sessions: reg})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/s1", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d: %s", http.StatusOK, rr.Code, rr.Body.String())
	}
	var resp sessionDetailResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Session.Key != "s1" || resp.Session.WaitCmd != "sleep 1" {
		t.Fatalf("unexpected session: %+v", resp.Session)
	}
	if len(resp.Transcript) == 0 || resp.Transcript[0].Role != transcript.RolePlan {
		t.Fatalf("expected plan entry first, got %+v", resp.Transcript)
	}
	if resp.Transcript[0].Text != "ship the release" {
		t.Fatalf("unexpected plan text: %q", resp.Transcript[0].Text)
	}
}

func TestSessionDetailNotFound(t *testing.T) {
	srv := NewServer(Config{Sessions: newTestRegistry(t)})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/missing", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status %d, got %d", http.StatusNotFound, rr.Code)
	}
	if !strings.Contains(rr.Body.String(), `"code":"NOT_FOUND"`) {
		t.Fatalf("expected NOT_FOUND error code, got: %s", rr.Body.String())
	}
}

func TestSessionDetailRejectsNestedPath(t *testing.T) {
	srv := NewServer(Config{Sessions: newTestRegistry(t)})

	req := httptest.NewRequest(http.MethodGet, "/api/sessions/a/b", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, rr.Code)
	}
}

func TestAPIRequiresToken(t *testing.T) {
	srv := NewServer(Config{Token: "secret", Sessions: newTestRegistry(t)})

	tests := []struct {
		name   string
		target string
		header string
		want   int
	}{
		{"missing", "/api/sessions", "", http.StatusUnauthorized},
		{"wrong bearer", "/api/sessions", "Bearer nope", http.StatusUnauthorized},
		{"bearer", "/api/sessions", "Bearer secret", http.StatusOK},
		{"bearer scheme case", "/api/sessions", "bearer secret", http.StatusOK},
		{"bad header good query", "/api/sessions?token=secret", "Bearer nope", http.StatusOK},
		{"basic scheme", "/api/sessions", "Basic secret", http.StatusUnauthorized},
		{"logs", "/api/logs", "", http.StatusUnauthorized},
		{"query", "/api/sessions?token=secret", "", http.StatusOK},
		{"healthz open", "/healthz", "", http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.target, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			srv.Handler().ServeHTTP(rr, req)
			if rr.Code != tc.want {
				t.Fatalf("expected status %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"BEARER  abc ", "abc"},
		{"Bearer", ""},
		{"Basic abc", ""},
		{"Bearerabc", ""},
	}
	for _, tc := range tests {
		if got := bearerToken(tc.header); got != tc.want {
			t.Errorf("bearerToken(%q) = %q, want %q", tc.header, got, tc.want)
		}
	}
}

func TestLogsEndpoint(t *testing.T) {
	var asked int
	srv := NewServer(Config{RecentLogs: func(n int) []string {
		asked = n
		return []string{`{"msg":"a"}`, `{"msg":"b"}`}
	}})

	req := httptest.NewRequest(http.MethodGet, "/api/logs?n=2", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rr.Code)
	}
	var resp logsResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if asked != 2 || len(resp.Lines) != 2 || resp.Lines[1] != `{"msg":"b"}` {
		t.Fatalf("unexpected response (asked %d): %+v", asked, resp)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/logs?n=999999", nil)
	srv.Handler().ServeHTTP(httptest.NewRecorder(), req)
	if asked != maxLogLines {
		t.Errorf("expected n capped at %d, got %d", maxLogLines, asked)
	}

	for _, bad := range []string{"0", "-3", "many"} {
		req = httptest.NewRequest(http.MethodGet, "/api/logs?n="+bad, nil)
		rr = httptest.NewRecorder()
		srv.Handler().ServeHTTP(rr, req)
		if rr.Code != http.StatusBadRequest {
			t.Errorf("n=%s: expected 400, got %d", bad, rr.Code)
		}
	}
}

func TestLogsEndpointWithoutSource(t *testing.T) {
	srv := NewServer(Config{})
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/logs", nil))
	if rr.Code != http.StatusOK || !strings.Contains(rr.Body.String(), `"lines":[]`) {
		t.Fatalf("expected empty lines, got %d %s", rr.Code, rr.Body.String())
	}
}

func TestMCPMountGuardedByToken(t *testing.T) {
	var (
		mu    sync.Mutex
		calls int
	)
	mcpStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	})
	srv := NewServer(Config{Token: "secret", MCP: mcpStub})

	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}"))
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status %d, got %d", http.StatusUnauthorized, rr.Code)
	}

	req = httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader("{}"))
	req.Header.Set("Authorization", "Bearer secret")
	rr = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, rr.Code)
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected 1 MCP call, got %d", calls)
	}
}

func TestRecoverMiddleware(t *testing.T) {
	h := withRecover(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected status %d, got %d", http.StatusInternalServerError, rr.Code)
	}
}

func TestSessionEventsStream(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Attach("s1", "%1", "goal", ""); err != nil {
		t.Fatalf("attach: %v", err)
	}
	srv := NewServer(Config{Sessions: reg})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events/sessions", nil).WithContext(ctx)
	rr := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Handler().ServeHTTP(rr, req)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("event stream did not stop after cancel")
	}

	if ct := rr.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	body := rr.Body.String()
	if !strings.Contains(body, "event: sessions\n") {
		t.Fatalf("expected sessions event, got: %s", body)
	}
	if !strings.Contains(body, `"session_key":"s1"`) {
		t.Fatalf("expected session in payload, got: %s", body)
	}
}

func TestSessionsFingerprintIgnoresActivity(t *testing.T) {
	a := []watcher.Snapshot{{Key: "s1", LastActivity: time.Unix(1, 0)}}
	b := []watcher.Snapshot{{Key: "s1", LastActivity: time.Unix(2, 0)}}
	if sessionsFingerprint(a) != sessionsFingerprint(b) {
		t.Fatal("expected fingerprints to match when only activity differs")
	}
	c := []watcher.Snapshot{{Key: "s1", Cycles: 1}}
	if sessionsFingerprint(a) == sessionsFingerprint(c) {
		t.Fatal("expected fingerprints to differ when cycles differ")
	}
}

func TestAllowWSOrigin(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://example.test", true},
		{"http://EXAMPLE.test", true},
		{"http://evil.test", false},
		{"::bad", false},
	}
	for _, tc := range tests {
		req := httptest.NewRequest(http.MethodGet, "http://example.test/ws/sessions/s1", nil)
		if tc.origin != "" {
			req.Header.Set("Origin", tc.origin)
		}
		if got := allowWSOrigin(req); got != tc.want {
			t.Fatalf("origin %q: expected %t, got %t", tc.origin, tc.want, got)
		}
	}
}

func TestSessionWSStreamsTranscript(t *testing.T) {
	prev := transcriptStreamPollInterval
	transcriptStreamPollInterval = 10 * time.Millisecond
	t.Cleanup(func() { transcriptStreamPollInterval = prev })

	reg := newTestRegistry(t)
	if _, err := reg.Attach("s1", "%1", "write tests", ""); err != nil {
		t.Fatalf("attach: %v", err)
	}
	srv := NewServer(Config{Sessions: reg})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() wsServerMessage {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg wsServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v", err)
		}
		return msg
	}

	if msg := read(); msg.Type != "status" || msg.Event != "connected" {
		t.Fatalf("expected connected status, got %+v", msg)
	}
	first := read()
	if first.Type != "entry" || first.Entry == nil || first.Entry.Role != transcript.RolePlan {
		t.Fatalf("expected plan backlog entry, got %+v", first)
	}

	if _, err := reg.RecordStatus("s1", "tests written", ""); err != nil {
		t.Fatalf("record status: %v", err)
	}

	// The stream must deliver the status entry, in order, after the plan.
	var roles []transcript.Role
	for len(roles) < 1 || roles[len(roles)-1] != transcript.RoleDecision {
		msg := read()
		if msg.Type != "entry" {
			continue
		}
		if msg.Entry.Seq <= first.Entry.Seq {
			t.Fatalf("sequence went backwards: %d after %d", msg.Entry.Seq, first.Entry.Seq)
		}
		roles = append(roles, msg.Entry.Role)
	}
	if roles[0] != transcript.RoleStatus {
		t.Fatalf("expected status entry first, got %v", roles)
	}
}

func TestSessionWSPingAndClose(t *testing.T) {
	reg := newTestRegistry(t)
	if _, err := reg.Attach("s1", "%1", "goal", ""); err != nil {
		t.Fatalf("attach: %v", err)
	}
	srv := NewServer(Config{Sessions: reg})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/s1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(wsClientMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	sawPong, sawClosed := false, false
	cleared := false
	for !sawClosed {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var msg wsServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read: %v (pong=%t)", err, sawPong)
		}
		switch {
		case msg.Event == "pong":
			sawPong = true
			if !cleared {
				reg.Clear("s1")
				cleared = true
			}
		case msg.Event == "closed":
			sawClosed = true
		}
	}
	if !sawPong {
		t.Fatal("expected pong before close")
	}
}

func TestSessionWSUnknownSession(t *testing.T) {
	srv := NewServer(Config{Sessions: newTestRegistry(t)})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/sessions/nope"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail for unknown session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		got := "nil"
		if resp != nil {
			got = fmt.Sprint(resp.StatusCode)
		}
		t.Fatalf("expected 404, got %s", got)
	}
}
