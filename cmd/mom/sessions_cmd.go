package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/sahilm/fuzzy"
	"golang.org/x/term"

	"github.com/asheshgoplani/agent-mom/internal/config"
	"github.com/asheshgoplani/agent-mom/internal/statedb"
	"github.com/asheshgoplani/agent-mom/internal/transcript"
	"github.com/asheshgoplani/agent-mom/internal/watcher"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	keyStyle     = lipgloss.NewStyle().Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	pausedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	activeStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

var roleStyles = map[transcript.Role]lipgloss.Style{
	transcript.RolePlan:       lipgloss.NewStyle().Foreground(lipgloss.Color("75")).Bold(true),
	transcript.RoleStatus:     lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
	transcript.RoleWaitOutput: dimStyle,
	transcript.RoleIdleSpin:   dimStyle,
	transcript.RoleInjection:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	transcript.RoleDecision:   lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
}

type sessionsPayload struct {
	Sessions []watcher.Snapshot `json:"sessions"`
}

type sessionDetailPayload struct {
	Session    watcher.Snapshot   `json:"session"`
	Transcript []transcript.Entry `json:"transcript"`
}

type apiErrorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiClient reads the daemon's /api endpoints.
type apiClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// newAPIClient locates the running daemon through the state db.
func newAPIClient() (*apiClient, error) {
	dir, err := momDir()
	if err != nil {
		return nil, err
	}
	db, err := openStateDB(dir)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	row, running, err := runningDaemon(db)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, statedb.ErrNoDaemon
	}

	token := ""
	if cfg, err := config.LoadDefault(); err == nil {
		token = cfg.Server.Token
	}
	return &apiClient{
		baseURL: "http://" + row.Addr,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *apiClient) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorPayload
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("GET %s: %s", path, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *apiClient) Sessions(ctx context.Context) ([]watcher.Snapshot, error) {
	var payload sessionsPayload
	if err := c.get(ctx, "/api/sessions", &payload); err != nil {
		return nil, err
	}
	return payload.Sessions, nil
}

func (c *apiClient) Session(ctx context.Context, key string) (sessionDetailPayload, error) {
	var payload sessionDetailPayload
	err := c.get(ctx, "/api/sessions/"+url.PathEscape(key), &payload)
	return payload, err
}

func handleSessions(args []string) {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	_ = fs.Parse(args)

	client, err := newAPIClient()
	if errors.Is(err, statedb.ErrNoDaemon) {
		fmt.Println("not running")
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sessions, err := client.Sessions(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(sessionsPayload{Sessions: sessions}, "", "  ")
		fmt.Println(string(data))
		return
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions.")
		return
	}
	fmt.Print(renderSessionsTable(sessions, terminalWidth(), time.Now()))
}

func handleTranscript(args []string) {
	fs := flag.NewFlagSet("transcript", flag.ExitOnError)
	limit := fs.Int("n", 0, "Show only the last N entries (0 = all)")
	jsonOutput := fs.Bool("json", false, "Output as JSON")
	fs.Usage = func() {
		fmt.Println("Usage: mom transcript <query> [-n N] [--json]")
		fmt.Println()
		fmt.Println("Print the transcript of the session whose key best matches query.")
		fmt.Println()
		fmt.Println("Options:")
		fs.PrintDefaults()
	}
	_ = fs.Parse(normalizeArgs(fs, args))

	client, err := newAPIClient()
	if errors.Is(err, statedb.ErrNoDaemon) {
		fmt.Println("not running")
		os.Exit(1)
	}
	if err != nil {
		fatalf("%v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	sessions, err := client.Sessions(ctx)
	if err != nil {
		fatalf("%v", err)
	}

	snap, err := matchSession(sessions, strings.Join(fs.Args(), " "))
	if err != nil {
		fatalf("%v", err)
	}
	detail, err := client.Session(ctx, snap.Key)
	if err != nil {
		fatalf("%v", err)
	}

	entries := detail.Transcript
	if *limit > 0 && len(entries) > *limit {
		entries = entries[len(entries)-*limit:]
	}
	if *jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Println(string(data))
		return
	}
	fmt.Println(keyStyle.Render(detail.Session.Key) + dimStyle.Render("  "+detail.Session.PaneRef+"  "+detail.Session.State.String()))
	fmt.Print(renderTranscript(entries, terminalWidth()))
}

// sessionSource implements fuzzy.Source over session keys
type sessionSource []watcher.Snapshot

func (s sessionSource) String(i int) string { return s[i].Key }
func (s sessionSource) Len() int { return len(s) }

// matchSession picks the session for query: exact key first, then the best
// fuzzy match. An empty query is only accepted with exactly one session.
func matchSession(sessions []watcher.Snapshot, query string) (watcher.Snapshot, error) {
	query = strings.TrimSpace(query)
	if len(sessions) == 0 {
		return watcher.Snapshot{}, errors.New("no sessions")
	}
	if query == "" {
		if len(sessions) == 1 {
			return sessions[0], nil
		}
		return watcher.Snapshot{}, fmt.Errorf("%d sessions live; pass a key or part of one", len(sessions))
	}
	for _, s := range sessions {
		if strings.EqualFold(s.Key, query) {
			return s, nil
		}
	}
	matches := fuzzy.FindFrom(query, sessionSource(sessions))
	if len(matches) == 0 {
		return watcher.Snapshot{}, fmt.Errorf("no session matches %q", query)
	}
	return sessions[matches[0].Index], nil
}

func terminalWidth() int {
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		return w
	}
	return 100
}

func stateStyle(s watcher.Snapshot) lipgloss.Style {
	switch {
	case s.State == watcher.StateStopped || !s.PaneAlive:
		return stoppedStyle
	case s.Paused:
		return pausedStyle
	case s.State == watcher.StateIdle:
		return dimStyle
	}
	return activeStyle
}

// renderSessionsTable lays out one row per session, giving the goal
// whatever width is left.
func renderSessionsTable(sessions []watcher.Snapshot, width int, now time.Time) string {
	const (
		colKey    = 18
		colPane   = 6
		colState  = 10
		colCycles = 6
		colActive = 9
		gaps      = 5
	)
	colGoal := width - colKey - colPane - colState - colCycles - colActive - gaps
	if colGoal < 10 {
		colGoal = 10
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(strings.Join([]string{
		padRight("SESSION", colKey),
		padRight("PANE", colPane),
		padRight("STATE", colState),
		padRight("CYCLES", colCycles),
		padRight("ACTIVE", colActive),
		"GOAL",
	}, " ")))
	b.WriteString("\n")

	for _, s := range sessions {
		state := s.State.String()
		if s.Paused && s.State != watcher.StateStopped {
			state = "paused"
		}
		if !s.PaneAlive {
			state = "pane gone"
		}
		goal := strings.Join(strings.Fields(s.Goal), " ")
		b.WriteString(strings.Join([]string{
			keyStyle.Render(padRight(s.Key, colKey)),
			padRight(s.PaneRef, colPane),
			stateStyle(s).Render(padRight(state, colState)),
			padRight(fmt.Sprintf("%d", s.Cycles), colCycles),
			dimStyle.Render(padRight(formatAgo(s.LastActivity, now), colActive)),
			truncate(goal, colGoal),
		}, " "))
		b.WriteString("\n")
	}
	return b.String()
}

// renderTranscript prints entries oldest first, one line each.
func renderTranscript(entries []transcript.Entry, width int) string {
	var b strings.Builder
	for _, e := range entries {
		ts := e.Timestamp.Local().Format("15:04:05")
		role := string(e.Role)
		style, ok := roleStyles[e.Role]
		if !ok {
			style = lipgloss.NewStyle()
		}
		prefix := fmt.Sprintf("%s %-11s ", ts, role)
		text := strings.Join(strings.Fields(e.Text), " ")
		avail := width - len(prefix)
		if avail < 20 {
			avail = 20
		}
		b.WriteString(dimStyle.Render(ts) + " " + style.Render(fmt.Sprintf("%-11s", role)) + " " + truncate(text, avail))
		b.WriteString("\n")
	}
	return b.String()
}
