// Package watcher runs the per-session supervision loop: wait for a
// trigger, gather evidence, let the pane settle, ask for a decision and
// inject the next command.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asheshgoplani/agent-mom/internal/decide"
	"github.com/asheshgoplani/agent-mom/internal/idle"
	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/transcript"
)

var watcherLog = logging.ForComponent(logging.CompWatcher)

var (
	// ErrStopped is returned when addressing a watcher whose loop has been
	// told to stop.
	ErrStopped = errors.New("watcher stopped")
	// ErrQueueFull is returned when the trigger queue is at capacity.
	ErrQueueFull = errors.New("watcher event queue full")
)

// Pane is the terminal the watcher drives. The watcher owns it and closes
// it when the loop exits.
type Pane interface {
	Ref() string
	Capture(ctx context.Context) ([]string, error)
	Tail(ctx context.Context, n int) (string, error)
	SendKeys(ctx context.Context, text string, submit bool) error
	Alive(ctx context.Context) bool
	Close() error
}

// Waiter runs the wait step. An empty cmd sleeps for sleep, or the
// Waiter's own default when sleep is zero.
type Waiter interface {
	Run(ctx context.Context, cmd string, sleep time.Duration) (string, error)
}

// Event triggers one cycle. WaitCmd overrides the watcher's default wait
// command; empty means use the default.
type Event struct {
	WaitCmd string
}

// Config is everything New needs.
type Config struct {
	Key     string
	Pane    Pane
	Goal    string
	WaitCmd string
	Decider decide.Decider
	Waiter  Waiter
	Options Options
}

// Watcher supervises one pane.
type Watcher struct {
	key     string
	pane    Pane
	decider decide.Decider
	waiter  Waiter
	opts    Options
	log     *transcript.Log
	idle    *idle.Detector
	events  chan Event
	created time.Time

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	lifeMu  sync.Mutex
	started bool
	stopped bool

	mu           sync.RWMutex
	goal         string
	waitCmd      string
	paused       bool
	state        State
	paneAlive    bool
	lastActivity time.Time
	cycles       int
}

// New builds a watcher and records the goal as the first plan entry. The
// loop does not run until Start.
func New(cfg Config) *Watcher {
	opts := cfg.Options.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	now := time.Now()
	w := &Watcher{
		key:          cfg.Key,
		pane:         cfg.Pane,
		decider:      cfg.Decider,
		waiter:       cfg.Waiter,
		opts:         opts,
		log:          transcript.New(opts.MaxTranscript),
		idle:         idle.New(cfg.Pane, opts.IdleThreshold, opts.IdlePollInterval),
		events:       make(chan Event, opts.QueueSize),
		created:      now,
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		goal:         cfg.Goal,
		waitCmd:      cfg.WaitCmd,
		paneAlive:    true,
		lastActivity: now,
	}
	w.log.Append(transcript.RolePlan, cfg.Goal)
	return w
}

// Key returns the session key.
func (w *Watcher) Key() string { return w.key }

// PaneRef returns the ref of the owned pane.
func (w *Watcher) PaneRef() string { return w.pane.Ref() }

// Transcript returns the watcher's log. Callers must treat it as read-only.
func (w *Watcher) Transcript() *transcript.Log { return w.log }

// Start launches the loop. Calling it more than once, or after Stop, does
// nothing.
func (w *Watcher) Start() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.started || w.stopped {
		return
	}
	w.started = true
	go w.run()
}

// Stop asks the loop to exit and returns without waiting. The in-flight
// step is cancelled through the loop context.
func (w *Watcher) Stop() {
	w.lifeMu.Lock()
	defer w.lifeMu.Unlock()
	if w.stopped {
		return
	}
	w.stopped = true
	w.cancel()
	if !w.started {
		w.release()
	}
}

// Done is closed once the loop has exited and the pane has been released.
func (w *Watcher) Done() <-chan struct{} { return w.done }

// Wait blocks until the loop exits or ctx ends.
func (w *Watcher) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Watcher) release() {
	if err := w.pane.Close(); err != nil {
		watcherLog.Warn("pane_release_failed", slog.String("session", w.key), slog.String("error", err.Error()))
	}
	w.setState(StateStopped)
	close(w.done)
}

// Trigger enqueues a cycle without blocking.
func (w *Watcher) Trigger(ev Event) error {
	if w.ctx.Err() != nil {
		return ErrStopped
	}
	select {
	case w.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

// UpdateGoal replaces the goal and records the replacement.
func (w *Watcher) UpdateGoal(goal string) {
	w.mu.Lock()
	w.goal = goal
	w.lastActivity = time.Now()
	w.mu.Unlock()
	w.log.Append(transcript.RolePlan, goal)
}

// SetWaitCmd replaces the default wait command.
func (w *Watcher) SetWaitCmd(cmd string) {
	w.mu.Lock()
	w.waitCmd = cmd
	w.mu.Unlock()
}

// AddStatus records a progress report from the supervised agent.
func (w *Watcher) AddStatus(text string) {
	w.touch()
	w.log.Append(transcript.RoleStatus, text)
}

// Goal returns the current goal text.
func (w *Watcher) Goal() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.goal
}

// Paused reports whether the last decision stopped the watcher.
func (w *Watcher) Paused() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.paused
}

// State returns the loop's current state.
func (w *Watcher) State() State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *Watcher) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

func (w *Watcher) setPaused(p bool) {
	w.mu.Lock()
	w.paused = p
	w.mu.Unlock()
}

func (w *Watcher) touch() {
	w.mu.Lock()
	w.lastActivity = time.Now()
	w.mu.Unlock()
}

// Pause asks for a decision right now on the caller's goroutine, records
// it and pauses the watcher. It does not go through the event queue; the
// pane tail stands in for wait output.
func (w *Watcher) Pause(ctx context.Context) (decide.Decision, error) {
	if w.ctx.Err() != nil {
		return decide.Decision{}, ErrStopped
	}
	w.touch()

	tail, err := w.pane.Tail(ctx, w.opts.TailLines)
	if err != nil {
		watcherLog.Warn("pause_tail_failed", slog.String("session", w.key), slog.String("error", err.Error()))
		tail = fmt.Sprintf("[pane capture failed] %v", err)
	}

	dec, err := w.decider.Decide(ctx, w.prompt(tail))
	if err != nil {
		return decide.Decision{}, fmt.Errorf("pause decision: %w", err)
	}

	text := "pause: " + dec.String()
	if dec.Command != "" {
		text += ": " + dec.Command
	}
	w.log.Append(transcript.RoleDecision, text)
	w.setPaused(true)
	watcherLog.Info("paused",
		slog.String("session", w.key),
		slog.Bool("proceed", dec.Proceed),
	)
	return dec, nil
}

func (w *Watcher) prompt(waitOutput string) string {
	tail := w.log.RenderTail(w.opts.PromptTailEntries, w.opts.EntryTextBudget)
	return decide.BuildPrompt(w.Goal(), tail, waitOutput, w.opts.TranscriptBudget)
}

// Snapshot is a read-only view of a watcher.
type Snapshot struct {
	Key           string    `json:"session_key"`
	PaneRef       string    `json:"pane_ref"`
	Goal          string    `json:"goal"`
	WaitCmd       string    `json:"wait_cmd,omitempty"`
	State         State     `json:"state"`
	Paused        bool      `json:"paused"`
	PaneAlive     bool      `json:"pane_alive"`
	Cycles        int       `json:"cycles"`
	TranscriptLen int       `json:"transcript_len"`
	QueueLen      int       `json:"queue_len"`
	CreatedAt     time.Time `json:"created_at"`
	LastActivity  time.Time `json:"last_activity"`
}

// Snapshot returns the current view.
func (w *Watcher) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Snapshot{
		Key:           w.key,
		PaneRef:       w.pane.Ref(),
		Goal:          w.goal,
		WaitCmd:       w.waitCmd,
		State:         w.state,
		Paused:        w.paused,
		PaneAlive:     w.paneAlive,
		Cycles:        w.cycles,
		TranscriptLen: w.log.Len(),
		QueueLen:      len(w.events),
		CreatedAt:     w.created,
		LastActivity:  w.lastActivity,
	}
}

func (w *Watcher) run() {
	defer w.release()

	watcherLog.Info("watcher_started", slog.String("session", w.key), slog.String("pane", w.pane.Ref()))
	defer watcherLog.Info("watcher_stopped", slog.String("session", w.key))

	timer := time.NewTimer(w.opts.PollInterval)
	defer timer.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case ev := <-w.events:
			w.cycle(ev)
		case <-timer.C:
			w.checkPane()
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(w.opts.PollInterval)
	}
}

// checkPane refreshes liveness while idle. A vanished pane is reported but
// does not stop the watcher; only clear does.
func (w *Watcher) checkPane() {
	alive := w.pane.Alive(w.ctx)
	if w.ctx.Err() != nil {
		return
	}
	w.mu.Lock()
	was := w.paneAlive
	w.paneAlive = alive
	w.mu.Unlock()
	if was && !alive {
		watcherLog.Warn("pane_gone", slog.String("session", w.key), slog.String("pane", w.pane.Ref()))
	}
}

// cycle runs wait, settle, decide and inject for one event. A stop request
// observed between steps abandons the cycle without deciding.
func (w *Watcher) cycle(ev Event) {
	l := watcherLog.With(slog.String("session", w.key), slog.String("cycle", uuid.NewString()))
	start := time.Now()

	w.mu.Lock()
	w.paused = false
	w.cycles++
	w.lastActivity = start
	waitCmd := w.waitCmd
	w.mu.Unlock()
	if ev.WaitCmd != "" {
		waitCmd = ev.WaitCmd
	}
	defer func() {
		if w.ctx.Err() == nil {
			w.setState(StateIdle)
		}
	}()

	l.Info("cycle_start", slog.Bool("wait_cmd", waitCmd != ""))

	w.setState(StateWaiting)
	out, err := w.waiter.Run(w.ctx, waitCmd, w.opts.DefaultWait)
	if w.ctx.Err() != nil {
		l.Info("cycle_abandoned", slog.String("at", StateWaiting.String()))
		return
	}
	if err != nil {
		l.Warn("wait_failed", slog.String("error", err.Error()))
		out = fmt.Sprintf("[wait failed] %v\n%s", err, out)
	}
	w.log.Append(transcript.RoleWaitOutput, out)

	w.setState(StateSettling)
	idleFor, err := w.idle.Settle(w.ctx, w.log)
	if err != nil || w.ctx.Err() != nil {
		l.Info("cycle_abandoned", slog.String("at", StateSettling.String()))
		return
	}

	w.setState(StateDeciding)
	dec, err := w.decider.Decide(w.ctx, w.prompt(out))
	if w.ctx.Err() != nil {
		l.Info("cycle_abandoned", slog.String("at", StateDeciding.String()))
		return
	}
	if err != nil {
		l.Error("decision_failed", slog.String("error", err.Error()))
		w.log.Append(transcript.RoleDecision, fmt.Sprintf("stop (decision error: %v)", err))
		w.setPaused(true)
		return
	}

	switch {
	case !dec.Proceed:
		w.log.Append(transcript.RoleDecision, "stop")
		w.setPaused(true)
	case dec.Command == "":
		l.Warn("missing_command")
		w.log.Append(transcript.RoleDecision, dec.String())
	case w.Paused():
		w.log.Append(transcript.RoleDecision, "continue suppressed: paused")
	default:
		w.setState(StateInjecting)
		if err := w.pane.SendKeys(w.ctx, dec.Command, w.opts.PressEnter); err != nil {
			if w.ctx.Err() != nil {
				return
			}
			l.Error("inject_failed", slog.String("error", err.Error()))
			w.log.Append(transcript.RoleDecision, fmt.Sprintf("continue: inject failed: %v", err))
			return
		}
		w.log.Append(transcript.RoleInjection, dec.Command)
		w.log.Append(transcript.RoleDecision, "continue")
		w.idle.Reset()
	}

	l.Info("cycle_done",
		slog.String("decision", dec.String()),
		slog.Duration("idle_for", idleFor),
		slog.Duration("elapsed", time.Since(start)),
	)
}
