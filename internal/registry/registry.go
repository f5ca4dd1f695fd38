// Package registry owns every live watcher, addressed by session key, and
// resolves which session a caller means when it omits the key.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/asheshgoplani/agent-mom/internal/decide"
	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/watcher"
)

var registryLog = logging.ForComponent(logging.CompRegistry)

var (
	// ErrNotFound is returned for an unknown session key, or when nothing
	// is attached yet and no key was given.
	ErrNotFound = errors.New("no watcher exists yet")
	// ErrNoKey is returned when a session key is needed but none could be
	// derived from the call.
	ErrNoKey = errors.New("session key required")
	// ErrPaneInUse is returned when attaching a pane another session owns.
	ErrPaneInUse = errors.New("pane already supervised by another session")
)

const (
	ResultAttached = "attached"
	ResultUpdated  = "updated"
	ResultRecorded = "recorded+waiting"
	ResultCleared  = "cleared"
	ResultNoop     = "noop"
)

// PaneOpener acquires a pane handle from a ref.
type PaneOpener func(ref string) (watcher.Pane, error)

// Deps are the collaborators shared by every watcher.
type Deps struct {
	OpenPane PaneOpener
	Decider  decide.Decider
	Waiter   watcher.Waiter
}

// Registry maps session keys to watchers. All mapping mutations happen
// under mu; watcher internals are only reached through their own API.
type Registry struct {
	deps Deps

	mu       sync.Mutex
	watchers map[string]*watcher.Watcher
	lastKey  map[string]string // caller identity -> last addressed key
	opts     watcher.Options
	closed   bool

	// releasing holds panes of cleared watchers whose loop has not exited,
	// mapped to the cleared key.
	releasing map[string]string

	// stopping tracks cleared watchers still winding down, for Shutdown.
	stopping sync.WaitGroup
}

// New returns an empty registry creating watchers with opts.
func New(deps Deps, opts watcher.Options) *Registry {
	return &Registry{
		deps:      deps,
		watchers:  make(map[string]*watcher.Watcher),
		lastKey:   make(map[string]string),
		releasing: make(map[string]string),
		opts:      opts,
	}
}

// SetDefaults changes the options for watchers created from now on.
func (r *Registry) SetDefaults(opts watcher.Options) {
	r.mu.Lock()
	r.opts = opts
	r.mu.Unlock()
	registryLog.Info("defaults_updated",
		slog.Duration("idle_threshold", opts.IdleThreshold),
		slog.Int("max_transcript", opts.MaxTranscript),
		slog.Duration("default_wait", opts.DefaultWait),
	)
}

// Defaults returns the options new watchers get.
func (r *Registry) Defaults() watcher.Options {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opts
}

// Remember records key as caller's most recently addressed session.
func (r *Registry) Remember(caller, key string) {
	if caller == "" || key == "" {
		return
	}
	r.mu.Lock()
	r.lastKey[caller] = key
	r.mu.Unlock()
}

// Resolve picks the session a call addresses: the explicit key, else the
// caller's remembered key if that watcher still exists, else any live
// watcher. With several live watchers the last fallback is arbitrary;
// multi-session callers must pass a key.
func (r *Registry) Resolve(caller, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if caller != "" {
		if key, ok := r.lastKey[caller]; ok {
			if _, live := r.watchers[key]; live {
				return key, nil
			}
		}
	}
	for key := range r.watchers {
		return key, nil
	}
	return "", ErrNotFound
}

// ResolveOwn is Resolve without the any-watcher fallback: the explicit key,
// else the caller's remembered key, else a watcher keyed by the caller id
// itself. Destructive calls use it so they never land on another client's
// session.
func (r *Registry) ResolveOwn(caller, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if caller == "" {
		return "", ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if key, ok := r.lastKey[caller]; ok {
		if _, live := r.watchers[key]; live {
			return key, nil
		}
	}
	if _, live := r.watchers[caller]; live {
		return caller, nil
	}
	return "", ErrNotFound
}

// Attach creates a watcher for key bound to paneRef, or updates the goal of
// an existing one without restarting it. A non-empty waitCmd replaces the
// watcher's default wait command.
func (r *Registry) Attach(key, paneRef, goal, waitCmd string) (string, error) {
	if key == "" {
		return "", ErrNoKey
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", watcher.ErrStopped
	}
	if w, ok := r.watchers[key]; ok {
		r.mu.Unlock()
		w.UpdateGoal(goal)
		if waitCmd != "" {
			w.SetWaitCmd(waitCmd)
		}
		registryLog.Info("goal_updated", slog.String("session", key))
		return ResultUpdated, nil
	}
	r.mu.Unlock()

	// Open outside the lock; it shells out to tmux.
	pane, err := r.deps.OpenPane(paneRef)
	if err != nil {
		return "", fmt.Errorf("attach %s: %w", key, err)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = pane.Close()
		return "", watcher.ErrStopped
	}
	if w, ok := r.watchers[key]; ok {
		// Lost a race with a concurrent attach for the same key.
		r.mu.Unlock()
		_ = pane.Close()
		w.UpdateGoal(goal)
		if waitCmd != "" {
			w.SetWaitCmd(waitCmd)
		}
		return ResultUpdated, nil
	}
	for other, w := range r.watchers {
		if w.PaneRef() == pane.Ref() {
			r.mu.Unlock()
			_ = pane.Close()
			return "", fmt.Errorf("%w: %s is owned by %s", ErrPaneInUse, pane.Ref(), other)
		}
	}
	if other, ok := r.releasing[pane.Ref()]; ok {
		r.mu.Unlock()
		_ = pane.Close()
		return "", fmt.Errorf("%w: %s is still being released by %s", ErrPaneInUse, pane.Ref(), other)
	}
	w := watcher.New(watcher.Config{
		Key:     key,
		Pane:    pane,
		Goal:    goal,
		WaitCmd: waitCmd,
		Decider: r.deps.Decider,
		Waiter:  r.deps.Waiter,
		Options: r.opts,
	})
	r.watchers[key] = w
	w.Start()
	r.mu.Unlock()

	registryLog.Info("attached", slog.String("session", key), slog.String("pane", pane.Ref()))
	return ResultAttached, nil
}

// RecordStatus appends a status report and triggers a cycle. waitCmd, when
// non-empty, is used for this cycle's wait step.
func (r *Registry) RecordStatus(key, status, waitCmd string) (string, error) {
	w, err := r.Get(key)
	if err != nil {
		return "", err
	}
	w.AddStatus(status)
	if err := w.Trigger(watcher.Event{WaitCmd: waitCmd}); err != nil {
		return "", fmt.Errorf("trigger %s: %w", key, err)
	}
	registryLog.Debug("status_recorded", slog.String("session", key))
	return ResultRecorded, nil
}

// Pause asks for a decision synchronously and pauses the watcher.
func (r *Registry) Pause(ctx context.Context, key string) (decide.Decision, error) {
	w, err := r.Get(key)
	if err != nil {
		return decide.Decision{}, err
	}
	return w.Pause(ctx)
}

// Clear stops and removes the watcher for key. The key is gone from the
// mapping before this returns; the loop may still be finishing its step,
// and its pane cannot be attached again until it has.
func (r *Registry) Clear(key string) string {
	r.mu.Lock()
	w, ok := r.watchers[key]
	var ref string
	if ok {
		delete(r.watchers, key)
		ref = w.PaneRef()
		r.releasing[ref] = key
		r.stopping.Add(1)
	}
	r.mu.Unlock()

	if !ok {
		return ResultNoop
	}
	w.Stop()
	go func() {
		<-w.Done()
		r.mu.Lock()
		if r.releasing[ref] == key {
			delete(r.releasing, ref)
		}
		r.mu.Unlock()
		r.stopping.Done()
	}()
	registryLog.Info("cleared", slog.String("session", key))
	return ResultCleared
}

// Get returns the watcher for key.
func (r *Registry) Get(key string) (*watcher.Watcher, error) {
	if key == "" {
		return nil, ErrNoKey
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.watchers[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return w, nil
}

// List returns snapshots of all live watchers sorted by key.
func (r *Registry) List() []watcher.Snapshot {
	r.mu.Lock()
	ws := make([]*watcher.Watcher, 0, len(r.watchers))
	for _, w := range r.watchers {
		ws = append(ws, w)
	}
	r.mu.Unlock()

	out := make([]watcher.Snapshot, len(ws))
	for i, w := range ws {
		out[i] = w.Snapshot()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Len returns the number of live watchers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.watchers)
}

// Shutdown clears every watcher and waits for all loops to exit or ctx to
// end. Attach fails afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	keys := make([]string, 0, len(r.watchers))
	for k := range r.watchers {
		keys = append(keys, k)
	}
	r.mu.Unlock()

	for _, k := range keys {
		r.Clear(k)
	}

	done := make(chan struct{})
	go func() {
		r.stopping.Wait()
		close(done)
	}()
	select {
	case <-done:
		registryLog.Info("shutdown_complete", slog.Int("watchers", len(keys)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
