// Package tmux drives a single tmux pane: capture, key injection and
// liveness. A Pane is owned by exactly one watcher and released with Close.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/asheshgoplani/agent-mom/internal/logging"
)

var tmuxLog = logging.ForComponent(logging.CompTmux)

var (
	// ErrCaptureTimeout is returned when capture-pane exceeds its timeout.
	ErrCaptureTimeout = errors.New("capture-pane timed out")
	// ErrPaneNotFound is returned when the ref does not name a live pane.
	ErrPaneNotFound = errors.New("tmux pane not found")
	// ErrPaneClosed is returned by any operation after Close.
	ErrPaneClosed = errors.New("tmux pane handle closed")
)

const (
	captureTimeout = 3 * time.Second
	commandTimeout = 5 * time.Second
	chunkSize      = 4096
	chunkDelay     = 50 * time.Millisecond
	enterDelay     = 100 * time.Millisecond
)

// Runner executes a tmux subcommand and returns its stdout.
type Runner func(ctx context.Context, args ...string) ([]byte, error)

// execRunner runs the real tmux binary.
func execRunner(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "tmux", args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(exitErr.Stderr) > 0 {
			return out, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, err
	}
	return out, nil
}

// IsTmuxAvailable checks if tmux is installed and accessible.
func IsTmuxAvailable() error {
	cmd := exec.Command("tmux", "-V")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("tmux not found or not working: %w (output: %s)", err, string(output))
	}
	return nil
}

// Pane is a handle to one tmux pane.
type Pane struct {
	ref string // caller-supplied target
	id  string // canonical pane id, e.g. "%7"
	run Runner

	captureSf singleflight.Group

	sendMu sync.Mutex // serializes multi-step key injection

	mu     sync.RWMutex
	closed bool
}

// Open resolves ref (a pane id like "%7" or any tmux target) to a live
// pane.
func Open(ref string) (*Pane, error) {
	return OpenWith(ref, execRunner)
}

// OpenWith is Open with a custom command runner.
func OpenWith(ref string, run Runner) (*Pane, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("%w: empty pane ref", ErrPaneNotFound)
	}
	p := &Pane{ref: ref, run: run}
	id, err := p.resolveID(context.Background())
	if err != nil {
		return nil, err
	}
	p.id = id
	tmuxLog.Debug("pane_opened", slog.String("ref", ref), slog.String("pane_id", id))
	return p, nil
}

func (p *Pane) resolveID(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	out, err := p.run(ctx, "display-message", "-p", "-t", p.ref, "#{pane_id}")
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrPaneNotFound, p.ref, err)
	}
	id := strings.TrimSpace(string(out))
	if !strings.HasPrefix(id, "%") {
		return "", fmt.Errorf("%w: %s", ErrPaneNotFound, p.ref)
	}
	return id, nil
}

// Ref returns the canonical tmux pane id, so two refs naming the same pane
// compare equal.
func (p *Pane) Ref() string { return p.id }

// Target returns the ref the pane was opened with.
func (p *Pane) Target() string { return p.ref }

func (p *Pane) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Capture returns the visible pane content as lines with trailing blank
// lines removed. -J joins wrapped lines so content doesn't change on resize.
// Concurrent calls share one subprocess.
func (p *Pane) Capture(ctx context.Context) ([]string, error) {
	if p.isClosed() {
		return nil, ErrPaneClosed
	}
	v, err, _ := p.captureSf.Do("capture", func() (interface{}, error) {
		cctx, cancel := context.WithTimeout(ctx, captureTimeout)
		defer cancel()
		out, err := p.run(cctx, "capture-pane", "-p", "-J", "-t", p.id)
		if err != nil {
			if errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return nil, ErrCaptureTimeout
			}
			return nil, fmt.Errorf("failed to capture pane: %w", err)
		}
		return splitCapture(string(out)), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

// splitCapture splits capture-pane output into lines and drops the blank
// rows tmux pads the visible area with.
func splitCapture(content string) []string {
	lines := strings.Split(content, "\n")
	end := len(lines)
	for end > 0 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	out := make([]string, end)
	for i := 0; i < end; i++ {
		out[i] = strings.TrimRight(lines[i], " \t")
	}
	return out
}

// Tail returns the last n captured lines joined with newlines.
func (p *Pane) Tail(ctx context.Context, n int) (string, error) {
	lines, err := p.Capture(ctx)
	if err != nil {
		return "", err
	}
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n"), nil
}

// SendKeys types text into the pane as literal keys. With submit set, Enter
// follows after a short delay: tmux 3.2+ wraps -l input in bracketed paste
// and an Enter in the same buffer gets swallowed by TUI input handlers.
func (p *Pane) SendKeys(ctx context.Context, text string, submit bool) error {
	if p.isClosed() {
		return ErrPaneClosed
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	chunks := splitIntoChunks(text, chunkSize)
	for i, chunk := range chunks {
		if err := p.sendLiteral(ctx, chunk); err != nil {
			return fmt.Errorf("failed to send chunk %d/%d: %w", i+1, len(chunks), err)
		}
		if i < len(chunks)-1 {
			if err := sleepCtx(ctx, chunkDelay); err != nil {
				return err
			}
		}
	}
	if !submit {
		return nil
	}
	if len(chunks) > 0 {
		if err := sleepCtx(ctx, enterDelay); err != nil {
			return err
		}
	}
	return p.sendEnter(ctx)
}

func (p *Pane) sendLiteral(ctx context.Context, keys string) error {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := p.run(cctx, "send-keys", "-l", "-t", p.id, "--", keys)
	return err
}

func (p *Pane) sendEnter(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	_, err := p.run(cctx, "send-keys", "-t", p.id, "Enter")
	return err
}

// Alive reports whether the pane still exists.
func (p *Pane) Alive(ctx context.Context) bool {
	if p.isClosed() {
		return false
	}
	id, err := p.resolveID(ctx)
	return err == nil && id == p.id
}

// Close releases the handle. The tmux pane itself is left running.
func (p *Pane) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	tmuxLog.Debug("pane_released", slog.String("pane_id", p.id))
	return nil
}

// splitIntoChunks splits content into chunks of at most maxSize bytes,
// preferring to split at newline boundaries. If a single line exceeds maxSize,
// it is split at the byte boundary as a fallback.
func splitIntoChunks(content string, maxSize int) []string {
	if content == "" {
		return nil
	}
	if len(content) <= maxSize {
		return []string{content}
	}

	var chunks []string
	remaining := content

	for len(remaining) > 0 {
		if len(remaining) <= maxSize {
			chunks = append(chunks, remaining)
			break
		}

		cutPoint := strings.LastIndex(remaining[:maxSize], "\n")
		if cutPoint > 0 {
			chunks = append(chunks, remaining[:cutPoint+1])
			remaining = remaining[cutPoint+1:]
		} else {
			chunks = append(chunks, remaining[:maxSize])
			remaining = remaining[maxSize:]
		}
	}

	return chunks
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
