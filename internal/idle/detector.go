// Package idle detects when a pane's visible content has stopped changing.
package idle

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/asheshgoplani/agent-mom/internal/logging"
	"github.com/asheshgoplani/agent-mom/internal/transcript"
)

var idleLog = logging.ForComponent(logging.CompIdle)

// Capturer is the part of the pane driver the detector needs.
type Capturer interface {
	Capture(ctx context.Context) ([]string, error)
}

const (
	DefaultThreshold    = 3 * time.Second
	DefaultPollInterval = 200 * time.Millisecond
)

// Detector tracks the last captured pane content and when it last changed.
type Detector struct {
	pane         Capturer
	threshold    time.Duration
	pollInterval time.Duration
	now          func() time.Time

	mu           sync.Mutex
	lastSnapshot string
	lastChange   time.Time
}

// New returns a Detector for pane. Non-positive durations fall back to the
// defaults.
func New(pane Capturer, threshold, pollInterval time.Duration) *Detector {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Detector{
		pane:         pane,
		threshold:    threshold,
		pollInterval: pollInterval,
		now:          time.Now,
		lastChange:   time.Now(),
	}
}

// Threshold returns the quiescence duration Settle waits for.
func (d *Detector) Threshold() time.Duration {
	return d.threshold
}

// Poll captures the pane once and compares it with the previous snapshot.
// A capture failure counts as no change. Returns true if content changed.
func (d *Detector) Poll(ctx context.Context) bool {
	lines, err := d.pane.Capture(ctx)
	if err != nil {
		logging.Aggregate(logging.CompIdle, "capture_failed", slog.String("error", err.Error()))
		idleLog.Debug("capture_failed", slog.String("error", err.Error()))
		return false
	}
	text := strings.Join(lines, "\n")

	d.mu.Lock()
	defer d.mu.Unlock()
	if text == d.lastSnapshot {
		return false
	}
	d.lastSnapshot = text
	d.lastChange = d.now()
	return true
}

// IdleFor returns how long the content has been unchanged.
func (d *Detector) IdleFor() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now().Sub(d.lastChange)
}

// Reset marks the content as having just changed.
func (d *Detector) Reset() {
	d.mu.Lock()
	d.lastChange = d.now()
	d.mu.Unlock()
}

// Settle polls until the pane has been unchanged for the threshold, then
// appends a single idle_spin entry to log. There is no upper bound: only
// ctx cancellation ends an unsettled spin, in which case nothing is
// appended and ctx.Err() is returned.
func (d *Detector) Settle(ctx context.Context, log *transcript.Log) (time.Duration, error) {
	start := d.now()
	d.Poll(ctx)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		idleFor := d.IdleFor()
		if idleFor >= d.threshold {
			spun := d.now().Sub(start)
			if log != nil {
				log.Append(transcript.RoleIdleSpin, fmt.Sprintf("idle_for=%.2fs spun=%.2fs", idleFor.Seconds(), spun.Seconds()))
			}
			idleLog.Debug("settled",
				slog.Duration("idle_for", idleFor),
				slog.Duration("spun", spun),
			)
			return idleFor, nil
		}

		select {
		case <-ctx.Done():
			return idleFor, ctx.Err()
		case <-ticker.C:
			if d.Poll(ctx) {
				logging.Aggregate(logging.CompIdle, "spin_tick")
			}
		}
	}
}
