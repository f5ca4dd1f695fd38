// Package transcript holds the bounded, ordered event log kept for each
// supervised session.
package transcript

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role tags the kind of event an Entry records.
type Role string

const (
	RolePlan       Role = "plan"
	RoleStatus     Role = "status"
	RoleWaitOutput Role = "wait_output"
	RoleIdleSpin   Role = "idle_spin"
	RoleInjection  Role = "injection"
	RoleDecision   Role = "decision"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RolePlan, RoleStatus, RoleWaitOutput, RoleIdleSpin, RoleInjection, RoleDecision:
		return true
	}
	return false
}

// Entry is a single immutable transcript event. Seq increases monotonically
// within one Log and is never reused, even after eviction.
type Entry struct {
	Seq       uint64    `json:"seq"`
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// DefaultCap is the entry cap used when New is given a non-positive cap.
const DefaultCap = 200

// DefaultTextBudget is the per-entry character budget used by RenderTail.
const DefaultTextBudget = 200

// Log is a FIFO-capped append-only log. Appends beyond the cap evict the
// oldest entries, including the original plan entry.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	head    int // entries[:head] are evicted
	cap     int
	nextSeq uint64
	now     func() time.Time
}

// New returns an empty Log holding at most cap entries.
func New(cap int) *Log {
	if cap <= 0 {
		cap = DefaultCap
	}
	return &Log{
		entries: make([]Entry, 0, min(cap, 64)),
		cap:     cap,
		nextSeq: 1,
		now:     time.Now,
	}
}

// Append records a new entry and returns it with its sequence number and
// timestamp filled in.
func (l *Log) Append(role Role, text string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e := Entry{
		Seq:       l.nextSeq,
		Role:      role,
		Text:      text,
		Timestamp: l.now(),
	}
	l.nextSeq++
	l.entries = append(l.entries, e)
	l.evictOverflowLocked()
	return e
}

// live returns the retained entries. Callers hold mu.
func (l *Log) live() []Entry {
	return l.entries[l.head:]
}

// evictOverflowLocked advances head until the log is at cap. Once a full
// cap of evicted slots has built up, the survivors are copied down, so the
// backing array stays under twice the cap and each append costs amortized
// constant time.
func (l *Log) evictOverflowLocked() {
	over := len(l.entries) - l.head - l.cap
	if over <= 0 {
		return
	}
	for i := l.head; i < l.head+over; i++ {
		l.entries[i] = Entry{}
	}
	l.head += over
	if l.head < l.cap {
		return
	}
	n := copy(l.entries, l.entries[l.head:])
	for i := n; i < len(l.entries); i++ {
		l.entries[i] = Entry{}
	}
	l.entries = l.entries[:n]
	l.head = 0
}

// Len returns the number of retained entries.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.live())
}

// Cap returns the configured maximum entry count.
func (l *Log) Cap() int {
	return l.cap
}

// Snapshot returns a copy of all retained entries in chronological order.
func (l *Log) Snapshot() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	live := l.live()
	out := make([]Entry, len(live))
	copy(out, live)
	return out
}

// Since returns retained entries with Seq greater than seq, oldest first.
func (l *Log) Since(seq uint64) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	live := l.live()
	for i, e := range live {
		if e.Seq > seq {
			out := make([]Entry, len(live)-i)
			copy(out, live[i:])
			return out
		}
	}
	return nil
}

// Last returns the most recent entry, if any.
func (l *Log) Last() (Entry, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	live := l.live()
	if len(live) == 0 {
		return Entry{}, false
	}
	return live[len(live)-1], true
}

// RenderTail formats the last k entries most-recent-first, one per line,
// with each entry's text cut to budget characters. It never mutates the log.
func (l *Log) RenderTail(k, budget int) string {
	if k <= 0 {
		return ""
	}
	if budget <= 0 {
		budget = DefaultTextBudget
	}

	l.mu.RLock()
	live := l.live()
	start := max(len(live)-k, 0)
	tail := make([]Entry, len(live)-start)
	copy(tail, live[start:])
	l.mu.RUnlock()

	var b strings.Builder
	for i := len(tail) - 1; i >= 0; i-- {
		e := tail[i]
		fmt.Fprintf(&b, "[%s] %s: %s\n", e.Timestamp.Format(time.RFC3339), e.Role, truncateRunes(e.Text, budget))
	}
	return b.String()
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
