package logging

import (
	"bytes"
	"os"
	"sync"
)

// LineRing keeps the most recent complete log lines within a byte budget.
// It is an io.Writer; a trailing partial line is held until its newline
// arrives.
type LineRing struct {
	mu      sync.Mutex
	lines   [][]byte
	head    int // index of the oldest line
	count   int
	bytes   int
	budget  int
	partial []byte
}

// NewLineRing returns a ring holding at most budget bytes of lines.
func NewLineRing(budget int) *LineRing {
	if budget <= 0 {
		budget = 2 * 1024 * 1024
	}
	return &LineRing{budget: budget, lines: make([][]byte, 64)}
}

// Write implements io.Writer.
func (r *LineRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := p
	if len(r.partial) > 0 {
		data = append(r.partial, p...)
		r.partial = nil
	}
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		r.push(data[:i])
		data = data[i+1:]
	}
	if len(data) > 0 {
		r.partial = append([]byte(nil), data...)
	}
	return len(p), nil
}

func (r *LineRing) push(line []byte) {
	if len(line) > r.budget {
		line = line[len(line)-r.budget:]
	}
	for r.count > 0 && r.bytes+len(line) > r.budget {
		r.bytes -= len(r.lines[r.head])
		r.lines[r.head] = nil
		r.head = (r.head + 1) % len(r.lines)
		r.count--
	}
	if r.count == len(r.lines) {
		grown := make([][]byte, 2*len(r.lines))
		for i := 0; i < r.count; i++ {
			grown[i] = r.lines[(r.head+i)%len(r.lines)]
		}
		r.lines = grown
		r.head = 0
	}
	r.lines[(r.head+r.count)%len(r.lines)] = append([]byte(nil), line...)
	r.count++
	r.bytes += len(line)
}

// Lines returns up to n of the newest lines, oldest first. n <= 0 means all.
func (r *LineRing) Lines(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > r.count {
		n = r.count
	}
	out := make([]string, 0, n)
	for i := r.count - n; i < r.count; i++ {
		out = append(out, string(r.lines[(r.head+i)%len(r.lines)]))
	}
	return out
}

// Len is the number of complete lines held.
func (r *LineRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// DumpToFile writes every held line to path, newline terminated.
func (r *LineRing) DumpToFile(path string) error {
	var buf bytes.Buffer
	for _, l := range r.Lines(0) {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	return os.WriteFile(path, buf.Bytes(), 0o600)
}
