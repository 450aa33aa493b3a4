package mcp

import "sync"

// LogRing keeps the most recent lines written by a subprocess's stderr.
// Old lines fall off the front once capacity is reached.
type LogRing struct {
	mu    sync.Mutex
	cap   int
	lines []string
}

// NewLogRing creates a ring holding at most capacity lines. A capacity of
// zero or less defaults to 50.
func NewLogRing(capacity int) *LogRing {
	if capacity <= 0 {
		capacity = 50
	}
	return &LogRing{cap: capacity}
}

// Append adds a line, dropping the oldest when full.
func (r *LogRing) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines = append(r.lines, line)
	if len(r.lines) > r.cap {
		// Shift rather than reslice so the backing array does not pin
		// every line ever written.
		n := copy(r.lines, r.lines[len(r.lines)-r.cap:])
		r.lines = r.lines[:n]
	}
}

// Tail returns a copy of the retained lines, oldest first.
func (r *LogRing) Tail() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, len(r.lines))
	copy(out, r.lines)
	return out
}
