package service

import (
	"bytes"
	"strings"
	"sync"
)

// Tail keeps the last N lines written to it, safe for concurrent writes.
// Used to attach the end of a failed group's output to its error without
// holding the whole log in memory.
type Tail struct {
	max   int
	lines []string
	mu    sync.Mutex
}

// NewTail creates io.Writer keeping the last max lines, 0 disables capture
func NewTail(maximum int) *Tail {
	return &Tail{max: maximum}
}

// Write satisfies io.Writer, drops the oldest line once the limit is reached
func (t *Tail) Write(p []byte) (n int, err error) {
	if t.max == 0 {
		return len(p), nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for line := range bytes.SplitSeq(p, []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		if len(t.lines) >= t.max {
			t.lines = t.lines[1:]
		}
		t.lines = append(t.lines, string(line))
	}
	return len(p), nil
}

// String returns the captured lines joined back together
func (t *Tail) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.lines, "\n")
}
