package subprocess

import (
	"strings"
	"sync"
)

// Tail keeps the most recent lines written to it. Downloads can emit
// megabytes of stderr, but error classification only ever needs the end.
type Tail struct {
	mu    sync.Mutex
	max   int
	lines []string
}

func NewTail(max int) *Tail {
	if max <= 0 {
		max = 1
	}
	return &Tail{max: max}
}

func (t *Tail) Append(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lines = append(t.lines, line)
	if len(t.lines) > t.max {
		t.lines = t.lines[len(t.lines)-t.max:]
	}
}

// Lines returns a copy of the retained lines, oldest first.
func (t *Tail) Lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.lines))
	copy(out, t.lines)
	return out
}

func (t *Tail) String() string {
	return strings.Join(t.Lines(), "\n")
}
