package progress

import (
	"sync"
	"time"
)

// minDebounceInterval is the floor between same-stage percent pushes.
const minDebounceInterval = 1 * time.Second

// Debouncer gates how often a worker reports progress upstream. Stage
// transitions always pass; within a stage, a push needs an integer percent
// change and at least a second since the previous push.
type Debouncer struct {
	mu        sync.Mutex
	started   bool
	last      time.Time
	lastStage string
	lastPct   float64
}

func NewDebouncer() *Debouncer {
	return &Debouncer{}
}

func (d *Debouncer) ShouldPush(stage string, percent float64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := Clock.Now()
	push := !d.started ||
		stage != d.lastStage ||
		(int(percent) != int(d.lastPct) && now.Sub(d.last) >= minDebounceInterval)
	if !push {
		return false
	}
	d.started = true
	d.last, d.lastStage, d.lastPct = now, stage, percent
	return true
}
