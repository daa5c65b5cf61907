package wakeup

import (
	"sync"
	"time"
)

// Periodic is a HasWakeup implementation for a fixed-interval schedule,
// supplied as a ready-made building block for callers that want to reuse
// Runner for periodic work (the original dispatcher's comment calls this
// out explicitly as a shared pattern with delays and timeouts). Nothing in
// the dispatcher's own code or its tests uses it; it is available to
// periodic-task producers without re-deriving the HasWakeup arithmetic.
type Periodic struct {
	mu       sync.Mutex
	period   time.Duration
	lastRun  time.Time
	disabled bool
}

// NewPeriodic creates a Periodic whose first wakeup is one period from now.
func NewPeriodic(period time.Duration) *Periodic {
	return &Periodic{period: period, lastRun: time.Now()}
}

// NextWakeup implements HasWakeup.
func (p *Periodic) NextWakeup() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled {
		return time.Time{}, false
	}
	return p.lastRun.Add(p.period), true
}

// MarkRun resets the schedule from the current time, as if invoked
// immediately after the runner's callback processed this object.
func (p *Periodic) MarkRun() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastRun = time.Now()
}

// Disable permanently stops this object from reporting a next wakeup.
func (p *Periodic) Disable() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = true
}
