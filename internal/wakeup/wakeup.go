// Package wakeup implements a generic lazy single-task timer over a set of
// objects that each report their own next deadline. It is the Go rendition
// of the Python dispatcher's NextWakeupRunner: delayed tasks, periodic
// schedules, and timeouts all share this shape, and consolidating them
// removes repeated timer-goroutine plumbing.
package wakeup

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// HasWakeup is the capability interface a wakeup-bearing object must
// satisfy. NextWakeup returns the deadline at which the runner's callback
// should next fire for this object, and ok=false if this object currently
// has nothing scheduled ("never" in spec.md's vocabulary).
type HasWakeup interface {
	NextWakeup() (deadline time.Time, ok bool)
}

// Collection is the live set of wakeup-bearing objects the runner watches.
// Implementations must be safe to call Items() on concurrently with
// mutation from the owner goroutine, since the background task reads it
// from a different goroutine than the one that mutates it in the
// dispatcher's case — callers typically satisfy this with a mutex-guarded
// snapshot, see dispatcher.Dispatcher.delayedItems.
type Collection interface {
	Items() []HasWakeup
}

// SliceCollection adapts a plain slice-returning func into a Collection.
type SliceCollection func() []HasWakeup

func (f SliceCollection) Items() []HasWakeup { return f() }

// Runner lazily runs a background goroutine that invokes callback whenever
// at least one object in the collection has a deadline that is due. The
// background goroutine is created on demand by the first Kick call that
// finds a next wakeup, and exits once no object reports one (or on
// Shutdown).
type Runner struct {
	objects  Collection
	callback func(ctx context.Context) error
	logger   *zap.Logger
	name     string

	mu         sync.Mutex
	running    bool
	kick       chan struct{}
	done       chan struct{}
	shutdownCh chan struct{}
	shutdownOn sync.Once
}

// New constructs a Runner. callback is invoked on the runner's own
// goroutine; an error returned from callback is logged and the loop goes on.
// The error is not reported to the caller and does not stop the runner.
func New(objects Collection, callback func(ctx context.Context) error, logger *zap.Logger, name string) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		objects:    objects,
		callback:   callback,
		logger:     logger,
		name:       name,
		kick:       make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
}

// GetNextWakeup returns the minimum non-"never" deadline across the
// collection, or ok=false if every object reports "never".
func (r *Runner) GetNextWakeup() (time.Time, bool) {
	var next time.Time
	found := false
	for _, obj := range r.objects.Items() {
		d, ok := obj.NextWakeup()
		if !ok {
			continue
		}
		if !found || d.Before(next) {
			next = d
			found = true
		}
	}
	return next, found
}

// Kick ensures the background goroutine is running if and only if there is
// a deadline to wait for. If the goroutine is already running, it signals a
// re-evaluation, since the collection may have changed since the last loop
// iteration.
func (r *Runner) Kick() {
	if _, ok := r.GetNextWakeup(); !ok {
		// Optimization: nothing scheduled, don't bother starting a goroutine.
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		select {
		case r.kick <- struct{}{}:
		default:
		}
		return
	}

	r.running = true
	r.done = make(chan struct{})
	go r.backgroundTask(r.done)
}

// Shutdown stops the background goroutine (if running) and waits for it to
// exit.
func (r *Runner) Shutdown(ctx context.Context) {
	r.shutdownOn.Do(func() { close(r.shutdownCh) })

	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done == nil {
		return
	}

	select {
	case <-done:
	case <-ctx.Done():
	}
}

func (r *Runner) backgroundTask(done chan struct{}) {
	defer close(done)

	ctx := context.Background()
	for {
		select {
		case <-r.shutdownCh:
			r.markStopped()
			return
		default:
		}

		next, ok := r.GetNextWakeup()
		if !ok {
			if r.stopIfStillIdle() {
				return
			}
			continue
		}

		now := time.Now()
		if !next.After(now) {
			if err := r.callback(ctx); err != nil {
				r.logger.Error("wakeup callback failed", zap.String("runner", r.name), zap.Error(err))
			}
			next, ok = r.GetNextWakeup()
			if !ok {
				if r.stopIfStillIdle() {
					return
				}
				continue
			}
			now = time.Now()
		}

		delta := next.Sub(now)
		if delta < 0 {
			delta = 0
		}

		timer := time.NewTimer(delta)
		select {
		case <-timer.C:
		case <-r.kick:
			timer.Stop()
		case <-r.shutdownCh:
			timer.Stop()
			r.markStopped()
			return
		}
	}
}

// stopIfStillIdle decides, atomically with respect to Kick, whether the
// background goroutine may actually stop. A Kick that arrives between the
// caller's own GetNextWakeup()==false result and this check must not be
// lost: either a kick token is already buffered, in which case it is
// consumed and the loop continues, or a new wakeup has appeared in the
// meantime, in which case running stays true and the loop continues.
// Only when neither holds does it clear running and report true.
func (r *Runner) stopIfStillIdle() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	select {
	case <-r.kick:
		return false
	default:
	}
	if _, ok := r.GetNextWakeup(); ok {
		return false
	}

	r.running = false
	return true
}

func (r *Runner) markStopped() {
	r.mu.Lock()
	r.running = false
	r.mu.Unlock()
}
