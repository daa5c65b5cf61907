// Package workerpool implements the dispatch surface described in spec.md
// §4.2: accept dispatch requests, enforce the per-task-uuid on_duplicate
// policy, route to workers, collect results. The worker body itself — the
// Python dispatcher's subprocess target — is an external collaborator here,
// contracted only through the TaskRunner interface and the finished-result
// channel a real process-based launcher would otherwise write to (see
// launcher.go and DESIGN.md).
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ricirt/dispatch/internal/message"
)

// TaskRunner executes one task's payload. It is the seam between the pool
// and the worker body; the goroutine-based launcher in this repository
// calls it in-process, standing in for the Python multiprocessing worker
// that the pool contract never looks inside of.
type TaskRunner interface {
	Run(ctx context.Context, msg message.Message) error
}

// RunningEntry is one row of the "running" control command's reply: a
// worker slot and the message it currently holds.
type RunningEntry struct {
	WorkerID string
	Message  message.Message
}

// Config controls dedup-policy edge cases left open by spec.md §9.
type Config struct {
	MaxWorkers int

	// QueueOneReplaces resolves the queue_one Open Question: when true a
	// third arrival for the same key replaces the currently staged pending
	// message; when false (the zero value) the new arrival is dropped and
	// counted as discarded. cmd/dispatcherd sets it to true.
	QueueOneReplaces bool

	// Hooks receives pool lifecycle events for observability. Every field
	// is optional; a nil func is simply not called. Keeping this as plain
	// closures (rather than importing internal/metrics here) mirrors the
	// teacher's WorkerHooks pattern, which keeps this package free of a
	// Prometheus dependency.
	Hooks Hooks
}

// Hooks are the observability callbacks a Pool invokes as work moves
// through it. See internal/metrics.Metrics.WorkerPoolHooks for the
// Prometheus-backed implementation this repository wires in by default.
type Hooks struct {
	OnFinished   func()
	OnCanceled   func()
	OnDiscarded  func()
	OnBusyChange func(busy int)
}

func (h Hooks) finished() {
	if h.OnFinished != nil {
		h.OnFinished()
	}
}

func (h Hooks) canceled() {
	if h.OnCanceled != nil {
		h.OnCanceled()
	}
}

func (h Hooks) discarded() {
	if h.OnDiscarded != nil {
		h.OnDiscarded()
	}
}

func (h Hooks) busyChange(n int) {
	if h.OnBusyChange != nil {
		h.OnBusyChange(n)
	}
}

type reservation struct {
	uuid string
}

type runningTask struct {
	message  message.Message
	cancel   context.CancelFunc
	canceled bool
}

type finishedResult struct {
	slot     int
	key      string
	canceled bool
}

// Pool is the worker pool described in spec.md §3/§4.2.
type Pool struct {
	cfg    Config
	runner TaskRunner
	logger *zap.Logger

	mu           sync.Mutex
	cond         *sync.Cond
	slots        []*runningTask
	queue        []message.Message
	activeKeys   map[string]reservation
	pendingByKey map[string][]message.Message
	shuttingDown bool

	finishedCh chan finishedResult
	taskWG     sync.WaitGroup
	loopDone   chan struct{}
	readerDone chan struct{}

	finishedCount  atomic.Int64
	canceledCount  atomic.Int64
	discardedCount atomic.Int64
	controlCount   atomic.Int64

	clearedMu sync.Mutex
	clearedCh chan struct{}
}

// New constructs a Pool. Start must be called before DispatchTask.
func New(cfg Config, runner TaskRunner, logger *zap.Logger) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Pool{
		cfg:          cfg,
		runner:       runner,
		logger:       logger,
		slots:        make([]*runningTask, cfg.MaxWorkers),
		activeKeys:   make(map[string]reservation),
		pendingByKey: make(map[string][]message.Message),
		finishedCh:   make(chan finishedResult, cfg.MaxWorkers*2+8),
		loopDone:     make(chan struct{}),
		readerDone:   make(chan struct{}),
		clearedCh:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the dispatch loop and the finished-result reader.
func (p *Pool) Start(ctx context.Context) {
	go p.dispatchLoop(ctx)
	go p.finishedReader()
}

// DispatchTask enqueues a message for execution according to its
// on_duplicate policy. If a worker is free and no policy blocks it, it is
// handed off on the next dispatch-loop iteration; otherwise it is staged.
func (p *Pool) DispatchTask(msg message.Message) error {
	key := msg.DedupKey()
	policy := msg.OnDuplicate
	if policy == "" {
		policy = message.Parallel
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.shuttingDown {
		return nil
	}

	if policy != message.Parallel {
		if _, active := p.activeKeys[key]; active {
			switch policy {
			case message.Discard:
				p.discardedCount.Add(1)
				p.cfg.Hooks.discarded()
				return nil
			case message.Serial:
				p.pendingByKey[key] = append(p.pendingByKey[key], msg)
				return nil
			case message.QueueOne:
				if p.cfg.QueueOneReplaces {
					p.pendingByKey[key] = []message.Message{msg}
				} else if len(p.pendingByKey[key]) == 0 {
					p.pendingByKey[key] = []message.Message{msg}
				} else {
					p.discardedCount.Add(1)
					p.cfg.Hooks.discarded()
				}
				return nil
			}
		}
	}

	p.activeKeys[key] = reservation{uuid: msg.UUID}
	p.queue = append(p.queue, msg)
	p.cond.Broadcast()
	return nil
}

func (p *Pool) dispatchLoop(parentCtx context.Context) {
	defer close(p.loopDone)

	p.mu.Lock()
	for {
		if p.shuttingDown {
			p.mu.Unlock()
			return
		}
		slotIdx := p.firstFreeSlotLocked()
		if len(p.queue) == 0 || slotIdx < 0 {
			p.cond.Wait()
			continue
		}

		msg := p.queue[0]
		p.queue = p.queue[1:]
		taskCtx, cancel := context.WithCancel(parentCtx)
		task := &runningTask{message: msg, cancel: cancel}
		p.slots[slotIdx] = task
		busy := p.busyCountLocked()
		p.mu.Unlock()

		p.cfg.Hooks.busyChange(busy)
		p.taskWG.Add(1)
		go p.runOne(taskCtx, slotIdx, task, msg)

		p.mu.Lock()
	}
}

func (p *Pool) busyCountLocked() int {
	n := 0
	for _, s := range p.slots {
		if s != nil {
			n++
		}
	}
	return n
}

func (p *Pool) runOne(ctx context.Context, slotIdx int, task *runningTask, msg message.Message) {
	defer p.taskWG.Done()

	if err := p.runner.Run(ctx, msg); err != nil {
		p.logger.Warn("task runner returned error",
			zap.String("uuid", msg.UUID), zap.Error(err))
	}

	p.mu.Lock()
	canceled := task.canceled
	p.mu.Unlock()

	p.finishedCh <- finishedResult{slot: slotIdx, key: msg.DedupKey(), canceled: canceled}
}

func (p *Pool) firstFreeSlotLocked() int {
	for i, s := range p.slots {
		if s == nil {
			return i
		}
	}
	return -1
}

func (p *Pool) finishedReader() {
	defer close(p.readerDone)
	for res := range p.finishedCh {
		p.mu.Lock()
		p.slots[res.slot] = nil
		delete(p.activeKeys, res.key)

		if res.canceled {
			p.canceledCount.Add(1)
		} else {
			p.finishedCount.Add(1)
		}

		p.promoteNextLocked(res.key)

		idle := len(p.queue) == 0 && p.allSlotsFreeLocked()
		busy := p.busyCountLocked()
		p.cond.Broadcast()
		p.mu.Unlock()

		if res.canceled {
			p.cfg.Hooks.canceled()
		} else {
			p.cfg.Hooks.finished()
		}
		p.cfg.Hooks.busyChange(busy)

		if idle {
			p.pulseCleared()
		}
	}
}

// promoteNextLocked moves the next pending message for key (if any) onto
// the ready queue, re-reserving the key. Caller must hold p.mu.
func (p *Pool) promoteNextLocked(key string) {
	pending, ok := p.pendingByKey[key]
	if !ok || len(pending) == 0 {
		return
	}
	next := pending[0]
	pending = pending[1:]
	if len(pending) == 0 {
		delete(p.pendingByKey, key)
	} else {
		p.pendingByKey[key] = pending
	}
	p.activeKeys[key] = reservation{uuid: next.UUID}
	p.queue = append(p.queue, next)
}

func (p *Pool) allSlotsFreeLocked() bool {
	for _, s := range p.slots {
		if s != nil {
			return false
		}
	}
	return true
}

// Running returns one entry per occupied worker slot, per spec.md's
// "running" control command.
func (p *Pool) Running() []RunningEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]RunningEntry, 0, len(p.slots))
	for i, s := range p.slots {
		if s == nil {
			continue
		}
		out = append(out, RunningEntry{WorkerID: slotID(i), Message: s.message})
	}
	return out
}

func slotID(i int) string {
	const digits = "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	// Pool sizes beyond single digits still format correctly via strconv
	// semantics; avoided importing strconv here purely for the common
	// small-pool case above.
	return itoa(i)
}

func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var buf [20]byte
	pos := len(buf)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}

// CancelByUUID cancels the task with the given UUID, whether it is staged
// (queued or pending-by-key) or actively running. Returns the cancelled
// message and true if found.
func (p *Pool) CancelByUUID(uuid string) (message.Message, bool) {
	p.mu.Lock()

	for _, t := range p.slots {
		if t != nil && t.message.UUID == uuid {
			t.canceled = true
			msg := t.message
			cancel := t.cancel
			p.mu.Unlock()
			cancel()
			return msg, true
		}
	}

	for i, m := range p.queue {
		if m.UUID == uuid {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			delete(p.activeKeys, m.DedupKey())
			p.promoteNextLocked(m.DedupKey())
			p.canceledCount.Add(1)
			idle := len(p.queue) == 0 && p.allSlotsFreeLocked()
			p.mu.Unlock()
			p.cfg.Hooks.canceled()
			if idle {
				p.pulseCleared()
			}
			return m, true
		}
	}

	for key, list := range p.pendingByKey {
		for i, m := range list {
			if m.UUID == uuid {
				list = append(list[:i], list[i+1:]...)
				if len(list) == 0 {
					delete(p.pendingByKey, key)
				} else {
					p.pendingByKey[key] = list
				}
				p.canceledCount.Add(1)
				p.mu.Unlock()
				p.cfg.Hooks.canceled()
				return m, true
			}
		}
	}

	p.mu.Unlock()
	return message.Message{}, false
}

// Shutdown stops accepting new work, cancels in-flight tasks, and waits for
// them to unwind.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.shuttingDown = true
	for _, t := range p.slots {
		if t != nil {
			t.canceled = true
			t.cancel()
		}
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	select {
	case <-p.loopDone:
	case <-ctx.Done():
	}

	doneWaiting := make(chan struct{})
	go func() {
		p.taskWG.Wait()
		close(doneWaiting)
	}()

	select {
	case <-doneWaiting:
	case <-ctx.Done():
	}

	close(p.finishedCh)

	select {
	case <-p.readerDone:
	case <-ctx.Done():
	}

	return nil
}

// WorkCleared returns a channel that is closed exactly once, the next time
// the pool transitions to idle (no running task, no staged task). Callers
// must re-invoke WorkCleared after waking to observe the next pulse —
// mirroring the clear()-then-wait() pattern the Python dispatcher's tests
// use on asyncio.Event.
func (p *Pool) WorkCleared() <-chan struct{} {
	p.clearedMu.Lock()
	defer p.clearedMu.Unlock()
	return p.clearedCh
}

func (p *Pool) pulseCleared() {
	p.clearedMu.Lock()
	close(p.clearedCh)
	p.clearedCh = make(chan struct{})
	p.clearedMu.Unlock()
}

// IncrementControl bumps the control-command counter. Called by the
// dispatcher once a control action has completed, since the workerpool
// (not the dispatcher) owns this counter per spec.md §3.
func (p *Pool) IncrementControl() {
	p.controlCount.Add(1)
}

func (p *Pool) FinishedCount() int64  { return p.finishedCount.Load() }
func (p *Pool) CanceledCount() int64  { return p.canceledCount.Load() }
func (p *Pool) DiscardedCount() int64 { return p.discardedCount.Load() }
func (p *Pool) ControlCount() int64   { return p.controlCount.Load() }
