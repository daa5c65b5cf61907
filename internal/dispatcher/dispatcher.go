// Package dispatcher implements the orchestrator described in spec.md §4.3:
// it owns the producers, the worker pool, the set of delayed messages, and
// the control-action dispatch. It is the Go rendition of the Python
// dispatcher's DispatcherMain, grounded on
// original_source/dispatcher/service/main.py.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ricirt/dispatch/internal/message"
	"github.com/ricirt/dispatch/internal/wakeup"
	"github.com/ricirt/dispatch/internal/workerpool"
)

// ControlHandler runs one named control action against a running Dispatcher
// and returns a record to be merged with {node_id}. It is the Go stand-in
// for the Python control_tasks module's plain functions, invoked here via
// the explicit registry in internal/controltasks rather than reflection.
type ControlHandler func(ctx context.Context, d *Dispatcher, data json.RawMessage) (map[string]any, error)

// Registry maps a control action name to its handler. Names beginning with
// "_" are never looked up, matching spec.md §4.3's rejection rule.
type Registry interface {
	Lookup(action string) (ControlHandler, bool)
}

// Producer is the subset of producer.Producer the dispatcher depends on,
// narrowed to an interface so tests can substitute a fake.
type Producer interface {
	Ready() <-chan struct{}
	StartProducing(ctx context.Context, consumer interface {
		ProcessMessage(ctx context.Context, payload, channel string) (replyChannel, replyPayload string, hasReply bool)
	}) error
	Shutdown(ctx context.Context) error
}

// delayCapsule tracks one delayed message, grounded on
// original_source/dispatcher/service/main.py's DelayCapsule.
type delayCapsule struct {
	receivedAt time.Time
	delay      time.Duration
	message    message.Message

	// mu is Dispatcher.mu, shared rather than copied: NextWakeup is called
	// from the wakeup runner's own goroutine outside of any Dispatcher
	// critical section, while hasRan is also written from
	// processDelayedTasks — both must agree on one lock.
	mu     *sync.Mutex
	hasRan bool
}

func (c *delayCapsule) NextWakeup() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasRan {
		return time.Time{}, false
	}
	return c.receivedAt.Add(c.delay), true
}

var _ wakeup.HasWakeup = (*delayCapsule)(nil)

// Dispatcher is the main coordinator described in spec.md §4.3.
type Dispatcher struct {
	NodeID string

	pool      *workerpool.Pool
	producers []Producer
	registry  Registry
	logger    *zap.Logger

	// fdMu guards the window during which producers connect; held while
	// starting producers, mirroring the Python fd_lock used to avoid DNS
	// hangs racing a subprocess fork.
	fdMu sync.Mutex

	mu            sync.Mutex
	delayed       map[*delayCapsule]struct{}
	receivedCount int
	shuttingDown  bool

	delayRunner      *wakeup.Runner
	hooks            Hooks
	onNodeRegistered OnNodeRegistered

	exitOnce sync.Once
	exitCh   chan struct{}

	// FatalErr is the fatal-error inbox: WatchFatal logs the first error
	// sent here and calls RequestExit, like the Python fatal_error_callback
	// wired to exit_event. Neither this package, the pool nor the producers
	// send on it; only code holding the Dispatcher does.
	FatalErr chan error
}

// Hooks are the observability callbacks a Dispatcher invokes as messages
// and control actions flow through it. Every field is optional. See
// internal/metrics.Metrics.DispatcherHooks for the Prometheus-backed
// implementation wired in by default.
type Hooks struct {
	OnMessageReceived      func(channel string)
	OnControlAction        func(action string)
	OnDelayedPendingChange func(n int)
}

func (h Hooks) messageReceived(channel string) {
	if h.OnMessageReceived != nil {
		h.OnMessageReceived(channel)
	}
}

func (h Hooks) controlAction(action string) {
	if h.OnControlAction != nil {
		h.OnControlAction(action)
	}
}

func (h Hooks) delayedPendingChange(n int) {
	if h.OnDelayedPendingChange != nil {
		h.OnDelayedPendingChange(n)
	}
}

// OnNodeRegistered is invoked once per successful "alive" control reply so a
// caller can keep a durable node registry fresh; see internal/nodestate.
// Optional — nil is a no-op.
type OnNodeRegistered func(ctx context.Context, nodeID string)

// New constructs a Dispatcher. nodeID empty generates a fresh UUID per
// spec.md §3's node identity rule.
func New(pool *workerpool.Pool, producers []Producer, registry Registry, nodeID string, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	d := &Dispatcher{
		NodeID:    nodeID,
		pool:      pool,
		producers: producers,
		registry:  registry,
		logger:    logger,
		delayed:   make(map[*delayCapsule]struct{}),
		exitCh:    make(chan struct{}),
		FatalErr:  make(chan error, 8),
	}
	d.delayRunner = wakeup.New(wakeup.SliceCollection(d.delayedItems), d.processDelayedTasks, logger, "delayed-tasks")
	return d
}

// SetHooks installs the observability callbacks. Call before Start.
func (d *Dispatcher) SetHooks(h Hooks) { d.hooks = h }

// SetOnNodeRegistered installs the callback NotifyAlive invokes. Typically
// wired to nodestate.Registry.Touch.
func (d *Dispatcher) SetOnNodeRegistered(fn OnNodeRegistered) { d.onNodeRegistered = fn }

// NotifyAlive is called by the "alive" control handler on every successful
// reply, refreshing the durable node registry without this package
// depending on it directly.
func (d *Dispatcher) NotifyAlive(ctx context.Context) {
	if d.onNodeRegistered != nil {
		d.onNodeRegistered(ctx, d.NodeID)
	}
}

func (d *Dispatcher) delayedItems() []wakeup.HasWakeup {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]wakeup.HasWakeup, 0, len(d.delayed))
	for c := range d.delayed {
		out = append(out, c)
	}
	return out
}

// Exit returns a channel that is closed once RequestExit has been called:
// by cmd/dispatcherd's signal handler, by WatchFatal on a fatal error, or by
// Shutdown. No control command in controltasks.Default calls it.
func (d *Dispatcher) Exit() <-chan struct{} { return d.exitCh }

// RequestExit triggers the coordinator-wide cancellation signal. Safe to
// call more than once or concurrently.
func (d *Dispatcher) RequestExit() {
	d.exitOnce.Do(func() { close(d.exitCh) })
}

// WatchFatal drains FatalErr and calls RequestExit on the first error seen,
// matching the Python fatal_error_callback's behavior of logging and
// setting exit_event.
func (d *Dispatcher) WatchFatal(ctx context.Context) {
	select {
	case err := <-d.FatalErr:
		if err != nil {
			d.logger.Error("fatal error from dispatcher component, exiting", zap.Error(err))
		}
		d.RequestExit()
	case <-ctx.Done():
	case <-d.exitCh:
	}
}

// Start fills the worker pool and begins production on every configured
// producer, holding fdMu while the producers start — the window in which a
// real broker would be opening sockets. The pool is started before fdMu is
// taken.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.pool.Start(ctx)

	d.fdMu.Lock()
	defer d.fdMu.Unlock()
	for _, p := range d.producers {
		if err := p.StartProducing(ctx, d); err != nil {
			return fmt.Errorf("dispatcher: producer failed to start: %w", err)
		}
	}
	return nil
}

// WaitForProducersReady blocks until every producer's subscription is live.
func (d *Dispatcher) WaitForProducersReady(ctx context.Context) error {
	for _, p := range d.producers {
		select {
		case <-p.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// ProcessMessage implements producer.Consumer. It decodes the payload,
// assigns an internal UUID when the publisher did not supply one, stamps
// the channel it arrived on, and routes to delay/control/dispatch.
func (d *Dispatcher) ProcessMessage(ctx context.Context, payload, channel string) (replyChannel, replyPayload string, hasReply bool) {
	msg := message.Normalize(payload)

	d.mu.Lock()
	if msg.UUID == "" {
		msg.UUID = fmt.Sprintf("internal-%d", d.receivedCount)
	}
	if channel != "" {
		msg.Channel = channel
	}
	d.receivedCount++
	d.mu.Unlock()

	d.hooks.messageReceived(channel)

	if msg.HasDelay() {
		if msg.HasControl() && msg.ReplyTo != "" {
			d.logger.Warn("rejecting delayed control message with reply_to at ingress",
				zap.String("uuid", msg.UUID), zap.String("control", msg.Control))
			return "", "", false
		}
		d.createDelayedTask(msg)
		return "", "", false
	}

	return d.ProcessMessageInternal(ctx, msg)
}

var _ interface {
	ProcessMessage(ctx context.Context, payload, channel string) (string, string, bool)
} = (*Dispatcher)(nil)

func (d *Dispatcher) createDelayedTask(msg message.Message) {
	capsule := &delayCapsule{
		receivedAt: time.Now(),
		delay:      time.Duration(msg.Delay * float64(time.Second)),
		message:    msg,
		mu:         &d.mu,
	}
	d.mu.Lock()
	d.delayed[capsule] = struct{}{}
	n := len(d.delayed)
	d.mu.Unlock()

	d.logger.Info("delaying task", zap.Duration("delay", capsule.delay), zap.String("uuid", msg.UUID))
	d.hooks.delayedPendingChange(n)
	d.delayRunner.Kick()
}

// ProcessMessageInternal routes an already-normalized message to either the
// control handler or the worker pool, per spec.md §4.3.
func (d *Dispatcher) ProcessMessageInternal(ctx context.Context, msg message.Message) (replyChannel, replyPayload string, hasReply bool) {
	if msg.HasControl() {
		return d.RunControlAction(ctx, msg.Control, msg.ControlData, msg.ReplyTo)
	}
	if err := d.pool.DispatchTask(msg); err != nil {
		d.logger.Error("failed to dispatch task", zap.String("uuid", msg.UUID), zap.Error(err))
	}
	return "", "", false
}

// RunControlAction looks up and invokes a named control handler, merging its
// result with {node_id} and incrementing the pool's control counter. Unknown
// or underscore-prefixed actions take the error path described in spec.md
// §4.3/§6.
func (d *Dispatcher) RunControlAction(ctx context.Context, action string, controlData json.RawMessage, replyTo string) (replyChannel, replyPayload string, hasReply bool) {
	handler, ok := d.registry.Lookup(action)

	var result map[string]any
	if !ok {
		d.logger.Warn("invalid control request", zap.String("action", action), zap.String("reply_to", replyTo))
		if replyTo == "" {
			return "", "", false
		}
		result = map[string]any{"error": fmt.Sprintf("No control method %s", action)}
	} else {
		var err error
		result, err = handler(ctx, d, controlData)
		if err != nil {
			d.logger.Error("control handler failed", zap.String("action", action), zap.Error(err))
			result = map[string]any{"error": err.Error()}
		}
		if result == nil {
			result = map[string]any{}
		}
	}

	result["node_id"] = d.NodeID
	d.pool.IncrementControl()
	d.hooks.controlAction(action)

	if replyTo == "" {
		d.logger.Info("control action completed, no reply requested", zap.String("action", action))
		return "", "", false
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		d.logger.Error("failed to encode control reply", zap.String("action", action), zap.Error(err))
		return "", "", false
	}
	d.logger.Info("control action completed, sending reply", zap.String("action", action), zap.String("reply_to", replyTo))
	return replyTo, string(encoded), true
}

// processDelayedTasks is the wakeup.Runner callback: run every capsule whose
// deadline has passed and remove it from the live set. hasRan is read and
// written here while holding d.mu directly rather than through
// delayCapsule.NextWakeup, since that method itself locks d.mu and this
// loop already holds it — calling through the method here would deadlock.
func (d *Dispatcher) processDelayedTasks(ctx context.Context) error {
	now := time.Now()

	d.mu.Lock()
	due := make([]*delayCapsule, 0)
	for c := range d.delayed {
		if c.hasRan {
			continue
		}
		if wake := c.receivedAt.Add(c.delay); !wake.After(now) {
			c.hasRan = true
			due = append(due, c)
		}
	}
	d.mu.Unlock()

	for _, c := range due {
		d.logger.Debug("wakeup for delayed task", zap.String("uuid", c.message.UUID))
		d.ProcessMessageInternal(ctx, c.message)

		d.mu.Lock()
		delete(d.delayed, c)
		n := len(d.delayed)
		d.mu.Unlock()
		d.hooks.delayedPendingChange(n)
	}
	return nil
}

// Shutdown stops producers, abandons any still-pending delayed tasks with a
// warning, then shuts down the pool — the exact ordering of
// original_source/dispatcher/service/main.py's DispatcherMain.shutdown.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shuttingDown = true
	d.mu.Unlock()

	for _, p := range d.producers {
		if err := p.Shutdown(ctx); err != nil {
			d.logger.Error("producer shutdown failed", zap.Error(err))
		}
	}

	d.delayRunner.Shutdown(ctx)

	d.mu.Lock()
	for c := range d.delayed {
		d.logger.Warn("abandoning delayed task due to shutdown",
			zap.Duration("delay", c.delay), zap.String("uuid", c.message.UUID))
	}
	d.delayed = make(map[*delayCapsule]struct{})
	d.mu.Unlock()
	d.hooks.delayedPendingChange(0)

	if err := d.pool.Shutdown(ctx); err != nil {
		d.logger.Error("pool shutdown failed", zap.Error(err))
	}

	d.RequestExit()
	return nil
}

// ReceivedCount reports how many messages ProcessMessage has accepted so
// far, used by the "status" control handler.
func (d *Dispatcher) ReceivedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.receivedCount
}

// Pool exposes the underlying worker pool to control handlers.
func (d *Dispatcher) Pool() *workerpool.Pool { return d.pool }

// DelayedMessages returns a snapshot of every message still waiting out its
// delay. Used by the "running" control handler, which must report delayed
// tasks alongside in-flight ones per spec.md §6.
func (d *Dispatcher) DelayedMessages() []message.Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]message.Message, 0, len(d.delayed))
	for c := range d.delayed {
		out = append(out, c.message)
	}
	return out
}

// CancelDelayedByUUID removes a not-yet-run delayed task by UUID, returning
// its message and true if one was found. Used by the "cancel" control
// handler alongside workerpool.Pool.CancelByUUID, since a delayed task is
// not yet known to the pool at all.
func (d *Dispatcher) CancelDelayedByUUID(uuid string) (message.Message, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for c := range d.delayed {
		if c.message.UUID == uuid {
			delete(d.delayed, c)
			d.hooks.delayedPendingChange(len(d.delayed))
			return c.message, true
		}
	}
	return message.Message{}, false
}
