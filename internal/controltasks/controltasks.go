// Package controltasks is the explicit registry of named control-command
// handlers described in spec.md §4.3/§6 and REDESIGN FLAGS: it replaces the
// Python dispatcher's dynamic `getattr(control_tasks, action)` lookup
// against a module of plain functions with a static map, while keeping the
// same plug-in shape and the same "names starting with _ are never matched"
// rule.
package controltasks

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/ricirt/dispatch/internal/dispatcher"
)

// registry is the concrete dispatcher.Registry this package exposes.
type registry struct {
	handlers map[string]dispatcher.ControlHandler
}

// Default builds the registry carrying the mandatory control commands named
// in spec.md §6: alive, running, cancel, plus the SPEC_FULL-added status.
func Default() dispatcher.Registry {
	r := &registry{handlers: make(map[string]dispatcher.ControlHandler)}
	r.register("alive", alive)
	r.register("running", running)
	r.register("cancel", cancel)
	r.register("status", status)
	return r
}

// register inserts fn under name. Names beginning with "_" are silently
// refused, matching the "never inserted" rule regardless of caller intent.
func (r *registry) register(name string, fn dispatcher.ControlHandler) {
	if strings.HasPrefix(name, "_") {
		return
	}
	r.handlers[name] = fn
}

func (r *registry) Lookup(action string) (dispatcher.ControlHandler, bool) {
	if strings.HasPrefix(action, "_") {
		return nil, false
	}
	fn, ok := r.handlers[action]
	return fn, ok
}

var _ dispatcher.Registry = (*registry)(nil)

// alive replies with nothing but {node_id}, which Dispatcher.RunControlAction
// stamps on every reply. It exists purely to confirm the process is up and
// processing its own control channel.
func alive(ctx context.Context, d *dispatcher.Dispatcher, data json.RawMessage) (map[string]any, error) {
	d.NotifyAlive(ctx)
	return map[string]any{}, nil
}

// delayedWorkerID is the worker_id spec.md §6 reserves for a task still
// waiting out its delay, reported by "running" alongside in-flight tasks.
const delayedWorkerID = "<delayed>"

// running reports one [worker_id, message] pair per occupied worker slot,
// plus one [<delayed>, message] pair per not-yet-run delayed task.
func running(ctx context.Context, d *dispatcher.Dispatcher, data json.RawMessage) (map[string]any, error) {
	entries := d.Pool().Running()
	out := make([][2]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, [2]any{e.WorkerID, e.Message})
	}
	for _, m := range d.DelayedMessages() {
		out = append(out, [2]any{delayedWorkerID, m})
	}
	return map[string]any{"running": out}, nil
}

type cancelArgs struct {
	UUID string `json:"uuid"`
}

// cancel cancels a task by uuid, whether it is currently running, staged in
// the pool's queues, or still waiting out a delay in the dispatcher,
// returning the [worker_id, message] pairs affected. worker_id is
// "<delayed>" for a task cancelled while waiting out its delay, and empty
// for one cancelled from the pool's staging queues.
func cancel(ctx context.Context, d *dispatcher.Dispatcher, data json.RawMessage) (map[string]any, error) {
	var args cancelArgs
	if len(data) > 0 {
		if err := json.Unmarshal(data, &args); err != nil {
			return map[string]any{"error": "invalid control_data: " + err.Error()}, nil
		}
	}

	out := make([][2]any, 0, 1)

	// Read the slot before cancelling: once cancelled, the task's slot may be
	// freed before it could be looked up.
	workerID := workerIDOf(d, args.UUID)
	if msg, ok := d.Pool().CancelByUUID(args.UUID); ok {
		out = append(out, [2]any{workerID, msg})
	} else if msg, ok := d.CancelDelayedByUUID(args.UUID); ok {
		out = append(out, [2]any{delayedWorkerID, msg})
	}

	return map[string]any{"canceled": out}, nil
}

func workerIDOf(d *dispatcher.Dispatcher, uuid string) string {
	for _, e := range d.Pool().Running() {
		if e.Message.UUID == uuid {
			return e.WorkerID
		}
	}
	return ""
}

// status reports worker pool counters, a SPEC_FULL supplement (spec.md §9
// open question resolutions name it as an additional non-underscore
// handler) useful for health checks and dashboards beyond the mandatory set.
func status(ctx context.Context, d *dispatcher.Dispatcher, data json.RawMessage) (map[string]any, error) {
	pool := d.Pool()
	return map[string]any{
		"finished":      pool.FinishedCount(),
		"canceled":      pool.CanceledCount(),
		"discarded":     pool.DiscardedCount(),
		"control":       pool.ControlCount(),
		"received":      d.ReceivedCount(),
		"running_count": len(pool.Running()),
	}, nil
}
