package dispatcher_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricirt/dispatch/internal/dispatcher"
	"github.com/ricirt/dispatch/internal/message"
	"github.com/ricirt/dispatch/internal/workerpool"
)

type noopRunner struct{}

func (noopRunner) Run(context.Context, message.Message) error { return nil }

type fakeRegistry struct {
	handlers map[string]dispatcher.ControlHandler
}

func (r *fakeRegistry) Lookup(action string) (dispatcher.ControlHandler, bool) {
	fn, ok := r.handlers[action]
	return fn, ok
}

func newDispatcher(t *testing.T, registry dispatcher.Registry) (*dispatcher.Dispatcher, *workerpool.Pool) {
	t.Helper()
	pool := workerpool.New(workerpool.Config{MaxWorkers: 4}, noopRunner{}, nil)
	d := dispatcher.New(pool, nil, registry, "test-node", nil)
	pool.Start(context.Background())
	return d, pool
}

func TestProcessMessageDispatchesToPool(t *testing.T) {
	d, pool := newDispatcher(t, &fakeRegistry{})

	replyCh, replyPayload, hasReply := d.ProcessMessage(context.Background(), `{"task":"echo","uuid":"abc"}`, "dispatcher")
	require.False(t, hasReply)
	require.Empty(t, replyCh)
	require.Empty(t, replyPayload)

	select {
	case <-pool.WorkCleared():
	case <-time.After(time.Second):
		t.Fatal("task never finished")
	}
	require.EqualValues(t, 1, pool.FinishedCount())
}

func TestProcessMessageAssignsInternalUUID(t *testing.T) {
	d, _ := newDispatcher(t, &fakeRegistry{})

	_, _, _ = d.ProcessMessage(context.Background(), `{"task":"echo"}`, "")
	require.Equal(t, 1, d.ReceivedCount())

	// A delayed message stays observable, so its assigned UUID can be read.
	_, _, _ = d.ProcessMessage(context.Background(), `{"task":"echo","delay":60}`, "")
	delayed := d.DelayedMessages()
	require.Len(t, delayed, 1)
	require.Equal(t, "internal-1", delayed[0].UUID)
}

func TestProcessMessageDelaysTask(t *testing.T) {
	d, pool := newDispatcher(t, &fakeRegistry{})

	_, _, hasReply := d.ProcessMessage(context.Background(), `{"task":"echo","uuid":"later","delay":0.05}`, "")
	require.False(t, hasReply)
	require.EqualValues(t, 0, pool.FinishedCount())

	time.Sleep(300 * time.Millisecond)
	require.EqualValues(t, 1, pool.FinishedCount())
}

func TestDelayedControlWithReplyRejectedAtIngress(t *testing.T) {
	d, _ := newDispatcher(t, &fakeRegistry{handlers: map[string]dispatcher.ControlHandler{
		"alive": func(ctx context.Context, d *dispatcher.Dispatcher, data json.RawMessage) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}})

	_, _, hasReply := d.ProcessMessage(context.Background(), `{"control":"alive","reply_to":"q","delay":1}`, "")
	require.False(t, hasReply, "a delayed control with reply_to must be rejected at ingress, not queued")
}

func TestRunControlActionUnknownActionWithReply(t *testing.T) {
	d, _ := newDispatcher(t, &fakeRegistry{})

	replyCh, replyPayload, hasReply := d.RunControlAction(context.Background(), "nope", nil, "reply_to_x")
	require.True(t, hasReply)
	require.Equal(t, "reply_to_x", replyCh)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(replyPayload), &decoded))
	require.Equal(t, "No control method nope", decoded["error"])
	require.Equal(t, "test-node", decoded["node_id"])
}

func TestRunControlActionUnknownActionNoReply(t *testing.T) {
	d, _ := newDispatcher(t, &fakeRegistry{})

	_, _, hasReply := d.RunControlAction(context.Background(), "nope", nil, "")
	require.False(t, hasReply)
}

func TestRunControlActionKnownActionStampsNodeID(t *testing.T) {
	d, pool := newDispatcher(t, &fakeRegistry{handlers: map[string]dispatcher.ControlHandler{
		"alive": func(ctx context.Context, d *dispatcher.Dispatcher, data json.RawMessage) (map[string]any, error) {
			return map[string]any{}, nil
		},
	}})

	replyCh, replyPayload, hasReply := d.RunControlAction(context.Background(), "alive", nil, "reply_to_y")
	require.True(t, hasReply)
	require.Equal(t, "reply_to_y", replyCh)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal([]byte(replyPayload), &decoded))
	require.Equal(t, "test-node", decoded["node_id"])
	require.EqualValues(t, 1, pool.ControlCount())
}

func TestDelayedMessagesSnapshotsPendingDelays(t *testing.T) {
	d, pool := newDispatcher(t, &fakeRegistry{})

	_, _, _ = d.ProcessMessage(context.Background(), `{"task":"echo","uuid":"delay_task","delay":60}`, "")
	require.Len(t, d.DelayedMessages(), 1)
	require.Equal(t, "delay_task", d.DelayedMessages()[0].UUID)

	require.NoError(t, d.Shutdown(context.Background()))
	require.Empty(t, d.DelayedMessages())
	require.EqualValues(t, 0, pool.FinishedCount())
}

func TestShutdownAbandonsDelayedTasks(t *testing.T) {
	d, pool := newDispatcher(t, &fakeRegistry{})

	_, _, _ = d.ProcessMessage(context.Background(), `{"task":"echo","uuid":"never","delay":60}`, "")

	require.NoError(t, d.Shutdown(context.Background()))
	require.EqualValues(t, 0, pool.FinishedCount())

	select {
	case <-d.Exit():
	default:
		t.Fatal("shutdown must request exit")
	}
}
