package workerpool_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricirt/dispatch/internal/message"
	"github.com/ricirt/dispatch/internal/workerpool"
)

// blockingRunner blocks every invocation until the test explicitly releases
// it, letting tests observe exactly which tasks are running at a given
// moment and control completion order.
type blockingRunner struct {
	started chan string
	release chan struct{}
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 32),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(ctx context.Context, msg message.Message) error {
	id := msg.UUID
	if id == "" {
		id = msg.Task
	}
	r.started <- id
	select {
	case <-r.release:
	case <-ctx.Done():
	}
	return nil
}

func (r *blockingRunner) waitStarted(t *testing.T, want string) {
	t.Helper()
	select {
	case got := <-r.started:
		require.Equal(t, want, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("no task started, wanted %q", want)
	}
}

func (r *blockingRunner) assertNoneStarted(t *testing.T) {
	t.Helper()
	select {
	case got := <-r.started:
		t.Fatalf("did not expect a task to start, but %q did", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func (r *blockingRunner) releaseOne() {
	r.release <- struct{}{}
}

// noopRunner finishes immediately, used for pure throughput tests.
type noopRunner struct{}

func (noopRunner) Run(context.Context, message.Message) error { return nil }

func waitCleared(t *testing.T, p *workerpool.Pool, timeout time.Duration) {
	t.Helper()
	select {
	case <-p.WorkCleared():
	case <-time.After(timeout):
		t.Fatal("timed out waiting for work_cleared")
	}
}

func TestNoOpTask(t *testing.T) {
	p := workerpool.New(workerpool.Config{MaxWorkers: 1}, noopRunner{}, nil)
	ctx := context.Background()
	p.Start(ctx)

	require.NoError(t, p.DispatchTask(message.Message{Task: "noop", UUID: "1"}))
	waitCleared(t, p, time.Second)

	require.NoError(t, p.Shutdown(context.Background()))
	require.EqualValues(t, 1, p.FinishedCount())
}

func TestFifteenParallelTasks(t *testing.T) {
	p := workerpool.New(workerpool.Config{MaxWorkers: 4}, noopRunner{}, nil)
	ctx := context.Background()
	p.Start(ctx)

	for i := 0; i < 15; i++ {
		require.NoError(t, p.DispatchTask(message.Message{Task: "noop", UUID: itoaTest(i)}))
	}
	waitCleared(t, p, 3*time.Second)

	require.EqualValues(t, 15, p.FinishedCount())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestRunningReflectsOccupiedSlot(t *testing.T) {
	runner := newBlockingRunner()
	p := workerpool.New(workerpool.Config{MaxWorkers: 2}, runner, nil)
	ctx := context.Background()
	p.Start(ctx)

	require.NoError(t, p.DispatchTask(message.Message{Task: "sleep", UUID: "find_me"}))
	runner.waitStarted(t, "find_me")

	running := p.Running()
	require.Len(t, running, 1)
	require.Equal(t, "find_me", running[0].Message.UUID)

	runner.releaseOne()
	waitCleared(t, p, time.Second)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestCancelRunningTask(t *testing.T) {
	runner := newBlockingRunner()
	p := workerpool.New(workerpool.Config{MaxWorkers: 2}, runner, nil)
	ctx := context.Background()
	p.Start(ctx)

	require.NoError(t, p.DispatchTask(message.Message{Task: "sleep", UUID: "foobar"}))
	runner.waitStarted(t, "foobar")

	canceled, ok := p.CancelByUUID("foobar")
	require.True(t, ok)
	require.Equal(t, "foobar", canceled.UUID)

	waitCleared(t, p, time.Second)
	require.EqualValues(t, 0, p.FinishedCount())
	require.EqualValues(t, 1, p.CanceledCount())

	require.NoError(t, p.Shutdown(context.Background()))
}

func TestCancelStagedTask(t *testing.T) {
	runner := newBlockingRunner()
	p := workerpool.New(workerpool.Config{MaxWorkers: 1}, runner, nil)
	ctx := context.Background()
	p.Start(ctx)

	require.NoError(t, p.DispatchTask(message.Message{Task: "a", UUID: "running-one"}))
	runner.waitStarted(t, "running-one")

	require.NoError(t, p.DispatchTask(message.Message{Task: "b", UUID: "staged-one"}))
	canceled, ok := p.CancelByUUID("staged-one")
	require.True(t, ok)
	require.Equal(t, "staged-one", canceled.UUID)
	require.EqualValues(t, 1, p.CanceledCount())

	runner.releaseOne()
	waitCleared(t, p, time.Second)
	require.EqualValues(t, 1, p.FinishedCount())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestDiscardPolicy(t *testing.T) {
	runner := newBlockingRunner()
	p := workerpool.New(workerpool.Config{MaxWorkers: 2}, runner, nil)
	ctx := context.Background()
	p.Start(ctx)

	require.NoError(t, p.DispatchTask(message.Message{Task: "sleep", UUID: "dup", OnDuplicate: message.Discard}))
	runner.waitStarted(t, "dup")

	require.NoError(t, p.DispatchTask(message.Message{Task: "sleep", UUID: "dup", OnDuplicate: message.Discard}))

	require.EqualValues(t, 1, p.DiscardedCount())

	runner.releaseOne()
	waitCleared(t, p, time.Second)
	require.EqualValues(t, 1, p.FinishedCount())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestSerialPolicySameKeyQueuesSecond(t *testing.T) {
	runner := newBlockingRunner()
	p := workerpool.New(workerpool.Config{MaxWorkers: 4}, runner, nil)
	ctx := context.Background()
	p.Start(ctx)

	require.NoError(t, p.DispatchTask(message.Message{Task: "shared-key", OnDuplicate: message.Serial}))
	runner.waitStarted(t, "shared-key")

	require.NoError(t, p.DispatchTask(message.Message{Task: "shared-key", OnDuplicate: message.Serial}))
	runner.assertNoneStarted(t)
	require.Len(t, p.Running(), 1, "second serial arrival must stay queued, not run concurrently")

	runner.releaseOne()
	runner.waitStarted(t, "shared-key")
	runner.releaseOne()

	waitCleared(t, p, time.Second)
	require.EqualValues(t, 2, p.FinishedCount())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestQueueOneReplacesPending(t *testing.T) {
	runner := newBlockingRunner()
	p := workerpool.New(workerpool.Config{MaxWorkers: 4, QueueOneReplaces: true}, runner, nil)
	ctx := context.Background()
	p.Start(ctx)

	// Dispatcher-assigned "internal-<N>" UUIDs make DedupKey fall back to the
	// task, so all three arrivals share the key "shared-key".
	require.NoError(t, p.DispatchTask(message.Message{Task: "shared-key", UUID: "internal-1", OnDuplicate: message.QueueOne}))
	runner.waitStarted(t, "internal-1")

	require.NoError(t, p.DispatchTask(message.Message{Task: "shared-key", UUID: "internal-2", OnDuplicate: message.QueueOne}))
	require.NoError(t, p.DispatchTask(message.Message{Task: "shared-key", UUID: "internal-3", OnDuplicate: message.QueueOne}))

	runner.releaseOne()
	runner.waitStarted(t, "internal-3")
	runner.releaseOne()

	waitCleared(t, p, time.Second)
	require.EqualValues(t, 2, p.FinishedCount(), "only first and third (replacing second) should run")
	require.NoError(t, p.Shutdown(context.Background()))
}

func itoaTest(i int) string {
	digits := "0123456789"
	if i < 10 {
		return string(digits[i])
	}
	return string(digits[i/10]) + string(digits[i%10])
}
