package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ricirt/dispatch/internal/metrics"
)

func TestWorkerPoolHooksUpdateCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hooks := m.WorkerPoolHooks()
	hooks.OnFinished()
	hooks.OnCanceled()
	hooks.OnDiscarded()
	hooks.OnBusyChange(3)

	require.InDelta(t, 1, testutil.ToFloat64(m.TasksFinished), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.TasksCanceled), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.TasksDiscarded), 0)
	require.InDelta(t, 3, testutil.ToFloat64(m.WorkersBusy), 0)
}

func TestDispatcherHooksUpdateCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	hooks := m.DispatcherHooks()
	hooks.OnMessageReceived("dispatcher")
	hooks.OnControlAction("alive")
	hooks.OnDelayedPendingChange(2)

	require.InDelta(t, 1, testutil.ToFloat64(m.MessagesReceived.WithLabelValues("dispatcher")), 0)
	require.InDelta(t, 1, testutil.ToFloat64(m.ControlActions.WithLabelValues("alive")), 0)
	require.InDelta(t, 2, testutil.ToFloat64(m.DelayedPending), 0)
}
