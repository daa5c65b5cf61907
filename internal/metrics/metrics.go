// Package metrics groups the Prometheus instruments this dispatcher
// exposes. Registered once at startup via New() against a private registry
// so tests stay isolated from global state, following the teacher's
// internal/metrics/metrics.go.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ricirt/dispatch/internal/dispatcher"
	"github.com/ricirt/dispatch/internal/workerpool"
)

// Metrics groups every Prometheus instrument the dispatcher updates.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	TasksFinished    prometheus.Counter
	TasksCanceled    prometheus.Counter
	TasksDiscarded   prometheus.Counter
	ControlActions   *prometheus.CounterVec
	DelayedPending   prometheus.Gauge
	WorkersBusy      prometheus.Gauge
}

// New registers all instruments against reg and returns the populated
// Metrics struct. Using a private registry (instead of
// prometheus.DefaultRegisterer) keeps repeated New() calls in tests from
// panicking on duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_messages_received_total",
			Help: "Total number of messages accepted from a broker channel.",
		}, []string{"channel"}),

		TasksFinished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_finished_total",
			Help: "Total number of worker-pool tasks that ran to completion.",
		}),
		TasksCanceled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_canceled_total",
			Help: "Total number of worker-pool tasks canceled before or during execution.",
		}),
		TasksDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_tasks_discarded_total",
			Help: "Total number of tasks dropped by an on_duplicate=discard policy.",
		}),

		ControlActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_control_actions_total",
			Help: "Total number of control actions executed, by action name.",
		}, []string{"action"}),

		DelayedPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_delayed_pending",
			Help: "Number of delayed tasks currently waiting to fire.",
		}),
		WorkersBusy: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_workers_busy",
			Help: "Number of worker pool slots currently occupied.",
		}),
	}

	reg.MustRegister(
		m.MessagesReceived,
		m.TasksFinished,
		m.TasksCanceled,
		m.TasksDiscarded,
		m.ControlActions,
		m.DelayedPending,
		m.WorkersBusy,
	)

	return m
}

// WorkerPoolHooks returns the callback set expected by workerpool.Config.Hooks.
// Centralizes the Prometheus observation calls so internal/workerpool stays
// free of a direct client_golang dependency.
func (m *Metrics) WorkerPoolHooks() workerpool.Hooks {
	return workerpool.Hooks{
		OnFinished:  func() { m.TasksFinished.Inc() },
		OnCanceled:  func() { m.TasksCanceled.Inc() },
		OnDiscarded: func() { m.TasksDiscarded.Inc() },
		OnBusyChange: func(busy int) {
			m.WorkersBusy.Set(float64(busy))
		},
	}
}

// DispatcherHooks returns the callback set expected by dispatcher.Hooks.
func (m *Metrics) DispatcherHooks() dispatcher.Hooks {
	return dispatcher.Hooks{
		OnMessageReceived: func(channel string) {
			m.MessagesReceived.WithLabelValues(channel).Inc()
		},
		OnControlAction: func(action string) {
			m.ControlActions.WithLabelValues(action).Inc()
		},
		OnDelayedPendingChange: func(n int) {
			m.DelayedPending.Set(float64(n))
		},
	}
}
