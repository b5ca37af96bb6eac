// Package prometheus exposes CollabKit runtime activity as Prometheus metrics.
package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "collabkit"

var (
	// sessionsActive is a gauge of open collaboration sessions.
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of open collaboration sessions",
		},
	)

	// sessionsClosedTotal counts closed sessions by reason.
	sessionsClosedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of closed sessions",
		},
		[]string{"reason"}, // closed, idle, server shutdown
	)

	// connectionsActive is a gauge of registered connections.
	connectionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of registered client connections",
		},
	)

	// connectionsReplacedTotal counts reconnects that replaced a live connection.
	connectionsReplacedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_replaced_total",
			Help:      "Total number of connections replaced by a reconnect",
		},
	)

	// messagesPublishedTotal counts ledgered messages.
	messagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Total number of messages appended and fanned out",
		},
		[]string{"kind", "visibility"},
	)

	// deliveriesTotal counts per-connection pushes.
	deliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of message pushes to connections",
		},
		[]string{"result"}, // delivered, failed
	)

	// inboundRejectedTotal counts refused inbound frames.
	inboundRejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_rejected_total",
			Help:      "Total number of inbound frames rejected",
		},
		[]string{"code"},
	)

	// delegationTasksTotal counts finished delegation tasks.
	delegationTasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delegation_tasks_total",
			Help:      "Total number of finished delegation tasks",
		},
		[]string{"state"}, // aggregated, failed
	)

	// delegationsActive is a gauge of dispatched tasks.
	delegationsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delegations_active",
			Help:      "Number of dispatched delegation tasks",
		},
	)

	// delegationDuration is a histogram of task duration from creation to
	// aggregation.
	delegationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delegation_duration_seconds",
			Help:      "Duration of delegation tasks in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"state"},
	)

	// subtasksTotal counts subtask outcomes.
	subtasksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subtasks_total",
			Help:      "Total number of finished subtasks",
		},
		[]string{"status"}, // completed, failed, timed_out
	)

	// subtaskDuration is a histogram of subtask latency.
	subtaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "subtask_duration_seconds",
			Help:      "Time from subtask dispatch to its terminal status in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	// agentInvocationsTotal counts agent RPC calls.
	agentInvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent RPC calls",
		},
		[]string{"agent", "status"}, // status: success, error
	)

	// agentInvocationDuration is a histogram of agent RPC latency.
	agentInvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Duration of agent RPC calls in seconds",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"agent"},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		sessionsActive,
		sessionsClosedTotal,
		connectionsActive,
		connectionsReplacedTotal,
		messagesPublishedTotal,
		deliveriesTotal,
		inboundRejectedTotal,
		delegationTasksTotal,
		delegationsActive,
		delegationDuration,
		subtasksTotal,
		subtaskDuration,
		agentInvocationsTotal,
		agentInvocationDuration,
	}
)

// RecordSessionOpened records a new session.
func RecordSessionOpened() {
	sessionsActive.Inc()
}

// RecordSessionClosed records a closed session.
func RecordSessionClosed(reason string) {
	sessionsActive.Dec()
	sessionsClosedTotal.WithLabelValues(reason).Inc()
}

// RecordConnectionRegistered records an admitted connection.
func RecordConnectionRegistered(replaced bool) {
	connectionsActive.Inc()
	if replaced {
		connectionsReplacedTotal.Inc()
	}
}

// RecordConnectionUnregistered records a removed connection.
func RecordConnectionUnregistered() {
	connectionsActive.Dec()
}

// RecordMessagePublished records one fan-out.
func RecordMessagePublished(kind, visibility string, delivered, failed int) {
	messagesPublishedTotal.WithLabelValues(kind, visibility).Inc()
	if delivered > 0 {
		deliveriesTotal.WithLabelValues("delivered").Add(float64(delivered))
	}
	if failed > 0 {
		deliveriesTotal.WithLabelValues("failed").Add(float64(failed))
	}
}

// RecordInboundRejected records a refused inbound frame.
func RecordInboundRejected(code string) {
	inboundRejectedTotal.WithLabelValues(code).Inc()
}

// RecordDelegationDispatched records a dispatched task.
func RecordDelegationDispatched() {
	delegationsActive.Inc()
}

// RecordDelegationCompleted records a terminal task. dispatched is false for
// tasks that failed before dispatch.
func RecordDelegationCompleted(state string, dispatched bool, durationSeconds float64) {
	if dispatched {
		delegationsActive.Dec()
	}
	delegationTasksTotal.WithLabelValues(state).Inc()
	delegationDuration.WithLabelValues(state).Observe(durationSeconds)
}

// RecordSubtask records a terminal subtask.
func RecordSubtask(status string, durationSeconds float64) {
	subtasksTotal.WithLabelValues(status).Inc()
	subtaskDuration.WithLabelValues(status).Observe(durationSeconds)
}

// RecordAgentInvocation records an agent RPC call.
func RecordAgentInvocation(agentID, status string, durationSeconds float64) {
	agentInvocationsTotal.WithLabelValues(agentID, status).Inc()
	agentInvocationDuration.WithLabelValues(agentID).Observe(durationSeconds)
}
