// Package metrics defines the Prometheus collectors for the
// orchestrator. Collectors are registered at init time and exposed on
// the operational HTTP surface via Handler.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// WorkerAssignments counts assignment frames by outcome
	// (published, acknowledged, failed, cancelled).
	WorkerAssignments = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "worker_assignments_total",
			Help: "Total worker assignment frames by status",
		},
		[]string{"status"},
	)

	// SessionStateTransitions counts session status changes.
	SessionStateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "session_state_transitions_total",
			Help: "Total execution session state transitions",
		},
		[]string{"from_state", "to_state"},
	)

	// StepDuration observes wall time of a single step by connector.
	StepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "execution_step_duration_seconds",
			Help:    "Duration of execution steps",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms .. ~3.4min
		},
		[]string{"connector"},
	)

	// ConnectorCommands counts connector executions by outcome
	// (success, failure, simulated).
	ConnectorCommands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_command_total",
			Help: "Total connector command executions",
		},
		[]string{"connector", "status"},
	)

	// ConnectorLatency observes one connector attempt including
	// transport setup.
	ConnectorLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "connector_command_latency_seconds",
			Help:    "Latency of connector command execution",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		},
		[]string{"connector"},
	)

	// ConnectorRetries counts retry attempts by trigger reason.
	ConnectorRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "connector_retry_total",
			Help: "Total connector retries",
		},
		[]string{"connector", "reason"},
	)

	// TicketPollCycles counts poll cycles per tool by outcome
	// (success, failed).
	TicketPollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ticket_poll_cycles_total",
			Help: "Total ticket poll cycles",
		},
		[]string{"tool", "status"},
	)
)

func init() {
	prometheus.MustRegister(WorkerAssignments)
	prometheus.MustRegister(SessionStateTransitions)
	prometheus.MustRegister(StepDuration)
	prometheus.MustRegister(ConnectorCommands)
	prometheus.MustRegister(ConnectorLatency)
	prometheus.MustRegister(ConnectorRetries)
	prometheus.MustRegister(TicketPollCycles)
}

// Handler exposes the default registry for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
