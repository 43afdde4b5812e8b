// Package metrics provides Prometheus metrics collection for rdma-app.
//
// When --metrics-addr is set the metrics are exposed at /metrics:
//
// Queue Pair Metrics:
//   - rdma_app_qp_transitions_total: QP state transitions by target state and result
//   - rdma_app_work_requests_total: Work requests posted by operation
//   - rdma_app_completions_total: Work completions reaped by opcode and status
//   - rdma_app_poll_iterations: Empty polls before a completion arrived
//
// Memory Metrics:
//   - rdma_app_registrations_active: Live memory registrations
//   - rdma_app_registered_bytes: Bytes currently registered
//
// Transfer Metrics:
//   - rdma_app_transfer_bytes_total: Payload bytes moved by role
//   - rdma_app_transfer_duration_seconds: Transfer latency histogram by role
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QPTransitionsTotal counts queue pair state transitions
	QPTransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdma_app_qp_transitions_total",
			Help: "Total number of queue pair state transitions",
		},
		[]string{"state", "result"},
	)

	// WorkRequestsTotal counts posted work requests
	WorkRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdma_app_work_requests_total",
			Help: "Total number of work requests posted",
		},
		[]string{"op"},
	)

	// CompletionsTotal counts reaped work completions
	CompletionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdma_app_completions_total",
			Help: "Total number of work completions",
		},
		[]string{"opcode", "status"},
	)

	// RegistrationsActive tracks live memory registrations
	RegistrationsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdma_app_registrations_active",
			Help: "Number of live memory registrations",
		},
	)

	// RegisteredBytes tracks bytes pinned by live registrations
	RegisteredBytes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rdma_app_registered_bytes",
			Help: "Bytes covered by live memory registrations",
		},
	)

	// TransferBytesTotal counts payload bytes per role
	TransferBytesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rdma_app_transfer_bytes_total",
			Help: "Total payload bytes transferred",
		},
		[]string{"role"},
	)

	// TransferDuration tracks transfer latency per role
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rdma_app_transfer_duration_seconds",
			Help:    "Transfer duration in seconds",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"role"},
	)

	// PollIterations tracks how many empty polls preceded a completion
	PollIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rdma_app_poll_iterations",
			Help:    "Empty completion queue polls before a completion was reaped",
			Buckets: prometheus.ExponentialBuckets(1, 4, 10),
		},
	)
)

// Transition results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// RecordTransition records a QP state transition attempt.
func RecordTransition(state string, err error) {
	result := ResultOK
	if err != nil {
		result = ResultError
	}

	QPTransitionsTotal.WithLabelValues(state, result).Inc()
}

// RecordWorkRequest records a posted work request.
func RecordWorkRequest(op string) {
	WorkRequestsTotal.WithLabelValues(op).Inc()
}

// RecordCompletion records a reaped completion and the empty polls before it.
func RecordCompletion(opcode, status string, emptyPolls int) {
	CompletionsTotal.WithLabelValues(opcode, status).Inc()
	PollIterations.Observe(float64(emptyPolls))
}

// RecordRegistration records a new registration of size bytes.
func RecordRegistration(size int) {
	RegistrationsActive.Inc()
	RegisteredBytes.Add(float64(size))
}

// RecordDeregistration records the release of a registration of size bytes.
func RecordDeregistration(size int) {
	RegistrationsActive.Dec()
	RegisteredBytes.Sub(float64(size))
}

// RecordTransfer records a finished transfer for role ("client" or "server").
func RecordTransfer(role string, bytes int, seconds float64) {
	TransferBytesTotal.WithLabelValues(role).Add(float64(bytes))
	TransferDuration.WithLabelValues(role).Observe(seconds)
}
