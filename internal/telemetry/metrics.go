// -------------------------------------------------------------------------------
// Self-Instrumentation - Prometheus Metrics
//
// Optional Prometheus metrics describing the client's own behavior: sync
// attempts, dropped envelopes, recorded requests, and uploaded log files.
// All metrics are prefixed with 'apitrack_'. When no registerer is supplied
// the metrics are still created but never registered, so recording is a
// cheap no-op from the host's perspective.
// -------------------------------------------------------------------------------

package telemetry

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles the client's self-instrumentation collectors.
type Metrics struct {
	// SyncAttempts counts sync cycles by outcome (success, error, disabled).
	SyncAttempts *prometheus.CounterVec

	// EnvelopesDropped counts envelopes discarded for exceeding the max
	// queue age.
	EnvelopesDropped prometheus.Counter

	// RequestsRecorded counts requests absorbed by the request counter.
	RequestsRecorded prometheus.Counter

	// LogFilesUploaded counts request log files shipped to the hub.
	LogFilesUploaded prometheus.Counter
}

// New creates the metric set and registers it with reg when non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SyncAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "apitrack_sync_attempts_total",
				Help: "Sync attempts against the hub by outcome",
			},
			[]string{"status"},
		),
		EnvelopesDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "apitrack_sync_envelopes_dropped_total",
				Help: "Sync envelopes discarded after exceeding the maximum queue age",
			},
		),
		RequestsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "apitrack_requests_recorded_total",
				Help: "Requests recorded by the aggregators",
			},
		),
		LogFilesUploaded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "apitrack_log_files_uploaded_total",
				Help: "Request log files uploaded to the hub",
			},
		),
	}
	if reg != nil {
		reg.MustRegister(m.SyncAttempts, m.EnvelopesDropped, m.RequestsRecorded, m.LogFilesUploaded)
	}
	return m
}
