// Package metrics exposes the broker's Prometheus gauges and counters.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveHandshakes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuron_active_handshakes",
		Help: "Number of handshake sessions currently admitted past the ceiling.",
	})
	QueuedHandshakes = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuron_queued_handshakes",
		Help: "Number of TCP upgrades held in the admission queue.",
	})
	HandshakesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuron_handshakes_total",
		Help: "Total number of handshakes by terminal outcome.",
	}, []string{"outcome"})
	HandshakeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neuron_handshake_duration_seconds",
		Help:    "Duration of a handshake session from connect to terminal state.",
		Buckets: prometheus.DefBuckets,
	})
	QueueTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "neuron_queue_timeouts_total",
		Help: "Total number of admission-queue entries that timed out before promotion.",
	})
	AuditAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "neuron_audit_append_duration_seconds",
		Help:    "Duration of audit log append calls.",
		Buckets: prometheus.DefBuckets,
	})
	RelationshipsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuron_relationships_active",
		Help: "Number of relationships currently in the active status.",
	})
	HeartbeatsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuron_heartbeats_total",
		Help: "Total number of directory heartbeat attempts by outcome.",
	}, []string{"outcome"})
	RegistrationHealthy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "neuron_registration_healthy",
		Help: "1 if the last directory heartbeat succeeded, 0 if degraded.",
	})
	DirectoryErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "neuron_directory_errors_total",
		Help: "Total number of directory client errors by operation.",
	}, []string{"operation"})
)
