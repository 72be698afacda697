// Package metrics implements the MetricsRegistry: the Prometheus
// side-channel that observes session lifecycle and frame-pump events
// and exposes them as gauges/counters. It is pure observability — core
// logic never reads these metrics back.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sessionhost"

// Registry holds every metric the session-host exports, bound to its
// own prometheus.Registry so tests can construct one without
// colliding with the global default registry.
type Registry struct {
	registry *prometheus.Registry

	segmentUsageRatio  *prometheus.GaugeVec
	backpressureLevel  *prometheus.GaugeVec
	framesReadTotal    *prometheus.CounterVec
	framesDroppedTotal *prometheus.CounterVec
	hostProcessesAlive prometheus.Gauge
}

// NewRegistry creates a Registry with a fresh prometheus.Registry and
// registers every collector against it.
func NewRegistry() *Registry {
	return NewRegistryWith(prometheus.NewRegistry())
}

// NewRegistryWith creates a Registry bound to an existing
// prometheus.Registry, mirroring the teacher's NewExporterWithRegistry
// for callers (tests, an embedding process with its own registry) that
// want control over registration.
func NewRegistryWith(reg *prometheus.Registry) *Registry {
	r := &Registry{
		registry: reg,
		segmentUsageRatio: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "segment_usage_ratio",
			Help:      "Fraction of a session's shared-memory segment currently in use",
		}, []string{"session_id"}),
		backpressureLevel: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "backpressure_level",
			Help:      "Current backpressure level per session (0=none, 1=medium, 2=high)",
		}, []string{"session_id"}),
		framesReadTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_read_total",
			Help:      "Total frames drained from a session's segment",
		}, []string{"session_id"}),
		framesDroppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Total frames dropped for a session (malformed frame)",
		}, []string{"session_id"}),
		hostProcessesAlive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "host_processes_alive",
			Help:      "Number of live session-host child processes",
		}),
	}

	reg.MustRegister(
		r.segmentUsageRatio,
		r.backpressureLevel,
		r.framesReadTotal,
		r.framesDroppedTotal,
		r.hostProcessesAlive,
	)

	return r
}

// Gatherer returns the underlying prometheus.Registry for an HTTP
// exporter (promhttp.HandlerFor) to serve.
func (r *Registry) Gatherer() *prometheus.Registry {
	return r.registry
}

// SetSegmentUsageRatio records a session's current segment usage ratio.
func (r *Registry) SetSegmentUsageRatio(sessionID string, ratio float64) {
	r.segmentUsageRatio.WithLabelValues(sessionID).Set(ratio)
}

// backpressureLevelValue maps a BackpressureLevel onto the gauge's
// numeric encoding (0=none, 1=medium, 2=high).
func backpressureLevelValue(level string) float64 {
	switch level {
	case "medium":
		return 1
	case "high":
		return 2
	default:
		return 0
	}
}

// SetBackpressureLevel records a session's current backpressure level.
func (r *Registry) SetBackpressureLevel(sessionID, level string) {
	r.backpressureLevel.WithLabelValues(sessionID).Set(backpressureLevelValue(level))
}

// IncFramesRead increments the frames-read counter for a session.
func (r *Registry) IncFramesRead(sessionID string) {
	r.framesReadTotal.WithLabelValues(sessionID).Inc()
}

// IncFramesDropped increments the frames-dropped counter for a session.
func (r *Registry) IncFramesDropped(sessionID string) {
	r.framesDroppedTotal.WithLabelValues(sessionID).Inc()
}

// SetHostProcessesAlive records the current number of live child
// processes across every session-host group.
func (r *Registry) SetHostProcessesAlive(n int) {
	r.hostProcessesAlive.Set(float64(n))
}

// DeleteSession removes every per-session label set, so a finished
// session's series stop being exported instead of accumulating
// forever at their last value.
func (r *Registry) DeleteSession(sessionID string) {
	r.segmentUsageRatio.DeleteLabelValues(sessionID)
	r.backpressureLevel.DeleteLabelValues(sessionID)
	r.framesReadTotal.DeleteLabelValues(sessionID)
	r.framesDroppedTotal.DeleteLabelValues(sessionID)
}
