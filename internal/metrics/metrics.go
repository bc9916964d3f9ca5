// Package metrics exposes the Prometheus instrumentation for a replication
// engine. Shape follows the teacher's internal/metrics/metrics.go: one
// Collector struct wrapping a private registry, built by New(), with a
// narrow exported update method per concern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for one or more running engines.
type Collector struct {
	Registry *prometheus.Registry

	replicationLagSeconds *prometheus.GaugeVec
	eventsEmittedTotal    *prometheus.CounterVec
	bytesReadTotal        *prometheus.CounterVec
	reconnectsTotal       *prometheus.CounterVec
	decodeErrorsTotal     *prometheus.CounterVec
	statusAcksTotal       *prometheus.CounterVec
	streamDuration        *prometheus.HistogramVec
	engineState           *prometheus.GaugeVec
}

// New creates and registers all Prometheus metrics using a custom registry.
// Safe to call multiple times (e.g. in tests) — each call creates an
// independent registry that doesn't conflict with others.
func New() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		Registry: reg,
		replicationLagSeconds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cdc_replication_lag_seconds",
				Help: "Estimated lag between source wall-clock time and local receipt, per source",
			},
			[]string{"source_id", "engine"},
		),
		eventsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_events_emitted_total",
				Help: "Row events emitted on the output channel, by operation",
			},
			[]string{"source_id", "engine", "op"},
		),
		bytesReadTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_bytes_read_total",
				Help: "Bytes read from the replication socket",
			},
			[]string{"source_id", "engine"},
		),
		reconnectsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_reconnects_total",
				Help: "Times a streaming session was re-established after ending",
			},
			[]string{"source_id", "engine"},
		),
		decodeErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_decode_errors_total",
				Help: "Column values that fell back to a partial raw-bytes decode",
			},
			[]string{"source_id", "engine", "reason"},
		),
		statusAcksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cdc_status_acks_total",
				Help: "Standby status updates sent (PostgreSQL only)",
			},
			[]string{"source_id"},
		),
		streamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cdc_stream_session_seconds",
				Help:    "Duration of one streaming session, from Streaming state entry to exit",
				Buckets: prometheus.ExponentialBuckets(1, 2, 16),
			},
			[]string{"source_id", "engine"},
		),
		engineState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cdc_engine_state",
				Help: "Current engine state as an enum value (see the State constants of internal/pgproto and internal/mysqlproto)",
			},
			[]string{"source_id", "engine"},
		),
	}

	reg.MustRegister(
		c.replicationLagSeconds,
		c.eventsEmittedTotal,
		c.bytesReadTotal,
		c.reconnectsTotal,
		c.decodeErrorsTotal,
		c.statusAcksTotal,
		c.streamDuration,
		c.engineState,
	)

	return c
}

// SetLag records the current replication lag estimate.
func (c *Collector) SetLag(sourceID, engine string, lag time.Duration) {
	c.replicationLagSeconds.WithLabelValues(sourceID, engine).Set(lag.Seconds())
}

// EventEmitted increments the emitted-events counter for one operation.
func (c *Collector) EventEmitted(sourceID, engine, op string) {
	c.eventsEmittedTotal.WithLabelValues(sourceID, engine, op).Inc()
}

// BytesRead adds n to the bytes-read counter.
func (c *Collector) BytesRead(sourceID, engine string, n int) {
	c.bytesReadTotal.WithLabelValues(sourceID, engine).Add(float64(n))
}

// Reconnected increments the reconnect counter.
func (c *Collector) Reconnected(sourceID, engine string) {
	c.reconnectsTotal.WithLabelValues(sourceID, engine).Inc()
}

// DecodeError increments the decode-error counter for a fallback reason.
func (c *Collector) DecodeError(sourceID, engine, reason string) {
	c.decodeErrorsTotal.WithLabelValues(sourceID, engine, reason).Inc()
}

// StatusAck increments the standby-status-update counter (PG only).
func (c *Collector) StatusAck(sourceID string) {
	c.statusAcksTotal.WithLabelValues(sourceID).Inc()
}

// StreamEnded observes the duration of a completed streaming session.
func (c *Collector) StreamEnded(sourceID, engine string, d time.Duration) {
	c.streamDuration.WithLabelValues(sourceID, engine).Observe(d.Seconds())
}

// SetEngineState publishes the engine's current state as a gauge value.
func (c *Collector) SetEngineState(sourceID, engine string, state int) {
	c.engineState.WithLabelValues(sourceID, engine).Set(float64(state))
}

// RemoveSource removes all metrics for a source (e.g. on engine shutdown).
func (c *Collector) RemoveSource(sourceID string) {
	c.replicationLagSeconds.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
	c.eventsEmittedTotal.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
	c.bytesReadTotal.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
	c.reconnectsTotal.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
	c.decodeErrorsTotal.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
	c.statusAcksTotal.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
	c.streamDuration.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
	c.engineState.DeletePartialMatch(prometheus.Labels{"source_id": sourceID})
}
