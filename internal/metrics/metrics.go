// Package metrics exposes Prometheus counters for the orchestration pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Labels stay low-cardinality: event kinds, fault kinds and stage names only,
// never correlation or device ids.
var (
	// EventsPublishedTotal counts bus publications by event kind.
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_events_published_total",
		Help: "Total number of events published on the bus, by kind.",
	}, []string{"kind"})

	// EventsDroppedTotal counts events dropped on slow subscriber channels.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "assistant_events_dropped_total",
		Help: "Total number of events dropped because a subscriber was slow.",
	})

	// TriggersTotal counts trigger decisions by outcome (fired, cooldown, busy, unhealthy).
	TriggersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_triggers_total",
		Help: "Total number of trigger decisions, by outcome.",
	}, []string{"outcome"})

	// StageErrorsTotal counts failed stages by stage and fault kind.
	StageErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_stage_errors_total",
		Help: "Total number of stage failures, by stage and fault kind.",
	}, []string{"stage", "fault"})

	// SessionsTotal counts finished sessions by final state.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "assistant_sessions_total",
		Help: "Total number of finished sessions, by final state.",
	}, []string{"state"})

	// SessionDuration observes trigger-to-done latency in seconds.
	SessionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "assistant_session_duration_seconds",
		Help:    "End to end session duration from trigger to completion.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	// ConnectedDevices tracks live device links by socket role.
	ConnectedDevices = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "assistant_connected_devices",
		Help: "Current number of connected device sockets, by role.",
	}, []string{"role"})
)
