// Package metrics defines the prometheus instrumentation for the telemetry
// backend. All metrics hang off a dedicated registry so tests can assert on
// them without cross-talk.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Server states reported by the State gauge.
const (
	Initializing float64 = 0
	Ready        float64 = 1
)

// Metrics bundles every instrument the backend records.
type Metrics struct {
	Registry *prometheus.Registry

	// State is 0 while initializing and 1 once serving.
	State prometheus.Gauge

	// IngestedMessages counts parsed submit messages by payload kind.
	IngestedMessages *prometheus.CounterVec

	// RateLimitedMessages counts submit messages dropped by the per
	// connection token bucket.
	RateLimitedMessages prometheus.Counter

	// ConnectedNodes tracks nodes currently registered, by chain.
	ConnectedNodes *prometheus.GaugeVec

	// ConnectedFeeds tracks connected dashboard subscribers.
	ConnectedFeeds prometheus.Gauge

	// ConnectedShards tracks live shard links (core side).
	ConnectedShards prometheus.Gauge

	// FeedBytes counts bytes written to dashboard subscribers.
	FeedBytes prometheus.Counter

	// FeedOverflows counts subscribers dropped for falling behind.
	FeedOverflows prometheus.Counter

	// DroppedUpdates counts node updates discarded while the shard had no
	// core link.
	DroppedUpdates prometheus.Counter

	// LocationLookups counts geolocation attempts by outcome
	// (cached, resolved, failed, skipped).
	LocationLookups *prometheus.CounterVec

	// Errors counts failures by subsystem and operation.
	Errors *prometheus.CounterVec
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		Registry: registry,
		State: factory.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_state",
			Help: "State of the telemetry server: 0 initializing, 1 ready",
		}),
		IngestedMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_ingested_messages_total",
			Help: "Count of parsed submit messages by payload kind",
		}, []string{"kind"}),
		RateLimitedMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_rate_limited_messages_total",
			Help: "Count of submit messages dropped by per-connection rate limiting",
		}),
		ConnectedNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "telemetry_connected_nodes",
			Help: "Nodes currently registered, by chain",
		}, []string{"chain"}),
		ConnectedFeeds: factory.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_connected_feeds",
			Help: "Dashboard subscribers currently connected",
		}),
		ConnectedShards: factory.NewGauge(prometheus.GaugeOpts{
			Name: "telemetry_connected_shards",
			Help: "Shard links currently connected",
		}),
		FeedBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_feed_bytes_total",
			Help: "Bytes written to dashboard subscribers",
		}),
		FeedOverflows: factory.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_feed_overflows_total",
			Help: "Dashboard subscribers dropped for falling behind",
		}),
		DroppedUpdates: factory.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_dropped_updates_total",
			Help: "Node updates discarded while the core link was down",
		}),
		LocationLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_location_lookups_total",
			Help: "Geolocation attempts by outcome",
		}, []string{"outcome"}),
		Errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_errors_total",
			Help: "Failures by subsystem and operation",
		}, []string{"subsystem", "op"}),
	}
}
