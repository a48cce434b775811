// Package metrics holds the Prometheus collectors shared by the sync server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "clipsync"

var (
	Connections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connections",
		Help:      "Currently registered websocket connections",
	})

	Broadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcasts_total",
		Help:      "Events fanned out to connected peers, by event name",
	}, []string{"event"})

	DeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "delivery_failures_total",
		Help:      "Sends to a single connection that failed during a broadcast",
	})

	Commits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Commit attempts by outcome (applied, not_found, failed)",
	}, []string{"outcome"})

	PersistDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "persist_duration_seconds",
		Help:      "Time spent in the store while a commit holds its record gate",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	QueuedIncrementals = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queued_incrementals",
		Help:      "Incremental packets buffered behind an in-flight commit",
	})

	DroppedIncrementals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_incrementals_total",
		Help:      "Incremental packets discarded, by reason",
	}, []string{"reason"})

	RateLimitedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_frames_total",
		Help:      "Inbound websocket frames dropped by the per-connection rate limit",
	})
)
