package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call metrics for monitoring session lifecycle and signaling fan-out
var (
	CallInitiatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_initiated_total",
		Help: "Total number of calls initiated",
	}, []string{"call_kind", "call_mode"})

	CallTerminatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_terminated_total",
		Help: "Total number of calls reaching a terminal state",
	}, []string{"status"})

	CallDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Duration of ended calls",
		Buckets: []float64{15, 60, 300, 900, 1800, 3600, 7200, 14400},
	}, []string{"call_kind"})

	SignalsRelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signals_relayed_total",
		Help: "Total number of signaling envelopes relayed",
	}, []string{"kind"})

	SignalingConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_signaling_connections_active",
		Help: "Current number of open signaling WebSocket connections",
	})

	SignalingSubscriptionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "call_signaling_subscriptions_active",
		Help: "Current number of active Redis room subscriptions",
	})

	SignalingDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_signaling_dropped_total",
		Help: "Total number of envelopes dropped before delivery",
	}, []string{"reason"}) // "slow_client", "invalid", "unauthorized"
)
