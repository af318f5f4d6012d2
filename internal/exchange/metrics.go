package exchange

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autotrader",
			Subsystem: "exchange",
			Name:      "request_attempts_total",
			Help:      "HTTP attempts to exchange hosts by outcome",
		},
		[]string{"host", "outcome"},
	)

	requestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "autotrader",
			Subsystem: "exchange",
			Name:      "request_latency_seconds",
			Help:      "Exchange HTTP round trip latency",
			Buckets:   []float64{0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"host"},
	)

	candidateFailovers = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autotrader",
			Subsystem: "exchange",
			Name:      "candidate_failovers_total",
			Help:      "Switches to the next endpoint candidate",
		},
		[]string{"exchange"},
	)
)
