// Package metrics defines Prometheus metrics for connection pools.
// Collectors are registered upfront so binaries can use them without
// touching this file.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectionsActive tracks the number of checked-out connections per pool.
	ConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_active",
		Help: "Number of checked-out connections per pool",
	}, []string{"pool"})

	// ConnectionsIdle tracks the number of idle connections per pool.
	ConnectionsIdle = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_idle",
		Help: "Number of idle connections per pool",
	}, []string{"pool"})

	// ConnectionsPending tracks in-flight connection attempts per pool.
	ConnectionsPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_pending",
		Help: "Number of in-flight connection attempts per pool",
	}, []string{"pool"})

	// ConnectionsMax tracks the configured connection ceiling per pool.
	ConnectionsMax = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_connections_max",
		Help: "Configured maximum connections per pool",
	}, []string{"pool"})

	// WaitQueueLength tracks the current waiter queue length per pool.
	WaitQueueLength = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "connpool_wait_queue_length",
		Help: "Number of callers waiting for a connection per pool",
	}, []string{"pool"})

	// RunsTotal counts run operations by outcome.
	RunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "connpool_runs_total",
		Help: "Total run operations",
	}, []string{"pool", "status"})

	// RunDuration tracks end-to-end run latency, checkout included.
	RunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "connpool_run_duration_seconds",
		Help:    "Run duration including connection checkout",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
	}, []string{"pool"})
)
