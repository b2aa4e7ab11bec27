// Copyright 2025 Certen Protocol
//
// Prometheus collectors for the coordination server, built on
// github.com/prometheus/client_golang. Registered against a caller-supplied
// registry rather than the global default, so a server under test can use
// its own.

package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors bundles every metric the coordination server exposes.
type Collectors struct {
	QueueDepth              *prometheus.GaugeVec
	CoordinatorTickDuration prometheus.Histogram
	ContributionsVerified   *prometheus.CounterVec
	WorkerPolls             *prometheus.CounterVec
}

// New constructs and registers the server's collectors against reg.
func New(reg prometheus.Registerer) *Collectors {
	c := &Collectors{
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "ceremony",
			Name:      "queue_depth",
			Help:      "Number of contributors currently waiting on a circuit's queue.",
		}, []string{"circuit_prefix"}),
		CoordinatorTickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ceremony",
			Name:      "coordinator_tick_duration_seconds",
			Help:      "Wall-clock duration of one coordinator reconciliation tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		ContributionsVerified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "contributions_verified_total",
			Help:      "Contributions verified, partitioned by outcome.",
		}, []string{"circuit_prefix", "outcome"}),
		WorkerPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ceremony",
			Name:      "verification_worker_polls_total",
			Help:      "PollStatus calls issued to remote verification workers.",
		}, []string{"handle", "outcome"}),
	}

	reg.MustRegister(c.QueueDepth, c.CoordinatorTickDuration, c.ContributionsVerified, c.WorkerPolls)
	return c
}
