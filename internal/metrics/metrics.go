// Package metrics registers the process's Prometheus collectors. Counters
// are package-level; callers record events directly.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botmarket_jobs_created_total",
		Help: "Jobs created (PENDING_DEPOSIT inserts).",
	})

	JobsPaid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botmarket_jobs_paid_total",
		Help: "Jobs settled to PAID, by settlement path.",
	}, []string{"path"})

	DepositsVerified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botmarket_deposits_verified_total",
		Help: "Escrow deposits verified on chain.",
	})

	EscrowRefunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "botmarket_escrow_refunds_total",
		Help: "Escrow refunds to requesters.",
	})

	PaymentFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "botmarket_payment_failures_total",
		Help: "Payment operations that failed, by error kind.",
	}, []string{"kind"})

	chainOpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "botmarket_chain_operation_seconds",
		Help:    "Duration of chain RPC operations.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"op"})
)

// ObserveChainOp records the duration of one chain RPC round trip.
func ObserveChainOp(op string, d time.Duration) {
	chainOpDuration.WithLabelValues(op).Observe(d.Seconds())
}
