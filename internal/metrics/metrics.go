package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the payout engine
type Metrics struct {
	RecordsCreatedTotal prometheus.Counter
	BatchesBuiltTotal   prometheus.Counter

	SubmissionsTotal *prometheus.CounterVec
	RetriesTotal     prometheus.Counter

	ReconciliationsTotal  prometheus.Counter
	BatchesSettledTotal   *prometheus.CounterVec
	SchedulerPassDuration prometheus.Histogram
	ClaimContentionsTotal prometheus.Counter
}

// New creates and registers all metrics against the given registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = "payout_engine"
	}
	factory := promauto.With(reg)

	return &Metrics{
		RecordsCreatedTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_created_total",
			Help:      "Total number of payout records created from upstream events",
		}),
		BatchesBuiltTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_built_total",
			Help:      "Total number of payout batches created by the batch builder",
		}),
		SubmissionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_submissions_total",
			Help:      "Total number of gateway batch submissions",
		}, []string{"result"}), // "accepted", "rejected", "transport_error"
		RetriesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of automatic batch retries",
		}),
		ReconciliationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of batch reconciliation passes",
		}),
		BatchesSettledTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_settled_total",
			Help:      "Total number of batches reaching a settled status",
		}, []string{"status"}),
		SchedulerPassDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scheduler_pass_duration_seconds",
			Help:      "Duration of full scheduler passes in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		ClaimContentionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claim_contentions_total",
			Help:      "Total number of submission claims lost to another worker",
		}),
	}
}
