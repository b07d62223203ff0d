package services

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry_sync",
		Name:      "passes_total",
		Help:      "Reconciliation passes by model and result.",
	}, []string{"model", "result"})

	reconcileOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "registry_sync",
		Name:      "operations_total",
		Help:      "Per-run_id operations by action and outcome.",
	}, []string{"action", "status"})

	repackageDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "registry_sync",
		Name:      "repackage_duration_seconds",
		Help:      "Time spent downloading, rebuilding and uploading one model archive.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)
