package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileBalanceMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "balance_mismatches",
		Help:      "Terminal purchases whose transactions do not net out, from the last run.",
	})

	reconcileOverdueCredits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "overdue_credits",
		Help:      "Matured sale credits still pending past the grace period, from the last run.",
	})

	reconcileStaleReports = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "stale_reports",
		Help:      "Dispute reports open longer than the staleness threshold, from the last run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "coursepay",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileBalanceMismatches,
		reconcileOverdueCredits,
		reconcileStaleReports,
		reconcileDuration,
		reconcileErrors,
	)
}
