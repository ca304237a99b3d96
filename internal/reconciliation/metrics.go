package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwallet",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Account reconciliations by result (healthy, mismatch, error).",
	}, []string{"result"})

	mismatchesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentwallet",
		Subsystem: "reconciliation",
		Name:      "mismatches_total",
		Help:      "Failed reconciliation checks by check name.",
	}, []string{"check"})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "agentwallet",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of one account reconciliation.",
		Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})
)

func init() {
	prometheus.MustRegister(runsTotal, mismatchesTotal, runDuration)
}
