package ledger

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// LedgerOpsTotal counts ledger operations by type and outcome.
	LedgerOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwallet",
			Name:      "ledger_operations_total",
			Help:      "Total ledger operations by type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// LedgerOpDuration observes operation latency by type.
	LedgerOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "agentwallet",
			Name:      "ledger_operation_duration_seconds",
			Help:      "Ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// LedgerHoldsExpired counts holds released by the expiry sweeper.
	LedgerHoldsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "agentwallet",
			Name:      "ledger_holds_expired_total",
			Help:      "Open holds released by the expiry sweeper.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		LedgerOpsTotal,
		LedgerOpDuration,
		LedgerHoldsExpired,
	)
}

// observeOp starts timing an operation and returns a function that records
// its duration and outcome.
func observeOp(opType string) func(*OpResult, error) {
	start := time.Now()
	return func(res *OpResult, err error) {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
		LedgerOpsTotal.WithLabelValues(opType, outcomeLabel(res, err)).Inc()
	}
}

func outcomeLabel(res *OpResult, err error) string {
	switch {
	case err == nil && res != nil && res.Replayed:
		return "replayed"
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrInvalidHoldState):
		return "invalid_state"
	case errors.Is(err, ErrAlreadySeeded):
		return "already_seeded"
	case IsRejection(err):
		return "rejected"
	default:
		return "error"
	}
}
