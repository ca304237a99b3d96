package callback

import "github.com/prometheus/client_golang/prometheus"

var (
	// CallbacksTotal counts processed gateway callbacks by leg and outcome.
	CallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwallet",
			Name:      "callbacks_total",
			Help:      "Gateway callbacks processed by leg and outcome.",
		},
		[]string{"leg", "outcome"},
	)

	// ReversalsTotal counts debit reversals requested from the gateway.
	ReversalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwallet",
			Name:      "callback_reversals_total",
			Help:      "Debit reversals requested from the gateway by trigger and result.",
		},
		[]string{"trigger", "result"},
	)

	// LedgerMismatchTotal counts callbacks the gateway settled but the
	// ledger refused to move money for.
	LedgerMismatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "agentwallet",
			Name:      "callback_ledger_mismatch_total",
			Help:      "Settled callbacks whose ledger operation was rejected, by operation.",
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(CallbacksTotal, ReversalsTotal, LedgerMismatchTotal)
}
