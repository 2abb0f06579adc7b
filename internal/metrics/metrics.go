package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ledger outcomes.
var (
	TransfersCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "transfers_created_total",
		Help:      "Transfer create requests, labeled by result (created, replayed, conflict, invalid)",
	}, []string{"result"})

	Claims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "claims_total",
		Help:      "Claim attempts, labeled by result reason",
	}, []string{"result"})

	Cancels = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "cancels_total",
		Help:      "Cancel attempts, labeled by result reason",
	}, []string{"result"})

	Expired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "expired_total",
		Help:      "Pending transfers moved to expired by the sweep",
	})

	SweepErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledger",
		Name:      "sweep_errors_total",
		Help:      "Expiry sweeps that failed",
	})
)

// Device-side reconciliation.
var (
	ReconcilePasses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "reconcile_passes_total",
		Help:      "Reconciliation passes run, labeled by pass",
	}, []string{"pass"})

	ClaimAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "claim_attempts_total",
		Help:      "Receiver claim attempts, labeled by outcome",
	}, []string{"outcome"})

	SenderSyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "sender_syncs_total",
		Help:      "Sender journal entries pushed to the ledger, labeled by outcome (ok, conflict, failed)",
	}, []string{"outcome"})

	Refunds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "refunds_total",
		Help:      "Sender refunds for expired or cancelled transfers, labeled by outcome",
	}, []string{"outcome"})

	Reversals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "reversals_total",
		Help:      "Receiver credit reversals, labeled by outcome",
	}, []string{"outcome"})

	Notices = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wallet",
		Name:      "notices_total",
		Help:      "User-visible notices emitted, labeled by level",
	}, []string{"level"})
)
