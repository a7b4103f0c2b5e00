package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PinVerifications = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingate_verifications_total",
		Help: "PIN verification attempts by outcome.",
	}, []string{"outcome"})

	PinLockouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pingate_lockouts_total",
		Help: "Times a credential crossed the failure threshold.",
	})

	PinLockoutsCleared = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingate_lockouts_cleared_total",
		Help: "Lockouts returned to active, by source (access or sweep).",
	}, []string{"source"})

	PinResets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingate_resets_total",
		Help: "Security-question resets by outcome.",
	}, []string{"outcome"})

	StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pingate_storage_errors_total",
		Help: "Storage failures and corrupt records seen by the gate.",
	}, []string{"kind"})
)
