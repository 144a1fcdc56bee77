// Package metrics exposes Prometheus instrumentation for the entitlement
// subsystem.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RefreshTotal counts completed refreshes by outcome:
	// success, degraded_cache, degraded_free.
	RefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "premium",
		Subsystem: "entitlement",
		Name:      "refresh_total",
		Help:      "Completed entitlement refreshes by outcome.",
	}, []string{"outcome"})

	// RetryAttempts counts resolver retries after a retryable failure.
	RetryAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "premium",
		Subsystem: "entitlement",
		Name:      "retry_attempts_total",
		Help:      "Resolver retry attempts after retryable failures.",
	})

	// ValidationTotal counts transaction validation verdicts.
	ValidationTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "premium",
		Subsystem: "validator",
		Name:      "validations_total",
		Help:      "Transaction validation verdicts (valid / invalid / error).",
	}, []string{"verdict"})

	// StreamUpdates counts transaction-update deliveries from the billing
	// authority push stream.
	StreamUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "premium",
		Subsystem: "billing",
		Name:      "stream_updates_total",
		Help:      "Transaction updates consumed from the push stream.",
	})
)
