// Package metrics exposes the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts lifecycle transitions by operation and outcome
	// ("ok", "rejected", "error").
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketd",
		Name:      "transitions_total",
		Help:      "Ticket lifecycle transitions by operation and outcome.",
	}, []string{"op", "outcome"})

	// ClaimRaces counts claim attempts that lost the compare-and-swap.
	ClaimRaces = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ticketd",
		Name:      "claim_races_total",
		Help:      "Claim attempts that lost the per-ticket race.",
	})

	// ExportDeliveries counts transcript deliveries by destination
	// ("object-store", "archive-room", "inline").
	ExportDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ticketd",
		Name:      "export_deliveries_total",
		Help:      "Transcript deliveries by destination.",
	}, []string{"target"})
)

// Outcome labels for Transitions.
const (
	OutcomeOK       = "ok"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)
