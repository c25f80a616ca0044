package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Namespace for all metrics.
	namespace = "trustgate"

	// trustedCertificates tracks the number of fingerprints in the trust store.
	trustedCertificates = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "truststore",
			Name:      "certificates",
			Help:      "Number of explicitly trusted certificates",
		},
		[]string{"durability"},
	)

	persistenceFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "truststore",
			Name:      "persistence_failures_total",
			Help:      "Trust decisions that could only be kept for the current session",
		},
	)

	decisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "decisions_total",
			Help:      "Trust decisions by outcome",
		},
		[]string{"outcome"},
	)

	approvalsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "published_total",
			Help:      "Approval requests published to presentation surfaces",
		},
	)

	approvalsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "resolved_total",
			Help:      "Approval requests resolved, by verdict and reason",
		},
		[]string{"verdict", "reason"},
	)

	surfaces = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "approval",
			Name:      "surfaces",
			Help:      "Presentation surfaces currently attached",
		},
	)

	clientLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "clientcache",
			Name:      "lookups_total",
			Help:      "Client cache lookups by result (hit, build, override)",
		},
		[]string{"result"},
	)
)

// SetTrustedCertificates records the trust store size
func SetTrustedCertificates(durable, session int) {
	trustedCertificates.WithLabelValues("durable").Set(float64(durable))
	trustedCertificates.WithLabelValues("session").Set(float64(session))
}

// IncPersistenceFailure counts a trust decision that could not be persisted
func IncPersistenceFailure() {
	persistenceFailures.Inc()
}

// IncDecision counts a finished broker decision
func IncDecision(outcome string) {
	decisions.WithLabelValues(outcome).Inc()
}

// IncApprovalPublished counts a published approval request
func IncApprovalPublished() {
	approvalsPublished.Inc()
}

// IncApprovalResolved counts a resolved approval request
func IncApprovalResolved(verdict, reason string) {
	approvalsResolved.WithLabelValues(verdict, reason).Inc()
}

// AddSurfaces adjusts the attached surface gauge
func AddSurfaces(delta int) {
	surfaces.Add(float64(delta))
}

// IncClientLookup counts a client cache lookup
func IncClientLookup(result string) {
	clientLookups.WithLabelValues(result).Inc()
}
