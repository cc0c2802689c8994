// Package metrics holds the Prometheus collectors shared by the voice session,
// the authenticated client and the session proxy.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	sessionConnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "voice",
			Name:      "connects_total",
			Help:      "Voice session connect attempts by result.",
		},
		[]string{"result"},
	)

	sessionStates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "voice",
			Name:      "state_transitions_total",
			Help:      "Voice session state transitions by target state.",
		},
		[]string{"state"},
	)

	generateIntents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "voice",
			Name:      "generate_intents_total",
			Help:      "generate_document calls received from the assistant.",
		},
		[]string{"result"},
	)

	tokenRefreshes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "auth",
			Name:      "refreshes_total",
			Help:      "Access token refresh calls by result.",
		},
		[]string{"result"},
	)

	loginRedirects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "auth",
			Name:      "login_redirects_total",
			Help:      "Redirects to the login entry point.",
		},
	)

	secretsIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "studio",
			Subsystem: "proxy",
			Name:      "secrets_issued_total",
			Help:      "Short-lived credentials minted by the session proxy.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		sessionConnects,
		sessionStates,
		generateIntents,
		tokenRefreshes,
		loginRedirects,
		secretsIssued,
	)
}

// Handler exposes Registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

func RecordConnect(result string) {
	sessionConnects.WithLabelValues(result).Inc()
}

func RecordState(state string) {
	sessionStates.WithLabelValues(state).Inc()
}

func RecordGenerate(result string) {
	generateIntents.WithLabelValues(result).Inc()
}

func RecordRefresh(result string) {
	tokenRefreshes.WithLabelValues(result).Inc()
}

func RecordLoginRedirect() {
	loginRedirects.Inc()
}

func RecordSecret(result string) {
	secretsIssued.WithLabelValues(result).Inc()
}
