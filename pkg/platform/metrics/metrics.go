// Package metrics holds the platform's Prometheus collectors.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lti_platform"

var (
	// LaunchTotal counts launch validations by outcome ("ok" or an error kind).
	LaunchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "launch_total",
		Help:      "Launch validations by outcome.",
	}, []string{"outcome"})

	// LoginTotal counts login initiations by outcome.
	LoginTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "login_total",
		Help:      "Login initiations by outcome.",
	}, []string{"outcome"})

	// JWKSFetchTotal counts outbound tool JWKS fetches.
	JWKSFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "jwks_fetch_total",
		Help:      "Outbound JWKS fetches by outcome.",
	}, []string{"outcome"})

	// JWKSFetchSeconds observes outbound JWKS fetch latency.
	JWKSFetchSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "jwks_fetch_seconds",
		Help:      "Outbound JWKS fetch latency.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// AGSRequestsTotal counts AGS operations by operation and outcome.
	AGSRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ags_requests_total",
		Help:      "AGS operations by operation and outcome.",
	}, []string{"op", "outcome"})

	// TokensIssuedTotal counts platform-signed tokens by type.
	TokensIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_issued_total",
		Help:      "Platform-signed tokens by type.",
	}, []string{"type"})

	// DeepLinksTotal counts resource links created through deep linking.
	DeepLinksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "deep_link_items_total",
		Help:      "Resource links created from deep-linking responses.",
	})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
