package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics tracks the authorization code flow. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	ClientsRegistered prometheus.Counter
	GrantsIssued      prometheus.Counter
	GrantRedemptions  *prometheus.CounterVec
	ConsentDecisions  *prometheus.CounterVec
	TokenRequests     *prometheus.CounterVec
	GrantsSwept       prometheus.Counter
}

// New creates the metrics and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ClientsRegistered: factory.NewCounter(prometheus.CounterOpts{
			Name: "skyid_clients_registered_total",
			Help: "Total number of client applications registered",
		}),
		GrantsIssued: factory.NewCounter(prometheus.CounterOpts{
			Name: "skyid_grants_issued_total",
			Help: "Total number of authorization codes issued",
		}),
		GrantRedemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skyid_grant_redemptions_total",
			Help: "Authorization code redemption attempts by result",
		}, []string{"result"}),
		ConsentDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skyid_consent_decisions_total",
			Help: "Consent decisions by outcome",
		}, []string{"decision"}),
		TokenRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "skyid_token_requests_total",
			Help: "Token endpoint requests by outcome (ok or OAuth error code)",
		}, []string{"outcome"}),
		GrantsSwept: factory.NewCounter(prometheus.CounterOpts{
			Name: "skyid_grants_swept_total",
			Help: "Expired or consumed authorization codes removed from storage",
		}),
	}
}

func (m *Metrics) IncrementClientsRegistered() {
	if m == nil {
		return
	}
	m.ClientsRegistered.Inc()
}

func (m *Metrics) IncrementGrantsIssued() {
	if m == nil {
		return
	}
	m.GrantsIssued.Inc()
}

func (m *Metrics) ObserveRedemption(result string) {
	if m == nil {
		return
	}
	m.GrantRedemptions.WithLabelValues(result).Inc()
}

func (m *Metrics) ObserveConsent(decision string) {
	if m == nil {
		return
	}
	m.ConsentDecisions.WithLabelValues(decision).Inc()
}

func (m *Metrics) ObserveTokenRequest(outcome string) {
	if m == nil {
		return
	}
	m.TokenRequests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddGrantsSwept(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.GrantsSwept.Add(float64(n))
}
