package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics are the security counters exported on /metrics. Every method is a
// no-op on a nil receiver.
type Metrics struct {
	gatherer prometheus.Gatherer

	logins          *prometheus.CounterVec
	refreshes       *prometheus.CounterVec
	twoFactor       *prometheus.CounterVec
	lockouts        prometheus.Counter
	refreshReuse    prometheus.Counter
	mailDispatch    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	factory := promauto.With(registry)
	return &Metrics{
		gatherer: registry,
		logins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_attempts_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_token_refresh_total",
			Help: "Refresh token exchanges by outcome.",
		}, []string{"outcome"}),
		twoFactor: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_two_factor_verifications_total",
			Help: "Second-factor verifications by factor and outcome.",
		}, []string{"factor", "outcome"}),
		lockouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_account_lockouts_total",
			Help: "Accounts locked after reaching the failed-login threshold.",
		}),
		refreshReuse: factory.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_token_reuse_total",
			Help: "Rotated refresh tokens presented again.",
		}),
		mailDispatch: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_mail_dispatch_total",
			Help: "Outbound security emails by kind and outcome.",
		}, []string{"kind", "outcome"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auth_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),
	}
}

func (m *Metrics) Login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) TwoFactor(factor, outcome string) {
	if m != nil {
		m.twoFactor.WithLabelValues(factor, outcome).Inc()
	}
}

func (m *Metrics) Lockout() {
	if m != nil {
		m.lockouts.Inc()
	}
}

func (m *Metrics) RefreshReuse() {
	if m != nil {
		m.refreshReuse.Inc()
	}
}

func (m *Metrics) MailDispatch(kind, outcome string) {
	if m != nil {
		m.mailDispatch.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) observeRequest(method, status string, seconds float64) {
	if m != nil {
		m.requestDuration.WithLabelValues(method, status).Observe(seconds)
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
