// Package metrics exposes prometheus counters for the proxy. All methods
// are safe on a nil *Metrics so sessions can run without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's instrumentation.
type Metrics struct {
	sessionsTotal     prometheus.Counter
	activeSessions    prometheus.Gauge
	commandsTotal     *prometheus.CounterVec
	denialsTotal      *prometheus.CounterVec
	authFailures      prometheus.Counter
	upstreamDialFails prometheus.Counter
}

// New registers the proxy metrics with reg and returns them.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		sessionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "imapproxy_sessions_total",
			Help: "Client sessions accepted.",
		}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "imapproxy_active_sessions",
			Help: "Client sessions currently open.",
		}),
		commandsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imapproxy_commands_total",
			Help: "Client commands processed, by verb.",
		}, []string{"verb"}),
		denialsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "imapproxy_denials_total",
			Help: "Commands denied by policy, by action.",
		}, []string{"action"}),
		authFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "imapproxy_auth_failures_total",
			Help: "Failed client authentication attempts.",
		}),
		upstreamDialFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "imapproxy_upstream_dial_failures_total",
			Help: "Failed connection or login attempts to upstream servers.",
		}),
	}
}

// Handler serves the registry at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return mux
}

// SessionStarted records an accepted client session.
func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsTotal.Inc()
	m.activeSessions.Inc()
}

// SessionEnded records a closed client session.
func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

// Command records one processed client command.
func (m *Metrics) Command(verb string) {
	if m == nil {
		return
	}
	m.commandsTotal.WithLabelValues(verb).Inc()
}

// Denial records a policy denial for an action.
func (m *Metrics) Denial(action string) {
	if m == nil {
		return
	}
	m.denialsTotal.WithLabelValues(action).Inc()
}

// AuthFailure records a failed client login.
func (m *Metrics) AuthFailure() {
	if m == nil {
		return
	}
	m.authFailures.Inc()
}

// UpstreamDialFailure records a failed upstream connect or login.
func (m *Metrics) UpstreamDialFailure() {
	if m == nil {
		return
	}
	m.upstreamDialFails.Inc()
}
