package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	backendDials      *prometheus.CounterVec
	lines             prometheus.Counter
	rateLimited       prometheus.Counter
	sessionsRemoved   *prometheus.CounterVec
	sessionRejections *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
//
// Postcondition: Returns a non-nil Metrics with every collector registered.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		backendDials: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudbridge_backend_dials_total",
				Help: "Backend dial attempts by result",
			},
			[]string{"result"},
		),
		lines: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mudbridge_lines_total",
				Help: "Line events produced from backend output",
			},
		),
		rateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "mudbridge_rate_limited_total",
				Help: "Client messages rejected by the rate limiter",
			},
		),
		sessionsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudbridge_sessions_removed_total",
				Help: "Sessions removed from the registry by reason",
			},
			[]string{"reason"},
		),
		sessionRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mudbridge_session_rejections_total",
				Help: "Rejected session attachments by reason",
			},
			[]string{"reason"},
		),
	}

	m.registry.MustRegister(
		m.backendDials,
		m.lines,
		m.rateLimited,
		m.sessionsRemoved,
		m.sessionRejections,
	)
	return m
}

// RegisterRegistryGauges exposes the session and client counts as gauges
// evaluated at scrape time.
//
// Precondition: sessions and clients must be non-nil and safe for concurrent use.
func (m *Metrics) RegisterRegistryGauges(sessions, clients func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "mudbridge_sessions", Help: "Sessions in the registry"},
			func() float64 { return float64(sessions()) },
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{Name: "mudbridge_clients", Help: "Attached client connections"},
			func() float64 { return float64(clients()) },
		),
	)
}

// BackendDial records a dial attempt; ok selects the "success" or "failure" label.
func (m *Metrics) BackendDial(ok bool) {
	if m == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	m.backendDials.WithLabelValues(result).Inc()
}

// Line records one line event.
func (m *Metrics) Line() {
	if m == nil {
		return
	}
	m.lines.Inc()
}

// RateLimited records one rejected client message.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// SessionRemoved records a registry removal.
func (m *Metrics) SessionRemoved(reason string) {
	if m == nil {
		return
	}
	m.sessionsRemoved.WithLabelValues(reason).Inc()
}

// SessionRejected records a refused attachment.
func (m *Metrics) SessionRejected(reason string) {
	if m == nil {
		return
	}
	m.sessionRejections.WithLabelValues(reason).Inc()
}

// Handler returns an HTTP handler serving the registry in exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.HandlerFor(prometheus.NewRegistry(), promhttp.HandlerOpts{})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
