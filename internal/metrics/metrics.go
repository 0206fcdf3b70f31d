package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"brandpulse/attendance/internal/session"
)

const namespace = "attendance_agent"

type Metrics struct {
	registry *prometheus.Registry

	transitions   *prometheus.CounterVec
	failures      *prometheus.CounterVec
	cancellations prometheus.Counter
	fixSources    *prometheus.CounterVec
	apiDuration   *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Session state changes by source and target state.",
		}, []string{"from", "to"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Rolled back check-in and check-out attempts by reason.",
		}, []string{"reason"}),
		cancellations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_cancellations_total",
			Help:      "Attempts abandoned by cancel or session discard.",
		}),
		fixSources: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "location_fixes_total",
			Help:      "Fixes used for successful check-ins by source.",
		}, []string{"source"}),
		apiDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Attendance API round trips.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"code", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.transitions,
		m.failures,
		m.cancellations,
		m.fixSources,
		m.apiDuration,
	)
	return m
}

// Observe is a session.Observer.
func (m *Metrics) Observe(ev session.Event) {
	switch ev.Kind {
	case session.EventFailed:
		if ev.Failure != nil {
			m.failures.WithLabelValues(string(ev.Failure.Reason)).Inc()
		}
	case session.EventCancelled:
		m.cancellations.Inc()
	}
	m.transitions.WithLabelValues(string(ev.From), string(ev.State)).Inc()
	if ev.Fix != nil && ev.Fix.Source != "" {
		m.fixSources.WithLabelValues(string(ev.Fix.Source)).Inc()
	}
}

// TrackSessions exports the number of open sessions.
func (m *Metrics) TrackSessions(registry *session.Registry) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "sessions_open",
		Help:      "Sessions currently held by the agent.",
	}, func() float64 { return float64(registry.Len()) }))
}

func (m *Metrics) InstrumentTransport(next http.RoundTripper) http.RoundTripper {
	if next == nil {
		next = http.DefaultTransport
	}
	return promhttp.InstrumentRoundTripperDuration(m.apiDuration, next)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
