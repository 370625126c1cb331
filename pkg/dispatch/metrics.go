package dispatch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bturcanu/OpenConduit/pkg/audit"
	"github.com/bturcanu/OpenConduit/pkg/types"
)

type metrics struct {
	total    *prometheus.CounterVec
	duration *prometheus.HistogramVec
	attempts prometheus.Histogram
	errors   *prometheus.CounterVec
}

// newMetrics returns nil when reg is nil; a nil *metrics records nothing.
func newMetrics(reg prometheus.Registerer) *metrics {
	if reg == nil {
		return nil
	}
	f := promauto.With(reg)
	return &metrics{
		total: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_dispatch_total",
			Help: "Completed dispatches by service, action and status.",
		}, []string{"service", "action", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "conduit_dispatch_duration_seconds",
			Help:    "End-to-end dispatch latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"service"}),
		attempts: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "conduit_dispatch_attempts",
			Help:    "Handler attempts per dispatch.",
			Buckets: []float64{0, 1, 2, 3},
		}),
		errors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "conduit_dispatch_errors_total",
			Help: "Failed dispatches by error kind.",
		}, []string{"kind"}),
	}
}

func (m *metrics) observe(r audit.Record, latency time.Duration) {
	if m == nil {
		return
	}
	// Malformed requests can carry arbitrary service strings.
	service, action := r.Service, r.Action
	if r.ErrorKind == types.KindMalformedRequest || r.ErrorKind == types.KindUnknownService {
		service, action = "_invalid", "_invalid"
	}
	m.total.WithLabelValues(service, action, string(r.Status)).Inc()
	m.duration.WithLabelValues(service).Observe(latency.Seconds())
	m.attempts.Observe(float64(r.Attempts))
	if r.ErrorKind != "" {
		m.errors.WithLabelValues(string(r.ErrorKind)).Inc()
	}
}
