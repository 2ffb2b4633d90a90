package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "farum"

// Metrics holds the Prometheus collectors of the conversation core.
type Metrics struct {
	registry *prometheus.Registry

	RetryAttempts   *prometheus.CounterVec
	Turns           *prometheus.CounterVec
	StreamFragments prometheus.Counter
	TurnsInFlight   prometheus.Gauge

	PersistSaves *prometheus.CounterVec

	VoiceRestarts prometheus.Counter
	Playbacks     *prometheus.CounterVec

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates a Metrics instance with every collector registered on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retry_attempts_total",
				Help:      "Outbound call attempts made by the retry controller",
			},
			[]string{"operation", "outcome"},
		),
		Turns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "turns_total",
				Help:      "Primary turns by mode and outcome",
			},
			[]string{"mode", "outcome"},
		),
		StreamFragments: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_fragments_total",
			Help:      "Text fragments applied from streaming turns",
		}),
		TurnsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "turns_in_flight",
			Help:      "Primary turns currently waiting on the completion service",
		}),
		PersistSaves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "persist_saves_total",
				Help:      "Persistence save attempts by degradation stage and outcome",
			},
			[]string{"stage", "outcome"},
		),
		VoiceRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "voice_restarts_total",
			Help:      "Recognition resources restarted after ending on their own",
		}),
		Playbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "playbacks_total",
				Help:      "Audio playbacks started",
			},
			[]string{"mode"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests by method and status code",
			},
			[]string{"method", "code"},
		),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
	}

	registry.MustRegister(
		m.RetryAttempts,
		m.Turns,
		m.StreamFragments,
		m.TurnsInFlight,
		m.PersistSaves,
		m.VoiceRestarts,
		m.Playbacks,
		m.HTTPRequests,
		m.HTTPDuration,
	)
	return m
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

var defaultMetrics = NewMetrics()

// DefaultMetrics returns the process-wide metrics.
func DefaultMetrics() *Metrics {
	return defaultMetrics
}
