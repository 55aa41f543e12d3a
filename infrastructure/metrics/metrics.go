// Package metrics provides Prometheus metrics collection.
package metrics

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus collectors for the server.
type Metrics struct {
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	ResultsSubmitted    prometheus.Counter
	StreamSubscriptions prometheus.Gauge
	BrokerPublishes     prometheus.Counter
	FlushFailures       prometheus.Counter
}

// New creates a Metrics instance registered on the default registerer.
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a Metrics instance with a custom registry; tests
// pass a fresh registry to avoid duplicate-registration panics.
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	labels := prometheus.Labels{"service": serviceName}

	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: labels,
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request duration in seconds",
				Buckets:     []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
				ConstLabels: labels,
			},
			[]string{"method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "http_requests_in_flight",
			Help:        "Number of HTTP requests currently being served",
			ConstLabels: labels,
		}),
		ResultsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "results_submitted_total",
			Help:        "Total number of result entries appended",
			ConstLabels: labels,
		}),
		StreamSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "stream_subscriptions",
			Help:        "Number of live stream subscriptions",
			ConstLabels: labels,
		}),
		BrokerPublishes: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "broker_publishes_total",
			Help:        "Total number of messages published through the broker",
			ConstLabels: labels,
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "tenant_flush_failures_total",
			Help:        "Total number of failed tenant file flushes",
			ConstLabels: labels,
		}),
	}

	registerer.MustRegister(
		m.RequestsTotal,
		m.RequestDuration,
		m.RequestsInFlight,
		m.ResultsSubmitted,
		m.StreamSubscriptions,
		m.BrokerPublishes,
		m.FlushFailures,
	)

	return m
}

// Handler instruments an HTTP handler with request metrics.
func (m *Metrics) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		m.RequestsInFlight.Inc()
		defer m.RequestsInFlight.Dec()

		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		m.RequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(wrapped.status)).Inc()
		m.RequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack passes connection hijacking through so stream upgrades work behind
// the instrumentation.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if hj, ok := w.ResponseWriter.(http.Hijacker); ok {
		return hj.Hijack()
	}
	return nil, nil, fmt.Errorf("response writer does not support hijacking")
}
