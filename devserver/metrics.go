package devserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics are registered per server so several servers can share a process.
type metrics struct {
	registry       *prometheus.Registry
	requestsTotal  *prometheus.CounterVec
	requestSeconds *prometheus.HistogramVec
	tasksTotal     *prometheus.CounterVec
}

func newMetrics() *metrics {
	m := &metrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devserver_rpc_requests_total",
				Help: "Total number of RPC requests.",
			},
			[]string{"service", "method", "code"},
		),
		requestSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devserver_rpc_request_duration_seconds",
				Help:    "RPC request duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service", "method"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devserver_tasks_dispatched_total",
				Help: "Tasks handed to pollers.",
			},
			[]string{"kind"},
		),
	}
	m.registry.MustRegister(m.requestsTotal, m.requestSeconds, m.tasksTotal)
	return m
}

func (m *metrics) observe(service, method, code string, start time.Time) {
	m.requestsTotal.WithLabelValues(service, method, code).Inc()
	m.requestSeconds.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
}

func (m *metrics) dispatched(kind TaskKind) {
	m.tasksTotal.WithLabelValues(string(kind)).Inc()
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// knownMethod keeps label cardinality bounded: unknown methods are recorded
// under one label.
func knownMethod(r *http.Request, known bool) (string, string) {
	if !known {
		return "unmatched", "unmatched"
	}
	return chi.URLParam(r, "service"), chi.URLParam(r, "method")
}
