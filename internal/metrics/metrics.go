package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the service's Prometheus collectors. All methods are safe to
// call on a nil receiver.
type Metrics struct {
	OrderOps        *prometheus.CounterVec
	OrderOpDuration *prometheus.HistogramVec
	LedgerConflicts *prometheus.CounterVec
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	WSClients       prometheus.Gauge
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		OrderOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerage_order_operations_total",
				Help: "Total order lifecycle operations.",
			},
			[]string{"op", "outcome"},
		),
		OrderOpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "brokerage_order_operation_duration_seconds",
				Help:    "Order lifecycle operation duration in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		LedgerConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "brokerage_ledger_conflicts_total",
				Help: "Total lost compare-and-swap attempts on asset rows.",
			},
			[]string{"op"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		WSClients: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "brokerage_ws_clients",
				Help: "Connected order-event websocket clients.",
			},
		),
	}

	registry.MustRegister(
		m.OrderOps,
		m.OrderOpDuration,
		m.LedgerConflicts,
		m.RequestCount,
		m.RequestDuration,
		m.WSClients,
	)
	return m
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveOrderOp(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.OrderOps.WithLabelValues(op, outcome).Inc()
	m.OrderOpDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) IncLedgerConflict(op string) {
	if m == nil {
		return
	}
	m.LedgerConflicts.WithLabelValues(op).Inc()
}

func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.RequestCount.WithLabelValues(method, path, code).Inc()
	m.RequestDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
}

func (m *Metrics) SetWSClients(n int) {
	if m == nil {
		return
	}
	m.WSClients.Set(float64(n))
}
