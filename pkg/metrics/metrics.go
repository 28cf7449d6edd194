package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	Requests       *prometheus.CounterVec
	LatencyMS      *prometheus.HistogramVec
	Checkouts      *prometheus.CounterVec
	Webhooks       *prometheus.CounterVec
	TxAttempts     *prometheus.CounterVec
	Invalidations  *prometheus.CounterVec
	InvalidatedKey prometheus.Counter
}

func New(service string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursehive",
			Subsystem: service,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "coursehive",
			Subsystem: service,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursehive",
			Subsystem: service,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by outcome.",
		}, []string{"outcome"}),
		Webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursehive",
			Subsystem: service,
			Name:      "payment_webhooks_total",
			Help:      "Payment webhook deliveries by outcome.",
		}, []string{"outcome"}),
		TxAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursehive",
			Subsystem: service,
			Name:      "transaction_attempts_total",
			Help:      "Database transaction attempts by result.",
		}, []string{"result"}),
		Invalidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "coursehive",
			Subsystem: service,
			Name:      "cache_invalidations_total",
			Help:      "Cache pattern invalidations by result.",
		}, []string{"result"}),
		InvalidatedKey: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "coursehive",
			Subsystem: service,
			Name:      "cache_invalidated_keys_total",
			Help:      "Keys removed by cache invalidations.",
		}),
	}

	m.registry.MustRegister(
		m.Requests, m.LatencyMS, m.Checkouts, m.Webhooks,
		m.TxAttempts, m.Invalidations, m.InvalidatedKey,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, took time.Duration) {
	m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(float64(took.Milliseconds()))
}

// ObserveTxAttempt matches the txn executor observer signature.
func (m *Metrics) ObserveTxAttempt(_ int, err error) {
	if err != nil {
		m.TxAttempts.WithLabelValues("failed").Inc()
		return
	}
	m.TxAttempts.WithLabelValues("committed").Inc()
}

// ObserveInvalidation matches the cache store invalidation hook.
func (m *Metrics) ObserveInvalidation(_ string, deleted int, err error) {
	if err != nil {
		m.Invalidations.WithLabelValues("incomplete").Inc()
	} else {
		m.Invalidations.WithLabelValues("complete").Inc()
	}
	m.InvalidatedKey.Add(float64(deleted))
}
