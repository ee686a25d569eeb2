// Package metrics provides Prometheus metrics for the fulfillment services.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vetrx/fulfillment/internal/domain/order"
	"github.com/vetrx/fulfillment/internal/domain/payment"
	"github.com/vetrx/fulfillment/pkg/circuitbreaker"
)

// Metrics holds all application metrics
type Metrics struct {
	OrdersCreated        *prometheus.CounterVec
	OrdersFailed         *prometheus.CounterVec
	CreateDuration       prometheus.Histogram
	NotificationsFailed  *prometheus.CounterVec
	Payments             *prometheus.CounterVec
	RegistrationFailures prometheus.Counter
	RegistrationRetries  *prometheus.CounterVec
	OutboxPending        prometheus.Gauge
	HTTPRequests         *prometheus.CounterVec
	HTTPDuration         *prometheus.HistogramVec
	CircuitBreakerState  *prometheus.GaugeVec

	gatherer prometheus.Gatherer
}

var (
	_ order.Metrics   = (*Metrics)(nil)
	_ payment.Metrics = (*Metrics)(nil)
)

// New creates the metrics and registers them on reg. A nil reg uses a fresh
// registry with the Go and process collectors.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	m := &Metrics{
		OrdersCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_created_total",
			Help: "Orders created by order type and pharmacy type",
		}, []string{"order_type", "pharmacy_type"}),
		OrdersFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "orders_failed_total",
			Help: "Order creations rejected by error kind",
		}, []string{"kind"}),
		CreateDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "order_create_duration_seconds",
			Help:    "Order creation duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "notifications_failed_total",
			Help: "Notifications not delivered by message kind",
		}, []string{"kind"}),
		Payments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payments_total",
			Help: "Payment captures by outcome",
		}, []string{"outcome"}),
		RegistrationFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "subscription_registration_failures_total",
			Help: "Recurring billing registrations that failed after a charge",
		}),
		RegistrationRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_registration_retries_total",
			Help: "Reconciler registration retries by outcome",
		}, []string{"outcome"}),
		OutboxPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pending_entries",
			Help: "Pending outbox entries",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration by route",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}, []string{"name"}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.OrdersCreated,
		m.OrdersFailed,
		m.CreateDuration,
		m.NotificationsFailed,
		m.Payments,
		m.RegistrationFailures,
		m.RegistrationRetries,
		m.OutboxPending,
		m.HTTPRequests,
		m.HTTPDuration,
		m.CircuitBreakerState,
	)
	return m
}

func (m *Metrics) OrderCreated(orderType, pharmacyType string) {
	m.OrdersCreated.WithLabelValues(orderType, pharmacyType).Inc()
}

func (m *Metrics) OrderFailed(kind string) { m.OrdersFailed.WithLabelValues(kind).Inc() }

func (m *Metrics) ObserveCreateDuration(d time.Duration) { m.CreateDuration.Observe(d.Seconds()) }

func (m *Metrics) NotificationFailed(kind string) { m.NotificationsFailed.WithLabelValues(kind).Inc() }

func (m *Metrics) PaymentCaptured(outcome string) { m.Payments.WithLabelValues(outcome).Inc() }

func (m *Metrics) RegistrationFailed() { m.RegistrationFailures.Inc() }

// RegistrationRetried counts a reconciler attempt
func (m *Metrics) RegistrationRetried(outcome string) {
	m.RegistrationRetries.WithLabelValues(outcome).Inc()
}

// ObserveHTTP records one served request
func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordBreakers publishes the state of every registered breaker
func (m *Metrics) RecordBreakers(reg *circuitbreaker.Registry) {
	for _, h := range reg.Health() {
		var v float64
		switch h.State {
		case circuitbreaker.StateOpen:
			v = 1
		case circuitbreaker.StateHalfOpen:
			v = 2
		}
		m.CircuitBreakerState.WithLabelValues(h.Name).Set(v)
	}
}

// SetOutboxPending reports the outbox backlog
func (m *Metrics) SetOutboxPending(n int64) { m.OutboxPending.Set(float64(n)) }

// Handler returns the HTTP handler exposing this registry
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
