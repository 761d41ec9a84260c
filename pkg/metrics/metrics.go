package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of the order service. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry prometheus.Gatherer

	Requests           *prometheus.CounterVec
	LatencyMS          *prometheus.HistogramVec
	Orders             *prometheus.CounterVec
	Reservations       *prometheus.CounterVec
	Compensations      *prometheus.CounterVec
	PaymentTransitions *prometheus.CounterVec
	WebhookEvents      *prometheus.CounterVec
	GatewayLatencyMS   *prometheus.HistogramVec
}

var latencyBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

func New(service string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	const ns = "pharmacy"

	m := &Metrics{
		registry: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: service, Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: service, Name: "http_request_duration_ms",
			Help: "HTTP request latency in milliseconds.", Buckets: latencyBuckets,
		}, []string{"route"}),
		Orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: service, Name: "orders_total",
			Help: "Order placement attempts by outcome.",
		}, []string{"outcome"}),
		Reservations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: service, Name: "stock_reservations_total",
			Help: "Stock reservation attempts by result.",
		}, []string{"result"}),
		Compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: service, Name: "stock_compensations_total",
			Help: "Stock releases by result.",
		}, []string{"result"}),
		PaymentTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: service, Name: "payment_transitions_total",
			Help: "Payment state transitions by edge, signal source and result.",
		}, []string{"from", "to", "source", "result"}),
		WebhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Subsystem: service, Name: "webhook_events_total",
			Help: "Gateway webhook deliveries by type and result.",
		}, []string{"type", "result"}),
		GatewayLatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Subsystem: service, Name: "gateway_call_duration_ms",
			Help: "Payment gateway call latency in milliseconds.", Buckets: latencyBuckets,
		}, []string{"op", "outcome"}),
	}

	reg.MustRegister(
		m.Requests, m.LatencyMS, m.Orders, m.Reservations, m.Compensations,
		m.PaymentTransitions, m.WebhookEvents, m.GatewayLatencyMS,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(float64(d.Milliseconds()))
}

func (m *Metrics) Order(outcome string) {
	if m == nil {
		return
	}
	m.Orders.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Reservation(result string) {
	if m == nil {
		return
	}
	m.Reservations.WithLabelValues(result).Inc()
}

func (m *Metrics) Compensation(result string) {
	if m == nil {
		return
	}
	m.Compensations.WithLabelValues(result).Inc()
}

func (m *Metrics) PaymentTransition(from, to, source, result string) {
	if m == nil {
		return
	}
	m.PaymentTransitions.WithLabelValues(from, to, source, result).Inc()
}

func (m *Metrics) Webhook(eventType, result string) {
	if m == nil {
		return
	}
	m.WebhookEvents.WithLabelValues(eventType, result).Inc()
}

func (m *Metrics) GatewayCall(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.GatewayLatencyMS.WithLabelValues(op, outcome).Observe(float64(d.Milliseconds()))
}
