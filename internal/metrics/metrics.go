package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics stores Prometheus collectors used across the service.
type Metrics struct {
	WebhookDeliveries  *prometheus.CounterVec
	InboundEvents      *prometheus.CounterVec
	ReplyDecisions     *prometheus.CounterVec
	WAOutgoingMessages *prometheus.CounterVec
	WALatency          *prometheus.HistogramVec
	GeneratorRequests  *prometheus.CounterVec
	GeneratorLatency   *prometheus.HistogramVec
	Errors             *prometheus.CounterVec
}

var (
	regOnce         sync.Once
	metricsInstance *Metrics
)

// Registry builds and registers the metrics singleton with optional namespace.
func Registry(namespace string) *Metrics {
	regOnce.Do(func() {
		metricsInstance = &Metrics{
			WebhookDeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "webhook_deliveries_total",
				Help:      "Total WhatsApp webhook deliveries by authentication result.",
			}, []string{"result"}),
			InboundEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "inbound_events_total",
				Help:      "Total inbound message events by processing outcome.",
			}, []string{"outcome"}),
			ReplyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reply_decisions_total",
				Help:      "Total reply decisions by source.",
			}, []string{"source"}),
			WAOutgoingMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "wa_outgoing_messages_total",
				Help:      "Total outgoing WhatsApp messages by status.",
			}, []string{"status"}),
			WALatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "wa_request_duration_seconds",
				Help:      "Latency distribution for WhatsApp Cloud API calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			GeneratorRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "generator_requests_total",
				Help:      "Total text generation requests by outcome.",
			}, []string{"status"}),
			GeneratorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "generator_request_duration_seconds",
				Help:      "Latency distribution for text generation calls.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"status"}),
			Errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total errors grouped by component.",
			}, []string{"component"}),
		}

		prometheus.MustRegister(
			metricsInstance.WebhookDeliveries,
			metricsInstance.InboundEvents,
			metricsInstance.ReplyDecisions,
			metricsInstance.WAOutgoingMessages,
			metricsInstance.WALatency,
			metricsInstance.GeneratorRequests,
			metricsInstance.GeneratorLatency,
			metricsInstance.Errors,
		)
	})
	return metricsInstance
}

// The helpers below accept a nil receiver so components can run without metrics.

func (m *Metrics) Delivery(result string) {
	if m == nil {
		return
	}
	m.WebhookDeliveries.WithLabelValues(result).Inc()
}

func (m *Metrics) InboundEvent(outcome string) {
	if m == nil {
		return
	}
	m.InboundEvents.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ReplyDecision(source string) {
	if m == nil {
		return
	}
	m.ReplyDecisions.WithLabelValues(source).Inc()
}

func (m *Metrics) WARequest(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.WAOutgoingMessages.WithLabelValues(status).Inc()
	m.WALatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) GeneratorRequest(status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.GeneratorRequests.WithLabelValues(status).Inc()
	m.GeneratorLatency.WithLabelValues(status).Observe(elapsed.Seconds())
}

func (m *Metrics) Error(component string) {
	if m == nil {
		return
	}
	m.Errors.WithLabelValues(component).Inc()
}
