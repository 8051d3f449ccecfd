package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Automation engine
	AutomationsProcessed *prometheus.CounterVec
	MessagesSent         *prometheus.CounterVec
	GateDecisions        *prometheus.CounterVec
	QueueDepth           prometheus.Gauge
	AutomationRetries    prometheus.Counter
	StuckRecovered       *prometheus.CounterVec

	// Webhook engine
	WebhookDeliveries     *prometheus.CounterVec
	WebhookLatency        prometheus.Histogram
	WebhooksCircuitOpened prometheus.Counter
	DomainEventsConsumed  *prometheus.CounterVec

	// HTTP
	HTTPRequests *prometheus.CounterVec
	HTTPLatency  *prometheus.HistogramVec
}

// NewMetrics creates and registers all application metrics on reg.
// A nil reg registers on the default registry.
func NewMetrics(reg prometheus.Registerer, namespace, subsystem string) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AutomationsProcessed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "automations_processed_total",
			Help:      "Automation executions by resulting status",
		}, []string{"status"}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "automation_messages_total",
			Help:      "Automation message sends by type and result",
		}, []string{"type", "result"}),
		GateDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "gate_decisions_total",
			Help:      "Rate gate decisions",
		}, []string{"decision"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "automation_queue_depth",
			Help:      "Current number of automations waiting in the queue",
		}),
		AutomationRetries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "automation_retries_total",
			Help:      "Automation retry re-enqueues",
		}),
		StuckRecovered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "automation_stuck_recovered_total",
			Help:      "Stuck automations resolved by the drain scan",
		}, []string{"status"}),

		WebhookDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_delivery_attempts_total",
			Help:      "Webhook delivery attempts by result",
		}, []string{"result"}),
		WebhookLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhook_delivery_duration_seconds",
			Help:      "Time spent on a webhook delivery attempt",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		WebhooksCircuitOpened: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "webhooks_circuit_opened_total",
			Help:      "Webhooks disabled after consecutive failures",
		}),
		DomainEventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "domain_events_consumed_total",
			Help:      "Domain events consumed from the broker",
		}, []string{"channel", "status"}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// NewNop returns metrics registered on a throwaway registry.
func NewNop() *Metrics {
	return NewMetrics(prometheus.NewRegistry(), "test", "")
}
