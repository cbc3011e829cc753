package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Consumer side
	messagesConsumedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_messages_consumed_total",
			Help: "Messages received from RabbitMQ, by settlement outcome",
		},
		[]string{"queue", "type", "outcome"},
	)

	handlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_handler_duration_seconds",
			Help:    "Event handler duration in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5},
		},
		[]string{"queue", "type"},
	)

	retriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_retries_total",
			Help: "Deliveries republished to a retry tier",
		},
		[]string{"queue", "tier"},
	)

	deadLettersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_dead_letters_total",
			Help: "Deliveries moved to a dead-letter queue",
		},
		[]string{"queue", "reason"},
	)

	// Producer side
	publishTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_publish_total",
			Help: "Publish attempts by exchange and result",
		},
		[]string{"exchange", "result"},
	)

	outboxRelayTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_outbox_relay_total",
			Help: "Outbox rows relayed, rescheduled or marked dead",
		},
		[]string{"result"},
	)

	outboxBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pipeline_outbox_last_batch_size",
			Help: "Rows claimed by the last outbox poll",
		},
	)

	// Idempotency
	idempotencyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_idempotency_total",
			Help: "Idempotency checks by handler and outcome",
		},
		[]string{"handler", "outcome"},
	)

	// Notifications
	notificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_notifications_total",
			Help: "Notification attempts by channel and result",
		},
		[]string{"channel", "type", "result"},
	)
)

func RecordConsumed(queue, eventType, outcome string) {
	messagesConsumedTotal.WithLabelValues(queue, eventType, outcome).Inc()
}

func RecordHandlerDuration(queue, eventType string, d time.Duration) {
	handlerDuration.WithLabelValues(queue, eventType).Observe(d.Seconds())
}

func RecordRetry(queue, tier string) {
	retriesTotal.WithLabelValues(queue, tier).Inc()
}

func RecordDeadLetter(queue, reason string) {
	deadLettersTotal.WithLabelValues(queue, reason).Inc()
}

func RecordPublish(exchange, result string) {
	publishTotal.WithLabelValues(exchange, result).Inc()
}

func RecordOutboxRelay(result string) {
	outboxRelayTotal.WithLabelValues(result).Inc()
}

func SetOutboxBatchSize(n int) {
	outboxBatchSize.Set(float64(n))
}

func RecordIdempotency(handler, outcome string) {
	idempotencyTotal.WithLabelValues(handler, outcome).Inc()
}

func RecordNotification(channel, eventType, result string) {
	notificationsTotal.WithLabelValues(channel, eventType, result).Inc()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
