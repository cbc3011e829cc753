package rabbitmq

import (
	"context"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	HeaderAttempt         = "x-attempt"
	HeaderOrigRoutingKey  = "x-orig-routing-key"
	HeaderError           = "x-error"
	HeaderDeadLetterCause = "x-dlq-reason"
	HeaderDeadLetterQueue = "x-dlq-source"
	maxHeaderErrorLen     = 512
)

// headerCarrier adapts amqp.Table to the otel TextMapCarrier.
type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (h headerCarrier) Get(key string) string {
	v, ok := h[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (h headerCarrier) Set(key, value string) { h[key] = value }

func (h headerCarrier) Keys() []string {
	out := make([]string, 0, len(h))
	for k := range h {
		out = append(out, k)
	}
	return out
}

func injectTrace(ctx context.Context, h amqp.Table) {
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(h))
}

func extractTrace(ctx context.Context, h amqp.Table) context.Context {
	if h == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, headerCarrier(h))
}

// Attempt reads the retry counter header. Missing or unreadable means 0.
func Attempt(h amqp.Table) int {
	if h == nil {
		return 0
	}
	v, ok := h[HeaderAttempt]
	if !ok {
		return 0
	}
	switch t := v.(type) {
	case int:
		return t
	case int8:
		return int(t)
	case int16:
		return int(t)
	case int32:
		return int(t)
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(t)
		return n
	default:
		return 0
	}
}

// RoutingKeyOf returns the business routing key of d. After a trip through a
// retry queue the delivery's own key is the queue name, so the header wins.
func RoutingKeyOf(d amqp.Delivery) string {
	if d.Headers != nil {
		if s, ok := d.Headers[HeaderOrigRoutingKey].(string); ok && s != "" {
			return s
		}
	}
	return d.RoutingKey
}

func copyHeaders(in amqp.Table) amqp.Table {
	out := amqp.Table{}
	for k, v := range in {
		out[k] = v
	}
	return out
}

func errorHeader(err error) string {
	if err == nil {
		return ""
	}
	return truncateString(err.Error(), maxHeaderErrorLen)
}

func truncateString(s string, n int) string {
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}

func describeReturn(r amqp.Return) string {
	return fmt.Sprintf("reply=%d text=%q exchange=%q rk=%q", r.ReplyCode, r.ReplyText, r.Exchange, r.RoutingKey)
}
