// Package memory is an in-process stand-in for the broker topology: topic
// exchanges, durable queues bound by pattern, bounded redelivery and a
// dead-letter list per queue. Deliveries are pulled explicitly with Drain.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
)

// Handler matches rabbitmq.Handler.
type Handler interface {
	Dispatch(ctx context.Context, env events.Raw) error
}

type Delivery struct {
	Exchange   string
	RoutingKey string
	MessageID  string
	Body       []byte
	Attempt    int
	Reason     string
}

type binding struct {
	exchange string
	pattern  string
}

type queue struct {
	bindings []binding
	pending  []Delivery
	dead     []Delivery
}

type Bus struct {
	maxAttempts int
	lg          zerolog.Logger

	mu     sync.Mutex
	queues map[string]*queue
}

func NewBus(maxAttempts int, lg zerolog.Logger) *Bus {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Bus{
		maxAttempts: maxAttempts,
		lg:          lg.With().Str("component", "memory_bus").Logger(),
		queues:      map[string]*queue{},
	}
}

// Bind declares queue if needed and binds it to exchange with a topic pattern.
func (b *Bus) Bind(queueName, exchange string, patterns ...string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(queueName)
	for _, p := range patterns {
		q.bindings = append(q.bindings, binding{exchange: exchange, pattern: p})
	}
}

// PublishEvent routes m to every bound queue. With no match it fails the
// same way a mandatory publish does.
func (b *Bus) PublishEvent(ctx context.Context, m rabbitmq.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	routed := 0
	for _, q := range b.queues {
		for _, bd := range q.bindings {
			if bd.exchange == m.Exchange && Match(bd.pattern, m.RoutingKey) {
				body := make([]byte, len(m.Body))
				copy(body, m.Body)
				q.pending = append(q.pending, Delivery{
					Exchange:   m.Exchange,
					RoutingKey: m.RoutingKey,
					MessageID:  m.MessageID,
					Body:       body,
				})
				routed++
				break
			}
		}
	}
	if routed == 0 {
		return fmt.Errorf("%w: exchange=%q rk=%q", rabbitmq.ErrUnroutable, m.Exchange, m.RoutingKey)
	}
	return nil
}

// Drain delivers pending messages of queueName to h until the queue is empty,
// applying the same settlement rules as the rabbitmq consumer. It returns the
// number of handler runs.
func (b *Bus) Drain(ctx context.Context, queueName string, h Handler) (int, error) {
	runs := 0
	for {
		if err := ctx.Err(); err != nil {
			return runs, err
		}
		d, ok := b.pop(queueName)
		if !ok {
			return runs, nil
		}

		env, err := events.Decode(d.RoutingKey, d.Body)
		if err != nil {
			b.deadLetter(queueName, d, rabbitmq.ReasonBadEnvelope)
			continue
		}
		if env.MessageID == "" {
			env.MessageID = d.MessageID
		}

		runs++
		err = h.Dispatch(ctx, env)
		switch {
		case err == nil:
		case errors.Is(err, events.ErrUnknownType):
			b.lg.Warn().Str("type", env.Type).Msg("unknown event type; dropping")
		case errors.Is(err, events.ErrUnsupportedVersion):
			b.deadLetter(queueName, d, rabbitmq.ReasonUnsupportedVersion)
		case events.IsPermanent(err):
			b.deadLetter(queueName, d, rabbitmq.ReasonNonRetriable)
		default:
			d.Attempt++
			if d.Attempt >= b.maxAttempts {
				b.deadLetter(queueName, d, rabbitmq.ReasonMaxAttempts)
				continue
			}
			b.push(queueName, d)
		}
	}
}

// Pending returns the number of undelivered messages in queueName.
func (b *Bus) Pending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.pending)
	}
	return 0
}

// Dead returns a copy of the dead-lettered deliveries of queueName.
func (b *Bus) Dead(queueName string) []Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}
	out := make([]Delivery, len(q.dead))
	copy(out, q.dead)
	return out
}

func (b *Bus) pop(queueName string) (Delivery, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queueName]
	if !ok || len(q.pending) == 0 {
		return Delivery{}, false
	}
	d := q.pending[0]
	q.pending = q.pending[1:]
	return d, true
}

func (b *Bus) push(queueName string, d Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queueLocked(queueName)
	q.pending = append(q.pending, d)
}

func (b *Bus) deadLetter(queueName string, d Delivery, reason string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	d.Reason = reason
	q := b.queueLocked(queueName)
	q.dead = append(q.dead, d)
	b.lg.Error().Str("queue", queueName).Str("reason", reason).Str("routing_key", d.RoutingKey).Msg("sent to dlq")
}

func (b *Bus) queueLocked(name string) *queue {
	q, ok := b.queues[name]
	if !ok {
		q = &queue{}
		b.queues[name] = q
	}
	return q
}

// Match implements AMQP topic matching: words are dot separated, "*" matches
// exactly one word and "#" matches zero or more.
func Match(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	for len(p) > 0 {
		switch p[0] {
		case "#":
			if len(p) == 1 {
				return true
			}
			for i := 0; i <= len(k); i++ {
				if matchWords(p[1:], k[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(k) == 0 {
				return false
			}
		default:
			if len(k) == 0 || p[0] != k[0] {
				return false
			}
		}
		p, k = p[1:], k[1:]
	}
	return len(k) == 0
}
