// Package deadletter inspects, replays and archives messages parked in a
// consumer's dead-letter queue.
package deadletter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
)

var ErrNoSource = errors.New("deadletter: cannot tell which queue the message came from")

// Letter is one dead-lettered message as an operator sees it.
type Letter struct {
	MessageID  string          `json:"message_id"`
	Type       string          `json:"type,omitempty"`
	Version    int             `json:"version"`
	RoutingKey string          `json:"routing_key"`
	Source     string          `json:"source_queue"`
	Reason     string          `json:"reason"`
	Error      string          `json:"error,omitempty"`
	Attempt    int             `json:"attempt"`
	Timestamp  time.Time       `json:"timestamp"`
	Body       json.RawMessage `json:"body"`

	delivery amqp.Delivery
}

// Channel is the part of *amqp.Channel the tool uses.
type Channel interface {
	Get(queue string, autoAck bool) (amqp.Delivery, bool, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
}

// Republisher is satisfied by *rabbitmq.Publisher.
type Republisher interface {
	PublishEvent(ctx context.Context, m rabbitmq.Message) error
}

// Archiver stores a letter durably and returns where.
type Archiver interface {
	Archive(ctx context.Context, l Letter) (string, error)
}

type Tool struct {
	ch  Channel
	pub Republisher
	lg  zerolog.Logger
}

func NewTool(ch Channel, pub Republisher, lg zerolog.Logger) *Tool {
	return &Tool{ch: ch, pub: pub, lg: lg.With().Str("component", "deadletter").Logger()}
}

// DLQName accepts either a work queue or its dead-letter queue.
func DLQName(queue string) string {
	if strings.HasSuffix(queue, ".dlq") {
		return queue
	}
	return queue + ".dlq"
}

func toLetter(d amqp.Delivery) Letter {
	l := Letter{
		MessageID:  d.MessageId,
		RoutingKey: rabbitmq.RoutingKeyOf(d),
		Source:     headerString(d.Headers, rabbitmq.HeaderDeadLetterQueue),
		Reason:     headerString(d.Headers, rabbitmq.HeaderDeadLetterCause),
		Error:      headerString(d.Headers, rabbitmq.HeaderError),
		Attempt:    rabbitmq.Attempt(d.Headers),
		Timestamp:  d.Timestamp,
		delivery:   d,
	}
	if json.Valid(d.Body) {
		l.Body = json.RawMessage(d.Body)
	} else {
		l.Body, _ = json.Marshal(string(d.Body))
	}
	if env, err := events.Decode(l.RoutingKey, d.Body); err == nil {
		l.Type = env.Type
		l.Version = env.Version
		if l.MessageID == "" {
			l.MessageID = env.MessageID
		}
	}
	return l
}

func headerString(h amqp.Table, key string) string {
	if h == nil {
		return ""
	}
	if s, ok := h[key].(string); ok {
		return s
	}
	return ""
}

// each fetches up to limit letters without auto-ack and hands them to fn.
// Letters fn does not settle are held and requeued once the walk ends. A
// limit <= 0 means the queue depth at the start of the walk, so letters
// that land in the queue during the walk are left for the next one.
func (t *Tool) each(ctx context.Context, queue string, limit int, fn func(Letter) (bool, error)) (int, error) {
	dlq := DLQName(queue)
	if limit <= 0 {
		q, err := t.ch.QueueDeclarePassive(dlq, true, false, false, false, nil)
		if err != nil {
			return 0, fmt.Errorf("inspect %s: %w", dlq, err)
		}
		if q.Messages == 0 {
			return 0, nil
		}
		limit = q.Messages
	}

	var held []amqp.Delivery
	defer func() {
		for _, d := range held {
			if err := d.Nack(false, true); err != nil {
				t.lg.Warn().Err(err).Str("queue", dlq).Msg("requeue dead letter failed")
			}
		}
	}()

	done := 0
	for done < limit {
		if err := ctx.Err(); err != nil {
			return done, err
		}
		d, ok, err := t.ch.Get(dlq, false)
		if err != nil {
			return done, fmt.Errorf("get %s: %w", dlq, err)
		}
		if !ok {
			break
		}

		settled, err := fn(toLetter(d))
		if err != nil {
			held = append(held, d)
			return done, err
		}
		if !settled {
			held = append(held, d)
		}
		done++
	}
	return done, nil
}

// Peek returns up to limit letters and leaves them in the queue.
func (t *Tool) Peek(ctx context.Context, queue string, limit int) ([]Letter, error) {
	var out []Letter
	_, err := t.each(ctx, queue, limit, func(l Letter) (bool, error) {
		out = append(out, l)
		return false, nil
	})
	return out, err
}

// Replay moves up to limit letters back to their work queue with the attempt
// counter reset. A letter is acked only after the broker confirmed the copy.
func (t *Tool) Replay(ctx context.Context, queue string, limit int) (int, error) {
	if t.pub == nil {
		return 0, errors.New("deadletter: replay needs a publisher")
	}
	return t.each(ctx, queue, limit, func(l Letter) (bool, error) {
		target := l.Source
		if target == "" {
			target = strings.TrimSuffix(DLQName(queue), ".dlq")
		}
		if target == "" {
			return false, ErrNoSource
		}

		h := amqp.Table{}
		for k, v := range l.delivery.Headers {
			switch k {
			case rabbitmq.HeaderAttempt, rabbitmq.HeaderDeadLetterCause, rabbitmq.HeaderDeadLetterQueue, rabbitmq.HeaderError:
				continue
			}
			h[k] = v
		}

		if err := t.pub.PublishEvent(ctx, rabbitmq.Message{
			Exchange:      "",
			RoutingKey:    target,
			MessageID:     l.delivery.MessageId,
			CorrelationID: l.delivery.CorrelationId,
			Body:          l.delivery.Body,
			Headers:       h,
		}); err != nil {
			return false, fmt.Errorf("replay %s to %s: %w", l.MessageID, target, err)
		}
		if err := l.delivery.Ack(false); err != nil {
			return false, fmt.Errorf("ack replayed %s: %w", l.MessageID, err)
		}
		t.lg.Info().Str("message_id", l.MessageID).Str("queue", target).Msg("dead letter replayed")
		return true, nil
	})
}

// Archive stores up to limit letters and acks each one once it is stored.
func (t *Tool) Archive(ctx context.Context, queue string, limit int, a Archiver) (int, error) {
	return t.each(ctx, queue, limit, func(l Letter) (bool, error) {
		loc, err := a.Archive(ctx, l)
		if err != nil {
			return false, fmt.Errorf("archive %s: %w", l.MessageID, err)
		}
		if err := l.delivery.Ack(false); err != nil {
			return false, fmt.Errorf("ack archived %s: %w", l.MessageID, err)
		}
		t.lg.Info().Str("message_id", l.MessageID).Str("location", loc).Msg("dead letter archived")
		return true, nil
	})
}
