package rabbitmq

import (
	"fmt"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// declarer is the topology subset of *amqp.Channel.
type declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
}

// Topology describes one consuming queue and its retry/dead-letter siblings.
//
// Retry and dead-letter traffic goes through the default exchange straight to
// a named queue, so a retried message is never fanned out again to other
// services bound to the same topic exchange.
//
//	<queue>              bound to Exchange by BindKeys, dead-letters to <queue>.dlq
//	<queue>.retry.<tier> TTL = tier, dead-letters back to <queue>
//	<queue>.dlq          parked messages for operators
type Topology struct {
	Exchange   string
	Queue      string
	BindKeys   []string
	RetryTiers []time.Duration
}

func (t Topology) DLQName() string { return t.Queue + ".dlq" }

func (t Topology) RetryQueueName(tier time.Duration) string {
	return t.Queue + ".retry." + TierName(tier)
}

// TierFor picks the retry delay for the given 1-based attempt. Attempts past
// the last tier keep using the last tier.
func (t Topology) TierFor(attempt int) time.Duration {
	tiers := t.RetryTiers
	if len(tiers) == 0 {
		return 0
	}
	i := attempt - 1
	if i < 0 {
		i = 0
	}
	if i >= len(tiers) {
		i = len(tiers) - 1
	}
	return tiers[i]
}

// TierName renders a duration compactly: 10s, 1m, 2h, 500ms.
func TierName(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		return fmt.Sprintf("%dh", d/time.Hour)
	case d >= time.Minute && d%time.Minute == 0:
		return fmt.Sprintf("%dm", d/time.Minute)
	case d >= time.Second && d%time.Second == 0:
		return fmt.Sprintf("%ds", d/time.Second)
	default:
		return fmt.Sprintf("%dms", d/time.Millisecond)
	}
}

// Declare creates everything idempotently. Re-declaring with different
// arguments fails with PRECONDITION_FAILED.
func (t Topology) Declare(ch declarer) error {
	if t.Queue == "" {
		return fmt.Errorf("topology: empty queue name")
	}

	if t.Exchange != "" {
		if err := ch.ExchangeDeclare(t.Exchange, "topic", true, false, false, false, nil); err != nil {
			return fmt.Errorf("exchange declare (%s): %w", t.Exchange, err)
		}
	}

	if _, err := ch.QueueDeclare(t.DLQName(), true, false, false, false, nil); err != nil {
		return fmt.Errorf("dlq declare (%s): %w", t.DLQName(), err)
	}

	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": t.DLQName(),
	}
	if _, err := ch.QueueDeclare(t.Queue, true, false, false, false, mainArgs); err != nil {
		return fmt.Errorf("queue declare (%s): %w", t.Queue, err)
	}

	for _, tier := range t.RetryTiers {
		args := amqp.Table{
			"x-message-ttl":             int64(tier / time.Millisecond),
			"x-dead-letter-exchange":    "",
			"x-dead-letter-routing-key": t.Queue,
		}
		name := t.RetryQueueName(tier)
		if _, err := ch.QueueDeclare(name, true, false, false, false, args); err != nil {
			return fmt.Errorf("retry queue declare (%s): %w", name, err)
		}
	}

	if t.Exchange == "" {
		return nil
	}
	for _, key := range t.BindKeys {
		k := strings.TrimSpace(key)
		if k == "" {
			continue
		}
		if err := ch.QueueBind(t.Queue, k, t.Exchange, false, nil); err != nil {
			return fmt.Errorf("queue bind (%s -> %s): %w", k, t.Queue, err)
		}
	}
	return nil
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToUpper(err.Error())
	return strings.Contains(msg, "PRECONDITION_FAILED") || strings.Contains(msg, "INEQUIVALENT ARG")
}
