// Package outbox writes events into the outbox table inside the producer's
// transaction and relays them to the broker afterwards.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
)

var ErrNoExchange = errors.New("outbox: no exchange for event type")

// Message is one outbox row.
type Message struct {
	ID         uuid.UUID
	MessageID  string
	Exchange   string
	RoutingKey string
	TraceID    string
	Payload    []byte
	Attempt    int
}

// Execer is satisfied by pgx.Tx, *pgxpool.Pool and *pgx.Conn.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const insertOutboxSQL = `
INSERT INTO outbox (id, message_id, exchange, routing_key, trace_id, payload, status, next_retry_at, occurred_at)
VALUES ($1, $2, $3, $4, $5, $6::jsonb, 'pending', NOW(), NOW())
ON CONFLICT (message_id) DO NOTHING
`

// Enqueue inserts m as a pending row. Call it with the transaction that
// holds the state change the event describes.
func Enqueue(ctx context.Context, tx Execer, m Message) error {
	if strings.TrimSpace(m.Exchange) == "" || strings.TrimSpace(m.RoutingKey) == "" {
		return fmt.Errorf("outbox enqueue: exchange and routing key are required")
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("outbox enqueue %s: empty payload", m.RoutingKey)
	}
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	if m.MessageID == "" {
		m.MessageID = m.ID.String()
	}

	if _, err := tx.Exec(ctx, insertOutboxSQL,
		m.ID, m.MessageID, m.Exchange, m.RoutingKey, m.TraceID, string(m.Payload),
	); err != nil {
		return fmt.Errorf("outbox enqueue %s: %w", m.RoutingKey, err)
	}
	return nil
}

// EnqueueEvent marshals env and enqueues it on the exchange its type
// belongs to, with the type as routing key.
func EnqueueEvent[T any](ctx context.Context, tx Execer, env events.Envelope[T]) error {
	exchange, ok := events.ExchangeFor(env.Type)
	if !ok {
		return fmt.Errorf("%w: %q", ErrNoExchange, env.Type)
	}
	body, err := events.Marshal(env)
	if err != nil {
		return err
	}
	return Enqueue(ctx, tx, Message{
		MessageID:  env.MessageID,
		Exchange:   exchange,
		RoutingKey: env.Type,
		TraceID:    env.TraceID,
		Payload:    body,
	})
}
