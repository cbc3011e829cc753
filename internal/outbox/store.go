package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Store is the relay's view of the outbox table.
type Store interface {
	// Claim returns up to limit due rows and leases them until now+lease so
	// a concurrent relay skips them.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error)
	MarkSent(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempt int, retryIn time.Duration, errMsg string) error
	MarkDead(ctx context.Context, id uuid.UUID, attempt int, errMsg string) error
}

// DB is satisfied by *pgxpool.Pool.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgStore struct {
	db DB
}

func NewPgStore(db DB) *PgStore {
	return &PgStore{db: db}
}

func (s *PgStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error) {
	// Claim rows inside a tx so multiple relays don't double-publish.
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("outbox claim begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, exchange, routing_key, trace_id, payload, attempt
		FROM outbox
		WHERE status = 'pending'
		  AND next_retry_at <= NOW()
		ORDER BY next_retry_at ASC, occurred_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox claim: %w", err)
	}

	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.MessageID, &m.Exchange, &m.RoutingKey, &m.TraceID, &m.Payload, &m.Attempt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("outbox scan: %w", err)
		}
		out = append(out, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox rows: %w", err)
	}
	if len(out) == 0 {
		return nil, tx.Commit(ctx)
	}

	// The lease keeps the lock short: publishing happens after commit, and
	// other relays skip rows whose next_retry_at is in the future.
	ids := make([]uuid.UUID, len(out))
	for i, m := range out {
		ids[i] = m.ID
	}
	if _, err := tx.Exec(ctx, `
		UPDATE outbox
		SET next_retry_at = NOW() + make_interval(secs => $2)
		WHERE id = ANY($1)
	`, ids, lease.Seconds()); err != nil {
		return nil, fmt.Errorf("outbox lease: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("outbox claim commit: %w", err)
	}
	return out, nil
}

func (s *PgStore) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'sent',
		    last_error = NULL
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("outbox mark sent: %w", err)
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, retryIn time.Duration, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox
		SET attempt = $2,
		    next_retry_at = NOW() + make_interval(secs => $3),
		    last_error = $4
		WHERE id = $1
	`, id, attempt, retryIn.Seconds(), errMsg)
	if err != nil {
		return fmt.Errorf("outbox mark failed: %w", err)
	}
	return nil
}

func (s *PgStore) MarkDead(ctx context.Context, id uuid.UUID, attempt int, errMsg string) error {
	_, err := s.db.Exec(ctx, `
		UPDATE outbox
		SET status = 'dead',
		    attempt = $2,
		    last_error = $3
		WHERE id = $1
	`, id, attempt, errMsg)
	if err != nil {
		return fmt.Errorf("outbox mark dead: %w", err)
	}
	return nil
}
