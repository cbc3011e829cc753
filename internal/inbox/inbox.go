// Package inbox is the consumer-side dedupe fence: a (key, handler) row is
// inserted in the same transaction as the handler's side effects, so a
// redelivered event finds the row and changes nothing.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

var ErrEmptyKey = errors.New("inbox: empty message key")

// Beginner starts transactions. *pgxpool.Pool implements it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

type Inbox struct {
	db Beginner
}

func New(db Beginner) *Inbox {
	return &Inbox{db: db}
}

// TryMark inserts (key, handler) once.
// Returns:
//
//	true  -> first time processed
//	false -> duplicate delivery (already processed)
func TryMark(ctx context.Context, tx pgx.Tx, key, handler string) (bool, error) {
	tag, err := tx.Exec(ctx, `
		INSERT INTO processed_messages (message_key, handler_name)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, key, handler)
	if err != nil {
		return false, fmt.Errorf("inbox mark: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ProcessOnce runs fn inside a transaction guarded by the processed_messages
// fence.
//   - Duplicate: fn is not executed, the result is AlreadyApplied.
//   - fn fails: the tx rolls back, the marker does not persist and a
//     redelivery can retry.
func (i *Inbox) ProcessOnce(
	ctx context.Context,
	key, handler string,
	fn func(ctx context.Context, tx pgx.Tx) error,
) (idempotency.Outcome, error) {
	key = strings.TrimSpace(key)
	handler = strings.TrimSpace(handler)
	if key == "" {
		// Retrying cannot produce a key.
		return 0, events.Permanent(ErrEmptyKey)
	}
	if handler == "" {
		handler = "unknown"
	}

	tx, err := i.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("inbox begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, err := TryMark(ctx, tx, key, handler)
	if err != nil {
		return 0, err
	}
	if !first {
		metrics.RecordIdempotency(handler, idempotency.AlreadyApplied.String())
		return idempotency.AlreadyApplied, nil
	}

	if err := fn(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("inbox commit: %w", err)
	}
	metrics.RecordIdempotency(handler, idempotency.Applied.String())
	return idempotency.Applied, nil
}
