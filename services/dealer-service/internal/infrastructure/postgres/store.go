// Package postgres stores processed reservations with pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/inbox"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
	"github.com/baechuer/dealer-pipeline/services/dealer-service/internal/application/dealer"
)

var ErrNotFound = errors.New("processed reservation not found")

// Querier is satisfied by *pgxpool.Pool.
type Querier interface {
	inbox.Beginner
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db    Querier
	inbox *inbox.Inbox
}

var _ dealer.Store = (*Store)(nil)

func New(db Querier) *Store {
	return &Store{db: db, inbox: inbox.New(db)}
}

const insertProcessedSQL = `
INSERT INTO processed_reservations (
	reservation_id, vehicle_id, dealer_id, status, assigned_staff, dealer_reservation_id, processed_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (reservation_id) DO NOTHING
`

// Apply writes the inbox marker, the processed row and the outbox row in one
// transaction.
func (s *Store) Apply(
	ctx context.Context,
	key, handler string,
	rec dealer.ProcessedReservation,
	out events.Envelope[events.ReservationProcessed],
) (idempotency.Outcome, error) {
	return s.inbox.ProcessOnce(ctx, key, handler, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertProcessedSQL,
			rec.ReservationID, rec.VehicleID, rec.DealerID, rec.Status,
			rec.AssignedStaff, rec.DealerReservationID, rec.ProcessedAt,
		)
		if err != nil {
			return fmt.Errorf("insert processed reservation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Row exists under a different inbox key; keep the original and
			// emit nothing new.
			return nil
		}
		return outbox.EnqueueEvent(ctx, tx, out)
	})
}

// Get is used by tests and operators.
func (s *Store) Get(ctx context.Context, reservationID int64) (dealer.ProcessedReservation, error) {
	var r dealer.ProcessedReservation
	err := s.db.QueryRow(ctx, `
		SELECT reservation_id, vehicle_id, dealer_id, status, assigned_staff, dealer_reservation_id, processed_at
		FROM processed_reservations
		WHERE reservation_id = $1
	`, reservationID).Scan(
		&r.ReservationID, &r.VehicleID, &r.DealerID, &r.Status,
		&r.AssignedStaff, &r.DealerReservationID, &r.ProcessedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return r, ErrNotFound
	}
	if err != nil {
		return r, fmt.Errorf("get processed reservation: %w", err)
	}
	return r, nil
}
