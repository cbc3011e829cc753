// Package dealer is the dealer step of the reservation saga: it accepts a
// new reservation, assigns staff and announces the reservation as processed.
package dealer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
)

const handlerName = "dealer.reservation_created"

// ProcessedReservation is the dealer-side record of a reservation.
type ProcessedReservation struct {
	ReservationID       int64
	VehicleID           string
	DealerID            int64
	Status              string
	AssignedStaff       string
	DealerReservationID string
	ProcessedAt         time.Time
}

// Store persists rec and enqueues out in one transaction, at most once per
// key.
type Store interface {
	Apply(ctx context.Context, key, handler string, rec ProcessedReservation, out events.Envelope[events.ReservationProcessed]) (idempotency.Outcome, error)
}

type Service struct {
	store  Store
	roster *Roster
	lg     zerolog.Logger

	now   func() time.Time
	newID func() string
}

func NewService(store Store, roster *Roster, lg zerolog.Logger) *Service {
	return &Service{
		store:  store,
		roster: roster,
		lg:     lg.With().Str("component", "dealer_service").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  func() string { return "DR-" + uuid.NewString() },
	}
}

// Register binds the service's handlers on m.
func (s *Service) Register(m *events.Mux) {
	events.On(m, events.TypeReservationCreated, s.HandleReservationCreated)
}

func (s *Service) HandleReservationCreated(ctx context.Context, meta events.Meta, p events.ReservationCreated) error {
	now := s.now()
	rec := ProcessedReservation{
		ReservationID:       p.ReservationID,
		VehicleID:           p.VehicleID,
		DealerID:            p.DealerID,
		Status:              events.StatusProcessedByDealer,
		AssignedStaff:       s.roster.Assign(p.DealerID),
		DealerReservationID: s.newID(),
		ProcessedAt:         now,
	}

	out := events.New(events.TypeReservationProcessed, "dealer-service", meta.TraceID, events.ReservationProcessed{
		ReservationID:       rec.ReservationID,
		Status:              rec.Status,
		AssignedStaff:       rec.AssignedStaff,
		ProcessedAt:         now,
		DealerReservationID: rec.DealerReservationID,
	})

	key := events.TypeReservationCreated + ":" + p.BusinessKey()
	outcome, err := s.store.Apply(ctx, key, handlerName, rec, out)
	if err != nil {
		return fmt.Errorf("apply reservation %d: %w", p.ReservationID, err)
	}

	lg := s.lg.With().
		Int64("reservation_id", p.ReservationID).
		Int64("dealer_id", p.DealerID).
		Str("trace_id", meta.TraceID).
		Logger()
	if outcome == idempotency.AlreadyApplied {
		lg.Info().Msg("reservation already processed; skipping")
		return nil
	}
	lg.Info().
		Str("assigned_staff", rec.AssignedStaff).
		Str("dealer_reservation_id", rec.DealerReservationID).
		Msg("reservation processed by dealer")
	return nil
}
