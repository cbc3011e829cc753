// Package customer keeps one customer per email address from reservation
// events.
package customer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

const handlerName = "customer.upsert_by_email"

// Upsert results.
const (
	Created       = idempotency.Applied
	AlreadyExists = idempotency.AlreadyApplied
)

type Customer struct {
	ID        int64
	Email     string
	Name      string
	Phone     string
	CreatedAt time.Time
}

type Repository interface {
	// UpsertByEmail inserts c unless a customer with the same email exists.
	UpsertByEmail(ctx context.Context, c Customer) (idempotency.Outcome, error)
}

type Service struct {
	repo Repository
	lg   zerolog.Logger
	now  func() time.Time
}

func NewService(repo Repository, lg zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		lg:   lg.With().Str("component", "customer_service").Logger(),
		now:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Register(m *events.Mux) {
	events.On(m, events.TypeVehicleReserved, s.HandleVehicleReserved)
}

// NormalizeEmail trims and lower-cases so case variants map to one row.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (s *Service) HandleVehicleReserved(ctx context.Context, meta events.Meta, p events.VehicleReserved) error {
	c := Customer{
		Email:     NormalizeEmail(p.CustomerEmail),
		Name:      strings.TrimSpace(p.CustomerName),
		Phone:     strings.TrimSpace(p.CustomerPhone),
		CreatedAt: s.now(),
	}
	if c.Email == "" {
		return events.Permanent(fmt.Errorf("%w: empty customer email", events.ErrInvalidPayload))
	}

	res, err := s.repo.UpsertByEmail(ctx, c)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	metrics.RecordIdempotency(handlerName, res.String())

	lg := s.lg.With().Str("email", c.Email).Int64("reservation_id", p.ReservationID).Str("trace_id", meta.TraceID).Logger()
	if res == AlreadyExists {
		lg.Info().Msg("customer already exists")
		return nil
	}
	lg.Info().Msg("customer created")
	return nil
}
