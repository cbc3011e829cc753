// Package sales holds the sales-side saga steps: the dashboard refresh on
// processed reservations and the recorder that announces sales events.
package sales

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

const dashboardHandler = "sales.dashboard_refresh"

// ClaimStore is the Redis seen-set. Claim is SET NX, so concurrent
// consumers of the same queue cannot both win a key.
type ClaimStore interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (idempotency.Outcome, error)
	Release(ctx context.Context, key string) error
}

// Dashboard logs receipt of processed reservations so the sales dashboard
// refreshes. There is no persisted projection.
type Dashboard struct {
	claims ClaimStore // nil => no dedupe
	ttl    time.Duration
	lg     zerolog.Logger
}

func NewDashboard(claims ClaimStore, ttl time.Duration, lg zerolog.Logger) *Dashboard {
	return &Dashboard{
		claims: claims,
		ttl:    ttl,
		lg:     lg.With().Str("component", "sales_dashboard").Logger(),
	}
}

func (d *Dashboard) Register(m *events.Mux) {
	events.On(m, events.TypeReservationProcessed, d.HandleReservationProcessed)
}

func (d *Dashboard) HandleReservationProcessed(ctx context.Context, meta events.Meta, p events.ReservationProcessed) error {
	key := events.TypeReservationProcessed + ":" + p.BusinessKey()

	if d.claims != nil {
		res, err := d.claims.Claim(ctx, key, d.ttl)
		if err != nil {
			return fmt.Errorf("dashboard dedupe: %w", err)
		}
		metrics.RecordIdempotency(dashboardHandler, res.String())
		if !res.IsNew() {
			d.lg.Info().Int64("reservation_id", p.ReservationID).Msg("dashboard refresh already done; skipping")
			return nil
		}
		// Shutting down between claim and refresh: hand the key back so the
		// redelivery does the refresh.
		if err := ctx.Err(); err != nil {
			if rerr := d.claims.Release(context.WithoutCancel(ctx), key); rerr != nil {
				return fmt.Errorf("dashboard release: %w", errors.Join(err, rerr))
			}
			return err
		}
	}

	d.lg.Info().
		Int64("reservation_id", p.ReservationID).
		Str("status", p.Status).
		Str("assigned_staff", p.AssignedStaff).
		Str("dealer_reservation_id", p.DealerReservationID).
		Str("trace_id", meta.TraceID).
		Msg("dashboard refresh: reservation processed by dealer")
	return nil
}
