// Package reservation publishes the inventory side of a vehicle reservation.
package reservation

import (
	"context"
	"fmt"
	"time"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
	"github.com/baechuer/dealer-pipeline/internal/tracing"
)

const producer = "inventory-service"

// Reservation is the row the inventory CRUD layer just inserted.
type Reservation struct {
	ID               int64
	VehicleID        string
	VehicleModel     string
	DealerID         int64
	CustomerName     string
	CustomerEmail    string
	CustomerPhone    string
	Quantity         int
	TotalPrice       float64
	ColorVariantID   int64
	ColorVariantName string
	CreatedAt        time.Time
}

// Recorder writes reservation events to the outbox in the caller's tx.
type Recorder struct {
	now func() time.Time
}

func NewRecorder() *Recorder {
	return &Recorder{now: func() time.Time { return time.Now().UTC() }}
}

// Record enqueues reservation.created for the dealer and vehicle.reserved
// for customer and notification. Both rows commit or neither does. An empty
// traceID falls back to the span in ctx.
func (r *Recorder) Record(ctx context.Context, tx outbox.Execer, traceID string, res Reservation) error {
	if traceID == "" {
		traceID = tracing.TraceID(ctx)
	}
	if res.CreatedAt.IsZero() {
		res.CreatedAt = r.now()
	}
	created := events.ReservationCreated{
		ReservationID: res.ID,
		VehicleID:     res.VehicleID,
		DealerID:      res.DealerID,
		CreatedAt:     res.CreatedAt,
	}
	reserved := events.VehicleReserved{
		ReservationID:    res.ID,
		VehicleID:        res.VehicleID,
		VehicleModel:     res.VehicleModel,
		CustomerName:     res.CustomerName,
		CustomerEmail:    res.CustomerEmail,
		CustomerPhone:    res.CustomerPhone,
		Quantity:         res.Quantity,
		TotalPrice:       res.TotalPrice,
		ColorVariantID:   res.ColorVariantID,
		ColorVariantName: res.ColorVariantName,
		DealerID:         res.DealerID,
		CreatedAt:        res.CreatedAt,
	}

	if err := events.Validate(created); err != nil {
		return err
	}
	if err := events.Validate(reserved); err != nil {
		return err
	}

	if err := outbox.EnqueueEvent(ctx, tx, events.New(events.TypeReservationCreated, producer, traceID, created)); err != nil {
		return fmt.Errorf("enqueue reservation.created: %w", err)
	}
	if err := outbox.EnqueueEvent(ctx, tx, events.New(events.TypeVehicleReserved, producer, traceID, reserved)); err != nil {
		return fmt.Errorf("enqueue vehicle.reserved: %w", err)
	}
	return nil
}
