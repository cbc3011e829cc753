package bootstrap

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/lifecycle"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
	"github.com/baechuer/dealer-pipeline/internal/platform"
	"github.com/baechuer/dealer-pipeline/services/inventory-service/internal/application/reservation"
	"github.com/baechuer/dealer-pipeline/services/inventory-service/internal/config"
)

// App exposes the Recorder to the inventory CRUD layer.
type App struct {
	*lifecycle.Group
	Recorder *reservation.Recorder
}

// NewApp runs the outbox relay for reservation and vehicle events. The
// service consumes nothing.
func NewApp() (lifecycle.Runner, func(), error) {
	app, cleanup, err := Build()
	if err != nil {
		return nil, nil, err
	}
	return app, cleanup, nil
}

func Build() (*App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	ctx := context.Background()

	base, err := platform.New(ctx, cfg.Common, log.Logger)
	if err != nil {
		return nil, nil, err
	}

	pool, err := base.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}
	pub, err := base.Publisher(events.ExchangeReservation, events.ExchangeVehicle)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}
	base.RunRelay(pool, pub, outbox.RelayConfig{
		Interval:  cfg.OutboxInterval,
		BatchSize: cfg.OutboxBatch,
	})

	base.Serve()

	log.Info().Msg("inventory-service wired")
	return &App{Group: base.Group, Recorder: reservation.NewRecorder()}, base.Cleanup, nil
}
