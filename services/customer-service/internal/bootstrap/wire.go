package bootstrap

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/lifecycle"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
	"github.com/baechuer/dealer-pipeline/internal/platform"
	"github.com/baechuer/dealer-pipeline/services/customer-service/internal/application/customer"
	"github.com/baechuer/dealer-pipeline/services/customer-service/internal/config"
	"github.com/baechuer/dealer-pipeline/services/customer-service/internal/infrastructure/gormstore"
)

// NewApp wires the vehicle.reserved consumer onto the gorm customer store.
func NewApp() (lifecycle.Runner, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	ctx := context.Background()

	base, err := platform.New(ctx, cfg.Common, log.Logger)
	if err != nil {
		return nil, nil, err
	}

	db, err := gormstore.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}
	store := gormstore.New(db)
	base.Group.OnStop("postgres", func(context.Context) error { return store.Close() })
	base.AddCheck("postgres", store.Ping)

	mux := events.NewMux()
	customer.NewService(store, log.Logger).Register(mux)

	if err := base.Consume(rabbitmq.ConsumerConfig{
		Topology: rabbitmq.Topology{
			Exchange: events.ExchangeVehicle,
			Queue:    cfg.Queue,
			BindKeys: mux.Types(),
		},
	}, mux); err != nil {
		base.Abort()
		return nil, nil, err
	}

	base.Serve()

	log.Info().Str("queue", cfg.Queue).Msg("customer-service wired")
	return base.Group, base.Cleanup, nil
}
