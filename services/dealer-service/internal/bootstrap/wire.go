package bootstrap

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/lifecycle"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
	"github.com/baechuer/dealer-pipeline/internal/platform"
	"github.com/baechuer/dealer-pipeline/services/dealer-service/internal/application/dealer"
	"github.com/baechuer/dealer-pipeline/services/dealer-service/internal/config"
	"github.com/baechuer/dealer-pipeline/services/dealer-service/internal/infrastructure/postgres"
)

// NewApp wires the dealer consumer, its outbox relay and the health server.
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

	pool, err := base.OpenPostgres(ctx, cfg.DatabaseURL, postgres.Schema)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}

	pub, err := base.Publisher(events.ExchangeReservation)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}
	base.RunRelay(pool, pub, outbox.RelayConfig{
		Interval:  cfg.OutboxInterval,
		BatchSize: cfg.OutboxBatch,
	})

	mux := events.NewMux()
	dealer.NewService(postgres.New(pool), dealer.NewRoster(cfg.StaffRoster), log.Logger).Register(mux)

	if err := base.Consume(rabbitmq.ConsumerConfig{
		Topology: rabbitmq.Topology{
			Exchange: events.ExchangeReservation,
			Queue:    cfg.Queue,
			BindKeys: mux.Types(),
		},
	}, mux); err != nil {
		base.Abort()
		return nil, nil, err
	}

	base.Serve()

	log.Info().
		Str("queue", cfg.Queue).
		Int("dealers_with_roster", len(cfg.StaffRoster)).
		Msg("dealer-service wired")
	return base.Group, base.Cleanup, nil
}
