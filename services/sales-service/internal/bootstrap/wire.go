package bootstrap

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/lifecycle"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
	"github.com/baechuer/dealer-pipeline/internal/platform"
	"github.com/baechuer/dealer-pipeline/services/sales-service/internal/application/sales"
	"github.com/baechuer/dealer-pipeline/services/sales-service/internal/config"
)

// App exposes the Recorder so the sales CRUD layer can enqueue events in its
// own transactions.
type App struct {
	*lifecycle.Group
	Recorder *sales.Recorder
}

// NewApp wires the dashboard consumer, the sales outbox relay and the health
// server.
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

	rdb, err := base.OpenRedis(ctx, cfg.Redis)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}
	pool, err := base.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}

	pub, err := base.Publisher(events.ExchangeSales)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}
	base.RunRelay(pool, pub, outbox.RelayConfig{
		Interval:  cfg.OutboxInterval,
		BatchSize: cfg.OutboxBatch,
	})

	mux := events.NewMux()
	seen := idempotency.NewRedisStore(rdb, "sales", log.Logger)
	sales.NewDashboard(seen, cfg.DedupeTTL, log.Logger).Register(mux)

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

	log.Info().Str("queue", cfg.Queue).Msg("sales-service wired")
	return &App{Group: base.Group, Recorder: sales.NewRecorder()}, base.Cleanup, nil
}
