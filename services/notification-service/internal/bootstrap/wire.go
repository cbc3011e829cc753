package bootstrap

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/baechuer/dealer-pipeline/internal/awsclient"
	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/idempotency"
	"github.com/baechuer/dealer-pipeline/internal/lifecycle"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
	"github.com/baechuer/dealer-pipeline/internal/platform"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/application/notify"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/config"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/infrastructure/push"
	"github.com/baechuer/dealer-pipeline/services/notification-service/internal/infrastructure/sms"
)

// NewApp wires two consumers (sales events for push, vehicle.reserved for
// SMS) onto one dispatcher.
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

	var seen notify.SeenStore
	if cfg.Redis.Addr != "" {
		rdb, err := base.OpenRedis(ctx, cfg.Redis)
		if err != nil {
			base.Abort()
			return nil, nil, err
		}
		seen = idempotency.NewRedisStore(rdb, "notify", log.Logger)
	} else {
		log.Warn().Msg("REDIS_ADDR not set: notifications are not deduplicated")
	}

	pushProvider, err := newPush(cfg, log.Logger)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}
	smsProvider, err := newSMS(ctx, cfg, log.Logger)
	if err != nil {
		base.Abort()
		return nil, nil, err
	}

	d := notify.NewDispatcher(pushProvider, smsProvider, seen, cfg.DedupeTTL, log.Logger)

	salesMux := events.NewMux()
	d.RegisterSales(salesMux)
	vehicleMux := events.NewMux()
	d.RegisterReservations(vehicleMux)

	consumers := []struct {
		exchange, queue string
		mux             *events.Mux
	}{
		{events.ExchangeSales, cfg.SalesQueue, salesMux},
		{events.ExchangeVehicle, cfg.VehicleQueue, vehicleMux},
	}
	for _, c := range consumers {
		if err := base.Consume(rabbitmq.ConsumerConfig{
			Topology: rabbitmq.Topology{
				Exchange: c.exchange,
				Queue:    c.queue,
				BindKeys: c.mux.Types(),
			},
		}, c.mux); err != nil {
			base.Abort()
			return nil, nil, err
		}
	}

	base.Serve()

	log.Info().
		Str("push", pushProvider.Name()).
		Str("sms", smsProvider.Name()).
		Msg("notification-service wired")
	return base.Group, base.Cleanup, nil
}

func newPush(cfg *config.Config, lg zerolog.Logger) (notify.PushProvider, error) {
	switch cfg.PushProvider {
	case "gateway":
		return push.NewGateway(push.GatewayConfig{
			URL:     cfg.PushGatewayURL,
			APIKey:  cfg.PushAPIKey,
			Timeout: cfg.PushTimeout,
		})
	case "log":
		return push.NewLog(lg), nil
	default:
		return nil, fmt.Errorf("unsupported push provider: %s", cfg.PushProvider)
	}
}

func newSMS(ctx context.Context, cfg *config.Config, lg zerolog.Logger) (notify.SMSProvider, error) {
	switch cfg.SMSProvider {
	case "sns":
		client, err := awsclient.NewSNS(ctx, cfg.AWS)
		if err != nil {
			return nil, err
		}
		return sms.NewSNS(client, cfg.SMSSenderID, lg)
	case "log":
		return sms.NewLog(lg), nil
	default:
		return nil, fmt.Errorf("unsupported sms provider: %s", cfg.SMSProvider)
	}
}
