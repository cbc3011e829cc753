package config

import (
	"fmt"
	"time"

	shared "github.com/baechuer/dealer-pipeline/internal/config"
)

const ServiceName = "notification-service"

type Config struct {
	shared.Common

	Redis shared.Redis
	AWS   shared.AWS

	SalesQueue   string
	VehicleQueue string
	DedupeTTL    time.Duration

	PushProvider   string // gateway | log
	PushGatewayURL string
	PushAPIKey     string
	PushTimeout    time.Duration

	SMSProvider string // sns | log
	SMSSenderID string
}

func Load() (*Config, error) {
	shared.LoadDotEnv()

	common, err := shared.LoadCommon(ServiceName, ":8084")
	if err != nil {
		return nil, err
	}
	rds, err := shared.LoadRedis()
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Common:         common,
		Redis:          rds,
		AWS:            shared.LoadAWS(),
		SalesQueue:     shared.GetEnv("NOTIFY_SALES_QUEUE", "notification-service.sales-events"),
		VehicleQueue:   shared.GetEnv("NOTIFY_VEHICLE_QUEUE", "notification-service.vehicle-reserved"),
		DedupeTTL:      shared.GetDuration("NOTIFY_DEDUPE_TTL", 24*time.Hour),
		PushProvider:   shared.GetEnv("PUSH_PROVIDER", "log"),
		PushGatewayURL: shared.GetEnv("PUSH_GATEWAY_URL", ""),
		PushAPIKey:     shared.GetEnv("PUSH_API_KEY", ""),
		PushTimeout:    shared.GetDuration("PUSH_TIMEOUT", 10*time.Second),
		SMSProvider:    shared.GetEnv("SMS_PROVIDER", "log"),
		SMSSenderID:    shared.GetEnv("SMS_SENDER_ID", ""),
	}

	switch cfg.PushProvider {
	case "log":
	case "gateway":
		if cfg.PushGatewayURL == "" {
			return nil, fmt.Errorf("missing required env var: PUSH_GATEWAY_URL")
		}
	default:
		return nil, fmt.Errorf("unsupported push provider: %s", cfg.PushProvider)
	}
	switch cfg.SMSProvider {
	case "log", "sns":
	default:
		return nil, fmt.Errorf("unsupported sms provider: %s", cfg.SMSProvider)
	}
	return cfg, nil
}
