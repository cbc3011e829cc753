package config

import (
	"time"

	shared "github.com/baechuer/dealer-pipeline/internal/config"
)

const ServiceName = "inventory-service"

type Config struct {
	shared.Common

	DatabaseURL    string
	OutboxInterval time.Duration
	OutboxBatch    int
}

func Load() (*Config, error) {
	shared.LoadDotEnv()

	common, err := shared.LoadCommon(ServiceName, ":8085")
	if err != nil {
		return nil, err
	}
	dsn, err := shared.RequireDatabaseURL()
	if err != nil {
		return nil, err
	}
	return &Config{
		Common:         common,
		DatabaseURL:    dsn,
		OutboxInterval: shared.GetDuration("OUTBOX_INTERVAL", 500*time.Millisecond),
		OutboxBatch:    shared.GetInt("OUTBOX_BATCH", 20),
	}, nil
}
