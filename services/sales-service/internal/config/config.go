package config

import (
	"time"

	shared "github.com/baechuer/dealer-pipeline/internal/config"
)

const ServiceName = "sales-service"

type Config struct {
	shared.Common

	DatabaseURL string
	Redis       shared.Redis
	Queue       string
	DedupeTTL   time.Duration

	OutboxInterval time.Duration
	OutboxBatch    int
}

func Load() (*Config, error) {
	shared.LoadDotEnv()

	common, err := shared.LoadCommon(ServiceName, ":8082")
	if err != nil {
		return nil, err
	}
	dsn, err := shared.RequireDatabaseURL()
	if err != nil {
		return nil, err
	}
	rd, err := shared.LoadRedis()
	if err != nil {
		return nil, err
	}

	return &Config{
		Common:         common,
		DatabaseURL:    dsn,
		Redis:          rd,
		Queue:          shared.GetEnv("SALES_QUEUE", "sales-service.reservation-processed"),
		DedupeTTL:      shared.GetDuration("SALES_DEDUPE_TTL", 24*time.Hour),
		OutboxInterval: shared.GetDuration("OUTBOX_INTERVAL", 500*time.Millisecond),
		OutboxBatch:    shared.GetInt("OUTBOX_BATCH", 20),
	}, nil
}
