package config

import (
	shared "github.com/baechuer/dealer-pipeline/internal/config"
)

const ServiceName = "customer-service"

type Config struct {
	shared.Common

	DatabaseURL string
	Queue       string
}

func Load() (*Config, error) {
	shared.LoadDotEnv()

	common, err := shared.LoadCommon(ServiceName, ":8083")
	if err != nil {
		return nil, err
	}
	dsn, err := shared.RequireDatabaseURL()
	if err != nil {
		return nil, err
	}
	return &Config{
		Common:      common,
		DatabaseURL: dsn,
		Queue:       shared.GetEnv("CUSTOMER_QUEUE", "customer-service.vehicle-reserved"),
	}, nil
}
