package config

import (
	"fmt"
	"strings"
	"time"
)

// Rabbit is the broker block shared by every service.
type Rabbit struct {
	URL         string
	Prefetch    int
	MaxAttempts int
	RetryTiers  []time.Duration
}

// Redis is optional; Addr == "" disables it.
type Redis struct {
	Addr     string
	Password string
	DB       int
}

// Common settings read by every process.
type Common struct {
	Env          string
	Service      string
	HealthAddr   string
	ShutdownWait time.Duration

	Rabbit Rabbit

	OTelEnabled  bool
	OTelEndpoint string
}

var DefaultRetryTiers = []time.Duration{10 * time.Second, time.Minute, 10 * time.Minute}

// LoadCommon reads shared keys. RABBIT_URL (or RABBITMQ_URL) is required.
func LoadCommon(service, defaultHealthAddr string) (Common, error) {
	c := Common{
		Env:          FirstNonEmpty([]string{"APP_ENV", "ENV"}, "dev"),
		Service:      service,
		HealthAddr:   GetEnv("HEALTH_ADDR", defaultHealthAddr),
		ShutdownWait: GetDuration("SHUTDOWN_WAIT", 10*time.Second),
		Rabbit: Rabbit{
			URL:         FirstNonEmpty([]string{"RABBIT_URL", "RABBITMQ_URL"}, ""),
			Prefetch:    GetInt("RABBIT_PREFETCH", 1),
			MaxAttempts: GetInt("RABBIT_MAX_ATTEMPTS", 5),
			RetryTiers:  GetDurations("RABBIT_RETRY_TIERS", DefaultRetryTiers),
		},
		OTelEnabled:  GetBool("OTEL_ENABLED", false),
		OTelEndpoint: GetEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4318"),
	}
	if c.Rabbit.URL == "" {
		return Common{}, fmt.Errorf("missing required env var: RABBIT_URL")
	}
	return c, nil
}

// LoadRedis reads REDIS_*; an empty address means redis is disabled.
func LoadRedis() (Redis, error) {
	r := Redis{
		Addr:     GetEnv("REDIS_ADDR", ""),
		Password: GetEnv("REDIS_PASSWORD", ""),
		DB:       GetInt("REDIS_DB", 0),
	}
	// Guard: prevent the classic "REDIS_ADDR=localhost:6379 OTHER=..." parsing issue
	if strings.Contains(r.Addr, " ") {
		return Redis{}, fmt.Errorf("bad REDIS_ADDR (contains spaces): %q", r.Addr)
	}
	return r, nil
}

// RequireDatabaseURL reads DATABASE_URL or builds it from POSTGRES_* parts.
func RequireDatabaseURL() (string, error) {
	if u := FirstNonEmpty([]string{"DATABASE_URL", "DB_ADDR"}, ""); u != "" {
		return u, nil
	}
	host := GetEnv("POSTGRES_HOST", "")
	if host == "" {
		return "", fmt.Errorf("missing required env var: DATABASE_URL")
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		GetEnv("POSTGRES_USER", "postgres"),
		GetEnv("POSTGRES_PASSWORD", "postgres"),
		host,
		GetEnv("POSTGRES_PORT", "5432"),
		GetEnv("POSTGRES_DB", "postgres"),
		GetEnv("POSTGRES_SSLMODE", "disable"),
	), nil
}

// AWS holds the settings for SNS and S3 clients. Empty keys fall back to the
// default credential chain; Endpoint points at MinIO or LocalStack.
type AWS struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Endpoint        string
	UsePathStyle    bool
}

func LoadAWS() AWS {
	return AWS{
		Region:          FirstNonEmpty([]string{"AWS_REGION", "AWS_DEFAULT_REGION"}, "us-east-1"),
		AccessKeyID:     GetEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: GetEnv("AWS_SECRET_ACCESS_KEY", ""),
		Endpoint:        GetEnv("AWS_ENDPOINT_URL", ""),
		UsePathStyle:    GetBool("S3_USE_PATH_STYLE", false),
	}
}
