// Package platform holds the process wiring every pipeline service shares:
// tracing, the broker connection, optional Postgres and Redis, consumers,
// the outbox relay and the health server, all attached to one lifecycle
// group.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/config"
	"github.com/baechuer/dealer-pipeline/internal/lifecycle"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
	"github.com/baechuer/dealer-pipeline/internal/outbox"
	"github.com/baechuer/dealer-pipeline/internal/postgres"
	"github.com/baechuer/dealer-pipeline/internal/tracing"
	"github.com/baechuer/dealer-pipeline/internal/web"
)

type Base struct {
	Cfg   config.Common
	Log   zerolog.Logger
	Conn  *rabbitmq.Conn
	Group *lifecycle.Group

	checks []web.Check
}

// New initialises tracing and dials the broker. The returned Base owns the
// first reference on Conn; Group.Stop releases it.
func New(ctx context.Context, cfg config.Common, lg zerolog.Logger) (*Base, error) {
	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:  cfg.Service,
		OTLPEndpoint: cfg.OTelEndpoint,
		Enabled:      cfg.OTelEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing init: %w", err)
	}

	conn, err := rabbitmq.Dial(cfg.Rabbit.URL, lg)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}

	b := &Base{Cfg: cfg, Log: lg, Conn: conn, Group: lifecycle.NewGroup(lg)}
	b.Group.OnStop("tracing", tp.Shutdown)
	b.Group.OnStop("rabbitmq", func(context.Context) error { return conn.Release() })
	b.AddCheck("broker", func(context.Context) error {
		if !conn.Healthy() {
			return errors.New("broker connection closed")
		}
		return nil
	})
	return b, nil
}

func (b *Base) AddCheck(name string, fn func(ctx context.Context) error) {
	b.checks = append(b.checks, web.Check{Name: name, Fn: fn})
}

// OpenPostgres connects, applies the shared pipeline tables plus scripts and
// registers the pool for shutdown and readiness.
func (b *Base) OpenPostgres(ctx context.Context, url string, scripts ...string) (*pgxpool.Pool, error) {
	pool, err := postgres.Open(ctx, url)
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool, append([]string{postgres.PipelineSchema}, scripts...)...); err != nil {
		pool.Close()
		return nil, err
	}
	b.Group.OnStop("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	b.AddCheck("postgres", pool.Ping)
	b.Log.Info().Msg("postgres connected")
	return pool, nil
}

// OpenRedis connects and pings.
func (b *Base) OpenRedis(ctx context.Context, cfg config.Redis) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, errors.New("missing required env var: REDIS_ADDR")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	b.Group.OnStop("redis", func(context.Context) error { return client.Close() })
	b.AddCheck("redis", func(ctx context.Context) error { return client.Ping(ctx).Err() })
	b.Log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("redis connected")
	return client, nil
}

// Consume builds a consumer for cfg and runs it in the group. Zero-valued
// broker settings are taken from the shared config.
func (b *Base) Consume(cfg rabbitmq.ConsumerConfig, h rabbitmq.Handler) error {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = b.Cfg.Rabbit.Prefetch
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = b.Cfg.Rabbit.MaxAttempts
	}
	if len(cfg.RetryTiers) == 0 {
		cfg.RetryTiers = b.Cfg.Rabbit.RetryTiers
	}
	if cfg.Tag == "" {
		cfg.Tag = b.Cfg.Service
	}

	c, err := rabbitmq.NewConsumer(b.Conn, cfg, h, b.Log)
	if err != nil {
		return fmt.Errorf("consumer %s: %w", cfg.Queue, err)
	}
	b.Group.Go("consumer:"+cfg.Queue, c.Run)
	b.Group.OnStop("consumer:"+cfg.Queue, c.Stop)
	return nil
}

// Publisher returns a confirming publisher closed with the group.
func (b *Base) Publisher(exchanges ...string) (*rabbitmq.Publisher, error) {
	p, err := rabbitmq.NewPublisher(b.Conn, rabbitmq.PublisherConfig{
		AppID:     b.Cfg.Service,
		Exchanges: exchanges,
	}, b.Log)
	if err != nil {
		return nil, fmt.Errorf("publisher: %w", err)
	}
	b.Group.OnStop("publisher", func(context.Context) error { return p.Close() })
	return p, nil
}

// RunRelay runs the outbox relay for pool's outbox table.
func (b *Base) RunRelay(pool *pgxpool.Pool, pub outbox.Publisher, cfg outbox.RelayConfig) *outbox.Relay {
	r := outbox.NewRelay(outbox.NewPgStore(pool), pub, cfg, b.Log)
	b.Group.Go("outbox_relay", r.Run)
	return r
}

// Serve runs the health server with every check registered so far.
func (b *Base) Serve() {
	srv := web.NewServer(b.Cfg.HealthAddr, b.Cfg.Service, b.checks, b.Log)
	b.Group.Go("health", srv.Start)
}

// Abort releases whatever was opened when bootstrap fails halfway.
func (b *Base) Abort() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = b.Group.Stop(ctx)
}

// Cleanup stops the group within the configured shutdown wait.
func (b *Base) Cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), b.Cfg.ShutdownWait)
	defer cancel()
	if err := b.Group.Stop(ctx); err != nil {
		b.Log.Warn().Err(err).Msg("cleanup finished with errors")
	}
}
