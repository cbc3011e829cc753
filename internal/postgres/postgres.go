// Package postgres opens the pgx pool and applies the shared pipeline tables.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PipelineSchema holds the tables every Postgres-backed service shares: the
// inbox fence and the transactional outbox.
const PipelineSchema = `
CREATE TABLE IF NOT EXISTS processed_messages (
	message_key  TEXT        NOT NULL,
	handler_name TEXT        NOT NULL,
	processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (message_key, handler_name)
);

CREATE TABLE IF NOT EXISTS outbox (
	id            UUID        PRIMARY KEY,
	message_id    TEXT        NOT NULL UNIQUE,
	exchange      TEXT        NOT NULL,
	routing_key   TEXT        NOT NULL,
	trace_id      TEXT        NOT NULL DEFAULT '',
	payload       JSONB       NOT NULL,
	status        TEXT        NOT NULL DEFAULT 'pending',
	attempt       INT         NOT NULL DEFAULT 0,
	next_retry_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	last_error    TEXT,
	occurred_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx
	ON outbox (next_retry_at, occurred_at)
	WHERE status = 'pending';
`

// Open creates a pool and pings it so a bad DSN fails at startup.
func Open(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Migrate runs each DDL script in order. Scripts must be idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, scripts ...string) error {
	for i, s := range scripts {
		if _, err := pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("migration %d: %w", i, err)
		}
	}
	return nil
}
