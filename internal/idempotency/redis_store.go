package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const defaultTTL = 24 * time.Hour

var ErrEmptyKey = errors.New("idempotency: empty key")

// RedisStore keeps a TTL'd seen-set in Redis.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	lg     zerolog.Logger
}

func NewRedisStore(client redis.UniversalClient, prefix string, lg zerolog.Logger) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: strings.TrimSuffix(prefix, ":"),
		lg:     lg.With().Str("component", "idem_store").Logger(),
	}
}

// Key returns the namespaced redis key for k.
func (s *RedisStore) Key(k string) string {
	if s.prefix == "" {
		return k
	}
	return s.prefix + ":" + k
}

// Seen reports whether key was marked.
func (s *RedisStore) Seen(ctx context.Context, key string) (bool, error) {
	if key == "" {
		return false, ErrEmptyKey
	}
	n, err := s.client.Exists(ctx, s.Key(key)).Result()
	if err != nil {
		return false, fmt.Errorf("idempotency seen: %w", err)
	}
	return n > 0, nil
}

// MarkSent marks key with ttl. Marking an existing key is a success.
func (s *RedisStore) MarkSent(ctx context.Context, key string, ttl time.Duration) error {
	if key == "" {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if err := s.client.Set(ctx, s.Key(key), time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	return nil
}

// Claim atomically marks key (SET NX) and reports whether this caller got it.
func (s *RedisStore) Claim(ctx context.Context, key string, ttl time.Duration) (Outcome, error) {
	if key == "" {
		return 0, ErrEmptyKey
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	set, err := s.client.SetNX(ctx, s.Key(key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return 0, fmt.Errorf("idempotency claim: %w", err)
	}
	return FromInserted(set), nil
}

// Release drops a claim so a later redelivery can retry the work.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if err := s.client.Del(ctx, s.Key(key)).Err(); err != nil {
		s.lg.Warn().Err(err).Str("key", key).Msg("idempotency release failed")
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}

// Ping is used by readiness checks.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
