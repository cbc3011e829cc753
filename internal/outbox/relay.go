package outbox

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

const (
	defaultBatchSize   = 20
	defaultMaxAttempts = 12 // ~ up to hours with exponential backoff
	defaultInterval    = 500 * time.Millisecond
	defaultLease       = 15 * time.Second
)

// Publisher is satisfied by *rabbitmq.Publisher and the in-memory bus.
type Publisher interface {
	PublishEvent(ctx context.Context, m rabbitmq.Message) error
}

type RelayConfig struct {
	BatchSize   int
	Interval    time.Duration
	MaxAttempts int
	Lease       time.Duration
}

// Relay moves pending outbox rows to the broker.
type Relay struct {
	store Store
	pub   Publisher
	cfg   RelayConfig
	lg    zerolog.Logger

	// overridden in tests
	backoff func(attempt int) time.Duration
}

func NewRelay(store Store, pub Publisher, cfg RelayConfig, lg zerolog.Logger) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.Lease <= 0 {
		cfg.Lease = defaultLease
	}
	return &Relay{
		store:   store,
		pub:     pub,
		cfg:     cfg,
		lg:      lg.With().Str("component", "outbox_relay").Logger(),
		backoff: computeNextRetry,
	}
}

// backoff: exponential with jitter, bounded
func computeNextRetry(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	// base: 2^attempt seconds, between 5s and 30 minutes
	sec := math.Pow(2, float64(attempt))
	if sec < 5 {
		sec = 5
	}
	if sec > 1800 {
		sec = 1800
	}

	d := time.Duration(sec) * time.Second

	// jitter +/-10%
	j := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + j
}

// Run polls until ctx is cancelled. Repeated identical errors are logged at
// most every 10s.
func (r *Relay) Run(ctx context.Context) error {
	r.lg.Info().Dur("interval", r.cfg.Interval).Int("batch", r.cfg.BatchSize).Msg("outbox relay started")

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	var lastErr string
	var lastAt time.Time

	for {
		select {
		case <-ctx.Done():
			r.lg.Info().Msg("outbox relay stopped")
			return nil
		case <-ticker.C:
			if _, err := r.RelayOnce(ctx); err != nil {
				if ctx.Err() != nil {
					continue
				}
				if err.Error() != lastErr || time.Since(lastAt) > 10*time.Second {
					r.lg.Warn().Err(err).Msg("outbox batch failed")
					lastErr = err.Error()
					lastAt = time.Now()
				}
			} else {
				lastErr = ""
			}
		}
	}
}

// RelayOnce claims one batch and publishes it. It returns how many rows
// were confirmed by the broker. Per-row publish failures are recorded on the
// row, not returned.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	batch, err := r.store.Claim(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		metrics.RecordOutboxRelay("claim_error")
		return 0, err
	}
	metrics.SetOutboxBatchSize(len(batch))

	sent := 0
	for _, m := range batch {
		if ctx.Err() != nil {
			// Unpublished rows keep their lease and are picked up again later.
			break
		}

		err := r.pub.PublishEvent(ctx, rabbitmq.Message{
			Exchange:      m.Exchange,
			RoutingKey:    m.RoutingKey,
			MessageID:     m.MessageID,
			CorrelationID: m.TraceID,
			Body:          m.Payload,
		})
		if err != nil {
			r.fail(ctx, m, err.Error())
			continue
		}

		if err := r.store.MarkSent(ctx, m.ID); err != nil {
			// Published but not marked: the row is sent again after the lease
			// and consumers dedupe it by business key.
			r.lg.Error().Err(err).Str("outbox_id", m.ID.String()).Msg("mark sent failed")
			metrics.RecordOutboxRelay("mark_error")
			continue
		}
		sent++
		metrics.RecordOutboxRelay("sent")

		r.lg.Info().
			Str("outbox_id", m.ID.String()).
			Str("message_id", m.MessageID).
			Str("routing_key", m.RoutingKey).
			Msg("published")
	}
	return sent, nil
}

func (r *Relay) fail(ctx context.Context, m Message, errMsg string) {
	nextAttempt := m.Attempt + 1
	lg := r.lg.With().
		Str("outbox_id", m.ID.String()).
		Str("message_id", m.MessageID).
		Str("routing_key", m.RoutingKey).
		Int("attempt", nextAttempt).
		Logger()

	if nextAttempt >= r.cfg.MaxAttempts {
		if err := r.store.MarkDead(ctx, m.ID, nextAttempt, errMsg); err != nil {
			lg.Error().Err(err).Msg("mark dead failed")
			return
		}
		metrics.RecordOutboxRelay("dead")
		lg.Error().Str("error", errMsg).Msg("outbox moved to DEAD")
		return
	}

	delay := r.backoff(nextAttempt)
	if err := r.store.MarkFailed(ctx, m.ID, nextAttempt, delay, errMsg); err != nil {
		lg.Error().Err(err).Msg("mark failed failed")
		return
	}
	metrics.RecordOutboxRelay("retry")
	lg.Warn().Str("error", errMsg).Dur("retry_in", delay).Msg("outbox publish failed; scheduled retry")
}
