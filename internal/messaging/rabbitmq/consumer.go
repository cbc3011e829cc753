package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

// Dead-letter reasons, written to the x-dlq-reason header.
const (
	ReasonTooLarge           = "too_large"
	ReasonBadEnvelope        = "bad_envelope"
	ReasonUnsupportedVersion = "unsupported_version"
	ReasonNonRetriable       = "non_retriable"
	ReasonMaxAttempts        = "max_attempts_exceeded"
)

const (
	defaultMaxAttempts    = 5
	defaultMaxBodyBytes   = 1 << 20
	defaultHandlerTimeout = 30 * time.Second
)

// Handler is the app-layer contract the consumer calls. *events.Mux
// implements it.
type Handler interface {
	Dispatch(ctx context.Context, env events.Raw) error
}

// Republisher moves a delivery to a retry tier or the dead-letter queue.
// It is an interface so unit tests can inject a fake without AMQP channels.
type Republisher interface {
	PublishRetry(ctx context.Context, tier time.Duration, orig amqp.Delivery, nextAttempt int, cause error) error
	PublishFinal(ctx context.Context, orig amqp.Delivery, reason string, cause error) error
}

type ConsumerConfig struct {
	Topology

	Prefetch       int
	Tag            string
	MaxAttempts    int
	MaxBodyBytes   int
	HandlerTimeout time.Duration
}

// Consumer runs one queue: it declares the topology, consumes with manual
// acks and settles each delivery as ack, retry, dead-letter or requeue.
// A supervisor loop reconnects with exponential backoff.
type Consumer struct {
	conn *Conn
	cfg  ConsumerConfig

	lg      zerolog.Logger
	handler Handler
	tracer  trace.Tracer

	mu       sync.Mutex
	running  bool
	released bool
	doneCh   chan struct{}
	cancel   context.CancelFunc

	chConsume  *amqp.Channel
	chPublish  *amqp.Channel
	deliveries <-chan amqp.Delivery
	pub        Republisher
}

// NewConsumer takes a reference on conn; Stop releases it.
func NewConsumer(conn *Conn, cfg ConsumerConfig, h Handler, lg zerolog.Logger) (*Consumer, error) {
	if h == nil {
		return nil, fmt.Errorf("nil handler")
	}
	if err := conn.Acquire(); err != nil {
		return nil, err
	}
	c := newConsumer(cfg, h, lg)
	c.conn = conn
	return c, nil
}

func newConsumer(cfg ConsumerConfig, h Handler, lg zerolog.Logger) *Consumer {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = defaultHandlerTimeout
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 1
	}
	return &Consumer{
		cfg:     cfg,
		handler: h,
		lg:      lg.With().Str("component", "rabbitmq_consumer").Str("queue", cfg.Queue).Logger(),
		tracer:  otel.Tracer("github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"),
	}
}

func (c *Consumer) Queue() string { return c.cfg.Queue }

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return nil
	}
	if c.released {
		return ErrClosed
	}

	runCtx, cancel := context.WithCancel(ctx)
	c.doneCh = make(chan struct{})
	c.cancel = cancel
	c.running = true
	go c.run(runCtx)
	return nil
}

// Stop cancels the supervisor, waits for it to exit and then closes the
// channels, so a handler that is mid-flight still gets its delivery settled.
// If ctx expires first the channels are closed anyway and the broker
// redelivers whatever was unacked. Stop is terminal.
func (c *Consumer) Stop(ctx context.Context) error {
	c.mu.Lock()
	doneCh := c.doneCh
	wasRunning := c.running
	cancel := c.cancel
	c.running = false
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	var err error
	if wasRunning && doneCh != nil {
		select {
		case <-doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	c.closeChannels()

	c.mu.Lock()
	release := !c.released && c.conn != nil
	c.released = true
	c.mu.Unlock()
	if release {
		if rerr := c.conn.Release(); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// ErrSupervisorExited is returned by Run when the supervisor gave up while
// ctx was still live. That only happens on a topology precondition failure.
var ErrSupervisorExited = errors.New("rabbitmq: consumer supervisor exited")

// Run starts the consumer and blocks until ctx is cancelled or the
// supervisor exits on its own.
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.Start(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	done := c.doneCh
	c.mu.Unlock()

	if done != nil {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrSupervisorExited, c.cfg.Queue)
}

func (c *Consumer) run(ctx context.Context) {
	defer func() {
		c.mu.Lock()
		doneCh := c.doneCh
		c.doneCh = nil
		c.running = false
		c.mu.Unlock()

		if doneCh != nil {
			close(doneCh)
		}
	}()

	backoff := 1 * time.Second
	maxBackoff := 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			c.lg.Info().Msg("consumer supervisor exiting (ctx cancelled)")
			return
		default:
		}

		if !c.isRunning() {
			c.lg.Info().Msg("consumer supervisor exiting (stopped)")
			return
		}

		err := c.connectAndDeclare()
		if err != nil {
			if isPreconditionFailed(err) {
				c.lg.Error().Err(err).Msg("FATAL: topology precondition failed. Delete and recreate MQ resources, then restart.")
				return
			}

			c.lg.Error().Err(err).Dur("backoff", backoff).Msg("connectAndDeclare failed; retrying")
			if !sleepOrDone(ctx, backoff) {
				return
			}
			backoff = minDur(backoff*2, maxBackoff)
			continue
		}

		backoff = 1 * time.Second
		c.consumeLoop(ctx)

		if ctx.Err() != nil || !c.isRunning() {
			return
		}

		c.lg.Warn().Dur("backoff", backoff).Msg("deliveries closed; reconnecting")
		c.closeChannels()

		if !sleepOrDone(ctx, backoff) {
			return
		}
		backoff = minDur(backoff*2, maxBackoff)
	}
}

func (c *Consumer) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

func (c *Consumer) connectAndDeclare() error {
	c.closeChannels()

	chConsume, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("consume channel: %w", err)
	}
	chPublish, err := c.conn.Channel()
	if err != nil {
		_ = chConsume.Close()
		return fmt.Errorf("publish channel: %w", err)
	}
	fail := func(err error) error {
		_ = chPublish.Close()
		_ = chConsume.Close()
		return err
	}

	if err := c.cfg.Topology.Declare(chConsume); err != nil {
		return fail(err)
	}
	if err := chConsume.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fail(fmt.Errorf("qos: %w", err))
	}

	dlv, err := chConsume.Consume(c.cfg.Queue, c.cfg.Tag, false, false, false, false, nil)
	if err != nil {
		return fail(fmt.Errorf("consume: %w", err))
	}

	pub, err := NewRetryPublisher(chPublish, c.cfg.Topology, c.lg)
	if err != nil {
		return fail(fmt.Errorf("retry publisher: %w", err))
	}

	c.mu.Lock()
	c.chConsume = chConsume
	c.chPublish = chPublish
	c.deliveries = dlv
	c.pub = pub
	c.mu.Unlock()

	c.lg.Info().
		Str("exchange", c.cfg.Exchange).
		Strs("bind_keys", c.cfg.BindKeys).
		Int("prefetch", c.cfg.Prefetch).
		Int("max_attempts", c.cfg.MaxAttempts).
		Msg("rabbitmq consumer ready")

	return nil
}

func (c *Consumer) consumeLoop(ctx context.Context) {
	c.mu.Lock()
	deliveries := c.deliveries
	c.mu.Unlock()

	for {
		if ctx.Err() != nil {
			c.lg.Info().Msg("consume loop context cancelled")
			return
		}
		select {
		case <-ctx.Done():
			c.lg.Info().Msg("consume loop context cancelled")
			return

		case d, ok := <-deliveries:
			if !ok {
				c.lg.Warn().Msg("deliveries channel closed")
				return
			}
			c.settle(d, c.handleDelivery(ctx, d))
		}
	}
}

// settle acks on nil, nacks with requeue for requeueError, and otherwise
// nacks without requeue so the queue's dead-letter args catch it.
func (c *Consumer) settle(d amqp.Delivery, err error) {
	rk := RoutingKeyOf(d)
	if err == nil {
		if aerr := d.Ack(false); aerr != nil {
			c.lg.Warn().Err(aerr).Str("routing_key", rk).Msg("ack failed; broker will redeliver")
		}
		return
	}

	var rerr *requeueError
	if errors.As(err, &rerr) {
		_ = d.Nack(false, true)
		metrics.RecordConsumed(c.cfg.Queue, rk, "requeue")
		c.lg.Warn().Err(err).Str("routing_key", rk).Msg("handle failed; requeue=true")
		return
	}

	_ = d.Nack(false, false)
	metrics.RecordConsumed(c.cfg.Queue, rk, "rejected")
	c.lg.Error().Err(err).Str("routing_key", rk).Msg("handle failed; nack requeue=false (queue dead-letters to dlq)")
}

// handleDelivery returns nil when the delivery should be acked. Retry and
// dead-letter moves happen here; the delivery is acked once the moved copy
// is confirmed.
func (c *Consumer) handleDelivery(ctx context.Context, d amqp.Delivery) error {
	rk := RoutingKeyOf(d)

	if len(d.Body) > c.cfg.MaxBodyBytes {
		return c.toFinalDLQ(ctx, d, rk, ReasonTooLarge,
			fmt.Errorf("body %d bytes exceeds limit %d", len(d.Body), c.cfg.MaxBodyBytes))
	}

	env, err := events.Decode(rk, d.Body)
	if err != nil {
		return c.toFinalDLQ(ctx, d, rk, ReasonBadEnvelope, err)
	}
	if env.MessageID == "" {
		env.MessageID = d.MessageId
	}
	if env.TraceID == "" {
		env.TraceID = d.CorrelationId
	}

	lg := c.lg.With().
		Str("type", env.Type).
		Int("version", env.Version).
		Str("message_id", env.MessageID).
		Int("attempt", Attempt(d.Headers)).
		Logger()

	spanCtx, span := c.tracer.Start(extractTrace(ctx, d.Headers), env.Type+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", c.cfg.Queue),
			attribute.String("messaging.message.id", env.MessageID),
		),
	)
	defer span.End()

	hctx, cancel := context.WithTimeout(context.WithoutCancel(spanCtx), c.cfg.HandlerTimeout)
	start := time.Now()
	err = c.handler.Dispatch(hctx, env)
	cancel()
	metrics.RecordHandlerDuration(c.cfg.Queue, env.Type, time.Since(start))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	switch {
	case err == nil:
		metrics.RecordConsumed(c.cfg.Queue, env.Type, "ack")
		lg.Debug().Dur("took", time.Since(start)).Msg("message processed")
		return nil

	case errors.Is(err, events.ErrUnknownType):
		// Drop (ack) unknown types so foreign bindings cannot flood the DLQ.
		metrics.RecordConsumed(c.cfg.Queue, truncateString(env.Type, 100), "drop")
		lg.Warn().Str("decision", "drop_ack").Msg("unknown event type; dropping")
		return nil

	case errors.Is(err, events.ErrUnsupportedVersion):
		return c.toFinalDLQ(ctx, d, env.Type, ReasonUnsupportedVersion, err)

	case ctx.Err() != nil:
		return requeue(fmt.Errorf("shutting down: %w", err))

	case events.IsPermanent(err):
		return c.toFinalDLQ(ctx, d, env.Type, ReasonNonRetriable, err)

	default:
		return c.onHandlerError(ctx, d, env.Type, err, lg)
	}
}

func (c *Consumer) onHandlerError(ctx context.Context, d amqp.Delivery, eventType string, err error, lg zerolog.Logger) error {
	nextAttempt := Attempt(d.Headers) + 1
	if nextAttempt >= c.cfg.MaxAttempts {
		return c.toFinalDLQ(ctx, d, eventType, ReasonMaxAttempts, err)
	}
	if len(c.cfg.RetryTiers) == 0 {
		return requeue(fmt.Errorf("no retry tiers configured: %w", err))
	}

	tier := c.cfg.TierFor(nextAttempt)
	pub := c.republisher()
	if pub == nil {
		return requeue(fmt.Errorf("nil retry publisher"))
	}
	if pubErr := pub.PublishRetry(ctx, tier, d, nextAttempt, err); pubErr != nil {
		return requeue(fmt.Errorf("republish retry failed: %w", pubErr))
	}

	metrics.RecordRetry(c.cfg.Queue, TierName(tier))
	metrics.RecordConsumed(c.cfg.Queue, eventType, "retry")
	lg.Warn().
		Err(err).
		Int("next_attempt", nextAttempt).
		Str("tier", TierName(tier)).
		Msg("retriable failure: parked in retry tier")
	return nil
}

func (c *Consumer) toFinalDLQ(ctx context.Context, d amqp.Delivery, eventType, reason string, cause error) error {
	pub := c.republisher()
	if pub == nil {
		return requeue(fmt.Errorf("nil retry publisher"))
	}
	if pubErr := pub.PublishFinal(ctx, d, reason, cause); pubErr != nil {
		return requeue(fmt.Errorf("republish dlq failed: %w", pubErr))
	}
	metrics.RecordDeadLetter(c.cfg.Queue, reason)
	metrics.RecordConsumed(c.cfg.Queue, eventType, "dead")
	c.lg.Error().
		Str("reason", reason).
		Str("type", eventType).
		Str("message_id", d.MessageId).
		Err(cause).
		Msg("sent to dlq")
	return nil
}

func (c *Consumer) republisher() Republisher {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pub
}

type requeueError struct {
	err error
}

func (e *requeueError) Error() string { return e.err.Error() }
func (e *requeueError) Unwrap() error { return e.err }

func requeue(err error) error { return &requeueError{err: err} }

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

func (c *Consumer) closeChannels() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.chPublish != nil {
		_ = c.chPublish.Close()
		c.chPublish = nil
	}
	if c.chConsume != nil {
		_ = c.chConsume.Close()
		c.chConsume = nil
	}
	c.deliveries = nil
	c.pub = nil
}
