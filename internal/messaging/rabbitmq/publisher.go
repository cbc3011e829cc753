package rabbitmq

import (
	"context"
	"encoding/json"
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

	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

var (
	ErrUnroutable     = errors.New("rabbitmq: message unroutable")
	ErrNacked         = errors.New("rabbitmq: publish nacked by broker")
	ErrConfirmTimeout = errors.New("rabbitmq: publish confirm timeout")
)

const defaultConfirmWait = 5 * time.Second

// pubChannel is the publishing subset of *amqp.Channel.
type pubChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	IsClosed() bool
	Close() error
}

// Message is one outgoing event.
type Message struct {
	Exchange      string
	RoutingKey    string
	MessageID     string
	CorrelationID string
	Body          []byte
	Headers       amqp.Table
}

type PublisherConfig struct {
	AppID       string
	Exchanges   []string
	ConfirmWait time.Duration
}

// Publisher publishes with confirms and the mandatory flag on a channel it
// owns. Safe for concurrent use.
type Publisher struct {
	conn        *Conn
	open        func() (pubChannel, error)
	appID       string
	confirmWait time.Duration
	lg          zerolog.Logger
	tracer      trace.Tracer

	mu        sync.Mutex
	ch        pubChannel
	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
	declared  map[string]bool
	exchanges []string
	released  bool
}

// NewPublisher takes a reference on conn. Close releases it.
func NewPublisher(conn *Conn, cfg PublisherConfig, lg zerolog.Logger) (*Publisher, error) {
	if err := conn.Acquire(); err != nil {
		return nil, err
	}
	p := newPublisher(func() (pubChannel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, err
		}
		return ch, nil
	}, cfg, lg)
	p.conn = conn
	return p, nil
}

func newPublisher(open func() (pubChannel, error), cfg PublisherConfig, lg zerolog.Logger) *Publisher {
	wait := cfg.ConfirmWait
	if wait <= 0 {
		wait = defaultConfirmWait
	}
	return &Publisher{
		open:        open,
		appID:       cfg.AppID,
		confirmWait: wait,
		exchanges:   cfg.Exchanges,
		declared:    map[string]bool{},
		lg:          lg.With().Str("component", "rabbitmq_publisher").Logger(),
		tracer:      otel.Tracer("github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"),
	}
}

// PublishJSON marshals v and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, exchange, routingKey, messageID string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", routingKey, err)
	}
	return p.PublishEvent(ctx, Message{
		Exchange:   exchange,
		RoutingKey: routingKey,
		MessageID:  messageID,
		Body:       body,
	})
}

// PublishEvent publishes m and waits for the broker's confirm. An unroutable
// message, a nack or a missing confirm is returned as an error; a transport
// error is retried once on a fresh channel.
func (p *Publisher) PublishEvent(ctx context.Context, m Message) error {
	ctx, span := p.tracer.Start(ctx, m.RoutingKey+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination.name", m.Exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", m.RoutingKey),
			attribute.String("messaging.message.id", m.MessageID),
		),
	)
	defer span.End()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 2*p.confirmWait)
		defer cancel()
	}

	headers := copyHeaders(m.Headers)
	injectTrace(ctx, headers)

	pub := amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		AppId:         p.appID,
		Headers:       headers,
		Body:          m.Body,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.publishLocked(ctx, m, pub)
	if err != nil && isTransportError(err) {
		p.lg.Warn().Err(err).Str("routing_key", m.RoutingKey).Msg("publish transport error; retrying on fresh channel")
		p.resetLocked()
		err = p.publishLocked(ctx, m, pub)
	}

	if err != nil {
		metrics.RecordPublish(m.Exchange, resultLabel(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	metrics.RecordPublish(m.Exchange, "ok")
	return nil
}

func (p *Publisher) publishLocked(ctx context.Context, m Message, pub amqp.Publishing) error {
	if p.released {
		return ErrClosed
	}
	if err := p.ensureChannelLocked(); err != nil {
		return &transportError{err: err}
	}
	if err := p.declareLocked(m.Exchange); err != nil {
		return err
	}

	// Drain any stale confirm / return messages to avoid mixing results.
drain:
	for {
		select {
		case <-p.confirmCh:
		case <-p.returnCh:
		default:
			break drain
		}
	}

	if err := p.ch.PublishWithContext(ctx, m.Exchange, m.RoutingKey, true, false, pub); err != nil {
		return &transportError{err: fmt.Errorf("publish %s/%s: %w", m.Exchange, m.RoutingKey, err)}
	}
	return p.waitConfirmLocked(ctx, m)
}

// waitConfirmLocked waits for the confirm. The broker sends basic.return
// before the ack of a returned message, so a pending return is checked once
// the confirm arrives.
func (p *Publisher) waitConfirmLocked(ctx context.Context, m Message) error {
	timer := time.NewTimer(p.confirmWait)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case r, ok := <-p.returnCh:
			if !ok {
				return &transportError{err: errors.New("return channel closed")}
			}
			returned = &r

		case c, ok := <-p.confirmCh:
			if !ok {
				return &transportError{err: errors.New("confirm channel closed")}
			}
			if returned == nil {
				select {
				case r := <-p.returnCh:
					returned = &r
				default:
				}
			}
			if returned != nil {
				return fmt.Errorf("%w: %s", ErrUnroutable, describeReturn(*returned))
			}
			if !c.Ack {
				return fmt.Errorf("%w: exchange=%q rk=%q tag=%d", ErrNacked, m.Exchange, m.RoutingKey, c.DeliveryTag)
			}
			return nil

		case <-timer.C:
			// the channel state is unknown now; start over next time
			p.resetLocked()
			return fmt.Errorf("%w: exchange=%q rk=%q", ErrConfirmTimeout, m.Exchange, m.RoutingKey)

		case <-ctx.Done():
			p.resetLocked()
			return ctx.Err()
		}
	}
}

func (p *Publisher) ensureChannelLocked() error {
	if p.ch != nil && !p.ch.IsClosed() {
		return nil
	}
	p.resetLocked()

	ch, err := p.open()
	if err != nil {
		return err
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("confirm mode: %w", err)
	}
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 32))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 32))
	p.ch = ch

	for _, ex := range p.exchanges {
		if err := p.declareLocked(ex); err != nil {
			p.resetLocked()
			return err
		}
	}
	return nil
}

func (p *Publisher) declareLocked(exchange string) error {
	if exchange == "" || p.declared[exchange] {
		return nil
	}
	if err := p.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("exchange declare (%s): %w", exchange, err)
	}
	p.declared[exchange] = true
	return nil
}

func (p *Publisher) resetLocked() {
	if p.ch != nil {
		_ = p.ch.Close()
	}
	p.ch = nil
	p.confirmCh = nil
	p.returnCh = nil
	p.declared = map[string]bool{}
}

// Close closes the channel and releases the connection reference.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.released {
		return nil
	}
	p.resetLocked()
	p.released = true
	if p.conn != nil {
		return p.conn.Release()
	}
	return nil
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func isTransportError(err error) bool {
	var te *transportError
	return errors.As(err, &te)
}

func resultLabel(err error) string {
	switch {
	case errors.Is(err, ErrUnroutable):
		return "unroutable"
	case errors.Is(err, ErrNacked):
		return "nacked"
	case errors.Is(err, ErrConfirmTimeout):
		return "timeout"
	case isTransportError(err):
		return "transport"
	default:
		return "error"
	}
}
