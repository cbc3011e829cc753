package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// publish reliability window
const retryPublishWait = 2 * time.Second

// confirmChannel is what RetryPublisher needs from *amqp.Channel.
type confirmChannel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyReturn(c chan amqp.Return) chan amqp.Return
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RetryPublisher moves a delivery to one of its queue's retry tiers or to its
// dead-letter queue, through the default exchange, with confirms.
type RetryPublisher struct {
	ch   confirmChannel
	top  Topology
	lg   zerolog.Logger
	wait time.Duration

	confirmCh <-chan amqp.Confirmation
	returnCh  <-chan amqp.Return
}

func NewRetryPublisher(ch confirmChannel, top Topology, lg zerolog.Logger) (*RetryPublisher, error) {
	if ch == nil {
		return nil, fmt.Errorf("nil channel")
	}
	if err := ch.Confirm(false); err != nil {
		return nil, fmt.Errorf("confirm mode: %w", err)
	}

	p := &RetryPublisher{
		ch:   ch,
		top:  top,
		lg:   lg.With().Str("component", "retry_publisher").Logger(),
		wait: retryPublishWait,
	}

	// Must be registered AFTER Confirm(true/false)
	p.confirmCh = ch.NotifyPublish(make(chan amqp.Confirmation, 32))
	p.returnCh = ch.NotifyReturn(make(chan amqp.Return, 32))
	return p, nil
}

// PublishRetry parks orig in the tier queue with the attempt counter set.
func (p *RetryPublisher) PublishRetry(ctx context.Context, tier time.Duration, orig amqp.Delivery, nextAttempt int, cause error) error {
	h := copyHeaders(orig.Headers)
	h[HeaderAttempt] = int32(nextAttempt)
	h[HeaderOrigRoutingKey] = RoutingKeyOf(orig)
	if cause != nil {
		h[HeaderError] = errorHeader(cause)
	}

	q := p.top.RetryQueueName(tier)
	if err := p.publish(ctx, q, orig, h); err != nil {
		return fmt.Errorf("publish retry (%s): %w", q, err)
	}
	return nil
}

// PublishFinal parks orig in the dead-letter queue with a reason.
func (p *RetryPublisher) PublishFinal(ctx context.Context, orig amqp.Delivery, reason string, cause error) error {
	h := copyHeaders(orig.Headers)
	h[HeaderOrigRoutingKey] = RoutingKeyOf(orig)
	h[HeaderDeadLetterCause] = reason
	h[HeaderDeadLetterQueue] = p.top.Queue
	if cause != nil {
		h[HeaderError] = errorHeader(cause)
	}

	q := p.top.DLQName()
	if err := p.publish(ctx, q, orig, h); err != nil {
		return fmt.Errorf("publish dlq (%s): %w", q, err)
	}
	return nil
}

func (p *RetryPublisher) publish(ctx context.Context, queue string, orig amqp.Delivery, h amqp.Table) error {
drain:
	for {
		select {
		case <-p.confirmCh:
		case <-p.returnCh:
		default:
			break drain
		}
	}

	pub := amqp.Publishing{
		ContentType:   orig.ContentType,
		Body:          orig.Body,
		DeliveryMode:  amqp.Persistent,
		Timestamp:     time.Now().UTC(),
		Headers:       h,
		CorrelationId: orig.CorrelationId,
		MessageId:     orig.MessageId,
		AppId:         orig.AppId,
	}

	// mandatory=true so a missing queue is observable via the return channel
	if err := p.ch.PublishWithContext(ctx, "", queue, true, false, pub); err != nil {
		return err
	}
	return p.waitAckOrReturn(ctx, queue)
}

func (p *RetryPublisher) waitAckOrReturn(ctx context.Context, queue string) error {
	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	var returned *amqp.Return
	for {
		select {
		case r := <-p.returnCh:
			returned = &r

		case c := <-p.confirmCh:
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
				return fmt.Errorf("%w: queue=%q", ErrNacked, queue)
			}
			return nil

		case <-timer.C:
			return errors.New("publish wait timeout (no confirm/return)")

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
