// Package notify turns sales and reservation events into best-effort push
// and SMS notifications.
package notify

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/metrics"
)

const (
	ChannelPush = "push"
	ChannelSMS  = "sms"
)

type PushProvider interface {
	Push(ctx context.Context, deviceToken string, msg PushMessage) error
	Name() string
}

type SMSProvider interface {
	SendSMS(ctx context.Context, phone, text string) error
	Name() string
}

// SeenStore is the notification dedupe set.
type SeenStore interface {
	Seen(ctx context.Context, key string) (bool, error)
	MarkSent(ctx context.Context, key string, ttl time.Duration) error
}

type Dispatcher struct {
	push PushProvider
	sms  SMSProvider
	seen SeenStore
	ttl  time.Duration
	lg   zerolog.Logger
}

func NewDispatcher(push PushProvider, sms SMSProvider, seen SeenStore, ttl time.Duration, lg zerolog.Logger) *Dispatcher {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Dispatcher{
		push: push,
		sms:  sms,
		seen: seen,
		ttl:  ttl,
		lg:   lg.With().Str("component", "notify_dispatcher").Logger(),
	}
}

// RegisterSales binds the five sales event types (push).
func (d *Dispatcher) RegisterSales(m *events.Mux) {
	events.On(m, events.TypeQuoteCreated, pushHandler(d, events.TypeQuoteCreated, QuotePush))
	events.On(m, events.TypeOrderCreated, pushHandler(d, events.TypeOrderCreated, OrderPush))
	events.On(m, events.TypeContractCreated, pushHandler(d, events.TypeContractCreated, ContractPush))
	events.On(m, events.TypeTestDriveScheduled, pushHandler(d, events.TypeTestDriveScheduled, TestDrivePush))
	events.On(m, events.TypeSaleCompleted, pushHandler(d, events.TypeSaleCompleted, SalePush))
}

// RegisterReservations binds vehicle.reserved (SMS).
func (d *Dispatcher) RegisterReservations(m *events.Mux) {
	events.On(m, events.TypeVehicleReserved, d.HandleVehicleReserved)
}

func pushHandler[T events.PushEvent](d *Dispatcher, eventType string, render func(T) PushMessage) func(context.Context, events.Meta, T) error {
	return func(ctx context.Context, meta events.Meta, p T) error {
		token := strings.TrimSpace(p.PushTarget())
		msg := render(p)
		msg.Data = map[string]string{"type": eventType, "id": p.BusinessKey()}
		return d.deliver(ctx, ChannelPush, eventType, p.BusinessKey(), token, meta, func(ctx context.Context) error {
			return d.push.Push(ctx, token, msg)
		})
	}
}

func (d *Dispatcher) HandleVehicleReserved(ctx context.Context, meta events.Meta, p events.VehicleReserved) error {
	phone := strings.TrimSpace(p.CustomerPhone)
	text := ReservationSMS(p)
	return d.deliver(ctx, ChannelSMS, events.TypeVehicleReserved, p.BusinessKey(), phone, meta, func(ctx context.Context) error {
		return d.sms.SendSMS(ctx, phone, text)
	})
}

// Key is the dedupe key below the store prefix.
func Key(channel, eventType, businessKey string) string {
	return channel + ":" + eventType + ":" + businessKey
}

// deliver sends at most once per key. Only a failing Seen lookup is
// returned; provider and MarkSent failures are logged and counted.
func (d *Dispatcher) deliver(ctx context.Context, channel, eventType, bk, target string, meta events.Meta, send func(context.Context) error) error {
	lg := d.lg.With().
		Str("channel", channel).
		Str("event_type", eventType).
		Str("business_key", bk).
		Str("trace_id", meta.TraceID).
		Logger()

	if target == "" {
		lg.Info().Msg("notification skipped: no recipient")
		metrics.RecordNotification(channel, eventType, "skipped")
		return nil
	}

	key := Key(channel, eventType, bk)
	if d.seen != nil {
		seen, err := d.seen.Seen(ctx, key)
		if err != nil {
			return err
		}
		if seen {
			lg.Debug().Msg("notification already sent")
			metrics.RecordNotification(channel, eventType, "duplicate")
			return nil
		}
	}

	if err := send(ctx); err != nil {
		lg.Warn().Err(err).Msg("notification send failed")
		metrics.RecordNotification(channel, eventType, "failed")
		return nil
	}
	metrics.RecordNotification(channel, eventType, "sent")
	lg.Info().Msg("notification sent")

	if d.seen != nil {
		if err := d.seen.MarkSent(ctx, key, d.ttl); err != nil {
			lg.Warn().Err(err).Msg("notification sent but dedupe mark failed")
		}
	}
	return nil
}
