package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
	"github.com/baechuer/dealer-pipeline/internal/messaging/rabbitmq"
)

type handlerFunc func(ctx context.Context, env events.Raw) error

func (f handlerFunc) Dispatch(ctx context.Context, env events.Raw) error { return f(ctx, env) }

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"reservation.created", "reservation.created", true},
		{"reservation.created", "reservation.processed", false},
		{"reservation.*", "reservation.created", true},
		{"reservation.*", "reservation.created.v2", false},
		{"*.created", "quote.created", true},
		{"#", "anything.at.all", true},
		{"#", "", true},
		{"sale.#", "sale", true},
		{"sale.#", "sale.completed", true},
		{"sale.#", "sale.completed.eu", true},
		{"#.completed", "sale.completed", true},
		{"#.completed", "completed", true},
		{"a.#.z", "a.b.c.z", true},
		{"a.#.z", "a.z", true},
		{"a.#.z", "a.b.c", false},
		{"*", "a.b", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Match(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func publishEnvelope(t *testing.T, b *Bus, exchange, typ string, payload any) error {
	t.Helper()
	body, err := events.Marshal(events.New(typ, "test", "", payload))
	require.NoError(t, err)
	return b.PublishEvent(context.Background(), rabbitmq.Message{Exchange: exchange, RoutingKey: typ, Body: body})
}

func TestBus_FanOutToEveryBoundQueue(t *testing.T) {
	b := NewBus(3, zerolog.Nop())
	b.Bind("customer", events.ExchangeVehicle, events.TypeVehicleReserved)
	b.Bind("sms", events.ExchangeVehicle, "vehicle.#")
	b.Bind("other", events.ExchangeSales, "#")

	require.NoError(t, publishEnvelope(t, b, events.ExchangeVehicle, events.TypeVehicleReserved,
		events.VehicleReserved{CustomerName: "A", CustomerEmail: "a@x.com"}))

	assert.Equal(t, 1, b.Pending("customer"))
	assert.Equal(t, 1, b.Pending("sms"))
	assert.Equal(t, 0, b.Pending("other"))
}

func TestBus_UnroutableIsError(t *testing.T) {
	b := NewBus(3, zerolog.Nop())
	err := publishEnvelope(t, b, events.ExchangeSales, events.TypeOrderCreated, events.OrderCreated{OrderID: 1})
	assert.ErrorIs(t, err, rabbitmq.ErrUnroutable)
}

func TestBus_DrainBoundedRedelivery(t *testing.T) {
	b := NewBus(4, zerolog.Nop())
	b.Bind("q", events.ExchangeSales, "order.created")
	require.NoError(t, publishEnvelope(t, b, events.ExchangeSales, events.TypeOrderCreated, events.OrderCreated{OrderID: 1}))

	runs, err := b.Drain(context.Background(), "q", handlerFunc(func(context.Context, events.Raw) error {
		return errors.New("always")
	}))
	require.NoError(t, err)
	assert.Equal(t, 4, runs)

	dead := b.Dead("q")
	require.Len(t, dead, 1)
	assert.Equal(t, rabbitmq.ReasonMaxAttempts, dead[0].Reason)
	assert.Equal(t, 4, dead[0].Attempt)
}

func TestBus_DrainDeadLettersBadEnvelopeAndPermanent(t *testing.T) {
	b := NewBus(3, zerolog.Nop())
	b.Bind("q", events.ExchangeSales, "#")

	require.NoError(t, b.PublishEvent(context.Background(), rabbitmq.Message{
		Exchange: events.ExchangeSales, RoutingKey: events.TypeOrderCreated, Body: []byte("nope"),
	}))
	require.NoError(t, publishEnvelope(t, b, events.ExchangeSales, events.TypeQuoteCreated, events.QuoteCreated{QuoteID: 1}))

	runs, err := b.Drain(context.Background(), "q", handlerFunc(func(context.Context, events.Raw) error {
		return events.Permanent(errors.New("bad"))
	}))
	require.NoError(t, err)
	assert.Equal(t, 1, runs)

	dead := b.Dead("q")
	require.Len(t, dead, 2)
	assert.Equal(t, rabbitmq.ReasonBadEnvelope, dead[0].Reason)
	assert.Equal(t, rabbitmq.ReasonNonRetriable, dead[1].Reason)
}

func TestBus_DrainWithMux(t *testing.T) {
	b := NewBus(3, zerolog.Nop())
	b.Bind("q", events.ExchangeSales, "#")

	mux := events.NewMux()
	var got []int64
	events.On(mux, events.TypeSaleCompleted, func(_ context.Context, _ events.Meta, p events.SaleCompleted) error {
		got = append(got, p.SaleID)
		return nil
	})

	require.NoError(t, publishEnvelope(t, b, events.ExchangeSales, events.TypeSaleCompleted, events.SaleCompleted{SaleID: 9}))
	require.NoError(t, publishEnvelope(t, b, events.ExchangeSales, events.TypeQuoteCreated, events.QuoteCreated{QuoteID: 2}))

	runs, err := b.Drain(context.Background(), "q", mux)
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
	assert.Equal(t, []int64{9}, got)
	assert.Empty(t, b.Dead("q"))
	assert.Equal(t, 0, b.Pending("q"))
}
