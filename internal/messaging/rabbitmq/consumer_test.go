package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/dealer-pipeline/internal/contracts/events"
)

// ---- fakes ----

type fakeAcker struct {
	mu      sync.Mutex
	acks    int
	nacks   int
	requeue []bool
}

func (a *fakeAcker) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks++
	return nil
}

func (a *fakeAcker) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks++
	a.requeue = append(a.requeue, requeue)
	return nil
}

func (a *fakeAcker) Reject(tag uint64, requeue bool) error {
	return a.Nack(tag, false, requeue)
}

type retryCall struct {
	tier        time.Duration
	nextAttempt int
	rk          string
	cause       error
}

type finalCall struct {
	reason string
	rk     string
}

// fakeRepublisher records moves. When loop is set, retried deliveries are
// queued for redelivery the way the TTL queue would bring them back.
type fakeRepublisher struct {
	retryCalls []retryCall
	finalCalls []finalCall
	retryErr   error
	finalErr   error

	loop []amqp.Delivery
}

func (p *fakeRepublisher) PublishRetry(ctx context.Context, tier time.Duration, orig amqp.Delivery, nextAttempt int, cause error) error {
	p.retryCalls = append(p.retryCalls, retryCall{tier: tier, nextAttempt: nextAttempt, rk: RoutingKeyOf(orig), cause: cause})
	if p.retryErr != nil {
		return p.retryErr
	}
	h := copyHeaders(orig.Headers)
	h[HeaderAttempt] = int32(nextAttempt)
	h[HeaderOrigRoutingKey] = RoutingKeyOf(orig)
	redelivered := orig
	redelivered.Headers = h
	redelivered.RoutingKey = "queue-name-after-ttl"
	p.loop = append(p.loop, redelivered)
	return nil
}

func (p *fakeRepublisher) PublishFinal(ctx context.Context, orig amqp.Delivery, reason string, cause error) error {
	p.finalCalls = append(p.finalCalls, finalCall{reason: reason, rk: RoutingKeyOf(orig)})
	return p.finalErr
}

type funcHandler func(ctx context.Context, env events.Raw) error

func (f funcHandler) Dispatch(ctx context.Context, env events.Raw) error { return f(ctx, env) }

func mustJSON(t *testing.T, v any) []byte {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("json marshal: %v", err)
	}
	return b
}

func envelopeBody(t *testing.T, typ string, version int, payload any) []byte {
	t.Helper()
	env := events.New(typ, "test", "trace-x", payload)
	env.Version = version
	return mustJSON(t, env)
}

func newTestConsumer(h Handler, pub Republisher) *Consumer {
	c := newConsumer(ConsumerConfig{
		Topology: Topology{
			Exchange:   "reservation_events",
			Queue:      "dealer-service.reservation-created",
			BindKeys:   []string{"reservation.created"},
			RetryTiers: []time.Duration{10 * time.Second, time.Minute, 10 * time.Minute},
		},
		MaxAttempts:  5,
		MaxBodyBytes: 1024,
	}, h, zerolog.Nop())

	// inject publisher directly (unit tests do not call connectAndDeclare)
	c.pub = pub
	return c
}

func delivery(ack amqp.Acknowledger, rk string, body []byte) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger: ack,
		RoutingKey:   rk,
		ContentType:  "application/json",
		MessageId:    "m-1",
		Body:         body,
	}
}

// ---- tests ----

func TestHandleDelivery_SuccessAcks(t *testing.T) {
	var got events.Raw
	c := newTestConsumer(funcHandler(func(ctx context.Context, env events.Raw) error {
		got = env
		return nil
	}), &fakeRepublisher{})

	ack := &fakeAcker{}
	d := delivery(ack, "reservation.created", envelopeBody(t, "reservation.created", 1,
		events.ReservationCreated{ReservationID: 42, VehicleID: "V1", DealerID: 7}))

	c.settle(d, c.handleDelivery(context.Background(), d))

	assert.Equal(t, 1, ack.acks)
	assert.Equal(t, 0, ack.nacks)
	assert.Equal(t, "reservation.created", got.Type)
	assert.Equal(t, "trace-x", got.TraceID)
}

func TestHandleDelivery_LegacyBodyUsesDeliveryMessageID(t *testing.T) {
	var got events.Raw
	c := newTestConsumer(funcHandler(func(ctx context.Context, env events.Raw) error {
		got = env
		return nil
	}), &fakeRepublisher{})

	d := delivery(&fakeAcker{}, "reservation.created", []byte(`{"reservationId":1,"vehicleId":"V","dealerId":2}`))
	d.CorrelationId = "corr-1"
	require.NoError(t, c.handleDelivery(context.Background(), d))

	assert.Equal(t, events.LegacyVersion, got.Version)
	assert.Equal(t, "m-1", got.MessageID)
	assert.Equal(t, "corr-1", got.TraceID)
}

func TestHandleDelivery_BadEnvelopeGoesToDLQ(t *testing.T) {
	calls := 0
	p := &fakeRepublisher{}
	c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error {
		calls++
		return nil
	}), p)

	ack := &fakeAcker{}
	d := delivery(ack, "reservation.created", []byte(`{not json`))
	c.settle(d, c.handleDelivery(context.Background(), d))

	assert.Equal(t, 0, calls)
	require.Len(t, p.finalCalls, 1)
	assert.Equal(t, ReasonBadEnvelope, p.finalCalls[0].reason)
	assert.Equal(t, 1, ack.acks, "moved copy is confirmed, original acked")
}

func TestHandleDelivery_TooLargeGoesToDLQ(t *testing.T) {
	p := &fakeRepublisher{}
	c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error { return nil }), p)

	d := delivery(&fakeAcker{}, "reservation.created", []byte(`{"pad":"`+strings.Repeat("x", 2000)+`"}`))
	require.NoError(t, c.handleDelivery(context.Background(), d))

	require.Len(t, p.finalCalls, 1)
	assert.Equal(t, ReasonTooLarge, p.finalCalls[0].reason)
}

func TestHandleDelivery_UnknownTypeDropped(t *testing.T) {
	p := &fakeRepublisher{}
	mux := events.NewMux()
	c := newTestConsumer(mux, p)

	ack := &fakeAcker{}
	d := delivery(ack, "unknown.key", []byte(`{"some":"data"}`))
	c.settle(d, c.handleDelivery(context.Background(), d))

	assert.Equal(t, 1, ack.acks)
	assert.Empty(t, p.finalCalls)
	assert.Empty(t, p.retryCalls)
}

func TestHandleDelivery_UnsupportedVersionGoesToDLQ(t *testing.T) {
	p := &fakeRepublisher{}
	mux := events.NewMux()
	events.On(mux, events.TypeReservationCreated, func(context.Context, events.Meta, events.ReservationCreated) error {
		t.Fatal("handler must not run")
		return nil
	})
	c := newTestConsumer(mux, p)

	d := delivery(&fakeAcker{}, "reservation.created", envelopeBody(t, "reservation.created", 9,
		events.ReservationCreated{ReservationID: 1, VehicleID: "V", DealerID: 1}))
	require.NoError(t, c.handleDelivery(context.Background(), d))

	require.Len(t, p.finalCalls, 1)
	assert.Equal(t, ReasonUnsupportedVersion, p.finalCalls[0].reason)
}

func TestHandleDelivery_FutureEnvelopeWithoutPayloadGoesToDLQ(t *testing.T) {
	p := &fakeRepublisher{}
	mux := events.NewMux()
	events.On(mux, events.TypeReservationCreated, func(context.Context, events.Meta, events.ReservationCreated) error {
		t.Fatal("handler must not run")
		return nil
	})
	c := newTestConsumer(mux, p)

	body := []byte(`{"version":2,"type":"reservation.created","data":{"reservationId":1,"vehicleId":"V","dealerId":1}}`)
	require.NoError(t, c.handleDelivery(context.Background(), delivery(&fakeAcker{}, "reservation.created", body)))

	require.Len(t, p.finalCalls, 1)
	assert.Equal(t, ReasonUnsupportedVersion, p.finalCalls[0].reason)
}

func TestHandleDelivery_PermanentErrorGoesToDLQ(t *testing.T) {
	p := &fakeRepublisher{}
	c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error {
		return events.Permanent(errors.New("dealer does not exist"))
	}), p)

	d := delivery(&fakeAcker{}, "reservation.created", envelopeBody(t, "reservation.created", 1, map[string]int{"reservationId": 1}))
	require.NoError(t, c.handleDelivery(context.Background(), d))

	require.Len(t, p.finalCalls, 1)
	assert.Equal(t, ReasonNonRetriable, p.finalCalls[0].reason)
	assert.Empty(t, p.retryCalls)
}

func TestHandleDelivery_RetriableErrorParksInFirstTier(t *testing.T) {
	p := &fakeRepublisher{}
	c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error {
		return errors.New("db unavailable")
	}), p)

	ack := &fakeAcker{}
	d := delivery(ack, "reservation.created", envelopeBody(t, "reservation.created", 1, map[string]int{"reservationId": 1}))
	c.settle(d, c.handleDelivery(context.Background(), d))

	require.Len(t, p.retryCalls, 1)
	assert.Equal(t, 10*time.Second, p.retryCalls[0].tier)
	assert.Equal(t, 1, p.retryCalls[0].nextAttempt)
	assert.Equal(t, "reservation.created", p.retryCalls[0].rk)
	assert.Equal(t, 1, ack.acks)
}

func TestHandleDelivery_RetryPublishFailureRequeues(t *testing.T) {
	p := &fakeRepublisher{retryErr: errors.New("NO_ROUTE")}
	c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error {
		return errors.New("db unavailable")
	}), p)

	ack := &fakeAcker{}
	d := delivery(ack, "reservation.created", envelopeBody(t, "reservation.created", 1, map[string]int{"reservationId": 1}))
	c.settle(d, c.handleDelivery(context.Background(), d))

	assert.Equal(t, 0, ack.acks)
	assert.Equal(t, []bool{true}, ack.requeue)
}

func TestHandleDelivery_DLQPublishFailureRequeues(t *testing.T) {
	p := &fakeRepublisher{finalErr: errors.New("timeout")}
	c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error { return nil }), p)

	ack := &fakeAcker{}
	d := delivery(ack, "reservation.created", []byte(`garbage`))
	c.settle(d, c.handleDelivery(context.Background(), d))

	assert.Equal(t, []bool{true}, ack.requeue)
}

func TestHandleDelivery_ShutdownRequeuesWithoutCountingAttempt(t *testing.T) {
	p := &fakeRepublisher{}
	ctx, cancel := context.WithCancel(context.Background())
	c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error {
		cancel()
		return context.Canceled
	}), p)

	ack := &fakeAcker{}
	d := delivery(ack, "reservation.created", envelopeBody(t, "reservation.created", 1, map[string]int{"reservationId": 1}))
	c.settle(d, c.handleDelivery(ctx, d))

	assert.Equal(t, []bool{true}, ack.requeue)
	assert.Empty(t, p.retryCalls)
	assert.Empty(t, p.finalCalls)
}

func TestHandleDelivery_HandlerSurvivesParentCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var handlerCtxErr error
	c := newTestConsumer(funcHandler(func(hctx context.Context, env events.Raw) error {
		cancel()
		handlerCtxErr = hctx.Err()
		return nil
	}), &fakeRepublisher{})

	d := delivery(&fakeAcker{}, "reservation.created", envelopeBody(t, "reservation.created", 1, map[string]int{"reservationId": 1}))
	require.NoError(t, c.handleDelivery(ctx, d))
	assert.NoError(t, handlerCtxErr)
}

// A handler that always fails runs exactly MaxAttempts times, then the
// message is dead-lettered.
func TestRedeliveryIsBounded(t *testing.T) {
	for _, maxAttempts := range []int{1, 3, 5} {
		p := &fakeRepublisher{}
		runs := 0
		c := newTestConsumer(funcHandler(func(context.Context, events.Raw) error {
			runs++
			return errors.New("always fails")
		}), p)
		c.cfg.MaxAttempts = maxAttempts

		ack := &fakeAcker{}
		p.loop = append(p.loop, delivery(ack, "reservation.created",
			envelopeBody(t, "reservation.created", 1, map[string]int{"reservationId": 1})))

		for i := 0; len(p.loop) > 0; i++ {
			require.Less(t, i, 100, "runaway redelivery")
			d := p.loop[0]
			p.loop = p.loop[1:]
			c.settle(d, c.handleDelivery(context.Background(), d))
		}

		assert.Equal(t, maxAttempts, runs, "max=%d", maxAttempts)
		assert.Len(t, p.retryCalls, maxAttempts-1)
		require.Len(t, p.finalCalls, 1)
		assert.Equal(t, ReasonMaxAttempts, p.finalCalls[0].reason)
		assert.Equal(t, "reservation.created", p.finalCalls[0].rk)
		assert.Equal(t, maxAttempts, ack.acks)
		assert.Zero(t, ack.nacks)

		for i, rc := range p.retryCalls {
			assert.Equal(t, i+1, rc.nextAttempt)
			assert.Equal(t, c.cfg.TierFor(i+1), rc.tier)
		}
	}
}

func TestAttemptHeaderTypes(t *testing.T) {
	assert.Equal(t, 0, Attempt(nil))
	assert.Equal(t, 0, Attempt(amqp.Table{}))
	assert.Equal(t, 2, Attempt(amqp.Table{HeaderAttempt: int32(2)}))
	assert.Equal(t, 3, Attempt(amqp.Table{HeaderAttempt: int64(3)}))
	assert.Equal(t, 4, Attempt(amqp.Table{HeaderAttempt: "4"}))
	assert.Equal(t, 5, Attempt(amqp.Table{HeaderAttempt: float64(5)}))
	assert.Equal(t, 0, Attempt(amqp.Table{HeaderAttempt: true}))
}

func TestRoutingKeyOf(t *testing.T) {
	assert.Equal(t, "a.b", RoutingKeyOf(amqp.Delivery{RoutingKey: "a.b"}))
	assert.Equal(t, "orig.key", RoutingKeyOf(amqp.Delivery{
		RoutingKey: "q.retry.10s",
		Headers:    amqp.Table{HeaderOrigRoutingKey: "orig.key"},
	}))
}

func TestNewConsumer_RejectsNilHandler(t *testing.T) {
	d := &fakeDialer{}
	conn, err := dialWith("amqp://x", d.dial, zerolog.Nop())
	require.NoError(t, err)

	_, err = NewConsumer(conn, ConsumerConfig{}, nil, zerolog.Nop())
	require.Error(t, err)
	assert.Equal(t, 1, conn.Refs())
}

func TestConsumer_StopReleasesReference(t *testing.T) {
	d := &fakeDialer{}
	conn, err := dialWith("amqp://x", d.dial, zerolog.Nop())
	require.NoError(t, err)

	c, err := NewConsumer(conn, ConsumerConfig{Topology: Topology{Queue: "q"}}, events.NewMux(), zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, conn.Refs())

	require.NoError(t, c.Stop(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, 1, conn.Refs())
	assert.ErrorIs(t, c.Start(context.Background()), ErrClosed)
	assert.ErrorIs(t, c.Run(context.Background()), ErrClosed)
}

func TestConsumer_StopInterruptsReconnectBackoff(t *testing.T) {
	d := &fakeDialer{}
	conn, err := dialWith("amqp://x", d.dial, zerolog.Nop())
	require.NoError(t, err)
	d.conns[0].chanErr = errors.New("channel refused")

	c, err := NewConsumer(conn, ConsumerConfig{Topology: Topology{Queue: "q"}}, events.NewMux(), zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	require.NoError(t, c.Stop(ctx))
	assert.Equal(t, 1, conn.Refs())
}

func TestConsumeLoop_InFlightDeliveryAckedAfterCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := funcHandler(func(context.Context, events.Raw) error {
		close(started)
		<-release
		return nil
	})
	c := newTestConsumer(h, &fakeRepublisher{})

	ack := &fakeAcker{}
	dlv := make(chan amqp.Delivery, 2)
	dlv <- delivery(ack, "reservation.created", envelopeBody(t, "reservation.created", 1,
		events.ReservationCreated{ReservationID: 1, VehicleID: "V", DealerID: 1}))
	dlv <- delivery(ack, "reservation.created", envelopeBody(t, "reservation.created", 1,
		events.ReservationCreated{ReservationID: 2, VehicleID: "V", DealerID: 1}))
	c.deliveries = dlv

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		c.consumeLoop(ctx)
	}()

	<-started
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("consume loop did not exit")
	}
	ack.mu.Lock()
	defer ack.mu.Unlock()
	assert.Equal(t, 1, ack.acks)
	assert.Zero(t, ack.nacks)
	assert.Len(t, dlv, 1)
}
