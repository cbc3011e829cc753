package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type publishMode int

const (
	modeAck publishMode = iota
	modeReturn
	modeNack
	modeSilent
	modeTransportError
)

type published struct {
	exchange, key string
	mandatory     bool
	msg           amqp.Publishing
}

type fakePubChannel struct {
	mu        sync.Mutex
	modes     []publishMode // consumed per publish; last one repeats
	closed    bool
	confirmCh chan amqp.Confirmation
	returnCh  chan amqp.Return
	exchanges []string
	published []published
	tag       uint64
}

func (f *fakePubChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	f.exchanges = append(f.exchanges, name)
	return nil
}
func (f *fakePubChannel) Confirm(bool) error { return nil }
func (f *fakePubChannel) NotifyPublish(c chan amqp.Confirmation) chan amqp.Confirmation {
	f.confirmCh = c
	return c
}
func (f *fakePubChannel) NotifyReturn(c chan amqp.Return) chan amqp.Return {
	f.returnCh = c
	return c
}
func (f *fakePubChannel) IsClosed() bool { return f.closed }
func (f *fakePubChannel) Close() error {
	f.closed = true
	return nil
}

func (f *fakePubChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	mode := modeAck
	if len(f.modes) > 0 {
		mode = f.modes[0]
		if len(f.modes) > 1 {
			f.modes = f.modes[1:]
		}
	}
	if mode == modeTransportError {
		f.closed = true
		return amqp.ErrClosed
	}

	f.published = append(f.published, published{exchange: exchange, key: key, mandatory: mandatory, msg: msg})
	f.tag++
	switch mode {
	case modeAck:
		f.confirmCh <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case modeReturn:
		f.returnCh <- amqp.Return{ReplyCode: 312, ReplyText: "NO_ROUTE", Exchange: exchange, RoutingKey: key}
		f.confirmCh <- amqp.Confirmation{DeliveryTag: f.tag, Ack: true}
	case modeNack:
		f.confirmCh <- amqp.Confirmation{DeliveryTag: f.tag, Ack: false}
	case modeSilent:
	}
	return nil
}

type channelFactory struct {
	channels []*fakePubChannel
	next     func() *fakePubChannel
}

func (cf *channelFactory) open() (pubChannel, error) {
	ch := cf.next()
	cf.channels = append(cf.channels, ch)
	return ch, nil
}

func newTestPublisher(modes ...publishMode) (*Publisher, *channelFactory) {
	cf := &channelFactory{}
	cf.next = func() *fakePubChannel {
		return &fakePubChannel{modes: modes}
	}
	p := newPublisher(cf.open, PublisherConfig{
		AppID:       "dealer-service",
		Exchanges:   []string{"reservation_events"},
		ConfirmWait: 50 * time.Millisecond,
	}, zerolog.Nop())
	return p, cf
}

func TestPublisher_PublishesPersistentMandatory(t *testing.T) {
	p, cf := newTestPublisher(modeAck)

	err := p.PublishEvent(context.Background(), Message{
		Exchange:      "reservation_events",
		RoutingKey:    "reservation.processed",
		MessageID:     "m-1",
		CorrelationID: "trace-1",
		Body:          []byte(`{"x":1}`),
	})
	require.NoError(t, err)

	require.Len(t, cf.channels, 1)
	ch := cf.channels[0]
	assert.Equal(t, []string{"reservation_events"}, ch.exchanges)
	require.Len(t, ch.published, 1)

	got := ch.published[0]
	assert.True(t, got.mandatory)
	assert.Equal(t, "reservation_events", got.exchange)
	assert.Equal(t, "reservation.processed", got.key)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, "m-1", got.msg.MessageId)
	assert.Equal(t, "trace-1", got.msg.CorrelationId)
	assert.Equal(t, "dealer-service", got.msg.AppId)
}

func TestPublisher_DeclaresUnknownExchangeLazily(t *testing.T) {
	p, cf := newTestPublisher(modeAck)
	require.NoError(t, p.PublishJSON(context.Background(), "sales_exchange", "order.created", "m", map[string]int{"orderId": 1}))
	require.NoError(t, p.PublishJSON(context.Background(), "sales_exchange", "order.created", "m2", map[string]int{"orderId": 2}))

	assert.Equal(t, []string{"reservation_events", "sales_exchange"}, cf.channels[0].exchanges)
}

func TestPublisher_UnroutableIsReturned(t *testing.T) {
	p, _ := newTestPublisher(modeReturn)
	err := p.PublishEvent(context.Background(), Message{Exchange: "reservation_events", RoutingKey: "nobody.listens"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnroutable)
}

func TestPublisher_NackIsReturned(t *testing.T) {
	p, _ := newTestPublisher(modeNack)
	err := p.PublishEvent(context.Background(), Message{Exchange: "reservation_events", RoutingKey: "reservation.processed"})
	assert.ErrorIs(t, err, ErrNacked)
}

func TestPublisher_ConfirmTimeoutResetsChannel(t *testing.T) {
	p, cf := newTestPublisher(modeSilent, modeAck)

	err := p.PublishEvent(context.Background(), Message{Exchange: "reservation_events", RoutingKey: "reservation.processed"})
	assert.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, cf.channels[0].closed)

	// next publish opens a new channel
	cf.next = func() *fakePubChannel { return &fakePubChannel{} }
	require.NoError(t, p.PublishEvent(context.Background(), Message{Exchange: "reservation_events", RoutingKey: "reservation.processed"}))
	assert.Len(t, cf.channels, 2)
}

func TestPublisher_TransportErrorRetriedOnFreshChannel(t *testing.T) {
	p, cf := newTestPublisher(modeTransportError)
	cf.next = func() *fakePubChannel {
		if len(cf.channels) == 0 {
			return &fakePubChannel{modes: []publishMode{modeTransportError}}
		}
		return &fakePubChannel{}
	}

	err := p.PublishEvent(context.Background(), Message{Exchange: "reservation_events", RoutingKey: "reservation.processed"})
	require.NoError(t, err)
	require.Len(t, cf.channels, 2)
	assert.Len(t, cf.channels[1].published, 1)
}

func TestPublisher_TransportErrorTwiceIsReturned(t *testing.T) {
	p, cf := newTestPublisher(modeTransportError)

	err := p.PublishEvent(context.Background(), Message{Exchange: "reservation_events", RoutingKey: "reservation.processed"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, amqp.ErrClosed))
	assert.Len(t, cf.channels, 2)
}

func TestPublisher_OpenError(t *testing.T) {
	p := newPublisher(func() (pubChannel, error) {
		return nil, errors.New("dial tcp: connection refused")
	}, PublisherConfig{}, zerolog.Nop())

	err := p.PublishEvent(context.Background(), Message{Exchange: "x", RoutingKey: "y"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestPublisher_ClosedRejects(t *testing.T) {
	p, _ := newTestPublisher(modeAck)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.PublishEvent(context.Background(), Message{Exchange: "x", RoutingKey: "y"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPublisher_ReleasesConnReference(t *testing.T) {
	d := &fakeDialer{}
	conn, err := dialWith("amqp://x", d.dial, zerolog.Nop())
	require.NoError(t, err)

	p, err := NewPublisher(conn, PublisherConfig{}, zerolog.Nop())
	require.NoError(t, err)
	assert.Equal(t, 2, conn.Refs())

	require.NoError(t, p.Close())
	assert.Equal(t, 1, conn.Refs())

	require.NoError(t, conn.Release())
	assert.Equal(t, 1, d.conns[0].closeCalls)
}
