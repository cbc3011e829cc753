package rabbitmq

import (
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

var ErrClosed = errors.New("rabbitmq: connection released")

// connection is the part of *amqp.Connection this package uses.
type connection interface {
	Channel() (*amqp.Channel, error)
	IsClosed() bool
	Close() error
}

type dialFunc func(url string) (connection, error)

func amqpDial(url string) (connection, error) {
	c, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Conn is the process-wide broker connection. It is reference counted:
// the creator holds the first reference, every Publisher and Consumer built
// on it holds one more, and the AMQP connection is closed when the last
// reference is released. A dropped connection is re-dialed on the next
// Channel call.
type Conn struct {
	url  string
	dial dialFunc
	lg   zerolog.Logger

	mu     sync.Mutex
	conn   connection
	refs   int
	closed bool
}

// Dial connects eagerly so a broker that is unreachable at startup fails
// the process instead of the first publish.
func Dial(url string, lg zerolog.Logger) (*Conn, error) {
	return dialWith(url, amqpDial, lg)
}

func dialWith(url string, dial dialFunc, lg zerolog.Logger) (*Conn, error) {
	c := &Conn{
		url:  url,
		dial: dial,
		lg:   lg.With().Str("component", "rabbitmq_conn").Logger(),
		refs: 1,
	}
	conn, err := dial(url)
	if err != nil {
		return nil, fmt.Errorf("rabbitmq dial: %w", err)
	}
	c.conn = conn
	c.lg.Info().Msg("rabbitmq connected")
	return c, nil
}

// Acquire takes a reference. Every successful Acquire needs one Release.
func (c *Conn) Acquire() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	c.refs++
	return nil
}

// Release drops a reference and closes the connection when none remain.
func (c *Conn) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.refs--
	if c.refs > 0 {
		return nil
	}
	c.closed = true
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.lg.Info().Msg("rabbitmq connection closed (last reference released)")
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return err
	}
	return nil
}

// Refs returns the current reference count.
func (c *Conn) Refs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.refs
}

// Channel opens a new channel, re-dialing first if the connection dropped.
func (c *Conn) Channel() (*amqp.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil || c.conn.IsClosed() {
		conn, err := c.dial(c.url)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq redial: %w", err)
		}
		c.conn = conn
		c.lg.Warn().Msg("rabbitmq connection re-established")
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	return ch, nil
}

// Healthy reports whether the connection is currently open.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && c.conn != nil && !c.conn.IsClosed()
}
