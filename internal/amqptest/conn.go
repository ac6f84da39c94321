package amqptest

import (
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/amqpclient/connection"
)

// Conn is a fake connection.Connection backed by a shared Broker. Each
// reconnect dials a fresh Conn against the same Broker, the way a real
// client reconnects to the same cluster.
type Conn struct {
	broker *Broker

	mu        sync.Mutex
	closed    bool
	notifiees []chan *amqp.Error
	channels  []*Ch
}

// NewConn wraps broker in a fresh fake connection.
func NewConn(broker *Broker) *Conn {
	return &Conn{broker: broker}
}

// Channel opens a new fake channel.
func (c *Conn) Channel() (connection.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Ch{broker: c.broker, consumerQueues: map[string]string{}}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Close gracefully closes the connection and all channels opened on it.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	notifiees := c.notifiees
	c.notifiees = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.simulateClose(nil)
	}
	for _, n := range notifiees {
		close(n)
	}
	return nil
}

// SimulateDrop forcibly closes the connection as if the broker vanished,
// delivering cause (which may be nil) to NotifyClose subscribers. Use this
// in tests to exercise the reconnect loop.
func (c *Conn) SimulateDrop(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notifiees := c.notifiees
	c.notifiees = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.simulateClose(cause)
	}
	for _, n := range notifiees {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}

// IsClosed reports whether Close or SimulateDrop has run.
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// NotifyClose registers receiver to be notified (and closed) when the
// connection closes, mirroring amqp091-go's contract.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notifiees = append(c.notifiees, receiver)
	return receiver
}
