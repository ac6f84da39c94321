package connection

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel the core and its callers use. It
// exists as a seam so tests can substitute an in-memory fake, mirroring the
// RMQConnection-style abstraction used across the broader AMQP client
// ecosystem.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

// Connection is the subset of *amqp.Connection the core uses.
type Connection interface {
	Channel() (Channel, error)
	Close() error
	IsClosed() bool
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
}

// Dialer opens a new Connection for uri. The default, DialAMQP, wraps
// amqp091-go; tests inject a fake.
type Dialer func(ctx context.Context, uri string, heartbeat time.Duration) (Connection, error)

// DialAMQP is the production Dialer: it dials the broker over TCP with a
// context-aware net.Dialer so the connect attempt itself is cancellable.
func DialAMQP(ctx context.Context, uri string, heartbeat time.Duration) (Connection, error) {
	if heartbeat <= 0 {
		heartbeat = 10 * time.Second
	}
	cfg := amqp.Config{
		Heartbeat: heartbeat,
		Locale:    "en_US",
		Dial: func(network, addr string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	conn, err := amqp.DialConfig(uri, cfg)
	if err != nil {
		return nil, err
	}
	return &realConnection{conn}, nil
}

// realConnection adapts *amqp.Connection to the Connection interface.
// *amqp.Channel already satisfies Channel structurally, so only the
// Channel() return type needs adapting.
type realConnection struct {
	*amqp.Connection
}

func (r *realConnection) Channel() (Channel, error) {
	return r.Connection.Channel()
}
