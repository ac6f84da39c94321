// Package amqpclient re-exports the library's Consumer/Producer pair and
// the ConnectionCore options they share, so a caller that just wants "a
// consumer and a producer on one broker" doesn't need to import
// connection, consumer, and producer separately.
package amqpclient

import (
	"context"

	"github.com/relaymq/amqpclient/connection"
	"github.com/relaymq/amqpclient/consumer"
	"github.com/relaymq/amqpclient/producer"
)

// Option configures the ConnectionCore shared by every Consumer/Producer
// built against the same URI.
type Option = connection.Option

// WithHeartbeat, WithReconnectPolicy, WithLogger, and WithDialer configure
// the shared ConnectionCore. They only take effect for the first caller to
// resolve a given URI; see connection.Get.
var (
	WithHeartbeat       = connection.WithHeartbeat
	WithReconnectPolicy = connection.WithReconnectPolicy
	WithLogger          = connection.WithLogger
	WithDialer          = connection.WithDialer
)

// NewConsumer builds a Consumer bound to uri/appName.
func NewConsumer(uri, appName string, opts ...consumer.Option) (*consumer.Consumer, error) {
	return consumer.New(uri, appName, opts...)
}

// NewProducer builds a Producer bound to uri/appName.
func NewProducer(uri, appName string, opts ...producer.Option) (*producer.Producer, error) {
	return producer.New(uri, appName, opts...)
}

// Connect resolves and waits for the ConnectionCore singleton for uri,
// applying opts if this is the first caller to reach it. Useful for
// confirming a broker is reachable before wiring a Consumer or Producer.
func Connect(ctx context.Context, uri string, opts ...Option) (*connection.Core, error) {
	core, err := connection.Get(uri, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := core.GetConnection(ctx); err != nil {
		return nil, err
	}
	return core, nil
}
