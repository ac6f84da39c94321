package consumer

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/amqpclient/connection"
	"github.com/relaymq/amqpclient/internal/exchange"
)

// Retry republishing uses two reserved, non-overlapping routing keys on the
// primary direct exchange so the entry hop and the delayed exit hop never
// match the same binding:
//
//   - retryEntryKey is bound only by the retry queue. The consumer
//     republishes a failed delivery with this key; it never reaches the
//     main queue immediately.
//   - retryExitKey is the retry queue's x-dead-letter-routing-key override,
//     bound only by the main queue. When the retry queue's TTL expires, the
//     message dead-letters back onto the primary exchange with this key and
//     lands in the main queue, recovering its real routing key from the
//     x-original-routing-key header (see effectiveRoutingKey).
//
// Using the same key for both hops would deliver a retry to the main queue
// immediately instead of after the delay, since a direct exchange fans a
// single routing key out to every queue bound to it.
const (
	retryEntryKey = "amqpclient.retry"
	retryExitKey  = "amqpclient.retry.redeliver"
)

func (c *Consumer) mainQueueName() string  { return c.opts.AppName }
func (c *Consumer) retryQueueName() string { return c.opts.AppName + ".retry" }
func (c *Consumer) dlqName() string        { return c.opts.AppName + ".dlq" }

func (c *Consumer) exchangeName() string {
	if c.opts.Exchange != "" {
		return c.opts.Exchange
	}
	return c.opts.AppName
}

// setupTopology is the Consumer's capability function registered with
// ConnectionCore: it is re-invoked after every reconnect and must be
// idempotent over broker state.
func (c *Consumer) setupTopology(ch connection.Channel) error {
	guard := exchange.New(c.logger)
	exchangeName := c.exchangeName()
	ctx := context.Background()
	guard.Validate(ctx, exchangeName)
	if err := guard.Assert(ctx, ch, exchangeName); err != nil {
		return wrapf(err, "declare exchange %q", exchangeName)
	}

	if _, err := ch.QueueDeclare(c.dlqName(), true, false, false, false, nil); err != nil {
		return wrapf(err, "declare dlq %q", c.dlqName())
	}

	retryArgs := amqp.Table{
		"x-dead-letter-exchange":    exchangeName,
		"x-dead-letter-routing-key": retryExitKey,
		"x-message-ttl":             int32(c.opts.RetryTTL.Milliseconds()),
	}
	if _, err := ch.QueueDeclare(c.retryQueueName(), true, false, false, false, retryArgs); err != nil {
		return wrapf(err, "declare retry queue %q", c.retryQueueName())
	}
	if err := ch.QueueBind(c.retryQueueName(), retryEntryKey, exchangeName, false, nil); err != nil {
		return wrapf(err, "bind retry queue %q", c.retryQueueName())
	}

	mainArgs := amqp.Table{
		"x-dead-letter-exchange":    exchangeName,
		"x-dead-letter-routing-key": "#",
	}
	if _, err := ch.QueueDeclare(c.mainQueueName(), true, false, false, false, mainArgs); err != nil {
		return wrapf(err, "declare main queue %q", c.mainQueueName())
	}
	if err := ch.QueueBind(c.mainQueueName(), retryExitKey, exchangeName, false, nil); err != nil {
		return wrapf(err, "bind main queue to retry redeliveries")
	}
	for _, key := range c.registry.RoutingKeys() {
		if err := ch.QueueBind(c.mainQueueName(), key, exchangeName, false, nil); err != nil {
			return wrapf(err, "bind main queue to %q", key)
		}
	}

	if c.prefetch > 0 {
		if err := ch.Qos(c.prefetch, 0, false); err != nil {
			return wrapf(err, "set prefetch")
		}
	}

	if c.isListening() {
		return c.installConsumer(ch)
	}
	return nil
}
