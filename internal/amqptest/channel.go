package amqptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Ch is a fake connection.Channel backed by a shared Broker.
type Ch struct {
	broker *Broker

	mu             sync.Mutex
	closed         bool
	notifiees      []chan *amqp.Error
	consumerQueues map[string]string // consumer tag -> queue name
}

func (ch *Ch) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.declareExchange(name)
	return nil
}

func (ch *Ch) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if name == "" {
		// Mirrors the broker generating a unique name for an anonymous
		// (exclusive reply) queue declaration.
		name = fmt.Sprintf("amqptest-queue-%d", time.Now().UnixNano())
	}
	ch.broker.declareQueue(name, args)
	return amqp.Queue{Name: name}, nil
}

func (ch *Ch) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.broker.bindQueue(name, exchange, key)
	return nil
}

func (ch *Ch) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (ch *Ch) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if consumer == "" {
		consumer = fmt.Sprintf("amqptest-ctag-%d", time.Now().UnixNano())
	}
	out, err := ch.broker.consume(queue, consumer)
	if err != nil {
		return nil, err
	}
	ch.mu.Lock()
	ch.consumerQueues[consumer] = queue
	ch.mu.Unlock()
	return out, nil
}

func (ch *Ch) Cancel(consumer string, noWait bool) error {
	ch.mu.Lock()
	qname := ch.consumerQueues[consumer]
	delete(ch.consumerQueues, consumer)
	ch.mu.Unlock()
	if qname == "" {
		return nil
	}
	ch.broker.cancelConsumer(qname, consumer)
	return nil
}

func (ch *Ch) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.broker.publish(exchange, key, msg)
	return nil
}

func (ch *Ch) Close() error {
	ch.simulateClose(nil)
	return nil
}

func (ch *Ch) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notifiees = append(ch.notifiees, receiver)
	return receiver
}

// SimulateDrop forcibly closes just this channel, as the per-channel
// watchdog scenario requires.
func (ch *Ch) SimulateDrop(cause *amqp.Error) {
	ch.simulateClose(cause)
}

func (ch *Ch) simulateClose(cause *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notifiees := ch.notifiees
	ch.notifiees = nil
	ch.mu.Unlock()

	for _, n := range notifiees {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
}
