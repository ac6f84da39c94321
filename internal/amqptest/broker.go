// Package amqptest is an in-memory AMQP transport fake used to exercise
// connection, consumer, and producer without a live broker.
package amqptest

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/relaymq/amqpclient/connection"
)

// PublishRecord captures one publish call for test assertions.
type PublishRecord struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

type queueState struct {
	name           string
	ttl            time.Duration
	dlx            string
	dlrk           string
	consumerCh     chan amqp.Delivery
	consumerTag    string
	backlog        []amqp.Delivery
	deliveryTagSeq uint64
}

// Broker is the shared in-memory broker state behind any number of Conn
// instances, so a test can simulate a reconnect by dropping one Conn and
// dialing a new one against the same Broker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]bool
	queues    map[string]*queueState
	bindings  map[string]map[string][]string // exchange -> routingKey -> queue names
	published []PublishRecord
}

// NewBroker returns an empty in-memory broker.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]bool{},
		queues:    map[string]*queueState{},
		bindings:  map[string]map[string][]string{},
	}
}

// Dialer adapts Broker to connection.Dialer: every dial opens a fresh Conn
// against the same shared state, simulating a reconnect to the same broker.
func (b *Broker) Dialer() connection.Dialer {
	return func(ctx context.Context, uri string, heartbeat time.Duration) (connection.Connection, error) {
		return NewConn(b), nil
	}
}

// Published returns a snapshot of every publish call observed so far.
func (b *Broker) Published() []PublishRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PublishRecord, len(b.published))
	copy(out, b.published)
	return out
}

// QueueDepth returns the number of undelivered messages buffered for queue.
func (b *Broker) QueueDepth(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[queue]
	if q == nil {
		return 0
	}
	return len(q.backlog)
}

func (b *Broker) declareExchange(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = true
}

func (b *Broker) declareQueue(name string, args amqp.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = &queueState{name: name}
		b.queues[name] = q
	}
	if args == nil {
		return
	}
	if v, ok := args["x-message-ttl"]; ok {
		q.ttl = toDuration(v)
	}
	if v, ok := args["x-dead-letter-exchange"]; ok {
		if s, ok := v.(string); ok {
			q.dlx = s
		}
	}
	if v, ok := args["x-dead-letter-routing-key"]; ok {
		if s, ok := v.(string); ok {
			q.dlrk = s
		}
	}
}

func toDuration(v interface{}) time.Duration {
	switch n := v.(type) {
	case int:
		return time.Duration(n) * time.Millisecond
	case int32:
		return time.Duration(n) * time.Millisecond
	case int64:
		return time.Duration(n) * time.Millisecond
	default:
		return 0
	}
}

func (b *Broker) bindQueue(queue, exchange, routingKey string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bindings[exchange] == nil {
		b.bindings[exchange] = map[string][]string{}
	}
	b.bindings[exchange][routingKey] = append(b.bindings[exchange][routingKey], queue)
}

func (b *Broker) publish(exchange, routingKey string, pub amqp.Publishing) {
	b.mu.Lock()
	b.published = append(b.published, PublishRecord{Exchange: exchange, RoutingKey: routingKey, Publishing: pub})

	var targets []string
	if exchange == "" {
		// Default exchange: routing key addresses a queue directly.
		targets = []string{routingKey}
	} else {
		// Direct-exchange semantics: literal routing-key equality only, so a
		// reserved binding key (e.g. "#") only ever matches a publish that
		// uses that exact literal key, never every message on the exchange.
		targets = append(targets, b.bindings[exchange][routingKey]...)
	}
	b.mu.Unlock()

	for _, qname := range targets {
		b.deliverToQueue(qname, exchange, routingKey, pub)
	}
}

func (b *Broker) deliverToQueue(qname, exchange, routingKey string, pub amqp.Publishing) {
	b.mu.Lock()
	q := b.queues[qname]
	if q == nil {
		b.mu.Unlock()
		return
	}
	q.deliveryTagSeq++
	tag := q.deliveryTagSeq
	ttl := q.ttl
	dlx := q.dlx
	dlrk := q.dlrk
	consumerCh := q.consumerCh
	b.mu.Unlock()

	if ttl > 0 {
		time.AfterFunc(ttl, func() {
			if dlx == "" {
				return
			}
			rk := routingKey
			if dlrk != "" {
				rk = dlrk
			}
			b.publish(dlx, rk, pub)
		})
		return
	}

	d := amqp.Delivery{
		Acknowledger:  fakeAcknowledger{},
		Headers:       pub.Headers,
		ContentType:   pub.ContentType,
		DeliveryMode:  pub.DeliveryMode,
		CorrelationId: pub.CorrelationId,
		ReplyTo:       pub.ReplyTo,
		Expiration:    pub.Expiration,
		MessageId:     pub.MessageId,
		Timestamp:     pub.Timestamp,
		Body:          pub.Body,
		DeliveryTag:   tag,
		Exchange:      exchange,
		RoutingKey:    routingKey,
	}

	if consumerCh != nil {
		consumerCh <- d
		return
	}
	b.mu.Lock()
	q.backlog = append(q.backlog, d)
	b.mu.Unlock()
}

func (b *Broker) consume(qname, tag string) (chan amqp.Delivery, error) {
	b.mu.Lock()
	q := b.queues[qname]
	if q == nil {
		b.mu.Unlock()
		return nil, fmt.Errorf("amqptest: queue %q not declared", qname)
	}
	ch := make(chan amqp.Delivery, 256)
	q.consumerCh = ch
	q.consumerTag = tag
	backlog := q.backlog
	q.backlog = nil
	b.mu.Unlock()

	for _, d := range backlog {
		ch <- d
	}
	return ch, nil
}

func (b *Broker) cancelConsumer(qname, tag string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q := b.queues[qname]
	if q == nil || q.consumerTag != tag || q.consumerCh == nil {
		return
	}
	close(q.consumerCh)
	q.consumerCh = nil
	q.consumerTag = ""
}

type fakeAcknowledger struct{}

func (fakeAcknowledger) Ack(tag uint64, multiple bool) error             { return nil }
func (fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error   { return nil }
func (fakeAcknowledger) Reject(tag uint64, requeue bool) error           { return nil }
