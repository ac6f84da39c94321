// Package consumer implements the consume-side half of the client: topology
// declaration, a handler registry keyed by routing key, a middleware chain
// around user handlers, TTL-based retry and dead-lettering, and a graceful
// shutdown that drains in-flight handlers.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymq/amqpclient/connection"
	"github.com/relaymq/amqpclient/internal/events"
)

func wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Options configures a Consumer. AppName names the exchange, main queue,
// retry queue, and DLQ unless Exchange overrides the exchange name.
type Options struct {
	AppName      string
	Exchange     string
	RetryTTL     time.Duration
	MaxRetries   int
	RetryEnabled bool
	Prefetch     int
	Logger       zerolog.Logger
}

// Option customizes Options at construction.
type Option func(*Options)

// WithLogger overrides the default (global) logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithPrefetch sets the channel's QoS prefetch count.
func WithPrefetch(n int) Option { return func(o *Options) { o.Prefetch = n } }

// WithRetryTTL overrides the default retry-queue delay.
func WithRetryTTL(d time.Duration) Option { return func(o *Options) { o.RetryTTL = d } }

// WithMaxRetries overrides the default retry budget.
func WithMaxRetries(n int) Option { return func(o *Options) { o.MaxRetries = n } }

// WithExchange overrides the exchange name (defaults to AppName).
func WithExchange(name string) Option { return func(o *Options) { o.Exchange = name } }

func newOptions(appName string, opts ...Option) Options {
	o := Options{
		AppName:      appName,
		RetryTTL:     5 * time.Second,
		MaxRetries:   3,
		RetryEnabled: true,
		Logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// defaultShutdownTimeoutMS is used when TimeoutMS is left nil (unset). An
// explicit *0 is a real deadline — an immediate timeout — and is left as-is.
const defaultShutdownTimeoutMS int64 = 30000

// ShutdownOptions configures Consumer.Shutdown. TimeoutMS is a pointer so a
// caller can distinguish "use the default" (nil) from an explicit "don't
// wait at all" (pointing at 0); a plain int64 can't tell those apart since
// both are its zero value.
type ShutdownOptions struct {
	TimeoutMS *int64
	Force     bool
}

// Timeout returns a pointer to ms, for populating ShutdownOptions.TimeoutMS
// without a separate local variable.
func Timeout(ms int64) *int64 { return &ms }

// ShutdownResult reports the outcome of a graceful shutdown.
type ShutdownResult struct {
	Success      bool
	PendingCount int
	TimedOut     bool
}

// Stats is a read-only snapshot of dispatch counters.
type Stats struct {
	Handled      int64
	Retried      int64
	DeadLettered int64
}

// Consumer binds handler functions to routing keys on one AMQP app/exchange
// and dispatches deliveries through a middleware chain with retry/DLQ
// handling.
type Consumer struct {
	core     *connection.Core
	opts     Options
	registry *HandlerRegistry
	chain    MiddlewareChain
	logger   zerolog.Logger

	mu          sync.Mutex
	rc          *connection.RegisteredChannel
	listening   bool
	shutDown    bool
	consumerTag string
	prefetch    int

	inFlight sync.WaitGroup
	inFlightN int64

	handled      int64
	retried      int64
	deadLettered int64
}

// New creates a Consumer bound to the Core for uri.
func New(uri string, appName string, opts ...Option) (*Consumer, error) {
	o := newOptions(appName, opts...)
	core, err := connection.Get(uri, connection.WithLogger(o.Logger))
	if err != nil {
		return nil, err
	}
	return &Consumer{
		core:     core,
		opts:     o,
		registry: newHandlerRegistry(),
		logger:   o.Logger,
		prefetch: o.Prefetch,
	}, nil
}

// Events mirrors the underlying ConnectionCore's lifecycle bus.
func (c *Consumer) Events() *events.Bus { return c.core.Events() }

// Core returns the underlying ConnectionCore, for collaborators (the
// shutdown orchestrator) that need to reset the singleton after every
// client sharing it has been shut down.
func (c *Consumer) Core() *connection.Core { return c.core }

// Stats returns a snapshot of dispatch counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		Handled:      atomic.LoadInt64(&c.handled),
		Retried:      atomic.LoadInt64(&c.retried),
		DeadLettered: atomic.LoadInt64(&c.deadLettered),
	}
}

// On registers handler for routingKey. Must be called before Listen; it
// performs no I/O.
func (c *Consumer) On(routingKey string, handler HandlerFunc, options ...HandlerOptions) {
	opt := HandlerOptions{}
	if len(options) > 0 {
		opt = options[0]
	}
	c.registry.Register(routingKey, handler, opt)
}

// Use appends a middleware to the dispatch chain, in registration order.
func (c *Consumer) Use(m Middleware) {
	c.chain.Use(m)
}

func (c *Consumer) isListening() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listening
}

// Listen declares topology and installs the main-queue consumer. Safe to
// call once; a reconnect re-runs the same topology function automatically.
func (c *Consumer) Listen(ctx context.Context) error {
	c.mu.Lock()
	c.listening = true
	c.mu.Unlock()

	rc, err := c.core.CreateChannel(ctx, c.setupTopology)
	if err != nil {
		c.mu.Lock()
		c.listening = false
		c.mu.Unlock()
		return err
	}
	c.mu.Lock()
	c.rc = rc
	c.mu.Unlock()
	return nil
}

func (c *Consumer) installConsumer(ch connection.Channel) error {
	tag := fmt.Sprintf("%s-%d", c.opts.AppName, time.Now().UnixNano())
	deliveries, err := ch.Consume(c.mainQueueName(), tag, false, false, false, false, nil)
	if err != nil {
		return wrapf(err, "consume %q", c.mainQueueName())
	}
	c.mu.Lock()
	c.consumerTag = tag
	c.mu.Unlock()
	go c.dispatchLoop(ch, deliveries)
	return nil
}

func (c *Consumer) dispatchLoop(ch connection.Channel, deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		d := d
		c.inFlight.Add(1)
		atomic.AddInt64(&c.inFlightN, 1)
		go func() {
			defer c.inFlight.Done()
			defer atomic.AddInt64(&c.inFlightN, -1)
			c.handleDelivery(ch, d)
		}()
	}
}

func headerInt(headers amqp.Table, key string) int {
	if headers == nil {
		return 0
	}
	switch v := headers[key].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}

func headerString(headers amqp.Table, key string) (string, bool) {
	if headers == nil {
		return "", false
	}
	v, ok := headers[key].(string)
	return v, ok
}

func fromTable(t amqp.Table) map[string]interface{} {
	m := make(map[string]interface{}, len(t))
	for k, v := range t {
		m[k] = v
	}
	return m
}

// effectiveRoutingKey recovers the routing key a dispatch should be handled
// under. A TTL-expired retry redelivery arrives on the reserved
// retryExitKey, with the real key preserved in the x-original-routing-key
// header; a fresh delivery carries the real key directly.
func effectiveRoutingKey(d amqp.Delivery) string {
	if d.RoutingKey == retryExitKey {
		if original, ok := headerString(d.Headers, "x-original-routing-key"); ok {
			return original
		}
	}
	return d.RoutingKey
}

func (c *Consumer) handleDelivery(ch connection.Channel, d amqp.Delivery) {
	retryCount := headerInt(d.Headers, "x-retry-count")
	key := effectiveRoutingKey(d)

	entry, ok := c.registry.Lookup(key)
	if !ok {
		c.logger.Warn().Str("routing_key", key).Msg("no handler registered for delivery; acking")
		_ = d.Ack(false)
		return
	}

	var probe interface{}
	if err := json.Unmarshal(d.Body, &probe); err != nil {
		c.logger.Warn().Err(err).Str("routing_key", key).Msg("malformed payload; acking without retry")
		_ = d.Ack(false)
		return
	}

	hctx := &Context{
		Ctx:        context.Background(),
		RoutingKey: key,
		Headers:    fromTable(d.Headers),
		Body:       d.Body,
		reply:      c.buildReply(ch, d),
	}

	err := c.chain.Execute(hctx, entry.handler)
	if err == nil {
		_ = d.Ack(false)
		atomic.AddInt64(&c.handled, 1)
		return
	}

	c.handleFailure(ch, d, entry, retryCount, key)
}

func (c *Consumer) buildReply(ch connection.Channel, d amqp.Delivery) func(interface{}) error {
	if d.ReplyTo == "" || d.CorrelationId == "" {
		return nil
	}
	return func(v interface{}) error {
		body, err := json.Marshal(v)
		if err != nil {
			return err
		}
		return ch.PublishWithContext(context.Background(), "", d.ReplyTo, false, false, amqp.Publishing{
			ContentType:   "application/json",
			CorrelationId: d.CorrelationId,
			Body:          body,
		})
	}
}

func (c *Consumer) handleFailure(ch connection.Channel, d amqp.Delivery, entry handlerEntry, retryCount int, key string) {
	maxRetries := c.opts.MaxRetries
	retryTTL := c.opts.RetryTTL
	retryEnabled := c.opts.RetryEnabled
	if entry.options.MaxRetries > 0 {
		maxRetries = entry.options.MaxRetries
	}
	if entry.options.RetryTTL > 0 {
		retryTTL = time.Duration(entry.options.RetryTTL) * time.Millisecond
	}
	if entry.options.RetryDisabled {
		retryEnabled = false
	}

	if retryEnabled && retryCount < maxRetries {
		headers := amqp.Table{}
		for k, v := range d.Headers {
			headers[k] = v
		}
		headers["x-retry-count"] = int32(retryCount + 1)
		headers["x-original-routing-key"] = key

		pub := amqp.Publishing{
			Body:          d.Body,
			ContentType:   d.ContentType,
			Headers:       headers,
			DeliveryMode:  amqp.Persistent,
			Expiration:    strconv.FormatInt(retryTTL.Milliseconds(), 10),
			CorrelationId: d.CorrelationId,
			ReplyTo:       d.ReplyTo,
		}
		if err := ch.PublishWithContext(context.Background(), c.exchangeName(), retryEntryKey, false, false, pub); err != nil {
			c.logger.Error().Err(err).Str("routing_key", key).Msg("failed to republish for retry")
		} else {
			atomic.AddInt64(&c.retried, 1)
		}
		_ = d.Ack(false)
		return
	}

	dlqPub := amqp.Publishing{
		Body:         d.Body,
		ContentType:  d.ContentType,
		Headers:      d.Headers,
		DeliveryMode: amqp.Persistent,
	}
	if err := ch.PublishWithContext(context.Background(), "", c.dlqName(), false, false, dlqPub); err != nil {
		c.logger.Error().Err(err).Str("routing_key", key).Msg("failed to copy exhausted delivery to dlq")
	} else {
		atomic.AddInt64(&c.deadLettered, 1)
	}
	_ = d.Ack(false)
}

// Shutdown stops consuming, cancels the consumer tag, and optionally waits
// for InFlightSet to drain before closing the channel. Idempotent: a second
// call returns immediately with PendingCount = 0.
func (c *Consumer) Shutdown(ctx context.Context, opts ShutdownOptions) (ShutdownResult, error) {
	c.mu.Lock()
	if c.shutDown {
		c.mu.Unlock()
		return ShutdownResult{Success: true}, nil
	}
	c.shutDown = true
	c.listening = false
	rc := c.rc
	tag := c.consumerTag
	c.mu.Unlock()

	timeoutMS := defaultShutdownTimeoutMS
	if opts.TimeoutMS != nil {
		timeoutMS = *opts.TimeoutMS
	}

	if rc != nil {
		if ch := rc.Channel(); ch != nil && tag != "" {
			_ = ch.Cancel(tag, false)
		}
	}

	timedOut := false
	if !opts.Force {
		if drained, to := c.waitDrain(time.Duration(timeoutMS) * time.Millisecond); !drained {
			timedOut = to
		}
	}

	pending := int(atomic.LoadInt64(&c.inFlightN))

	if rc != nil {
		_ = rc.Close()
	}

	return ShutdownResult{
		Success:      pending == 0,
		PendingCount: pending,
		TimedOut:     timedOut && pending > 0,
	}, nil
}

// waitDrain polls InFlightSet until it is empty or timeout elapses. Returns
// (drained, timedOut).
func (c *Consumer) waitDrain(timeout time.Duration) (bool, bool) {
	if atomic.LoadInt64(&c.inFlightN) == 0 {
		return true, false
	}
	if timeout <= 0 {
		return false, true
	}

	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if atomic.LoadInt64(&c.inFlightN) == 0 {
			return true, false
		}
		if time.Now().After(deadline) {
			return false, true
		}
		<-ticker.C
	}
}
