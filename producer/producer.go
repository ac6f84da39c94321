// Package producer implements the publish/RPC half of the client:
// correlation-id based request/reply over an exclusive reply queue, with a
// pending-request registry that survives reconnection because it lives
// above the channel, not inside the setup closure.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymq/amqpclient/connection"
	"github.com/relaymq/amqpclient/errs"
	"github.com/relaymq/amqpclient/internal/events"
	"github.com/relaymq/amqpclient/internal/exchange"
)

func wrapf(err error, format string, args ...interface{}) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}

// Options configures a Producer.
type Options struct {
	AppName        string
	Exchange       string
	RequestTimeout time.Duration
	Logger         zerolog.Logger
}

// Option customizes Options at construction.
type Option func(*Options)

// WithLogger overrides the default (global) logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Options) { o.Logger = l } }

// WithExchange overrides the exchange name (defaults to AppName).
func WithExchange(name string) Option { return func(o *Options) { o.Exchange = name } }

// WithRequestTimeout overrides the default per-Send timeout.
func WithRequestTimeout(d time.Duration) Option { return func(o *Options) { o.RequestTimeout = d } }

func newOptions(appName string, opts ...Option) Options {
	o := Options{
		AppName:        appName,
		RequestTimeout: 30 * time.Second,
		Logger:         log.Logger,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// SendOptions controls one Send call.
type SendOptions struct {
	timeout         time.Duration
	noTimeout       bool
	persistent      bool
	headers         map[string]interface{}
	frameworkCompat bool
}

// SendOption customizes a single Send call.
type SendOption func(*SendOptions)

// WithTimeout overrides the Producer's default timeout for one call.
func WithTimeout(d time.Duration) SendOption { return func(o *SendOptions) { o.timeout = d } }

// WithNoTimeout disables the timeout entirely; the request is only settled
// by reply or shutdown.
func WithNoTimeout() SendOption { return func(o *SendOptions) { o.noTimeout = true } }

// WithPersistent overrides the default (true) delivery-mode flag.
func WithPersistent(p bool) SendOption { return func(o *SendOptions) { o.persistent = p } }

// WithHeaders attaches extra headers to the published message.
func WithHeaders(h map[string]interface{}) SendOption { return func(o *SendOptions) { o.headers = h } }

// WithFrameworkCompat copies the correlation id into the JSON body's "id"
// field, for compatibility with conventions that read the id from the
// payload rather than the AMQP correlation-id property. Only takes effect
// when the marshaled message is a JSON object.
func WithFrameworkCompat() SendOption { return func(o *SendOptions) { o.frameworkCompat = true } }

// ShutdownResult reports the outcome of a Shutdown call.
type ShutdownResult struct {
	Success      bool
	PendingCount int
	TimedOut     bool
}

type shutdownConfig struct {
	force       bool
	gracePeriod time.Duration
}

// ShutdownOption customizes a Shutdown call.
type ShutdownOption func(*shutdownConfig)

// WithForce overrides the default (true) force flag.
func WithForce(force bool) ShutdownOption { return func(c *shutdownConfig) { c.force = force } }

// WithGracePeriod bounds how long a non-forced shutdown waits for
// outstanding replies before rejecting whatever remains.
func WithGracePeriod(d time.Duration) ShutdownOption {
	return func(c *shutdownConfig) { c.gracePeriod = d }
}

// Stats is a read-only snapshot of Producer counters.
type Stats struct {
	Sent     int64
	TimedOut int64
	Pending  int
}

// Producer publishes messages and correlates RPC replies over an exclusive
// reply queue.
type Producer struct {
	core    *connection.Core
	opts    Options
	logger  zerolog.Logger
	pending *pendingRegistry

	mu         sync.Mutex
	rc         *connection.RegisteredChannel
	replyQueue string
	connected  bool
	shutDown   bool

	sent     int64
	timedOut int64
}

// New creates a Producer bound to the Core for uri. Callers must still call
// Connect before Send.
func New(uri string, appName string, opts ...Option) (*Producer, error) {
	o := newOptions(appName, opts...)
	core, err := connection.Get(uri, connection.WithLogger(o.Logger))
	if err != nil {
		return nil, err
	}
	return &Producer{
		core:    core,
		opts:    o,
		logger:  o.Logger,
		pending: newPendingRegistry(),
	}, nil
}

// Events mirrors the underlying ConnectionCore's lifecycle bus.
func (p *Producer) Events() *events.Bus { return p.core.Events() }

// Core returns the underlying ConnectionCore, for collaborators (the
// shutdown orchestrator) that need to reset the singleton after every
// client sharing it has been shut down.
func (p *Producer) Core() *connection.Core { return p.core }

// Stats returns a snapshot of send/timeout counters.
func (p *Producer) Stats() Stats {
	return Stats{
		Sent:     atomic.LoadInt64(&p.sent),
		TimedOut: atomic.LoadInt64(&p.timedOut),
		Pending:  p.pending.len(),
	}
}

func (p *Producer) exchangeName() string {
	if p.opts.Exchange != "" {
		return p.opts.Exchange
	}
	return p.opts.AppName
}

// Connect acquires a channel and installs the setup function that declares
// the exchange, the exclusive reply queue, and the reply consumer.
func (p *Producer) Connect(ctx context.Context) error {
	rc, err := p.core.CreateChannel(ctx, p.setupTopology)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.rc = rc
	p.connected = true
	p.mu.Unlock()
	return nil
}

func (p *Producer) setupTopology(ch connection.Channel) error {
	guard := exchange.New(p.logger)
	name := p.exchangeName()
	ctx := context.Background()
	guard.Validate(ctx, name)
	if err := guard.Assert(ctx, ch, name); err != nil {
		return wrapf(err, "declare exchange %q", name)
	}

	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		return wrapf(err, "declare reply queue")
	}

	deliveries, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		return wrapf(err, "consume reply queue %q", q.Name)
	}

	p.mu.Lock()
	p.replyQueue = q.Name
	p.mu.Unlock()

	go p.replyLoop(deliveries)
	return nil
}

func (p *Producer) replyLoop(deliveries <-chan amqp.Delivery) {
	for d := range deliveries {
		p.handleReply(d)
	}
}

func (p *Producer) handleReply(d amqp.Delivery) {
	if d.CorrelationId == "" {
		return
	}
	if !p.pending.resolve(d.CorrelationId, d.Body) {
		// Arrives only when the request already timed out, was rejected by
		// shutdown, or the id is simply unknown; routine, not actionable.
		p.logger.Debug().Str("correlation_id", d.CorrelationId).Msg("unmatched rpc reply; dropping")
	}
}

// Send publishes message to routingKey and waits for the correlated reply,
// JSON-decoding it into out. Fails fast with ErrNotConnected if Connect has
// not yet succeeded.
func (p *Producer) Send(ctx context.Context, routingKey string, message interface{}, out interface{}, opts ...SendOption) error {
	body, err := p.send(ctx, routingKey, message, opts...)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("amqpclient: decode rpc reply: %w", err)
	}
	return nil
}

func (p *Producer) send(ctx context.Context, routingKey string, message interface{}, opts ...SendOption) ([]byte, error) {
	p.mu.Lock()
	rc := p.rc
	replyQueue := p.replyQueue
	connected := p.connected
	p.mu.Unlock()
	if !connected || rc == nil || replyQueue == "" {
		return nil, errs.ErrNotConnected
	}
	ch := rc.Channel()
	if ch == nil {
		return nil, errs.ErrNotConnected
	}

	so := SendOptions{persistent: true, timeout: p.opts.RequestTimeout}
	for _, opt := range opts {
		opt(&so)
	}

	id := uuid.NewString()
	pr := p.pending.register(id)

	if !so.noTimeout && so.timeout > 0 {
		pr.arm(so.timeout, func() {
			// Count the timeout before settling, so the counter is already
			// updated when the waiting Send returns.
			if timedOutReq, ok := p.pending.take(id); ok {
				atomic.AddInt64(&p.timedOut, 1)
				timedOutReq.settle(nil, errs.ErrRequestTimeout)
			}
		})
	}

	body, err := json.Marshal(message)
	if err != nil {
		p.pending.remove(id)
		return nil, err
	}
	if so.frameworkCompat {
		body = injectFrameworkID(body, id)
	}

	headers := amqp.Table{}
	for k, v := range so.headers {
		headers[k] = v
	}

	pub := amqp.Publishing{
		ContentType:   "application/json",
		CorrelationId: id,
		ReplyTo:       replyQueue,
		Headers:       headers,
		Body:          body,
	}
	if so.persistent {
		pub.DeliveryMode = amqp.Persistent
	}

	if err := ch.PublishWithContext(ctx, p.exchangeName(), routingKey, false, false, pub); err != nil {
		p.pending.rejectIfPresent(id, errs.ErrPublish)
		return nil, errs.ErrPublish
	}
	atomic.AddInt64(&p.sent, 1)

	body, err = pr.wait(ctx)
	if err != nil {
		// A reply or timeout settles pr and removes it from the registry
		// itself; a ctx cancellation/deadline is the one settlement path
		// that originates outside pr, so it has to evict the entry here.
		p.pending.rejectIfPresent(id, err)
	}
	return body, err
}

// injectFrameworkID copies id into the "id" field of a JSON object body. If
// body does not decode as an object, it is returned unchanged.
func injectFrameworkID(body []byte, id string) []byte {
	var asMap map[string]interface{}
	if err := json.Unmarshal(body, &asMap); err != nil || asMap == nil {
		return body
	}
	asMap["id"] = id
	if b, err := json.Marshal(asMap); err == nil {
		return b
	}
	return body
}

// Shutdown marks the Producer not-connected and settles every pending
// request. Force defaults to true: pending requests are rejected
// immediately. With WithForce(false), Shutdown first waits up to GracePeriod
// (default 5s) for outstanding replies to arrive naturally before rejecting
// whatever remains — the source this library is modeled on clears the
// registry without waiting in that case, silently orphaning those promises;
// this implementation waits instead so force=false has an observable
// effect. Idempotent: a second call returns immediately.
func (p *Producer) Shutdown(ctx context.Context, opts ...ShutdownOption) (ShutdownResult, error) {
	cfg := shutdownConfig{force: true, gracePeriod: 5 * time.Second}
	for _, opt := range opts {
		opt(&cfg)
	}

	p.mu.Lock()
	if p.shutDown {
		p.mu.Unlock()
		return ShutdownResult{Success: true}, nil
	}
	p.shutDown = true
	p.connected = false
	rc := p.rc
	p.mu.Unlock()

	timedOut := false
	if !cfg.force {
		timedOut = !p.waitPendingDrain(cfg.gracePeriod)
	}

	pendingCount := p.pending.drain(errs.ErrShutdownCancelled)

	if rc != nil {
		_ = rc.Close()
	}

	return ShutdownResult{
		Success:      true,
		PendingCount: pendingCount,
		TimedOut:     timedOut && pendingCount > 0,
	}, nil
}

// Close is an alias for Shutdown(WithForce(true)).
func (p *Producer) Close(ctx context.Context) (ShutdownResult, error) {
	return p.Shutdown(ctx, WithForce(true))
}

func (p *Producer) waitPendingDrain(timeout time.Duration) bool {
	if p.pending.len() == 0 {
		return true
	}
	if timeout <= 0 {
		return false
	}
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if p.pending.len() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		<-ticker.C
	}
}
