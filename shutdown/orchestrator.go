// Package shutdown sequences a coordinated drain across one Consumer and
// zero-or-more Producers sharing a ConnectionCore, plus an optional
// SIGTERM/SIGINT collaborator for process entry points.
package shutdown

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymq/amqpclient/connection"
	"github.com/relaymq/amqpclient/consumer"
	"github.com/relaymq/amqpclient/producer"
)

// Result aggregates the per-component outcomes of an Orchestrator.Shutdown
// call.
type Result struct {
	Consumer  *consumer.ShutdownResult
	Producers []producer.ShutdownResult
}

// PendingCount sums every component's unsettled work, for callers that only
// care whether the drain was clean.
func (r Result) PendingCount() int {
	n := 0
	if r.Consumer != nil {
		n += r.Consumer.PendingCount
	}
	for _, pr := range r.Producers {
		n += pr.PendingCount
	}
	return n
}

// Orchestrator holds the components one coordinated shutdown should drain.
type Orchestrator struct {
	consumer   *consumer.Consumer
	producers  []*producer.Producer
	onShutdown func(context.Context) error
	timeout    time.Duration
	logger     zerolog.Logger
}

// Option customizes an Orchestrator at construction.
type Option func(*Orchestrator)

// WithConsumer registers the Consumer to stop first.
func WithConsumer(c *consumer.Consumer) Option {
	return func(o *Orchestrator) { o.consumer = c }
}

// WithProducer registers a Producer to drain after the Consumer stops. Call
// once per Producer instance.
func WithProducer(p *producer.Producer) Option {
	return func(o *Orchestrator) { o.producers = append(o.producers, p) }
}

// WithCallback registers a user hook invoked after every component has
// drained, before the ConnectionCore is reset. A panic from the callback
// propagates to the caller of Shutdown unmodified; an error is returned
// wrapped with %w, so errors.Is still matches it.
func WithCallback(fn func(context.Context) error) Option {
	return func(o *Orchestrator) { o.onShutdown = fn }
}

// WithTimeout bounds how long the Consumer and each Producer wait for
// in-flight work before their shutdown is forced. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// WithLogger overrides the default (global) logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New builds an Orchestrator from its components.
func New(opts ...Option) *Orchestrator {
	o := &Orchestrator{
		timeout: 30 * time.Second,
		logger:  log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Shutdown stops the Consumer, then drains each Producer, then runs the
// user callback (if any), then resets the shared ConnectionCore. Order
// matters: a Producer's in-flight RPCs may be replies to work the Consumer
// is still finishing, so the Consumer must stop taking new deliveries
// first. An error from either the Consumer or a Producer aborts the
// sequence immediately and is returned wrapped with %w (naming the failed
// step); the callback and core reset do not run in that case.
func (o *Orchestrator) Shutdown(ctx context.Context) (Result, error) {
	var result Result

	if o.consumer != nil {
		o.logger.Info().Msg("shutdown: stopping consumer")
		res, err := o.consumer.Shutdown(ctx, consumer.ShutdownOptions{TimeoutMS: consumer.Timeout(o.timeout.Milliseconds())})
		if err != nil {
			return result, fmt.Errorf("shutdown: consumer: %w", err)
		}
		result.Consumer = &res
	}

	for i, p := range o.producers {
		o.logger.Info().Int("producer", i).Msg("shutdown: draining producer")
		res, err := p.Shutdown(ctx, producer.WithForce(false), producer.WithGracePeriod(o.timeout))
		if err != nil {
			return result, fmt.Errorf("shutdown: producer[%d]: %w", i, err)
		}
		result.Producers = append(result.Producers, res)
	}

	if o.onShutdown != nil {
		o.logger.Info().Msg("shutdown: running user callback")
		if err := o.onShutdown(ctx); err != nil {
			return result, fmt.Errorf("shutdown: callback: %w", err)
		}
	}

	o.resetCore()

	o.logger.Info().Int("pending", result.PendingCount()).Msg("shutdown: complete")
	return result, nil
}

// resetCore clears the ConnectionCore registry entry shared by every
// component this Orchestrator drained, so a later New() for the same URI
// starts a fresh singleton instead of reusing the one being torn down.
func (o *Orchestrator) resetCore() {
	var core *connection.Core
	switch {
	case o.consumer != nil:
		core = o.consumer.Core()
	case len(o.producers) > 0:
		core = o.producers[0].Core()
	}
	if core == nil {
		return
	}
	connection.Reset(core.URI())
}
