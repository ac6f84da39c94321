// Package connection implements the ConnectionCore: a singleton-per-URI
// state machine that maintains a durable broker connection, reconnects with
// full-jitter exponential backoff, and re-declares per-channel topology
// after every reconnect.
package connection

import (
	"context"
	"errors"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/relaymq/amqpclient/errs"
	"github.com/relaymq/amqpclient/internal/classify"
	"github.com/relaymq/amqpclient/internal/events"
)

type state int

const (
	stateDisconnected state = iota
	stateConnecting
	stateConnected
	stateReconnecting
)

func (s state) String() string {
	switch s {
	case stateDisconnected:
		return "disconnected"
	case stateConnecting:
		return "connecting"
	case stateConnected:
		return "connected"
	case stateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

type dialResult struct {
	conn Connection
	err  error
}

type connResult struct {
	conn Connection
	err  error
}

// Core is the ConnectionCore singleton for one broker URI.
type Core struct {
	opts Options

	mu       sync.Mutex
	state    state
	conn     Connection
	attempt  int
	closing  bool
	timer    *time.Timer
	channels map[uint64]*RegisteredChannel
	nextID   uint64
	waiters  []chan connResult

	bus    *events.Bus
	logger zerolog.Logger
}

func newCore(o Options) *Core {
	return &Core{
		opts:     o,
		channels: map[uint64]*RegisteredChannel{},
		bus:      events.New(),
		logger:   o.Logger,
	}
}

// URI returns the broker URI this Core manages.
func (c *Core) URI() string { return c.opts.URI }

// State returns the current state machine position, for tests and
// diagnostics.
func (c *Core) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.String()
}

// Events returns the lifecycle event bus: Connected, Disconnected,
// Reconnecting, Reconnected, Error.
func (c *Core) Events() *events.Bus { return c.bus }

// GetConnection waits until the state reaches connected and returns the
// live connection, or fails terminally. Concurrent callers arriving while
// connecting/reconnecting share the same outcome.
func (c *Core) GetConnection(ctx context.Context) (Connection, error) {
	c.mu.Lock()
	switch c.state {
	case stateConnected:
		conn := c.conn
		c.mu.Unlock()
		return conn, nil
	case stateConnecting, stateReconnecting:
		wait := make(chan connResult, 1)
		c.waiters = append(c.waiters, wait)
		c.mu.Unlock()
		select {
		case res := <-wait:
			return res.conn, res.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	default:
		c.state = stateConnecting
		c.mu.Unlock()
		return c.connectAndSettle(ctx)
	}
}

// connectAndSettle performs one connect attempt from the connecting state
// and drives the state machine to whatever it settles into.
func (c *Core) connectAndSettle(ctx context.Context) (Connection, error) {
	conn, err := c.connectWithTimeout(ctx)
	if err == nil {
		c.onConnected(conn)
		return conn, nil
	}

	if classify.IsTerminal(err) || !c.opts.ReconnectPolicy.Enabled {
		c.onTerminal(err)
		return nil, err
	}

	wait := make(chan connResult, 1)
	c.mu.Lock()
	c.waiters = append(c.waiters, wait)
	c.mu.Unlock()
	c.scheduleOrExhaust(err)

	select {
	case res := <-wait:
		return res.conn, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Core) connectWithTimeout(ctx context.Context) (Connection, error) {
	timeout := c.opts.ReconnectPolicy.ConnectTimeout
	if timeout <= 0 {
		return c.opts.Dialer(ctx, c.opts.URI, c.opts.Heartbeat)
	}

	dialCtx, cancel := context.WithCancel(ctx)
	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := c.opts.Dialer(dialCtx, c.opts.URI, c.opts.Heartbeat)
		resCh <- dialResult{conn, err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-resCh:
		cancel()
		return res.conn, res.err
	case <-timer.C:
		// Leak-prevention contract: the dial may still resolve after we
		// have already failed the caller. If it does, close it — a late
		// success must never become a leaked socket.
		go func() {
			res := <-resCh
			cancel()
			if res.err == nil && res.conn != nil {
				_ = res.conn.Close()
			}
		}()
		return nil, errs.ErrConnectionTimeout
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	}
}

func (c *Core) onConnected(conn Connection) {
	c.mu.Lock()
	c.state = stateConnected
	c.conn = conn
	c.attempt = 0
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	c.installConnectionWatcher(conn)

	for _, w := range waiters {
		w <- connResult{conn: conn}
	}
	c.bus.Publish(events.Event{Topic: events.Connected})
}

func (c *Core) onTerminal(err error) {
	c.mu.Lock()
	c.state = stateDisconnected
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- connResult{err: err}
	}
	c.bus.Publish(events.Event{Topic: events.Error, Err: err})
}

// scheduleOrExhaust is the shared transition for "recoverable failure,
// reconnect enabled": either the attempt budget allows another try
// (reconnecting, with a jittered delay) or it is exhausted (disconnected,
// emit MaxReconnectAttempts). Called both for the first connect failure and
// for every subsequent reconnect-loop failure, so max-attempts=0 behaves
// identically regardless of which failure it is.
func (c *Core) scheduleOrExhaust(cause error) {
	c.mu.Lock()
	maxAttempts := c.opts.ReconnectPolicy.MaxAttempts
	nextAttempt := c.attempt + 1

	if maxAttempts != Unbounded && nextAttempt > maxAttempts {
		c.state = stateDisconnected
		waiters := c.waiters
		c.waiters = nil
		c.mu.Unlock()

		for _, w := range waiters {
			w <- connResult{err: errs.ErrMaxReconnectAttempts}
		}
		c.bus.Publish(events.Event{Topic: events.Error, Err: errs.ErrMaxReconnectAttempts})
		return
	}

	c.attempt = nextAttempt
	c.state = stateReconnecting
	delay := c.opts.ReconnectPolicy.backoffPolicy().Delay(nextAttempt - 1)
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(delay, c.runReconnectAttempt)
	c.mu.Unlock()

	c.bus.Publish(events.Event{Topic: events.Reconnecting, Attempt: nextAttempt, Delay: delay.Milliseconds()})
	c.logger.Warn().Err(cause).Int("attempt", nextAttempt).Dur("delay", delay).Msg("scheduling reconnect")
}

func (c *Core) runReconnectAttempt() {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.state = stateConnecting
	c.mu.Unlock()

	conn, err := c.connectWithTimeout(context.Background())
	if err == nil {
		c.onReconnected(conn)
		return
	}
	if classify.IsTerminal(err) {
		c.onTerminal(err)
		return
	}
	c.scheduleOrExhaust(err)
}

func (c *Core) onReconnected(conn Connection) {
	c.mu.Lock()
	c.state = stateConnected
	c.conn = conn
	c.attempt = 0
	waiters := c.waiters
	c.waiters = nil
	channels := make([]*RegisteredChannel, 0, len(c.channels))
	for _, rc := range c.channels {
		channels = append(channels, rc)
	}
	c.mu.Unlock()

	c.installConnectionWatcher(conn)

	for _, rc := range channels {
		c.reopenChannel(rc, conn)
	}

	for _, w := range waiters {
		w <- connResult{conn: conn}
	}
	c.bus.Publish(events.Event{Topic: events.Reconnected})
}

func (c *Core) reopenChannel(rc *RegisteredChannel, conn Connection) {
	ch, err := conn.Channel()
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to reopen channel after reconnect")
		return
	}
	if rc.setup != nil {
		if err := rc.setup(ch); err != nil {
			c.logger.Error().Err(err).Msg("channel setup failed after reconnect")
			_ = ch.Close()
			return
		}
	}
	rc.mu.Lock()
	rc.ch = ch
	rc.mu.Unlock()
	c.watchChannel(rc, ch)
}

func (c *Core) installConnectionWatcher(conn Connection) {
	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		cause := <-notify
		c.mu.Lock()
		closing := c.closing
		stale := c.conn != conn
		c.mu.Unlock()
		if closing || stale {
			return
		}
		c.handleConnectionLost(cause)
	}()
}

func (c *Core) handleConnectionLost(cause *amqp.Error) {
	c.mu.Lock()
	c.state = stateDisconnected
	c.conn = nil
	for _, rc := range c.channels {
		rc.mu.Lock()
		rc.ch = nil
		rc.mu.Unlock()
	}
	reconnect := c.opts.ReconnectPolicy.Enabled
	c.mu.Unlock()

	var err error
	if cause != nil {
		err = cause
	}
	c.bus.Publish(events.Event{Topic: events.Disconnected, Err: err})

	if !reconnect {
		return
	}
	c.scheduleOrExhaust(err)
}

// CreateChannel opens a new channel, runs setup(channel) if provided,
// registers the pair so setup is re-invoked after every future reconnect,
// and returns the registration.
func (c *Core) CreateChannel(ctx context.Context, setup func(Channel) error) (*RegisteredChannel, error) {
	conn, err := c.GetConnection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if setup != nil {
		if err := setup(ch); err != nil {
			_ = ch.Close()
			return nil, err
		}
	}

	rc := &RegisteredChannel{core: c, ch: ch, setup: setup}
	c.mu.Lock()
	c.nextID++
	rc.id = c.nextID
	c.channels[rc.id] = rc
	c.mu.Unlock()

	c.watchChannel(rc, ch)
	return rc, nil
}

// UnregisterChannel removes rc so it is not resurrected by a future
// reconnect.
func (c *Core) UnregisterChannel(rc *RegisteredChannel) {
	c.mu.Lock()
	delete(c.channels, rc.id)
	c.mu.Unlock()
}

// watchChannel recreates a single channel (reopen + re-setup) when it
// closes independently of a connection-level loss.
func (c *Core) watchChannel(rc *RegisteredChannel, ch Channel) {
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		cause := <-notify
		c.mu.Lock()
		closing := c.closing
		st := c.state
		_, registered := c.channels[rc.id]
		c.mu.Unlock()
		if closing || st != stateConnected || !registered {
			return
		}
		c.recreateChannel(rc, cause)
	}()
}

// maxChannelRecreateFailures bounds the per-channel watchdog so a
// persistent precondition failure (e.g. topology mismatch) cannot hot-loop
// forever; see DESIGN.md for the reasoning.
const maxChannelRecreateFailures = 5

func (c *Core) recreateChannel(rc *RegisteredChannel, cause *amqp.Error) {
	policy := struct{ initial, max time.Duration }{50 * time.Millisecond, 5 * time.Second}
	delay := policy.initial

	for attempt := 1; attempt <= maxChannelRecreateFailures; attempt++ {
		c.mu.Lock()
		closing := c.closing
		conn := c.conn
		st := c.state
		_, registered := c.channels[rc.id]
		c.mu.Unlock()
		if closing || st != stateConnected || conn == nil || !registered {
			return
		}

		ch, err := conn.Channel()
		if err == nil && rc.setup != nil {
			err = rc.setup(ch)
		}
		if err == nil {
			rc.mu.Lock()
			rc.ch = ch
			rc.mu.Unlock()
			c.watchChannel(rc, ch)
			return
		}

		c.logger.Error().Err(err).Int("attempt", attempt).Msg("channel recreation failed")
		time.Sleep(delay)
		delay *= 2
		if delay > policy.max {
			delay = policy.max
		}
	}
	c.logger.Error().Err(cause).Msg("channel recreation exceeded retry bound; giving up on this channel")
}

// Close marks the core closing, cancels any pending reconnect timer, closes
// all registered channels and the connection, and transitions to
// disconnected. Idempotent.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	if c.timer != nil {
		c.timer.Stop()
	}
	conn := c.conn
	channels := make([]*RegisteredChannel, 0, len(c.channels))
	for _, rc := range c.channels {
		channels = append(channels, rc)
	}
	c.channels = map[uint64]*RegisteredChannel{}
	waiters := c.waiters
	c.waiters = nil
	c.state = stateDisconnected
	c.conn = nil
	c.mu.Unlock()

	for _, w := range waiters {
		w <- connResult{err: errs.ErrClosed}
	}

	for _, rc := range channels {
		rc.mu.Lock()
		ch := rc.ch
		rc.ch = nil
		rc.mu.Unlock()
		if ch != nil {
			_ = ch.Close()
		}
	}

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// RegisteredChannel pairs a live (or momentarily absent) channel with the
// setup function that rebuilds its topology after reconnection.
type RegisteredChannel struct {
	core  *Core
	id    uint64
	mu    sync.Mutex
	ch    Channel
	setup func(Channel) error
}

// Channel returns the currently live channel, or nil if it has been lost
// and not yet recreated.
func (rc *RegisteredChannel) Channel() Channel {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.ch
}

// Close unregisters and closes the channel, ignoring "already closed"
// errors the way shutdown paths are expected to.
func (rc *RegisteredChannel) Close() error {
	rc.core.UnregisterChannel(rc)
	rc.mu.Lock()
	ch := rc.ch
	rc.ch = nil
	rc.mu.Unlock()
	if ch == nil {
		return nil
	}
	err := ch.Close()
	if err != nil && errors.Is(err, amqp.ErrClosed) {
		return nil
	}
	return err
}
