package connection

import (
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/relaymq/amqpclient/internal/backoff"
)

// Unbounded marks a ReconnectPolicy as having no attempt ceiling.
const Unbounded = -1

// ReconnectPolicy controls the reconnect loop's backoff and budget.
type ReconnectPolicy struct {
	Enabled bool

	// MaxAttempts is the number of reconnect attempts allowed after the
	// initial connect failure. Unbounded (-1) never gives up; 0 disables
	// retries entirely (the first recoverable failure is terminal).
	MaxAttempts int

	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration
}

// DefaultReconnectPolicy mirrors the backoff constants the retrieval pack's
// AMQP clients converge on for producer/consumer reconnection: a sub-second
// initial delay, a 30s ceiling, and doubling.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		Enabled:        true,
		MaxAttempts:    Unbounded,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		Multiplier:     2,
		ConnectTimeout: 10 * time.Second,
	}
}

// Options configures a Core.
type Options struct {
	URI             string
	Heartbeat       time.Duration
	ReconnectPolicy ReconnectPolicy
	Logger          zerolog.Logger
	Dialer          Dialer
}

// Option mutates Options; functional options keep the constructor signature
// stable as fields are added.
type Option func(*Options)

// WithHeartbeat sets the AMQP heartbeat interval.
func WithHeartbeat(d time.Duration) Option {
	return func(o *Options) { o.Heartbeat = d }
}

// WithReconnectPolicy overrides the default reconnect policy.
func WithReconnectPolicy(p ReconnectPolicy) Option {
	return func(o *Options) { o.ReconnectPolicy = p }
}

// WithLogger attaches a component-scoped logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Options) { o.Logger = logger }
}

// WithDialer overrides the transport dialer; used by tests to inject a fake
// broker.
func WithDialer(d Dialer) Option {
	return func(o *Options) { o.Dialer = d }
}

func newOptions(uri string, opts ...Option) (Options, error) {
	o := Options{
		URI:             uri,
		ReconnectPolicy: DefaultReconnectPolicy(),
		Logger:          log.Logger.With().Str("component", "amqpclient.connection").Logger(),
		Dialer:          DialAMQP,
	}
	for _, apply := range opts {
		apply(&o)
	}
	if err := validateURI(o.URI); err != nil {
		return Options{}, err
	}
	return o, nil
}

func (p ReconnectPolicy) backoffPolicy() backoff.Policy {
	return backoff.Policy{InitialDelay: p.InitialDelay, MaxDelay: p.MaxDelay, Multiplier: p.Multiplier}
}

func validateURI(uri string) error {
	if uri == "" {
		return fmt.Errorf("amqpclient: uri is required")
	}
	u, err := url.Parse(uri)
	if err != nil {
		return fmt.Errorf("amqpclient: invalid uri: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return fmt.Errorf("amqpclient: invalid uri: scheme must be amqp or amqps, got %q", u.Scheme)
	}
	return nil
}
