// Package exchange guards against declaring broker-reserved exchange names.
package exchange

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// reserved lists the exchange names the broker pre-declares; attempting to
// declare them again is a protocol error.
var reserved = map[string]bool{
	"":            true,
	"amq.direct":  true,
	"amq.fanout":  true,
	"amq.topic":   true,
	"amq.headers": true,
	"amq.match":   true,
}

// IsReserved reports whether name is a broker-reserved exchange.
func IsReserved(name string) bool {
	return reserved[name]
}

// Declarer is the subset of an AMQP channel needed to assert an exchange.
type Declarer interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
}

// Guard validates and asserts exchange names, refusing to touch reserved
// ones since the broker owns their lifecycle.
type Guard struct {
	Logger zerolog.Logger
}

// New returns a Guard that logs advisories through logger. Pass log.Logger
// (the zerolog global) for the package default.
func New(logger zerolog.Logger) Guard {
	return Guard{Logger: logger}
}

// Validate emits a non-fatal advisory when name is reserved; reserved names
// are not an error condition, only a hint that Assert will be a no-op.
func (g Guard) Validate(ctx context.Context, name string) {
	if IsReserved(name) {
		g.Logger.Warn().Str("exchange", name).Msg("exchange name is reserved by the broker; declaration will be skipped")
	}
}

// Assert declares name as a durable direct exchange on ch, unless name is
// reserved, in which case it is a no-op: the broker already owns it.
func (g Guard) Assert(ctx context.Context, ch Declarer, name string) error {
	if IsReserved(name) {
		return nil
	}
	return ch.ExchangeDeclare(name, "direct", true, false, false, false, nil)
}
