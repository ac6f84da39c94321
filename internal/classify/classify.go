// Package classify decides whether an AMQP error should trigger a
// reconnection attempt or be surfaced to the caller as terminal.
package classify

import (
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// terminalCodes are the AMQP 0-9-1 reply codes that cannot be cured by
// reconnecting: the broker is telling us the request itself is invalid.
var terminalCodes = map[int]bool{
	amqp.InvalidPath:          true,
	amqp.AccessRefused:        true,
	amqp.NotFound:             true,
	amqp.PreconditionFailed:   true,
	amqp.FrameError:           true,
	amqp.SyntaxError:          true,
	amqp.CommandInvalid:       true,
	amqp.ChannelError:         true,
	amqp.UnexpectedFrame:      true,
	amqp.NotAllowed:           true,
	amqp.InternalError:        true,
}

// IsTerminal reports whether err should be surfaced to the caller instead of
// triggering the reconnect loop. A nil error is never terminal.
func IsTerminal(err error) bool {
	if err == nil {
		return false
	}

	if amqpErr, ok := err.(*amqp.Error); ok {
		if terminalCodes[amqpErr.Code] {
			return true
		}
		return containsAuthHint(amqpErr.Reason)
	}

	return containsAuthHint(err.Error())
}

func containsAuthHint(msg string) bool {
	upper := strings.ToUpper(msg)
	if strings.Contains(upper, "ACCESS_REFUSED") {
		return true
	}
	return strings.Contains(strings.ToLower(msg), "authentication")
}
