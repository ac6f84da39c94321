// Package errs defines the error taxonomy shared by connection, consumer,
// and producer so callers can use errors.Is against a stable set of
// sentinels regardless of which package raised them.
package errs

import "errors"

var (
	// ErrConnectionError means the broker connection could not be
	// established (refused, DNS failure, network unreachable).
	ErrConnectionError = errors.New("amqpclient: connection error")

	// ErrConnectionTimeout means a connect attempt's timer expired before
	// the underlying dial resolved. Recoverable.
	ErrConnectionTimeout = errors.New("amqpclient: connection timeout")

	// ErrChannelError means a channel-level fault occurred; the connection
	// itself remains usable.
	ErrChannelError = errors.New("amqpclient: channel error")

	// ErrAuth means the broker refused authentication or authorization.
	// Terminal.
	ErrAuth = errors.New("amqpclient: authentication refused")

	// ErrPrecondition means a topology declaration conflicted with existing
	// broker state. Terminal.
	ErrPrecondition = errors.New("amqpclient: precondition failed")

	// ErrPublish means a transport-level publish failed.
	ErrPublish = errors.New("amqpclient: publish failed")

	// ErrRequestTimeout means a Producer RPC did not receive a reply before
	// its deadline.
	ErrRequestTimeout = errors.New("amqpclient: request timeout")

	// ErrShutdownCancelled means a pending request was rejected because the
	// Producer shut down before a reply arrived.
	ErrShutdownCancelled = errors.New("amqpclient: client shutdown, request cancelled")

	// ErrMaxReconnectAttempts means the reconnect loop exhausted its
	// configured attempt budget.
	ErrMaxReconnectAttempts = errors.New("amqpclient: max reconnect attempts exhausted")

	// ErrNotConnected means a Producer was asked to send before connect()
	// established a channel and reply queue.
	ErrNotConnected = errors.New("amqpclient: not connected")

	// ErrClosed means the operation was attempted after Close()/shutdown.
	ErrClosed = errors.New("amqpclient: closed")
)
