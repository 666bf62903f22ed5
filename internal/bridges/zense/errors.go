package zense

import "errors"

// Sentinel errors for gateway operations.
// Use errors.Is() to check error types since errors may be wrapped.
var (
	// ErrNotConnected indicates no authenticated gateway session exists.
	// Commands fail fast with this error while the background reconnect
	// loop works on restoring the link.
	ErrNotConnected = errors.New("zense: not connected to gateway")

	// ErrConnectFailed indicates the TCP connection could not be established.
	ErrConnectFailed = errors.New("zense: connection to gateway failed")

	// ErrAuthRejected indicates the gateway refused the login code.
	ErrAuthRejected = errors.New("zense: gateway rejected login code")

	// ErrLinkFailure indicates the connection broke mid-exchange.
	// The session is torn down and reconnection starts automatically.
	ErrLinkFailure = errors.New("zense: gateway link failure")

	// ErrProtocol indicates a reply could not be parsed.
	ErrProtocol = errors.New("zense: malformed gateway reply")

	// ErrReplyTooLarge indicates a reply exceeded the accumulation limit
	// without a frame terminator, which means the peer is not a gateway.
	ErrReplyTooLarge = errors.New("zense: gateway reply too large")

	// ErrInvalidDeviceID indicates a module ID outside the valid range.
	ErrInvalidDeviceID = errors.New("zense: invalid device id")

	// ErrClosed indicates the gateway client has been closed.
	ErrClosed = errors.New("zense: gateway client closed")

	// ErrQueueFull indicates the command intake queue is at capacity and
	// the operation was dropped.
	ErrQueueFull = errors.New("zense: command queue full")
)
