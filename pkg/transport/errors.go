package transport

import (
	"errors"
	"fmt"
)

// Sentinel errors for endpoint operations.
var (
	// ErrClosed is returned when sending on a closed endpoint.
	ErrClosed = errors.New("transport: endpoint closed")

	// ErrSendQueueFull is returned when the outgoing queue is full.
	// The endpoint is closed with CauseSlowConsumer at the same time.
	ErrSendQueueFull = errors.New("transport: send queue full")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")

	// ErrReadTimeout is the error carried by CauseTimeout disconnects.
	ErrReadTimeout = errors.New("transport: read timeout")
)

// Cause classifies why a connection ended.
type Cause uint8

const (
	CauseLocalClose Cause = iota
	CauseSocketError
	CausePeerClosed
	CauseDecodeFailure
	CauseFrameTooLarge
	CauseVersionMismatch
	CauseProtocolViolation
	CauseTimeout
	CauseSlowConsumer
	CauseShutdown
)

// String returns the string representation of the cause.
func (c Cause) String() string {
	switch c {
	case CauseLocalClose:
		return "local_close"
	case CauseSocketError:
		return "socket_error"
	case CausePeerClosed:
		return "peer_closed"
	case CauseDecodeFailure:
		return "decode_failure"
	case CauseFrameTooLarge:
		return "frame_too_large"
	case CauseVersionMismatch:
		return "version_mismatch"
	case CauseProtocolViolation:
		return "protocol_violation"
	case CauseTimeout:
		return "timeout"
	case CauseSlowConsumer:
		return "slow_consumer"
	case CauseShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Fatal reports whether the cause is a failure rather than an orderly close.
func (c Cause) Fatal() bool {
	switch c {
	case CauseLocalClose, CausePeerClosed, CauseShutdown:
		return false
	default:
		return true
	}
}

// ConnectionError reports why an endpoint terminated.
type ConnectionError struct {
	Cause Cause
	Err   error // Underlying error, may be nil
}

// Error returns the error message.
func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("transport: connection closed: %s", e.Cause)
	}
	return fmt.Sprintf("transport: connection closed: %s: %v", e.Cause, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// CauseOf extracts the Cause from an error chain.
func CauseOf(err error) (Cause, bool) {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Cause, true
	}
	return 0, false
}
