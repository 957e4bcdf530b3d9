package server

import (
	"errors"
	"fmt"

	"github.com/vango-dev/scopesync/pkg/registry"
)

// Sentinel errors for server and connection conditions.
var (
	// ErrServerClosed is returned by Serve after Shutdown.
	ErrServerClosed = errors.New("server: closed")

	// ErrMaxConnections is the close reason for connections rejected by
	// Config.MaxConnections.
	ErrMaxConnections = errors.New("server: max connections reached")

	// ErrHandshakeTimeout is the close reason for connections that did not
	// complete the handshake in time.
	ErrHandshakeTimeout = errors.New("server: handshake timeout")

	// ErrNotHandshaken is the close reason for application frames received
	// before the handshake.
	ErrNotHandshaken = errors.New("server: frame before handshake")

	// ErrUnexpectedMessage is the close reason for handshake-protocol
	// messages a server never accepts.
	ErrUnexpectedMessage = errors.New("server: unexpected handshake message")

	// ErrConnectionNotFound is returned when a connection id is unknown.
	ErrConnectionNotFound = errors.New("server: connection not found")
)

// ConnError wraps an error with connection context.
type ConnError struct {
	ConnID registry.ConnID
	Op     string
	Err    error
}

// Error returns the error message with connection context.
func (e *ConnError) Error() string {
	return fmt.Sprintf("server: conn %d: %s: %v", e.ConnID, e.Op, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *ConnError) Unwrap() error {
	return e.Err
}
