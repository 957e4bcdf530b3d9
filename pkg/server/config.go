package server

import (
	"fmt"
	"time"

	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/transport"
)

// Config holds server configuration.
type Config struct {
	// Config holds the per-connection transport settings.
	transport.Config

	// HandshakeTimeout is how long a new connection may take to send a
	// valid Hello before it is closed.
	// Default: 10 seconds.
	HandshakeTimeout time.Duration

	// MaxConnections limits concurrently registered connections. New
	// connections beyond the limit receive a ServerBusy HelloAck.
	// Default: 0 (no limit).
	MaxConnections int

	// ShutdownTimeout bounds Shutdown when the caller's context has no
	// deadline.
	// Default: 10 seconds.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Config:           *transport.DefaultConfig(),
		HandshakeTimeout: 10 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Clone returns a copy of the Config.
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	clone := *c
	return &clone
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.MaxMessageSize < 0 || c.MaxMessageSize > protocol.MaxPayloadSize {
		return fmt.Errorf("server: max message size %d out of range [0, %d]", c.MaxMessageSize, protocol.MaxPayloadSize)
	}
	if c.HandshakeTimeout < 0 {
		return fmt.Errorf("server: negative handshake timeout %s", c.HandshakeTimeout)
	}
	if c.MaxConnections < 0 {
		return fmt.Errorf("server: negative max connections %d", c.MaxConnections)
	}
	if c.IdleSleepTime < 0 || c.TrainBoardingTime < 0 || c.ReadTimeout < 0 || c.WriteTimeout < 0 {
		return fmt.Errorf("server: negative transport duration")
	}
	return nil
}

// withDefaults fills unset server fields. Transport fields are filled by
// the endpoint.
func (c *Config) withDefaults() *Config {
	if c == nil {
		return DefaultConfig()
	}
	out := c.Clone()
	defaults := DefaultConfig()
	if out.HandshakeTimeout == 0 {
		out.HandshakeTimeout = defaults.HandshakeTimeout
	}
	if out.ShutdownTimeout == 0 {
		out.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = defaults.MaxMessageSize
	}
	return out
}
