package transport

import (
	"math"
	"time"

	"github.com/vango-dev/scopesync/pkg/protocol"
)

// Config holds per-connection transport settings.
type Config struct {
	// IdleSleepTime is how long the read loop waits for more bytes before
	// re-checking the connection when no complete frame is buffered.
	// Smaller values trade CPU for lower worst-case latency.
	// Default: 10ms.
	IdleSleepTime time.Duration

	// TrainBoardingTime is how long outgoing frames may wait to be coalesced
	// into one write. Measured from the first frame of a batch.
	// Zero writes every frame immediately.
	// Default: 2ms.
	TrainBoardingTime time.Duration

	// MaxMessageSize is the largest frame payload accepted or sent.
	// Default: 1024. Capped at 65535.
	MaxMessageSize int

	// FlushThreshold flushes a batch early once it reaches this many bytes.
	// Default: 32KB.
	FlushThreshold int

	// SendQueueSize is the number of encoded frames that may wait for the
	// write loop. A full queue disconnects the peer as a slow consumer.
	// Default: 1024.
	SendQueueSize int

	// ReadBufferSize is the size of each stream read.
	// Default: 4096.
	ReadBufferSize int

	// ReadTimeout closes the connection when no bytes arrive for this long.
	// Zero disables the check.
	// Default: 60 seconds.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single flush when the stream supports deadlines.
	// Default: 10 seconds.
	WriteTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		IdleSleepTime:     10 * time.Millisecond,
		TrainBoardingTime: 2 * time.Millisecond,
		MaxMessageSize:    protocol.DefaultMaxMessageSize,
		FlushThreshold:    32 * 1024,
		SendQueueSize:     1024,
		ReadBufferSize:    4096,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
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

// withDefaults fills unset fields. TrainBoardingTime and ReadTimeout keep
// their zero values since zero is meaningful for both.
func (c *Config) withDefaults() *Config {
	out := DefaultConfig()
	if c == nil {
		return out
	}
	defaults := *out
	*out = *c
	if out.IdleSleepTime <= 0 {
		out.IdleSleepTime = defaults.IdleSleepTime
	}
	if out.TrainBoardingTime < 0 {
		out.TrainBoardingTime = 0
	}
	out.MaxMessageSize = protocol.ClampMaxMessageSize(out.MaxMessageSize)
	if out.FlushThreshold <= 0 {
		out.FlushThreshold = defaults.FlushThreshold
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = defaults.SendQueueSize
	}
	if out.ReadBufferSize <= 0 {
		out.ReadBufferSize = defaults.ReadBufferSize
	}
	if out.ReadTimeout < 0 {
		out.ReadTimeout = 0
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = defaults.WriteTimeout
	}
	return out
}

// Seconds converts a float number of seconds into a Duration.
// Negative and NaN values yield zero.
func Seconds(s float64) time.Duration {
	if s <= 0 || math.IsNaN(s) {
		return 0
	}
	if s >= math.MaxInt64/float64(time.Second) {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(s * float64(time.Second))
}
