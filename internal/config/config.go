package config

import (
	stderrors "errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vango-dev/scopesync/internal/errors"
	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/server"
	"github.com/vango-dev/scopesync/pkg/transport"
)

// Transport names accepted by listen.transport.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "ws"
	TransportQUIC      = "quic"
)

// Defaults for settings not covered by server.DefaultConfig.
const (
	DefaultListenAddress = ":7777"
	DefaultAdminAddress  = ":9090"
	DefaultWSPath        = "/ws"
	DefaultTickRate      = 10
)

// Config is the resolved configuration of a scopesync process.
type Config struct {
	Listen ListenConfig
	Admin  AdminConfig
	Log    LogConfig
	Server *server.Config
	Demo   DemoConfig

	// path is the file the configuration was read from, if any.
	path string
}

// ListenConfig selects where and how clients connect.
type ListenConfig struct {
	Address    string
	Transport  string
	WSPath     string
	TLSCert    string
	TLSKey     string
	SelfSigned bool
}

// AdminConfig configures the HTTP admin server. An empty Address disables
// it. With the ws transport the upgrade endpoint is mounted on the admin
// router when both share an address.
type AdminConfig struct {
	Address string
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string
	Format string
}

// DemoConfig configures the built-in demo world.
type DemoConfig struct {
	Enabled  bool
	TickRate float64
}

// TickInterval returns the period between demo world updates.
func (d DemoConfig) TickInterval() time.Duration {
	if d.TickRate <= 0 {
		return transport.Seconds(1.0 / DefaultTickRate)
	}
	return transport.Seconds(1 / d.TickRate)
}

// New returns the default configuration.
func New() *Config {
	return &Config{
		Listen: ListenConfig{
			Address:   DefaultListenAddress,
			Transport: TransportTCP,
			WSPath:    DefaultWSPath,
		},
		Admin:  AdminConfig{Address: DefaultAdminAddress},
		Log:    LogConfig{Level: "info", Format: "text"},
		Server: server.DefaultConfig(),
		Demo:   DemoConfig{TickRate: DefaultTickRate},
	}
}

// Path returns the file the configuration was loaded from, or "".
func (c *Config) Path() string { return c.path }

// fileConfig mirrors scopesync.toml.
type fileConfig struct {
	Listen struct {
		Address    string `toml:"address"`
		Transport  string `toml:"transport"`
		WSPath     string `toml:"ws_path"`
		TLSCert    string `toml:"tls_cert"`
		TLSKey     string `toml:"tls_key"`
		SelfSigned bool   `toml:"self_signed"`
	} `toml:"listen"`
	Admin struct {
		Address string `toml:"address"`
	} `toml:"admin"`
	Log struct {
		Level  string `toml:"level"`
		Format string `toml:"format"`
	} `toml:"log"`
	Transport struct {
		IdleSleepTime     float64 `toml:"idle_sleep_time"`
		TrainBoardingTime float64 `toml:"train_boarding_time"`
		MaxMessageSize    int     `toml:"max_message_size"`
		FlushThreshold    int     `toml:"flush_threshold"`
		SendQueueSize     int     `toml:"send_queue_size"`
		ReadBufferSize    int     `toml:"read_buffer_size"`
		ReadTimeout       float64 `toml:"read_timeout"`
		WriteTimeout      float64 `toml:"write_timeout"`
	} `toml:"transport"`
	Server struct {
		HandshakeTimeout float64 `toml:"handshake_timeout"`
		MaxConnections   int     `toml:"max_connections"`
		ShutdownTimeout  float64 `toml:"shutdown_timeout"`
	} `toml:"server"`
	Demo struct {
		Enabled  bool    `toml:"enabled"`
		TickRate float64 `toml:"tick_rate"`
	} `toml:"demo"`
}

// Load reads path over the defaults and validates the result. An empty
// path returns the validated defaults.
func Load(path string) (*Config, error) {
	cfg := New()
	if path == "" {
		return cfg, cfg.Validate()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if stderrors.Is(err, fs.ErrNotExist) {
			return nil, errors.New(errors.CodeConfigNotFound).WithDetail(path).Wrap(err)
		}
		return nil, errors.New(errors.CodeConfigParse).WithDetail(path).Wrap(err)
	}
	if err := cfg.decode(path, string(data)); err != nil {
		return nil, err
	}
	cfg.path = path
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode applies the keys defined in data to c.
func (c *Config) decode(path, data string) error {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		e := errors.New(errors.CodeConfigParse).Wrap(err)
		var perr toml.ParseError
		if stderrors.As(err, &perr) {
			e.Message = "Configuration file could not be parsed: " + perr.Message
			e.Wrapped = nil
			e.WithLocation(path, perr.Position.Line, 0)
		}
		return e
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return errors.New(errors.CodeConfigUnknownKey).
			WithDetail(fmt.Sprintf("%s: %s", path, strings.Join(keys, ", ")))
	}

	set := func(key string, apply func()) {
		if meta.IsDefined(strings.Split(key, ".")...) {
			apply()
		}
	}

	set("listen.address", func() { c.Listen.Address = strings.TrimSpace(raw.Listen.Address) })
	set("listen.transport", func() { c.Listen.Transport = strings.ToLower(strings.TrimSpace(raw.Listen.Transport)) })
	set("listen.ws_path", func() { c.Listen.WSPath = strings.TrimSpace(raw.Listen.WSPath) })
	set("listen.tls_cert", func() { c.Listen.TLSCert = raw.Listen.TLSCert })
	set("listen.tls_key", func() { c.Listen.TLSKey = raw.Listen.TLSKey })
	set("listen.self_signed", func() { c.Listen.SelfSigned = raw.Listen.SelfSigned })

	set("admin.address", func() { c.Admin.Address = strings.TrimSpace(raw.Admin.Address) })

	set("log.level", func() { c.Log.Level = strings.ToLower(strings.TrimSpace(raw.Log.Level)) })
	set("log.format", func() { c.Log.Format = strings.ToLower(strings.TrimSpace(raw.Log.Format)) })

	var bad []string
	seconds := func(key string, v float64, dst *time.Duration) {
		set(key, func() {
			if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
				bad = append(bad, key)
				return
			}
			*dst = transport.Seconds(v)
		})
	}
	sc := c.Server
	seconds("transport.idle_sleep_time", raw.Transport.IdleSleepTime, &sc.IdleSleepTime)
	seconds("transport.train_boarding_time", raw.Transport.TrainBoardingTime, &sc.TrainBoardingTime)
	seconds("transport.read_timeout", raw.Transport.ReadTimeout, &sc.ReadTimeout)
	seconds("transport.write_timeout", raw.Transport.WriteTimeout, &sc.WriteTimeout)
	seconds("server.handshake_timeout", raw.Server.HandshakeTimeout, &sc.HandshakeTimeout)
	seconds("server.shutdown_timeout", raw.Server.ShutdownTimeout, &sc.ShutdownTimeout)
	if len(bad) > 0 {
		return errors.New(errors.CodeConfigInvalid).
			WithDetail(fmt.Sprintf("%s: durations must be finite and non-negative: %s", path, strings.Join(bad, ", ")))
	}

	set("transport.max_message_size", func() { sc.MaxMessageSize = raw.Transport.MaxMessageSize })
	set("transport.flush_threshold", func() { sc.FlushThreshold = raw.Transport.FlushThreshold })
	set("transport.send_queue_size", func() { sc.SendQueueSize = raw.Transport.SendQueueSize })
	set("transport.read_buffer_size", func() { sc.ReadBufferSize = raw.Transport.ReadBufferSize })
	set("server.max_connections", func() { sc.MaxConnections = raw.Server.MaxConnections })

	set("demo.enabled", func() { c.Demo.Enabled = raw.Demo.Enabled })
	set("demo.tick_rate", func() { c.Demo.TickRate = raw.Demo.TickRate })
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return errors.New(errors.CodeConfigInvalid).WithDetail(fmt.Sprintf(format, args...))
	}

	switch c.Listen.Transport {
	case TransportTCP, TransportWebSocket:
	case TransportQUIC:
		if !c.Listen.SelfSigned && (c.Listen.TLSCert == "" || c.Listen.TLSKey == "") {
			return errors.New(errors.CodeTLS)
		}
	default:
		return errors.New(errors.CodeUnknownTransport).WithDetail(fmt.Sprintf("listen.transport = %q", c.Listen.Transport))
	}
	if c.Listen.Address == "" {
		return invalid("listen.address must not be empty")
	}
	if c.Listen.Transport == TransportWebSocket && !strings.HasPrefix(c.Listen.WSPath, "/") {
		return invalid("listen.ws_path %q must start with /", c.Listen.WSPath)
	}
	if (c.Listen.TLSCert == "") != (c.Listen.TLSKey == "") {
		return invalid("listen.tls_cert and listen.tls_key must be set together")
	}

	if _, err := c.Log.SlogLevel(); err != nil {
		return invalid("log.level %q: %v", c.Log.Level, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format %q must be text or json", c.Log.Format)
	}

	if c.Server == nil {
		return invalid("server settings missing")
	}
	if n := c.Server.MaxMessageSize; n < 1 || n > protocol.MaxPayloadSize {
		return invalid("transport.max_message_size %d out of range [1, %d]", n, protocol.MaxPayloadSize)
	}
	if err := c.Server.Validate(); err != nil {
		return invalid("%v", err)
	}
	if c.Demo.TickRate < 0 || math.IsNaN(c.Demo.TickRate) || math.IsInf(c.Demo.TickRate, 0) {
		return invalid("demo.tick_rate %v must be a non-negative number", c.Demo.TickRate)
	}
	return nil
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(l.Level))
	return level, err
}

// NewLogger builds the process logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Write encodes the effective configuration as TOML.
func (c *Config) Write(w io.Writer) error {
	var raw fileConfig
	raw.Listen.Address = c.Listen.Address
	raw.Listen.Transport = c.Listen.Transport
	raw.Listen.WSPath = c.Listen.WSPath
	raw.Listen.TLSCert = c.Listen.TLSCert
	raw.Listen.TLSKey = c.Listen.TLSKey
	raw.Listen.SelfSigned = c.Listen.SelfSigned
	raw.Admin.Address = c.Admin.Address
	raw.Log.Level = c.Log.Level
	raw.Log.Format = c.Log.Format

	sc := c.Server
	raw.Transport.IdleSleepTime = sc.IdleSleepTime.Seconds()
	raw.Transport.TrainBoardingTime = sc.TrainBoardingTime.Seconds()
	raw.Transport.MaxMessageSize = sc.MaxMessageSize
	raw.Transport.FlushThreshold = sc.FlushThreshold
	raw.Transport.SendQueueSize = sc.SendQueueSize
	raw.Transport.ReadBufferSize = sc.ReadBufferSize
	raw.Transport.ReadTimeout = sc.ReadTimeout.Seconds()
	raw.Transport.WriteTimeout = sc.WriteTimeout.Seconds()
	raw.Server.HandshakeTimeout = sc.HandshakeTimeout.Seconds()
	raw.Server.MaxConnections = sc.MaxConnections
	raw.Server.ShutdownTimeout = sc.ShutdownTimeout.Seconds()

	raw.Demo.Enabled = c.Demo.Enabled
	raw.Demo.TickRate = c.Demo.TickRate
	return toml.NewEncoder(w).Encode(raw)
}
