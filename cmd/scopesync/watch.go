package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vango-dev/scopesync/internal/config"
	"github.com/vango-dev/scopesync/internal/demo"
	"github.com/vango-dev/scopesync/internal/errors"
	"github.com/vango-dev/scopesync/pkg/client"
	"github.com/vango-dev/scopesync/pkg/command"
	"github.com/vango-dev/scopesync/pkg/mux"
	"github.com/vango-dev/scopesync/pkg/transport"
)

func watchCmd(root *rootFlags) *cobra.Command {
	var (
		addr          string
		transportName string
		tickRate      float64
		backlog       int
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a server and log scope events",
		Long: `Connect to a scopesync server as a client and log every spawn,
refresh, despawn, focus change and command it replicates.

Commands are replayed at --tick-rate. When the backlog exceeds --backlog
the client catches up by applying the excess in one tick.

Examples:
  scopesync watch
  scopesync watch --addr ws://localhost:7777/ws --transport ws
  scopesync watch --transport quic --addr localhost:7777`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("transport") {
				transportName = cfg.Listen.Transport
			}
			if !cmd.Flags().Changed("addr") {
				addr = defaultDialAddr(cfg, transportName)
			}
			if tickRate <= 0 {
				return errors.New(errors.CodeUsage).WithDetail("--tick-rate must be positive")
			}
			logger := cfg.Log.NewLogger(os.Stderr)
			return runWatch(cmd.Context(), watchOptions{
				addr:      addr,
				transport: transportName,
				interval:  transport.Seconds(1 / tickRate),
				backlog:   backlog,
				timeout:   timeout,
				tcfg:      &cfg.Server.Config,
			}, logger)
		},
	}

	cmd.Flags().StringVarP(&addr, "addr", "a", "", "Server address, or ws:// URL for the ws transport")
	cmd.Flags().StringVarP(&transportName, "transport", "t", config.TransportTCP, "Transport: tcp, ws or quic")
	cmd.Flags().Float64Var(&tickRate, "tick-rate", 10, "Command replays per second")
	cmd.Flags().IntVar(&backlog, "backlog", client.DefaultBacklog, "Command backlog tolerated before catching up")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Connect and handshake timeout")

	return cmd
}

type watchOptions struct {
	addr      string
	transport string
	interval  time.Duration
	backlog   int
	timeout   time.Duration
	tcfg      *transport.Config
}

func defaultDialAddr(cfg *config.Config, transportName string) string {
	host := cfg.Listen.Address
	if len(host) > 0 && host[0] == ':' {
		host = "localhost" + host
	}
	if transportName == config.TransportWebSocket {
		return "ws://" + host + cfg.Listen.WSPath
	}
	return host
}

func dialStream(ctx context.Context, o watchOptions) (transport.Stream, error) {
	switch o.transport {
	case config.TransportTCP:
		return transport.DialTCP(ctx, o.addr)
	case config.TransportWebSocket:
		return transport.DialWebSocket(ctx, o.addr, nil)
	case config.TransportQUIC:
		return transport.DialQUIC(ctx, o.addr, transport.ClientTLSConfig())
	default:
		return nil, errors.New(errors.CodeUnknownTransport).WithDetail(o.transport)
	}
}

func runWatch(ctx context.Context, o watchOptions, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	stream, err := dialStream(dctx, o)
	if err != nil {
		var coded *errors.Error
		if stderrors.As(err, &coded) {
			return err
		}
		return errors.New(errors.CodeDial).WithDetail(o.addr).Wrap(err)
	}

	c, err := client.Dial(dctx, stream,
		client.WithLogger(logger),
		client.WithHandler(&eventLogger{logger: logger}),
		client.WithTransportConfig(o.tcfg),
		client.WithCommandPolicy(command.BacklogAbove(o.backlog)),
	)
	if err != nil {
		if stderrors.Is(err, mux.ErrHandshakeRejected) || stderrors.Is(err, mux.ErrVersionMismatch) {
			return errors.New(errors.CodeHandshakeRejected).WithDetail(o.addr).Wrap(err)
		}
		return errors.New(errors.CodeDial).WithDetail(o.addr).Wrap(err)
	}
	defer c.Close()

	t := time.NewTicker(o.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("disconnecting", "objects", c.World().Len())
			return nil
		case <-c.Done():
			if cause, ok := c.PeerCause(); ok {
				logger.Info("server closed the connection", "cause", cause)
				return nil
			}
			if cerr := c.Err(); cerr != nil {
				return cerr
			}
			return nil
		case <-t.C:
			c.Tick()
		}
	}
}

// eventLogger logs replica events, decoding the demo world's payloads
// when it recognizes them.
type eventLogger struct {
	logger *slog.Logger
}

func (h *eventLogger) ObjectSpawned(obj client.Object) {
	h.logger.Info("spawned", objectAttrs(obj)...)
}

func (h *eventLogger) ObjectRefreshed(obj client.Object) {
	h.logger.Debug("refreshed", objectAttrs(obj)...)
}

func (h *eventLogger) ObjectDespawned(obj client.Object) {
	h.logger.Info("despawned", "scope", obj.Scope, "object", obj.Index)
}

func (h *eventLogger) FocusChanged(obj client.Object) {
	h.logger.Info("focus changed", "scope", obj.Scope, "object", obj.Index)
}

func (h *eventLogger) FocusReleased(scope uint32) {
	h.logger.Info("focus released", "scope", scope)
}

func (h *eventLogger) Command(scope, object uint32, e command.Entry) {
	args := []any{"scope", scope, "object", object, "seq", e.Seq, "instant", e.Instant}
	if m, err := demo.DecodeMove(e.Payload); err == nil {
		args = append(args, "move", fmt.Sprintf("%+d,%+d@%d", m.DX, m.DY, m.Tick))
	} else {
		args = append(args, "bytes", len(e.Payload))
	}
	h.logger.Debug("command", args...)
}

func objectAttrs(obj client.Object) []any {
	args := []any{"scope", obj.Scope, "object", obj.Index, "prefab", obj.Prefab}
	switch obj.Prefab {
	case demo.BeaconPrefab:
		if b, err := demo.DecodeBeacon(obj.Data); err == nil {
			return append(args, "tick", b.Tick, "players", b.Players)
		}
	case demo.AvatarPrefab:
		if owner, err := demo.AvatarOwner(obj.Data); err == nil {
			return append(args, "owner", owner)
		}
	}
	return append(args, "bytes", len(obj.Data))
}
