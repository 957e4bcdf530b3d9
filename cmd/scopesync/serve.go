package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/vango-dev/scopesync/internal/config"
	"github.com/vango-dev/scopesync/internal/demo"
	"github.com/vango-dev/scopesync/internal/errors"
	"github.com/vango-dev/scopesync/pkg/metrics"
	"github.com/vango-dev/scopesync/pkg/server"
	"github.com/vango-dev/scopesync/pkg/transport"
)

func serveCmd(root *rootFlags) *cobra.Command {
	var (
		listen        string
		transportName string
		admin         string
		selfSigned    bool
		maxConns      int
		withDemo      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a scopesync server",
		Long: `Run a scopesync server on the configured transport.

The admin server exposes /healthz, /metrics and /debug/* over HTTP. With
the ws transport the upgrade endpoint is served on the listen address;
when the admin address is the same, both share one HTTP server.

Examples:
  scopesync serve
  scopesync serve --listen :7777 --demo
  scopesync serve --transport quic --self-signed
  scopesync serve -c scopesync.toml --admin ""`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load(cmd)
			if err != nil {
				return err
			}
			f := cmd.Flags()
			if f.Changed("listen") {
				cfg.Listen.Address = listen
			}
			if f.Changed("transport") {
				cfg.Listen.Transport = transportName
			}
			if f.Changed("admin") {
				cfg.Admin.Address = admin
			}
			if f.Changed("self-signed") {
				cfg.Listen.SelfSigned = selfSigned
			}
			if f.Changed("max-connections") {
				cfg.Server.MaxConnections = maxConns
			}
			if f.Changed("demo") {
				cfg.Demo.Enabled = withDemo
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cfg.Log.NewLogger(os.Stderr))
		},
	}

	cmd.Flags().StringVarP(&listen, "listen", "l", config.DefaultListenAddress, "Address clients connect to")
	cmd.Flags().StringVarP(&transportName, "transport", "t", config.TransportTCP, "Transport: tcp, ws or quic")
	cmd.Flags().StringVar(&admin, "admin", config.DefaultAdminAddress, "Admin HTTP address; empty disables it")
	cmd.Flags().BoolVar(&selfSigned, "self-signed", false, "Use an ephemeral certificate for quic")
	cmd.Flags().IntVar(&maxConns, "max-connections", 0, "Connection limit; 0 means unlimited")
	cmd.Flags().BoolVar(&withDemo, "demo", false, "Run the built-in demo world")

	return cmd
}

// httpService is an HTTP server bound to an already open listener.
type httpService struct {
	srv *http.Server
	ln  net.Listener
}

func runServe(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	srv := server.New(cfg.Server,
		server.WithLogger(logger),
		server.WithMetrics(metrics.New(metrics.WithRegistry(reg))),
		server.WithGatherer(reg),
		server.WithTracer(otel.Tracer("github.com/vango-dev/scopesync")),
	)

	var world *demo.World
	if cfg.Demo.Enabled {
		w, err := demo.New(srv, cfg.Demo.TickInterval(), logger)
		if err != nil {
			return err
		}
		world = w
		defer world.Close()
	}

	l, services, err := openListeners(cfg, srv, logger)
	if err != nil {
		return err
	}

	logger.Info("scopesync serving",
		"transport", cfg.Listen.Transport,
		"listen", l.Addr().String(),
		"admin", cfg.Admin.Address,
		"demo", cfg.Demo.Enabled,
		"version", version,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := srv.Serve(gctx, l)
		if stderrors.Is(err, server.ErrServerClosed) {
			return nil
		}
		return err
	})
	for _, svc := range services {
		g.Go(func() error {
			if err := svc.srv.Serve(svc.ln); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http %s: %w", svc.ln.Addr(), err)
			}
			return nil
		})
	}
	if world != nil {
		g.Go(func() error { return world.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		l.Close()
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		errs := []error{srv.Shutdown(sctx)}
		for _, svc := range services {
			errs = append(errs, svc.srv.Shutdown(sctx))
		}
		return stderrors.Join(errs...)
	})

	err = g.Wait()
	if err == nil {
		logger.Info("stopped")
	}
	return err
}

// openListeners opens the client listener and the HTTP services that go
// with it.
func openListeners(cfg *config.Config, srv *server.Server, logger *slog.Logger) (transport.Listener, []httpService, error) {
	var (
		l        transport.Listener
		services []httpService
		err      error
	)
	adminShared := false

	switch cfg.Listen.Transport {
	case config.TransportTCP:
		l, err = transport.ListenTCP(cfg.Listen.Address)
		if err != nil {
			return nil, nil, listenError(cfg.Listen.Address, err)
		}

	case config.TransportQUIC:
		tlsConf, err := quicTLS(cfg.Listen)
		if err != nil {
			return nil, nil, err
		}
		l, err = transport.ListenQUIC(cfg.Listen.Address, tlsConf, logger)
		if err != nil {
			return nil, nil, listenError(cfg.Listen.Address, err)
		}

	case config.TransportWebSocket:
		ws := transport.NewWebSocketListener(transport.WebSocketOptions{
			ReadBufferSize:  cfg.Server.ReadBufferSize,
			WriteBufferSize: cfg.Server.FlushThreshold,
			Logger:          logger,
		})
		router := chi.NewRouter()
		router.Handle(cfg.Listen.WSPath, ws)
		if cfg.Admin.Address == cfg.Listen.Address {
			router.Mount("/", srv.AdminHandler())
			adminShared = true
		}
		svc, err := newHTTPService(cfg.Listen.Address, router)
		if err != nil {
			return nil, nil, listenError(cfg.Listen.Address, err)
		}
		ws.SetAddr(svc.ln.Addr())
		l = ws
		services = append(services, svc)

	default:
		return nil, nil, errors.New(errors.CodeUnknownTransport).WithDetail(cfg.Listen.Transport)
	}

	if cfg.Admin.Address != "" && !adminShared {
		svc, err := newHTTPService(cfg.Admin.Address, srv.AdminHandler())
		if err != nil {
			l.Close()
			closeServices(services)
			return nil, nil, listenError(cfg.Admin.Address, err)
		}
		services = append(services, svc)
	}
	return l, services, nil
}

func newHTTPService(addr string, h http.Handler) (httpService, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return httpService{}, err
	}
	return httpService{
		srv: &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second},
		ln:  ln,
	}, nil
}

func closeServices(services []httpService) {
	for _, svc := range services {
		svc.ln.Close()
	}
}

func quicTLS(lc config.ListenConfig) (*tls.Config, error) {
	if lc.TLSCert == "" {
		// ListenQUIC generates an ephemeral certificate.
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(lc.TLSCert, lc.TLSKey)
	if err != nil {
		return nil, errors.New(errors.CodeTLS).Wrap(err)
	}
	return transport.ServerTLSConfig(cert), nil
}

func listenError(addr string, err error) error {
	return errors.New(errors.CodeListen).WithDetail(addr).Wrap(err)
}
