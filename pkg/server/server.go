package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/scopesync/pkg/metrics"
	"github.com/vango-dev/scopesync/pkg/mux"
	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
	"github.com/vango-dev/scopesync/pkg/scope"
	"github.com/vango-dev/scopesync/pkg/transport"
)

// Server accepts connections on one or more listeners, performs the
// handshake, and routes application frames through the protocol
// multiplexer. It owns the connection registry and the scope manager.
type Server struct {
	config *Config
	logger *slog.Logger

	registry *registry.Registry
	scopes   *scope.Manager

	builder  *mux.Builder
	muxOnce  sync.Once
	mux      *mux.Mux
	muxErr   error
	tracer   trace.Tracer
	metrics  *metrics.Collector
	gatherer prometheus.Gatherer
	snapshot scope.Snapshotter

	baseCtx context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	peers        map[registry.ConnID]*peer
	listeners    map[transport.Listener]struct{}
	onConnect    []func(registry.ConnID)
	onDisconnect []func(registry.ConnID, error)
	closed       bool
	wg           sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records connection, transport, dispatch and scope activity.
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) {
		s.metrics = c
	}
}

// WithGatherer sets the registry served on the admin /metrics route.
// Default: prometheus.DefaultGatherer.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.gatherer = g
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithSnapshotter supplies current object state for catch-up spawns.
func WithSnapshotter(snap scope.Snapshotter) Option {
	return func(s *Server) {
		s.snapshot = snap
	}
}

// New creates a Server. A nil config uses DefaultConfig.
func New(config *Config, opts ...Option) *Server {
	cfg := config.withDefaults()
	s := &Server{
		config:    cfg,
		logger:    slog.Default(),
		registry:  registry.New(),
		builder:   mux.NewBuilder(),
		gatherer:  prometheus.DefaultGatherer,
		peers:     make(map[registry.ConnID]*peer),
		listeners: make(map[transport.Listener]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "server")
	s.baseCtx, s.cancel = context.WithCancel(context.Background())

	if err := cfg.Validate(); err != nil {
		s.logger.Error("config validation failed", "error", err)
	}

	scopeOpts := []scope.Option{
		scope.WithLogger(s.logger),
		scope.WithMaxMessageSize(cfg.MaxMessageSize),
	}
	if s.metrics != nil {
		scopeOpts = append(scopeOpts, scope.WithObserver(s.metrics))
	}
	if s.snapshot != nil {
		scopeOpts = append(scopeOpts, scope.WithSnapshotter(s.snapshot))
	}
	s.scopes = scope.NewManager(s.registry, scopeOpts...)
	return s
}

// Protocols returns the builder for application protocol handlers.
// Registrations must happen before the first Serve, which freezes the
// table.
func (s *Server) Protocols() *mux.Builder {
	return s.builder
}

// Mux builds the dispatch table on first use and returns it.
func (s *Server) Mux() (*mux.Mux, error) {
	s.muxOnce.Do(func() {
		opts := []mux.Option{mux.WithLogger(s.logger)}
		if s.tracer != nil {
			opts = append(opts, mux.WithTracer(s.tracer))
		}
		if s.metrics != nil {
			opts = append(opts, mux.WithRecorder(s.metrics))
		}
		s.mux, s.muxErr = s.builder.Build(opts...)
	})
	return s.mux, s.muxErr
}

// Registry returns the connection registry.
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Scopes returns the scope manager.
func (s *Server) Scopes() *scope.Manager {
	return s.scopes
}

// Config returns the server configuration.
func (s *Server) Config() *Config {
	return s.config
}

// Logger returns the server logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}

// OnConnect registers a hook run after a connection completes the
// handshake. Hooks run on the connection's read goroutine.
func (s *Server) OnConnect(fn func(id registry.ConnID)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConnect = append(s.onConnect, fn)
}

// OnDisconnect registers a hook run after a handshaken connection is
// removed from the registry and every scope. err is a
// *transport.ConnectionError.
func (s *Server) OnDisconnect(fn func(id registry.ConnID, err error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onDisconnect = append(s.onDisconnect, fn)
}

// Serve accepts connections from l until ctx ends, the listener fails or
// the server shuts down. It returns nil when ctx ends and ErrServerClosed
// after Shutdown. Serve may run concurrently for several listeners.
func (s *Server) Serve(ctx context.Context, l transport.Listener) error {
	m, err := s.Mux()
	if err != nil {
		return fmt.Errorf("server: build protocols: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.listeners[l] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.listeners, l)
		s.mu.Unlock()
	}()

	s.logger.Info("serving", "addr", l.Addr())
	for {
		stream, err := l.Accept(ctx)
		if err != nil {
			if s.isClosed() {
				return ErrServerClosed
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.accept(m, stream)
	}
}

func (s *Server) accept(m *mux.Mux, stream transport.Stream) {
	var epOpts []transport.Option
	epOpts = append(epOpts, transport.WithLogger(s.logger))
	if s.metrics != nil {
		epOpts = append(epOpts, transport.WithObserver(s.metrics))
	}
	ep := transport.NewEndpoint(stream, &s.config.Config, epOpts...)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ep.CloseWithCause(transport.CauseShutdown, ErrServerClosed)
		return
	}
	if max := s.config.MaxConnections; max > 0 && len(s.peers) >= max {
		s.mu.Unlock()
		s.logger.Warn("rejecting connection", "remote", ep.RemoteAddr(), "error", ErrMaxConnections)
		ep.CloseWithNotice(mux.AckFrame(protocol.HandshakeServerBusy, 0), transport.CauseLocalClose, ErrMaxConnections)
		return
	}
	id, err := s.registry.Connect(ep)
	if err != nil {
		s.mu.Unlock()
		s.logger.Error("rejecting connection", "remote", ep.RemoteAddr(), "error", err)
		ep.CloseWithNotice(mux.AckFrame(protocol.HandshakeServerBusy, 0), transport.CauseLocalClose, err)
		return
	}
	p := newPeer(s, m, id, ep)
	s.peers[id] = p
	s.wg.Add(1)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionOpened()
	}
	p.logger.Debug("connection accepted", "remote", ep.RemoteAddr())
	p.start()
}

// connected runs the OnConnect hooks.
func (s *Server) connected(id registry.ConnID) {
	s.mu.Lock()
	hooks := append([]func(registry.ConnID){}, s.onConnect...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}

// removePeer unregisters a closed connection. Runs once per peer, from
// the endpoint's close handler.
func (s *Server) removePeer(p *peer, cerr *transport.ConnectionError) {
	defer s.wg.Done()

	watched := s.scopes.RemoveConnection(p.id)
	s.registry.Disconnect(p.id)

	s.mu.Lock()
	delete(s.peers, p.id)
	hooks := append([]func(registry.ConnID, error){}, s.onDisconnect...)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.ConnectionClosed(cerr.Cause.String())
	}
	if cerr.Cause.Fatal() {
		p.logger.Warn("connection closed", "cause", cerr.Cause.String(), "error", cerr.Err, "scopes", watched)
	} else {
		p.logger.Info("connection closed", "cause", cerr.Cause.String(), "scopes", watched)
	}

	if !p.handshaken.Load() {
		return
	}
	for _, fn := range hooks {
		fn(p.id, cerr)
	}
}

// Disconnect closes a connection, notifying the peer with the given cause.
func (s *Server) Disconnect(id registry.ConnID, cause transport.Cause) error {
	s.mu.Lock()
	p, ok := s.peers[id]
	s.mu.Unlock()
	if !ok {
		return &ConnError{ConnID: id, Op: "disconnect", Err: ErrConnectionNotFound}
	}
	p.closeWithNotice(cause, nil)
	return nil
}

// ConnectionInfo describes one live connection.
type ConnectionInfo struct {
	ID         registry.ConnID `json:"id"`
	RemoteAddr string          `json:"remote_addr"`
	Handshaken bool            `json:"handshaken"`
	Stats      transport.Stats `json:"stats"`
}

// Connections describes every live connection in id order.
func (s *Server) Connections() []ConnectionInfo {
	s.mu.Lock()
	out := make([]ConnectionInfo, 0, len(s.peers))
	for id, p := range s.peers {
		out = append(out, ConnectionInfo{
			ID:         id,
			RemoteAddr: p.ep.RemoteAddr(),
			Handshaken: p.handshaken.Load(),
			Stats:      p.ep.Stats(),
		})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Shutdown stops every listener, sends each connection a Disconnect
// notice, closes it with CauseShutdown, and waits for the close handlers
// to finish. Without a deadline on ctx, Config.ShutdownTimeout applies.
func (s *Server) Shutdown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	listeners := make([]transport.Listener, 0, len(s.listeners))
	for l := range s.listeners {
		listeners = append(listeners, l)
	}
	peers := make([]*peer, 0, len(s.peers))
	for _, p := range s.peers {
		peers = append(peers, p)
	}
	s.mu.Unlock()

	s.cancel()
	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, p := range peers {
		p.closeWithNotice(transport.CauseShutdown, ErrServerClosed)
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Error("shutdown timed out", "pending", s.registry.Count())
		errs = append(errs, ctx.Err())
	}

	s.logger.Info("server shutdown complete", "connections", len(peers))
	return errors.Join(errs...)
}
