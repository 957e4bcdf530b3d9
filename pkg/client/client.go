// Package client is the receiving side of scopesync: it performs the
// handshake, keeps a replica of the objects in the scopes it watches, and
// replays per-object commands in order on the caller's tick.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vango-dev/scopesync/pkg/command"
	"github.com/vango-dev/scopesync/pkg/mux"
	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
	"github.com/vango-dev/scopesync/pkg/transport"
)

// ErrHandshakeClosed is returned by Dial when the connection ends before
// the server answers Hello.
var ErrHandshakeClosed = errors.New("client: connection closed during handshake")

// Option configures a Client.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	handler      Handler
	transport    *transport.Config
	policy       command.Policy
	maxPerTick   int
	pingInterval time.Duration
	protocols    func(b *mux.Builder)
	observer     transport.Observer
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithHandler receives replica events.
func WithHandler(h Handler) Option {
	return func(o *options) {
		if h != nil {
			o.handler = h
		}
	}
}

// WithTransportConfig sets the endpoint configuration.
func WithTransportConfig(cfg *transport.Config) Option {
	return func(o *options) {
		o.transport = cfg
	}
}

// WithTransportObserver records endpoint traffic.
func WithTransportObserver(obs transport.Observer) Option {
	return func(o *options) {
		o.observer = obs
	}
}

// WithCommandPolicy sets when Tick applies backlogged commands instantly.
// Default: command.BacklogAbove(DefaultBacklog).
func WithCommandPolicy(p command.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithMaxCommandsPerTick caps how many commands one object applies per
// Tick. Zero means no cap.
func WithMaxCommandsPerTick(n int) Option {
	return func(o *options) {
		o.maxPerTick = n
	}
}

// WithPingInterval sets the heartbeat interval. Zero disables pings.
// Default: 5 seconds.
func WithPingInterval(d time.Duration) Option {
	return func(o *options) {
		o.pingInterval = d
	}
}

// WithProtocols registers handlers for application protocols beyond scope
// and command.
func WithProtocols(fn func(b *mux.Builder)) Option {
	return func(o *options) {
		o.protocols = fn
	}
}

// DefaultBacklog is the pending command count above which Tick
// accelerates.
const DefaultBacklog = 3

// Client is a connected scopesync peer.
type Client struct {
	ep       *transport.Endpoint
	logger   *slog.Logger
	handler  Handler
	world    *World
	commands *command.Set
	mux      *mux.Mux

	id        atomic.Uint64
	ready     atomic.Bool
	handshake chan mux.HandshakeResult
	rtt       atomic.Int64

	closeOnce  sync.Once
	peerCause  atomic.Int32
	pingCancel context.CancelFunc
}

// Dial performs the handshake over stream and returns a running Client.
// The stream is closed if the handshake fails.
func Dial(ctx context.Context, stream transport.Stream, opts ...Option) (*Client, error) {
	o := options{
		logger:       slog.Default(),
		handler:      NopHandler{},
		policy:       command.BacklogAbove(DefaultBacklog),
		pingInterval: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Client{
		logger:    o.logger.With("component", "client"),
		handler:   o.handler,
		world:     NewWorld(),
		commands:  command.NewSet(o.policy, command.WithMaxPerTick(o.maxPerTick)),
		handshake: make(chan mux.HandshakeResult, 1),
	}
	c.peerCause.Store(-1)

	b := mux.NewBuilder()
	b.Protocol(protocol.ProtocolScope, "scope").
		Handle(protocol.MsgFocusChanged, c.onFocusChanged).
		Handle(protocol.MsgFocusReleased, c.onFocusReleased).
		Handle(protocol.MsgObjectSpawned, c.onObjectSpawned).
		Handle(protocol.MsgObjectRefreshed, c.onObjectRefreshed).
		Handle(protocol.MsgObjectDespawned, c.onObjectDespawned)
	b.Protocol(protocol.ProtocolCommand, "command").
		Handle(protocol.MsgCommand, c.onCommand)
	if o.protocols != nil {
		o.protocols(b)
	}
	m, err := b.Build(mux.WithLogger(c.logger))
	if err != nil {
		stream.Close()
		return nil, fmt.Errorf("client: build protocols: %w", err)
	}
	c.mux = m

	epOpts := []transport.Option{transport.WithLogger(c.logger)}
	if o.observer != nil {
		epOpts = append(epOpts, transport.WithObserver(o.observer))
	}
	c.ep = transport.NewEndpoint(stream, o.transport, epOpts...)
	c.ep.Start(c.handleFrame, c.handleClose)

	if err := c.ep.Send(mux.HelloFrame()); err != nil {
		c.ep.Close()
		return nil, fmt.Errorf("client: send hello: %w", err)
	}

	if err := c.awaitHandshake(ctx); err != nil {
		c.ep.Close()
		return nil, err
	}

	c.logger.Info("connected", "conn_id", c.id.Load(), "remote", c.ep.RemoteAddr())

	pingCtx, cancel := context.WithCancel(context.Background())
	c.pingCancel = cancel
	if o.pingInterval > 0 {
		go c.pingLoop(pingCtx, o.pingInterval)
	}
	return c, nil
}

func (c *Client) awaitHandshake(ctx context.Context) error {
	var res mux.HandshakeResult
	select {
	case res = <-c.handshake:
	case <-c.ep.Done():
		// A rejecting server closes right after its HelloAck, which the
		// read loop has already handled by the time Done fires.
		select {
		case res = <-c.handshake:
		default:
			return fmt.Errorf("%w: %w", ErrHandshakeClosed, c.ep.Err())
		}
	case <-ctx.Done():
		return ctx.Err()
	}
	if !res.OK() {
		return fmt.Errorf("client: handshake: %w", res.Err)
	}
	return nil
}

// ID returns the connection id assigned by the server.
func (c *Client) ID() registry.ConnID {
	return registry.ConnID(c.id.Load())
}

// World returns the replica.
func (c *Client) World() *World {
	return c.world
}

// RTT returns the most recent heartbeat round trip, or zero before the
// first Pong.
func (c *Client) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// Send queues an application frame to the server.
func (c *Client) Send(f *protocol.Frame) error {
	return c.ep.Send(f)
}

// Tick applies due commands for every object and returns how many were
// applied. Call it from the simulation loop.
func (c *Client) Tick() int {
	return c.commands.Tick(func(k command.Key, e command.Entry) {
		c.handler.Command(k.Scope, k.Object, e)
	})
}

// Backlog returns the number of commands waiting for Tick.
func (c *Client) Backlog() int {
	return c.commands.Backlog()
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.ep.Done()
}

// Err returns why the connection ended, or nil while it is open.
func (c *Client) Err() *transport.ConnectionError {
	return c.ep.Err()
}

// PeerCause returns the cause the server named in its Disconnect notice.
func (c *Client) PeerCause() (transport.Cause, bool) {
	v := c.peerCause.Load()
	if v < 0 {
		return 0, false
	}
	return transport.Cause(v), true
}

// Close tells the server the client is leaving and closes the connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.pingCancel != nil {
			c.pingCancel()
		}
		notice := protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgDisconnect,
			protocol.EncodeDisconnect(&protocol.Disconnect{Cause: uint8(transport.CauseLocalClose)}))
		c.ep.CloseWithNotice(notice, transport.CauseLocalClose, nil)
	})
	c.ep.Wait()
	return nil
}

func (c *Client) handleFrame(f *protocol.Frame) {
	if f.Protocol == protocol.ProtocolHandshake {
		c.handleControl(f)
		return
	}
	if !c.ready.Load() {
		c.ep.CloseWithCause(transport.CauseProtocolViolation, fmt.Errorf("client: frame %s before handshake", f))
		return
	}
	if err := c.mux.Dispatch(context.Background(), registry.LocalConnID, f); err != nil && !errors.Is(err, mux.ErrUnroutable) {
		c.ep.CloseWithCause(transport.CauseDecodeFailure, err)
	}
}

func (c *Client) handleControl(f *protocol.Frame) {
	switch f.Message {
	case protocol.MsgHelloAck:
		if c.ready.Load() {
			c.ep.CloseWithCause(transport.CauseProtocolViolation, fmt.Errorf("client: repeated HelloAck"))
			return
		}
		res := mux.ClientHandshake(context.Background(), f)
		if res.OK() {
			c.id.Store(uint64(res.ConnID))
			c.ready.Store(true)
		}
		select {
		case c.handshake <- res:
		default:
		}

	case protocol.MsgPing:
		ping, err := protocol.DecodePing(f.Payload)
		if err != nil {
			c.ep.CloseWithCause(transport.CauseDecodeFailure, err)
			return
		}
		_ = c.ep.Send(protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgPong, protocol.EncodePing(ping)))

	case protocol.MsgPong:
		pong, err := protocol.DecodePing(f.Payload)
		if err != nil {
			c.ep.CloseWithCause(transport.CauseDecodeFailure, err)
			return
		}
		rtt := time.Since(time.UnixMilli(int64(pong.Timestamp)))
		if rtt >= 0 {
			c.rtt.Store(int64(rtt))
		}

	case protocol.MsgDisconnect:
		notice, err := protocol.DecodeDisconnect(f.Payload)
		if err == nil {
			c.peerCause.Store(int32(notice.Cause))
			c.logger.Info("server disconnecting", "cause", transport.Cause(notice.Cause).String())
		}
		c.ep.CloseWithCause(transport.CausePeerClosed, nil)

	default:
		c.ep.CloseWithCause(transport.CauseProtocolViolation, fmt.Errorf("client: unexpected handshake message %d", f.Message))
	}
}

func (c *Client) handleClose(cerr *transport.ConnectionError) {
	if cerr.Cause.Fatal() {
		c.logger.Warn("connection closed", "cause", cerr.Cause.String(), "error", cerr.Err)
	} else {
		c.logger.Info("connection closed", "cause", cerr.Cause.String())
	}
}

func (c *Client) pingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ping := &protocol.Ping{Timestamp: uint64(time.Now().UnixMilli())}
			if err := c.ep.Send(protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgPing, protocol.EncodePing(ping))); err != nil {
				return
			}
		case <-ctx.Done():
			return
		case <-c.ep.Done():
			return
		}
	}
}

func (c *Client) onObjectSpawned(_ context.Context, _ registry.ConnID, payload []byte) error {
	m, err := protocol.DecodeObjectSpawned(payload)
	if err != nil {
		return err
	}
	obj, focused := c.world.spawn(Object{
		Scope:  m.ScopeIndex,
		Index:  m.ObjectIndex,
		Prefab: m.PrefabIndex,
		Data:   m.Data,
	})
	c.handler.ObjectSpawned(obj)
	if focused {
		c.handler.FocusChanged(obj)
	}
	return nil
}

func (c *Client) onObjectRefreshed(_ context.Context, _ registry.ConnID, payload []byte) error {
	m, err := protocol.DecodeObjectRefreshed(payload)
	if err != nil {
		return err
	}
	obj, ok := c.world.refresh(m.ScopeIndex, m.ObjectIndex, m.Data)
	if !ok {
		c.logger.Warn("refresh for unknown object", "scope", m.ScopeIndex, "object", m.ObjectIndex)
		return nil
	}
	c.handler.ObjectRefreshed(obj)
	return nil
}

func (c *Client) onObjectDespawned(_ context.Context, _ registry.ConnID, payload []byte) error {
	m, err := protocol.DecodeObjectDespawned(payload)
	if err != nil {
		return err
	}
	obj, ok := c.world.despawn(m.ScopeIndex, m.ObjectIndex)
	if !ok {
		c.logger.Warn("despawn for unknown object", "scope", m.ScopeIndex, "object", m.ObjectIndex)
		return nil
	}
	c.commands.Remove(command.Key{Scope: m.ScopeIndex, Object: m.ObjectIndex})
	c.handler.ObjectDespawned(obj)
	return nil
}

func (c *Client) onFocusChanged(_ context.Context, _ registry.ConnID, payload []byte) error {
	m, err := protocol.DecodeFocusChanged(payload)
	if err != nil {
		return err
	}
	obj, applied := c.world.setFocus(m.ScopeIndex, m.ObjectIndex)
	if !applied {
		c.logger.Debug("deferring focus", "scope", m.ScopeIndex, "object", m.ObjectIndex)
		return nil
	}
	c.handler.FocusChanged(obj)
	return nil
}

func (c *Client) onFocusReleased(_ context.Context, _ registry.ConnID, payload []byte) error {
	m, err := protocol.DecodeFocusReleased(payload)
	if err != nil {
		return err
	}
	c.world.releaseFocus(m.ScopeIndex)
	c.handler.FocusReleased(m.ScopeIndex)
	return nil
}

func (c *Client) onCommand(_ context.Context, _ registry.ConnID, payload []byte) error {
	m, err := protocol.DecodeCommand(payload)
	if err != nil {
		return err
	}
	if _, ok := c.world.Object(m.ScopeIndex, m.ObjectIndex); !ok {
		c.logger.Warn("command for unknown object", "scope", m.ScopeIndex, "object", m.ObjectIndex)
		return nil
	}
	c.commands.Enqueue(command.Key{Scope: m.ScopeIndex, Object: m.ObjectIndex}, append([]byte(nil), m.Data...))
	return nil
}
