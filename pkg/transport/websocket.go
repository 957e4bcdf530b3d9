package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// wsStream presents a WebSocket connection as a byte stream. Each Write
// becomes one binary message; reads concatenate binary messages, so frame
// boundaries are recovered by the endpoint exactly as on TCP.
//
// gorilla/websocket allows one concurrent reader and one concurrent writer,
// which matches the endpoint's pump and write loop.
type wsStream struct {
	conn   *websocket.Conn
	reader io.Reader
}

func newWSStream(conn *websocket.Conn) *wsStream {
	return &wsStream{conn: conn}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			mt, r, err := s.conn.NextReader()
			if err != nil {
				var ce *websocket.CloseError
				if errors.As(err, &ce) {
					return 0, io.EOF
				}
				return 0, err
			}
			if mt != websocket.BinaryMessage {
				// Text messages are not part of the wire protocol.
				continue
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if errors.Is(err, io.EOF) {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return s.conn.Close()
}

func (s *wsStream) SetWriteDeadline(t time.Time) error {
	return s.conn.SetWriteDeadline(t)
}

func (s *wsStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// WebSocketOptions configures a WebSocketListener.
type WebSocketOptions struct {
	ReadBufferSize  int
	WriteBufferSize int

	// CheckOrigin validates the request origin. Default: SameOriginCheck.
	CheckOrigin func(r *http.Request) bool

	// Backlog is how many upgraded connections may wait for Accept.
	// Default: 64.
	Backlog int

	Logger *slog.Logger
}

// WebSocketListener upgrades HTTP requests and hands the resulting streams
// to Accept. Mount it on any http.Handler tree.
type WebSocketListener struct {
	upgrader  websocket.Upgrader
	conns     chan Stream
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger

	mu   sync.Mutex
	addr net.Addr
}

// NewWebSocketListener creates a listener that accepts WebSocket upgrades.
func NewWebSocketListener(opts WebSocketOptions) *WebSocketListener {
	if opts.ReadBufferSize <= 0 {
		opts.ReadBufferSize = 4096
	}
	if opts.WriteBufferSize <= 0 {
		opts.WriteBufferSize = 4096
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = SameOriginCheck
	}
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketListener{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin:     opts.CheckOrigin,
		},
		conns:  make(chan Stream, opts.Backlog),
		done:   make(chan struct{}),
		logger: logger.With("component", "ws-listener"),
	}
}

// ServeHTTP upgrades the request and queues the stream for Accept.
func (l *WebSocketListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	select {
	case <-l.done:
		http.Error(w, "listener closed", http.StatusServiceUnavailable)
		return
	default:
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		l.logger.Debug("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	select {
	case l.conns <- newWSStream(conn):
	case <-l.done:
		conn.Close()
	default:
		l.logger.Warn("accept backlog full, rejecting connection", "remote", r.RemoteAddr)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "busy")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		conn.Close()
	}
}

// Accept returns the next upgraded stream.
func (l *WebSocketListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SetAddr records the address of the HTTP server the listener is mounted on.
func (l *WebSocketListener) SetAddr(addr net.Addr) {
	l.mu.Lock()
	l.addr = addr
	l.mu.Unlock()
}

// Addr returns the address set by SetAddr, or nil.
func (l *WebSocketListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

// Close stops accepting and closes streams still waiting in the backlog.
func (l *WebSocketListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		for {
			select {
			case s := <-l.conns:
				s.Close()
			default:
				return
			}
		}
	})
	return nil
}

// DialWebSocket connects to a WebSocketListener at a ws:// or wss:// URL.
func DialWebSocket(ctx context.Context, rawURL string, header http.Header) (Stream, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return newWSStream(conn), nil
}

// SameOriginCheck accepts requests without an Origin header and requests
// whose Origin host matches the request host.
func SameOriginCheck(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return r.Host != "" && u.Host == r.Host
}
