package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/quic-go/quic-go"
)

// quicStreamTimeout bounds how long an accepted QUIC connection may take to
// open its stream.
const quicStreamTimeout = 10 * time.Second

// quicLinger bounds how long a closed stream keeps its connection open so
// queued bytes, such as a close notice, reach the peer.
const quicLinger = time.Second

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 10 * time.Second,
	}
}

// quicStream carries one bidirectional QUIC stream per connection.
type quicStream struct {
	conn      *quic.Conn
	stream    *quic.Stream
	tr        *quic.Transport // owned by dialed streams only
	udp       net.PacketConn
	closeOnce sync.Once
}

func (s *quicStream) Read(p []byte) (int, error) {
	return s.stream.Read(p)
}

func (s *quicStream) Write(p []byte) (int, error) {
	return s.stream.Write(p)
}

func (s *quicStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.stream.CancelRead(0)
		err = s.stream.Close()
		// Closing the connection discards unsent stream data, so wait for
		// the peer to hang up or the linger to run out first.
		go s.linger(quicLinger)
	})
	return err
}

func (s *quicStream) linger(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-s.conn.Context().Done():
	case <-t.C:
	}
	_ = s.conn.CloseWithError(0, "closed")
	if s.tr != nil {
		s.tr.Close()
		s.udp.Close()
	}
}

func (s *quicStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

func (s *quicStream) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// QUICListener accepts QUIC connections, each carrying one stream opened
// by the client.
type QUICListener struct {
	udp    net.PacketConn
	tr     *quic.Transport
	ln     *quic.Listener
	conns  chan Stream
	done   chan struct{}
	logger *slog.Logger

	closeOnce sync.Once
	wg        sync.WaitGroup
}

// ListenQUIC listens on a UDP address. A nil tlsConf uses an ephemeral
// self-signed certificate.
func ListenQUIC(addr string, tlsConf *tls.Config, logger *slog.Logger) (*QUICListener, error) {
	if tlsConf == nil {
		cert, err := GenerateSelfSignedCert()
		if err != nil {
			return nil, fmt.Errorf("generate TLS cert: %w", err)
		}
		tlsConf = ServerTLSConfig(cert)
	}
	if logger == nil {
		logger = slog.Default()
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	ln, err := tr.Listen(tlsConf, quicConfig())
	if err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("QUIC listen: %w", err)
	}

	l := &QUICListener{
		udp:    udpConn,
		tr:     tr,
		ln:     ln,
		conns:  make(chan Stream, 64),
		done:   make(chan struct{}),
		logger: logger.With("component", "quic-listener"),
	}
	l.wg.Add(1)
	go l.acceptLoop()
	return l, nil
}

func (l *QUICListener) acceptLoop() {
	defer l.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-l.done
		cancel()
	}()

	for {
		qconn, err := l.ln.Accept(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, quic.ErrServerClosed) {
				l.logger.Warn("accept failed", "error", err)
			}
			return
		}
		l.wg.Add(1)
		go l.acceptStream(ctx, qconn)
	}
}

func (l *QUICListener) acceptStream(ctx context.Context, qconn *quic.Conn) {
	defer l.wg.Done()
	ctx, cancel := context.WithTimeout(ctx, quicStreamTimeout)
	defer cancel()

	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		l.logger.Debug("accept stream failed", "remote", qconn.RemoteAddr(), "error", err)
		_ = qconn.CloseWithError(1, "no stream")
		return
	}

	s := &quicStream{conn: qconn, stream: stream}
	select {
	case l.conns <- s:
	case <-l.done:
		s.Close()
	}
}

// Accept returns the next QUIC stream.
func (l *QUICListener) Accept(ctx context.Context) (Stream, error) {
	select {
	case s := <-l.conns:
		return s, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Addr returns the bound UDP address.
func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener and the underlying UDP socket.
func (l *QUICListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.wg.Wait()
		l.tr.Close()
		l.udp.Close()
	})
	return err
}

// DialQUIC connects to a QUICListener and opens the connection's stream.
// A nil tlsConf uses ClientTLSConfig.
func DialQUIC(ctx context.Context, addr string, tlsConf *tls.Config) (Stream, error) {
	if tlsConf == nil {
		tlsConf = ClientTLSConfig()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{})
	if err != nil {
		return nil, fmt.Errorf("listen UDP: %w", err)
	}

	tr := &quic.Transport{Conn: udpConn}
	qconn, err := tr.Dial(ctx, udpAddr, tlsConf, quicConfig())
	if err != nil {
		tr.Close()
		udpConn.Close()
		return nil, fmt.Errorf("QUIC dial: %w", err)
	}

	stream, err := qconn.OpenStreamSync(ctx)
	if err != nil {
		_ = qconn.CloseWithError(1, "open stream failed")
		tr.Close()
		udpConn.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &quicStream{conn: qconn, stream: stream, tr: tr, udp: udpConn}, nil
}
