package transport

import (
	"context"
	"net"
	"sync"
)

// Listener accepts inbound streams.
type Listener interface {
	// Accept blocks until a stream arrives, ctx is done, or the listener
	// is closed (ErrListenerClosed).
	Accept(ctx context.Context) (Stream, error)
	Addr() net.Addr
	Close() error
}

// TCPListener accepts plain TCP streams.
type TCPListener struct {
	ln        net.Listener
	done      chan struct{}
	closeOnce sync.Once
}

// ListenTCP listens on addr ("host:port").
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, done: make(chan struct{})}, nil
}

// Accept waits for the next connection.
func (l *TCPListener) Accept(ctx context.Context) (Stream, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := l.ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			select {
			case <-l.done:
				return nil, ErrListenerClosed
			default:
			}
			return nil, r.err
		}
		return r.conn, nil
	case <-ctx.Done():
		// The pending Accept finishes when the listener closes; a
		// connection it returns first is dropped.
		go func() {
			if r := <-ch; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

// Addr returns the bound address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		err = l.ln.Close()
	})
	return err
}

// DialTCP connects to a TCP listener.
func DialTCP(ctx context.Context, addr string) (Stream, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", addr)
}
