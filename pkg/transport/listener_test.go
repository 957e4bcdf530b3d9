package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/vango-dev/scopesync/pkg/protocol"
)

// exchange sends a frame from client to server and back over two endpoints.
func exchange(t *testing.T, accept func(ctx context.Context) (Stream, error), client Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := DefaultConfig()
	cfg.TrainBoardingTime = time.Millisecond

	clientGot := make(chan *protocol.Frame, 1)
	cep := NewEndpoint(client, cfg)
	cep.Start(func(f *protocol.Frame) { clientGot <- f }, nil)
	defer cep.Close()

	// Some transports only surface a stream after its first bytes.
	if err := cep.Send(protocol.NewFrame(1, 1, []byte("ping"))); err != nil {
		t.Fatalf("client Send() error = %v", err)
	}

	server, err := accept(ctx)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	sep := NewEndpoint(server, cfg)
	sep.Start(func(f *protocol.Frame) {
		sep.Send(protocol.NewFrame(f.Protocol, f.Message+1, append([]byte("re:"), f.Payload...)))
	}, nil)
	defer sep.Close()

	select {
	case f := <-clientGot:
		if f.Message != 2 || string(f.Payload) != "re:ping" {
			t.Fatalf("reply = %v %q", f, f.Payload)
		}
	case <-ctx.Done():
		t.Fatal("no reply")
	}
}

func TestTCPListener(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	defer ln.Close()

	client, err := DialTCP(context.Background(), ln.Addr().String())
	if err != nil {
		t.Fatalf("DialTCP() error = %v", err)
	}
	exchange(t, ln.Accept, client)
}

func TestTCPListenerClosed(t *testing.T) {
	ln, err := ListenTCP("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ListenTCP() error = %v", err)
	}
	ln.Close()
	if _, err := ln.Accept(context.Background()); !errors.Is(err, ErrListenerClosed) {
		t.Fatalf("Accept() after Close error = %v, want ErrListenerClosed", err)
	}
}

func TestWebSocketListener(t *testing.T) {
	ln := NewWebSocketListener(WebSocketOptions{})
	srv := httptest.NewServer(ln)
	defer srv.Close()
	defer ln.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, err := DialWebSocket(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}
	exchange(t, ln.Accept, client)
}

func TestWebSocketListenerRejectsCrossOrigin(t *testing.T) {
	ln := NewWebSocketListener(WebSocketOptions{})
	srv := httptest.NewServer(ln)
	defer srv.Close()
	defer ln.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{"Origin": []string{"http://evil.example"}}
	if _, err := DialWebSocket(context.Background(), url, header); err == nil {
		t.Fatal("cross-origin dial succeeded")
	}
}

func TestSameOriginCheck(t *testing.T) {
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://game.example", true},
		{"http://other.example", false},
		{"://bad", false},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(http.MethodGet, "http://game.example/ws", nil)
		if tc.origin != "" {
			r.Header.Set("Origin", tc.origin)
		}
		if got := SameOriginCheck(r); got != tc.want {
			t.Errorf("SameOriginCheck(%q) = %v, want %v", tc.origin, got, tc.want)
		}
	}
}

func TestQUICListener(t *testing.T) {
	ln, err := ListenQUIC("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("ListenQUIC() error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := DialQUIC(ctx, ln.Addr().String(), nil)
	if err != nil {
		t.Fatalf("DialQUIC() error = %v", err)
	}
	exchange(t, ln.Accept, client)
}

func TestQUICCloseWithNoticeDelivers(t *testing.T) {
	ln, err := ListenQUIC("127.0.0.1:0", nil, nil)
	if err != nil {
		t.Fatalf("ListenQUIC() error = %v", err)
	}
	defer ln.Close()

	for i := 0; i < 5; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		client, err := DialQUIC(ctx, ln.Addr().String(), nil)
		if err != nil {
			cancel()
			t.Fatalf("DialQUIC() error = %v", err)
		}
		hello := protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgHello, protocol.EncodeHello(protocol.NewHello()))
		if err := protocol.WriteFrame(client, hello, protocol.DefaultMaxMessageSize); err != nil {
			cancel()
			t.Fatalf("WriteFrame() error = %v", err)
		}

		server, err := ln.Accept(ctx)
		if err != nil {
			cancel()
			t.Fatalf("Accept() error = %v", err)
		}
		ep := NewEndpoint(server, DefaultConfig())
		notice := protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgDisconnect, []byte{byte(CauseVersionMismatch)})
		ep.CloseWithNotice(notice, CauseVersionMismatch, nil)

		got, err := protocol.ReadFrame(client, protocol.DefaultMaxMessageSize)
		client.Close()
		cancel()
		if err != nil {
			t.Fatalf("attempt %d: ReadFrame() error = %v", i, err)
		}
		if got.Message != protocol.MsgDisconnect || len(got.Payload) != 1 || got.Payload[0] != byte(CauseVersionMismatch) {
			t.Fatalf("attempt %d: notice = %v %v", i, got, got.Payload)
		}
	}
}
