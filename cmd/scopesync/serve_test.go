package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/vango-dev/scopesync/internal/config"
	"github.com/vango-dev/scopesync/pkg/server"
	"github.com/vango-dev/scopesync/pkg/transport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefaultDialAddr(t *testing.T) {
	cfg := config.New()
	tests := []struct {
		listen    string
		transport string
		want      string
	}{
		{":7777", config.TransportTCP, "localhost:7777"},
		{"10.0.0.1:7000", config.TransportQUIC, "10.0.0.1:7000"},
		{":7777", config.TransportWebSocket, "ws://localhost:7777/ws"},
	}
	for _, tt := range tests {
		cfg.Listen.Address = tt.listen
		if got := defaultDialAddr(cfg, tt.transport); got != tt.want {
			t.Errorf("defaultDialAddr(%q, %q) = %q, want %q", tt.listen, tt.transport, got, tt.want)
		}
	}
}

func TestOpenListenersTCPWithAdmin(t *testing.T) {
	cfg := config.New()
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	srv := server.New(cfg.Server, server.WithLogger(quietLogger()))

	l, services, err := openListeners(cfg, srv, quietLogger())
	if err != nil {
		t.Fatalf("openListeners: %v", err)
	}
	defer l.Close()
	defer closeServices(services)

	if _, ok := l.(*transport.TCPListener); !ok {
		t.Fatalf("listener = %T, want *transport.TCPListener", l)
	}
	if len(services) != 1 {
		t.Fatalf("services = %d, want 1 admin server", len(services))
	}

	go services[0].srv.Serve(services[0].ln)
	defer services[0].srv.Close()
	resp, err := http.Get("http://" + services[0].ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestOpenListenersWebSocketSharesAdmin(t *testing.T) {
	cfg := config.New()
	cfg.Listen.Transport = config.TransportWebSocket
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Admin.Address = cfg.Listen.Address
	srv := server.New(cfg.Server, server.WithLogger(quietLogger()))

	l, services, err := openListeners(cfg, srv, quietLogger())
	if err != nil {
		t.Fatalf("openListeners: %v", err)
	}
	defer l.Close()
	if len(services) != 1 {
		t.Fatalf("services = %d, want one shared HTTP server", len(services))
	}
	svc := services[0]
	go svc.srv.Serve(svc.ln)
	defer svc.srv.Close()

	if l.Addr().String() != svc.ln.Addr().String() {
		t.Fatalf("ws listener addr %v != http addr %v", l.Addr(), svc.ln.Addr())
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(context.Background(), l) }()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
		<-errc
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	stream, err := transport.DialWebSocket(ctx, "ws://"+svc.ln.Addr().String()+cfg.Listen.WSPath, nil)
	if err != nil {
		t.Fatalf("DialWebSocket: %v", err)
	}
	stream.Close()

	resp, err := http.Get("http://" + svc.ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz status = %d", resp.StatusCode)
	}
}

func TestOpenListenersAdminAddressInUse(t *testing.T) {
	cfg := config.New()
	cfg.Listen.Address = "127.0.0.1:0"
	cfg.Admin.Address = "127.0.0.1:0"
	srv := server.New(cfg.Server, server.WithLogger(quietLogger()))

	l, services, err := openListeners(cfg, srv, quietLogger())
	if err != nil {
		t.Fatalf("openListeners: %v", err)
	}
	defer l.Close()
	defer closeServices(services)

	cfg.Admin.Address = services[0].ln.Addr().String()
	if _, _, err := openListeners(cfg, srv, quietLogger()); err == nil {
		t.Fatal("second admin listener on a used address succeeded")
	}
}
