package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/scopesync/pkg/metrics"
	"github.com/vango-dev/scopesync/pkg/mux"
	"github.com/vango-dev/scopesync/pkg/registry"
	"github.com/vango-dev/scopesync/pkg/scope"
)

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestAdminHandler(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := New(testConfig(), WithMetrics(metrics.New(metrics.WithRegistry(reg))), WithGatherer(reg))
	s.Protocols().Protocol(10, "chat").HandleNamed(1, "Say", func(context.Context, registry.ConnID, []byte) error { return nil })
	s.Scopes().CreateScope(4)
	l := serve(t, s)

	c := l.dial(t)
	id := c.handshake()
	s.Scopes().AddWatcher(4, id)

	h := s.AdminHandler()

	t.Run("healthz", func(t *testing.T) {
		rec := get(t, h, "/healthz")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		var body struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if body.Status != "ok" || body.Connections != 1 {
			t.Fatalf("body = %+v", body)
		}
	})

	t.Run("connections", func(t *testing.T) {
		var conns []ConnectionInfo
		if err := json.Unmarshal(get(t, h, "/debug/connections").Body.Bytes(), &conns); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(conns) != 1 || conns[0].ID != id || !conns[0].Handshaken {
			t.Fatalf("connections = %+v", conns)
		}
	})

	t.Run("scopes", func(t *testing.T) {
		var scopes []scope.Info
		if err := json.Unmarshal(get(t, h, "/debug/scopes").Body.Bytes(), &scopes); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(scopes) != 1 || scopes[0].Index != 4 || len(scopes[0].Watchers) != 1 {
			t.Fatalf("scopes = %+v", scopes)
		}
	})

	t.Run("protocols", func(t *testing.T) {
		var protocols []mux.ProtocolInfo
		if err := json.Unmarshal(get(t, h, "/debug/protocols").Body.Bytes(), &protocols); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if len(protocols) != 2 {
			t.Fatalf("protocols = %+v", protocols)
		}
		if protocols[0].Name != "handshake" || len(protocols[0].Messages) != 5 {
			t.Fatalf("handshake entry = %+v", protocols[0])
		}
		if protocols[1].Name != "chat" || protocols[1].Messages[0].Name != "Say" {
			t.Fatalf("chat entry = %+v", protocols[1])
		}
	})

	t.Run("metrics", func(t *testing.T) {
		wants := []string{
			"scopesync_connections_active 1",
			"scopesync_connections_total 1",
			`scopesync_frames_dispatched_total{message="Hello",outcome="ok",protocol="handshake"} 1`,
			"scopesync_watchers 1",
		}
		// The Hello is recorded after the ack is queued.
		waitFor(t, func() bool {
			body := get(t, h, "/metrics").Body.String()
			for _, want := range wants {
				if !strings.Contains(body, want) {
					return false
				}
			}
			return true
		})
	})
}

func TestHealthzDuringShutdown(t *testing.T) {
	s := New(testConfig())
	if err := s.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if rec := get(t, s.AdminHandler(), "/healthz"); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
