package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/vango-dev/scopesync/pkg/mux"
	"github.com/vango-dev/scopesync/pkg/scope"
	"github.com/vango-dev/scopesync/pkg/transport"
)

var (
	_ mux.Recorder       = (*Collector)(nil)
	_ transport.Observer = (*Collector)(nil)
	_ scope.Observer     = (*Collector)(nil)
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	metric, ok := o.(prometheus.Metric)
	if !ok {
		t.Fatalf("observer %T does not implement prometheus.Metric", o)
	}
	var m dto.Metric
	if err := metric.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	return m.GetHistogram().GetSampleCount()
}

func TestConnectionLifecycle(t *testing.T) {
	c := New(WithRegistry(prometheus.NewRegistry()))

	c.ConnectionOpened()
	c.ConnectionOpened()
	c.ConnectionClosed("peer_closed")

	if got := gaugeValue(t, c.connectionsActive); got != 1 {
		t.Fatalf("connections_active = %v, want 1", got)
	}
	if got := counterValue(t, c.connectionsTotal); got != 2 {
		t.Fatalf("connections_total = %v, want 2", got)
	}
	if got := counterValue(t, c.disconnects.WithLabelValues("peer_closed")); got != 1 {
		t.Fatalf("disconnects_total(peer_closed) = %v, want 1", got)
	}
}

func TestFrameDispatched(t *testing.T) {
	c := New(WithRegistry(prometheus.NewRegistry()))

	c.FrameDispatched("handshake", "Ping", "ok", time.Millisecond)
	c.FrameDispatched("handshake", "Ping", "ok", time.Millisecond)
	c.FrameDispatched("handshake", "Ping", "error", time.Millisecond)

	if got := counterValue(t, c.framesDispatched.WithLabelValues("handshake", "Ping", "ok")); got != 2 {
		t.Fatalf("frames_dispatched_total(ok) = %v, want 2", got)
	}
	if got := counterValue(t, c.framesDispatched.WithLabelValues("handshake", "Ping", "error")); got != 1 {
		t.Fatalf("frames_dispatched_total(error) = %v, want 1", got)
	}
	if got := histogramCount(t, c.dispatchDuration.WithLabelValues("handshake")); got != 3 {
		t.Fatalf("dispatch_duration_seconds count = %d, want 3", got)
	}
}

func TestTransportAndScopeHooks(t *testing.T) {
	c := New(WithRegistry(prometheus.NewRegistry()))

	c.BytesReceived(100)
	c.BatchFlushed(64, 3)
	c.BatchFlushed(16, 1)
	c.Broadcast("spawn", 4, 2)
	c.Broadcast("spawn", 1, 0)
	c.MembershipChanged(2, 7)

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"bytes_received", counterValue(t, c.bytesReceived), 100},
		{"bytes_sent", counterValue(t, c.bytesSent), 80},
		{"flushes", counterValue(t, c.flushes), 2},
		{"frames_sent", counterValue(t, c.framesSent), 4},
		{"deliveries", counterValue(t, c.deliveries.WithLabelValues("spawn")), 5},
		{"failures", counterValue(t, c.failures.WithLabelValues("spawn")), 2},
		{"scopes", gaugeValue(t, c.scopes), 2},
		{"watchers", gaugeValue(t, c.watchers), 7},
	}
	for _, tc := range checks {
		if tc.got != tc.want {
			t.Errorf("%s = %v, want %v", tc.name, tc.got, tc.want)
		}
	}
}

func TestOptionsApplyToRegisteredNames(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(
		WithRegistry(reg),
		WithNamespace("game"),
		WithSubsystem("net"),
		WithConstLabels(prometheus.Labels{"region": "eu"}),
	)
	c.ConnectionOpened()

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	found := false
	for _, mf := range families {
		if mf.GetName() != "game_net_connections_total" {
			continue
		}
		found = true
		labels := mf.GetMetric()[0].GetLabel()
		if len(labels) != 1 || labels[0].GetName() != "region" || labels[0].GetValue() != "eu" {
			t.Fatalf("labels = %v, want region=eu", labels)
		}
	}
	if !found {
		t.Fatal("game_net_connections_total not registered")
	}
}
