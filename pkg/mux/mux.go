// Package mux routes decoded frames to per-protocol, per-message handlers.
//
// The routing table is built once at start-up with a Builder and is
// immutable afterwards, so Dispatch takes no locks. Frames for unknown
// (protocol, message) pairs are dropped with a warning so peers running
// newer protocol versions can still talk to older ones.
package mux

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
)

// TracerName is the OpenTelemetry instrumentation name used by default.
const TracerName = "github.com/vango-dev/scopesync/pkg/mux"

// ErrUnroutable is returned by Dispatch for unregistered message kinds.
// It is not fatal to the connection.
var ErrUnroutable = errors.New("mux: no handler for message")

// Dispatch outcomes reported to the Recorder.
const (
	OutcomeOK         = "ok"
	OutcomeError      = "error"
	OutcomePanic      = "panic"
	OutcomeUnroutable = "unroutable"
)

// Recorder receives one observation per dispatched frame.
type Recorder interface {
	FrameDispatched(protocolName, messageName, outcome string, d time.Duration)
}

// Option configures a Mux.
type Option func(*Mux)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Mux) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(m *Mux) {
		if tracer != nil {
			m.tracer = tracer
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(m *Mux) {
		m.recorder = r
	}
}

// Mux is an immutable routing table.
type Mux struct {
	routes    map[routeKey]route
	protocols []ProtocolInfo
	logger    *slog.Logger
	tracer    trace.Tracer
	recorder  Recorder
}

func newMux(opts ...Option) *Mux {
	m := &Mux{
		routes: make(map[routeKey]route),
		logger: slog.Default(),
		tracer: otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "mux")
	return m
}

// HandlerError wraps an error returned (or a panic raised) by a handler.
type HandlerError struct {
	Protocol protocol.ProtocolID
	Message  protocol.MessageID
	Err      error
}

// Error returns the error message.
func (e *HandlerError) Error() string {
	return fmt.Sprintf("mux: handler %d/%d: %v", e.Protocol, e.Message, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Dispatch routes a frame to its handler on the calling goroutine.
// Returns ErrUnroutable (wrapped) for unknown message kinds and a
// *HandlerError when the handler fails.
func (m *Mux) Dispatch(ctx context.Context, conn registry.ConnID, f *protocol.Frame) error {
	r, ok := m.routes[routeKey{f.Protocol, f.Message}]
	if !ok {
		m.logger.Warn("dropping unroutable frame",
			"conn_id", uint64(conn),
			"protocol", f.Protocol,
			"message", f.Message,
			"size", len(f.Payload))
		m.record("unknown", "unknown", OutcomeUnroutable, 0)
		return fmt.Errorf("%w: %d/%d", ErrUnroutable, f.Protocol, f.Message)
	}

	ctx, span := m.tracer.Start(ctx, "scopesync.dispatch "+r.protocolName+"."+r.messageName,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.Int64("scopesync.conn_id", int64(conn)),
			attribute.Int("scopesync.protocol", int(f.Protocol)),
			attribute.Int("scopesync.message", int(f.Message)),
			attribute.Int("scopesync.payload_size", len(f.Payload)),
		),
	)
	defer span.End()

	start := time.Now()
	panicked, err := m.invoke(ctx, r, conn, f.Payload)
	elapsed := time.Since(start)

	if err != nil {
		herr := &HandlerError{Protocol: f.Protocol, Message: f.Message, Err: err}
		span.RecordError(herr)
		span.SetStatus(codes.Error, herr.Error())
		outcome := OutcomeError
		if panicked {
			outcome = OutcomePanic
		}
		m.record(r.protocolName, r.messageName, outcome, elapsed)
		m.logger.Error("handler failed",
			"conn_id", uint64(conn),
			"protocol", r.protocolName,
			"message", r.messageName,
			"error", err)
		return herr
	}

	span.SetStatus(codes.Ok, "")
	m.record(r.protocolName, r.messageName, OutcomeOK, elapsed)
	return nil
}

func (m *Mux) invoke(ctx context.Context, r route, conn registry.ConnID, payload []byte) (panicked bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			m.logger.Error("handler panic",
				"protocol", r.protocolName,
				"message", r.messageName,
				"panic", p,
				"stack", string(debug.Stack()))
			panicked = true
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return false, r.handler(ctx, conn, payload)
}

func (m *Mux) record(protocolName, messageName, outcome string, d time.Duration) {
	if m.recorder != nil {
		m.recorder.FrameDispatched(protocolName, messageName, outcome, d)
	}
}

// Handles reports whether a handler is registered for the message kind.
func (m *Mux) Handles(p protocol.ProtocolID, msg protocol.MessageID) bool {
	_, ok := m.routes[routeKey{p, msg}]
	return ok
}

// Protocols lists the registered protocols in id order.
func (m *Mux) Protocols() []ProtocolInfo {
	out := make([]ProtocolInfo, len(m.protocols))
	copy(out, m.protocols)
	return out
}
