package mux

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
)

// Handshake errors.
var (
	ErrVersionMismatch   = errors.New("mux: protocol version mismatch")
	ErrHandshakeRejected = errors.New("mux: handshake rejected")
	ErrNotHandshake      = errors.New("mux: expected handshake message")
	ErrInvalidHandshake  = errors.New("mux: malformed handshake message")
)

// HandshakeResult is the explicit outcome of a handshake step. Err is nil
// exactly when Status is HandshakeOK.
type HandshakeResult struct {
	Status      protocol.HandshakeStatus
	PeerVersion uint16
	ConnID      registry.ConnID // set by ClientHandshake on success
	Err         error
}

// OK reports whether the handshake succeeded.
func (r HandshakeResult) OK() bool {
	return r.Err == nil
}

// HelloFrame builds the client's opening frame.
func HelloFrame() *protocol.Frame {
	return protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgHello, protocol.EncodeHello(protocol.NewHello()))
}

// AckFrame builds the server's reply to Hello.
func AckFrame(status protocol.HandshakeStatus, id registry.ConnID) *protocol.Frame {
	if status != protocol.HandshakeOK {
		id = 0
	}
	ack := &protocol.HelloAck{Status: status, ConnectionID: uint64(id)}
	return protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgHelloAck, protocol.EncodeHelloAck(ack))
}

// ServerHandshake validates the first frame received from a peer. The
// caller replies with AckFrame(result.Status, id) and disconnects unless
// result.OK().
func ServerHandshake(ctx context.Context, f *protocol.Frame) HandshakeResult {
	_, span := startHandshakeSpan(ctx, "scopesync.handshake.server")
	defer span.End()

	res := serverHandshake(f)
	endHandshakeSpan(span, res)
	return res
}

func serverHandshake(f *protocol.Frame) HandshakeResult {
	if f.Protocol != protocol.ProtocolHandshake || f.Message != protocol.MsgHello {
		return HandshakeResult{
			Status: protocol.HandshakeInvalidFormat,
			Err:    fmt.Errorf("%w: got %d/%d", ErrNotHandshake, f.Protocol, f.Message),
		}
	}
	hello, err := protocol.DecodeHello(f.Payload)
	if err != nil {
		return HandshakeResult{
			Status: protocol.HandshakeInvalidFormat,
			Err:    fmt.Errorf("%w: %w", ErrInvalidHandshake, err),
		}
	}
	if hello.Version != protocol.Version {
		return HandshakeResult{
			Status:      protocol.HandshakeVersionMismatch,
			PeerVersion: hello.Version,
			Err:         fmt.Errorf("%w: peer %d, local %d", ErrVersionMismatch, hello.Version, protocol.Version),
		}
	}
	return HandshakeResult{Status: protocol.HandshakeOK, PeerVersion: hello.Version}
}

// ClientHandshake validates the server's HelloAck.
func ClientHandshake(ctx context.Context, f *protocol.Frame) HandshakeResult {
	_, span := startHandshakeSpan(ctx, "scopesync.handshake.client")
	defer span.End()

	res := clientHandshake(f)
	endHandshakeSpan(span, res)
	return res
}

func clientHandshake(f *protocol.Frame) HandshakeResult {
	if f.Protocol != protocol.ProtocolHandshake || f.Message != protocol.MsgHelloAck {
		return HandshakeResult{
			Status: protocol.HandshakeInvalidFormat,
			Err:    fmt.Errorf("%w: got %d/%d", ErrNotHandshake, f.Protocol, f.Message),
		}
	}
	ack, err := protocol.DecodeHelloAck(f.Payload)
	if err != nil {
		return HandshakeResult{
			Status: protocol.HandshakeInvalidFormat,
			Err:    fmt.Errorf("%w: %w", ErrInvalidHandshake, err),
		}
	}
	switch ack.Status {
	case protocol.HandshakeOK:
		return HandshakeResult{Status: ack.Status, PeerVersion: protocol.Version, ConnID: registry.ConnID(ack.ConnectionID)}
	case protocol.HandshakeVersionMismatch:
		return HandshakeResult{Status: ack.Status, Err: ErrVersionMismatch}
	default:
		return HandshakeResult{Status: ack.Status, Err: fmt.Errorf("%w: %s", ErrHandshakeRejected, ack.Status)}
	}
}

func startHandshakeSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return otel.Tracer(TracerName).Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

func endHandshakeSpan(span trace.Span, res HandshakeResult) {
	span.SetAttributes(
		attribute.String("scopesync.handshake.status", res.Status.String()),
		attribute.Int("scopesync.handshake.peer_version", int(res.PeerVersion)),
	)
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, res.Err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}
