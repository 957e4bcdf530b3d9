package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/vango-dev/scopesync/pkg/mux"
	"github.com/vango-dev/scopesync/pkg/protocol"
	"github.com/vango-dev/scopesync/pkg/registry"
	"github.com/vango-dev/scopesync/pkg/transport"
)

// peer is the server side of one connection. Frame and close handlers run
// on the endpoint's read goroutine.
type peer struct {
	srv    *Server
	mux    *mux.Mux
	id     registry.ConnID
	ep     *transport.Endpoint
	logger *slog.Logger

	handshaken atomic.Bool
	timer      *time.Timer
}

func newPeer(s *Server, m *mux.Mux, id registry.ConnID, ep *transport.Endpoint) *peer {
	return &peer{
		srv:    s,
		mux:    m,
		id:     id,
		ep:     ep,
		logger: s.logger.With("conn_id", uint64(id)),
	}
}

func (p *peer) start() {
	if d := p.srv.config.HandshakeTimeout; d > 0 {
		p.timer = time.AfterFunc(d, func() {
			if !p.handshaken.Load() {
				p.fail(transport.CauseTimeout, ErrHandshakeTimeout)
			}
		})
	}
	p.ep.Start(p.handleFrame, p.handleClose)
}

func (p *peer) handleFrame(f *protocol.Frame) {
	ctx := p.srv.baseCtx
	if f.Protocol == protocol.ProtocolHandshake {
		p.handleControl(ctx, f)
		return
	}
	if !p.handshaken.Load() {
		p.fail(transport.CauseProtocolViolation, ErrNotHandshaken)
		return
	}

	err := p.mux.Dispatch(ctx, p.id, f)
	if err != nil && isDecodeError(err) {
		p.fail(transport.CauseDecodeFailure, err)
	}
}

// handleControl serves the reserved handshake protocol.
func (p *peer) handleControl(ctx context.Context, f *protocol.Frame) {
	start := time.Now()
	outcome := mux.OutcomeOK
	defer func() {
		if p.srv.metrics != nil {
			p.srv.metrics.FrameDispatched("handshake", protocol.MessageName(f.Protocol, f.Message), outcome, time.Since(start))
		}
	}()

	switch f.Message {
	case protocol.MsgHello:
		if p.handshaken.Load() {
			outcome = mux.OutcomeError
			p.fail(transport.CauseProtocolViolation, ErrUnexpectedMessage)
			return
		}
		res := mux.ServerHandshake(ctx, f)
		if !res.OK() {
			outcome = mux.OutcomeError
			cause := transport.CauseProtocolViolation
			if errors.Is(res.Err, mux.ErrVersionMismatch) {
				cause = transport.CauseVersionMismatch
			}
			p.logger.Warn("handshake rejected", "status", res.Status.String(), "error", res.Err)
			p.ep.CloseWithNotice(mux.AckFrame(res.Status, 0), cause, res.Err)
			return
		}
		p.handshaken.Store(true)
		if p.timer != nil {
			p.timer.Stop()
		}
		if err := p.ep.Send(mux.AckFrame(protocol.HandshakeOK, p.id)); err != nil {
			outcome = mux.OutcomeError
			return
		}
		p.logger.Info("handshake complete", "remote", p.ep.RemoteAddr(), "peer_version", res.PeerVersion)
		p.srv.connected(p.id)

	case protocol.MsgPing:
		if !p.handshaken.Load() {
			outcome = mux.OutcomeError
			p.fail(transport.CauseProtocolViolation, ErrNotHandshaken)
			return
		}
		ping, err := protocol.DecodePing(f.Payload)
		if err != nil {
			outcome = mux.OutcomeError
			p.fail(transport.CauseDecodeFailure, err)
			return
		}
		_ = p.ep.Send(protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgPong, protocol.EncodePing(ping)))

	case protocol.MsgPong:

	case protocol.MsgDisconnect:
		notice, err := protocol.DecodeDisconnect(f.Payload)
		if err != nil {
			outcome = mux.OutcomeError
			p.fail(transport.CauseDecodeFailure, err)
			return
		}
		p.logger.Debug("peer disconnecting", "peer_cause", transport.Cause(notice.Cause).String())
		p.ep.CloseWithCause(transport.CausePeerClosed, nil)

	default:
		outcome = mux.OutcomeError
		p.fail(transport.CauseProtocolViolation, ErrUnexpectedMessage)
	}
}

func (p *peer) handleClose(cerr *transport.ConnectionError) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.srv.removePeer(p, cerr)
}

// fail closes the connection after telling the peer why.
func (p *peer) fail(cause transport.Cause, err error) {
	p.logger.Warn("closing connection", "cause", cause.String(), "error", err)
	p.closeWithNotice(cause, err)
}

func (p *peer) closeWithNotice(cause transport.Cause, err error) {
	p.ep.CloseWithNotice(DisconnectFrame(cause), cause, err)
}

// DisconnectFrame builds the notice sent before a connection is closed.
func DisconnectFrame(cause transport.Cause) *protocol.Frame {
	return protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgDisconnect,
		protocol.EncodeDisconnect(&protocol.Disconnect{Cause: uint8(cause)}))
}

// isDecodeError reports whether a handler failed to decode its payload.
func isDecodeError(err error) bool {
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, protocol.ErrTrailingBytes)
}
