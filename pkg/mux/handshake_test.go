package mux

import (
	"context"
	"errors"
	"testing"

	"github.com/vango-dev/scopesync/pkg/protocol"
)

func TestServerHandshake(t *testing.T) {
	tests := []struct {
		name   string
		frame  *protocol.Frame
		status protocol.HandshakeStatus
		err    error
	}{
		{
			name:   "matching version",
			frame:  HelloFrame(),
			status: protocol.HandshakeOK,
		},
		{
			name:   "version mismatch",
			frame:  protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgHello, protocol.EncodeHello(&protocol.Hello{Version: protocol.Version + 1})),
			status: protocol.HandshakeVersionMismatch,
			err:    ErrVersionMismatch,
		},
		{
			name:   "malformed hello",
			frame:  protocol.NewFrame(protocol.ProtocolHandshake, protocol.MsgHello, []byte{1}),
			status: protocol.HandshakeInvalidFormat,
			err:    ErrInvalidHandshake,
		},
		{
			name:   "not a hello",
			frame:  protocol.NewFrame(protocol.ProtocolScope, protocol.MsgFocusChanged, nil),
			status: protocol.HandshakeInvalidFormat,
			err:    ErrNotHandshake,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			res := ServerHandshake(context.Background(), tc.frame)
			if res.Status != tc.status {
				t.Fatalf("Status = %v, want %v", res.Status, tc.status)
			}
			if tc.err == nil {
				if !res.OK() {
					t.Fatalf("Err = %v", res.Err)
				}
				return
			}
			if !errors.Is(res.Err, tc.err) {
				t.Fatalf("Err = %v, want %v", res.Err, tc.err)
			}
		})
	}
}

func TestClientHandshake(t *testing.T) {
	res := ClientHandshake(context.Background(), AckFrame(protocol.HandshakeOK, 12))
	if !res.OK() || res.ConnID != 12 {
		t.Fatalf("ClientHandshake(ok) = %+v", res)
	}

	res = ClientHandshake(context.Background(), AckFrame(protocol.HandshakeVersionMismatch, 12))
	if !errors.Is(res.Err, ErrVersionMismatch) || res.ConnID != 0 {
		t.Fatalf("ClientHandshake(mismatch) = %+v", res)
	}

	res = ClientHandshake(context.Background(), AckFrame(protocol.HandshakeServerBusy, 0))
	if !errors.Is(res.Err, ErrHandshakeRejected) {
		t.Fatalf("ClientHandshake(busy) = %+v", res)
	}

	res = ClientHandshake(context.Background(), HelloFrame())
	if !errors.Is(res.Err, ErrNotHandshake) {
		t.Fatalf("ClientHandshake(hello) = %+v", res)
	}
}

func TestAckFrameClearsIDOnFailure(t *testing.T) {
	ack, err := protocol.DecodeHelloAck(AckFrame(protocol.HandshakeVersionMismatch, 9).Payload)
	if err != nil {
		t.Fatalf("DecodeHelloAck() error = %v", err)
	}
	if ack.ConnectionID != 0 {
		t.Fatalf("ConnectionID = %d, want 0", ack.ConnectionID)
	}
}
