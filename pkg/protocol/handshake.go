package protocol

// ProtocolHandshake is the reserved zero protocol. It carries the version
// handshake, heartbeats, and disconnect notices.
const ProtocolHandshake ProtocolID = 0

// Version is the wire protocol version exchanged in Hello.
const Version uint16 = 1

// Handshake protocol messages.
const (
	MsgHello      MessageID = 1
	MsgHelloAck   MessageID = 2
	MsgPing       MessageID = 3
	MsgPong       MessageID = 4
	MsgDisconnect MessageID = 5
)

// HandshakeStatus represents the result of a handshake.
type HandshakeStatus uint8

const (
	HandshakeOK              HandshakeStatus = 0x00
	HandshakeVersionMismatch HandshakeStatus = 0x01
	HandshakeInvalidFormat   HandshakeStatus = 0x02 // Malformed handshake message
	HandshakeServerBusy      HandshakeStatus = 0x03
)

// String returns the string representation of the handshake status.
func (hs HandshakeStatus) String() string {
	switch hs {
	case HandshakeOK:
		return "OK"
	case HandshakeVersionMismatch:
		return "VersionMismatch"
	case HandshakeInvalidFormat:
		return "InvalidFormat"
	case HandshakeServerBusy:
		return "ServerBusy"
	default:
		return "Unknown"
	}
}

// Hello is sent by the connecting peer immediately after the stream opens.
type Hello struct {
	Version uint16
}

// HelloAck is the server's response to Hello. ConnectionID is zero unless
// Status is HandshakeOK.
type HelloAck struct {
	Status       HandshakeStatus
	ConnectionID uint64
}

// Ping carries the sender's clock in Unix milliseconds; Pong echoes it.
type Ping struct {
	Timestamp uint64
}

// Disconnect tells the peer why the connection is about to close.
type Disconnect struct {
	Cause uint8
}

// NewHello creates a Hello for the current version.
func NewHello() *Hello {
	return &Hello{Version: Version}
}

// EncodeHello encodes a Hello payload.
func EncodeHello(h *Hello) []byte {
	e := NewEncoderWithCap(2)
	e.WriteUint16(h.Version)
	return e.Bytes()
}

// DecodeHello decodes a Hello payload.
func DecodeHello(data []byte) (*Hello, error) {
	d := NewDecoder(data)
	v, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &Hello{Version: v}, nil
}

// EncodeHelloAck encodes a HelloAck payload.
func EncodeHelloAck(a *HelloAck) []byte {
	e := NewEncoderWithCap(9)
	e.WriteUint8(uint8(a.Status))
	e.WriteUint64(a.ConnectionID)
	return e.Bytes()
}

// DecodeHelloAck decodes a HelloAck payload.
func DecodeHelloAck(data []byte) (*HelloAck, error) {
	d := NewDecoder(data)
	status, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	id, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &HelloAck{Status: HandshakeStatus(status), ConnectionID: id}, nil
}

// EncodePing encodes a Ping or Pong payload.
func EncodePing(p *Ping) []byte {
	e := NewEncoderWithCap(8)
	e.WriteUint64(p.Timestamp)
	return e.Bytes()
}

// DecodePing decodes a Ping or Pong payload.
func DecodePing(data []byte) (*Ping, error) {
	d := NewDecoder(data)
	ts, err := d.ReadUint64()
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &Ping{Timestamp: ts}, nil
}

// EncodeDisconnect encodes a Disconnect payload.
func EncodeDisconnect(m *Disconnect) []byte {
	return []byte{m.Cause}
}

// DecodeDisconnect decodes a Disconnect payload.
func DecodeDisconnect(data []byte) (*Disconnect, error) {
	d := NewDecoder(data)
	cause, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := d.Finish(); err != nil {
		return nil, err
	}
	return &Disconnect{Cause: cause}, nil
}
