package protocol

import (
	"errors"
	"fmt"
	"io"
)

// Frame constants.
const (
	// FrameHeaderSize is the size of the frame header in bytes.
	FrameHeaderSize = 6

	// MaxPayloadSize is the largest payload the 16-bit length field can carry.
	MaxPayloadSize = 65535

	// DefaultMaxMessageSize is the default configured payload limit.
	DefaultMaxMessageSize = 1024
)

// ProtocolID identifies a registered protocol.
type ProtocolID uint16

// MessageID identifies a message within a protocol.
type MessageID uint16

// Frame errors.
var (
	ErrFrameTooLarge = errors.New("protocol: frame payload too large")
	ErrIncomplete    = errors.New("protocol: incomplete frame")
)

// Frame is one length-delimited, protocol/message-tagged unit of the wire format.
//
// Wire format (6 bytes header + variable payload):
//
//	┌──────────────┬──────────────┬──────────────────┐
//	│ Protocol ID  │ Message ID   │ Payload Length   │
//	│ (2 bytes)    │ (2 bytes)    │ (2 bytes)        │
//	└──────────────┴──────────────┴──────────────────┘
//	│                                                │
//	│  Payload (length bytes)                        │
//	│                                                │
//	└────────────────────────────────────────────────┘
//
// All header fields are big-endian.
type Frame struct {
	Protocol ProtocolID
	Message  MessageID
	Payload  []byte
}

// String returns a short description used in logs.
func (f *Frame) String() string {
	return fmt.Sprintf("frame(%d/%d, %d bytes)", f.Protocol, f.Message, len(f.Payload))
}

// Size returns the encoded size of the frame including the header.
func (f *Frame) Size() int {
	return FrameHeaderSize + len(f.Payload)
}

// NewFrame creates a frame for the given protocol and message.
func NewFrame(p ProtocolID, m MessageID, payload []byte) *Frame {
	return &Frame{
		Protocol: p,
		Message:  m,
		Payload:  payload,
	}
}

// ClampMaxMessageSize normalizes a configured limit into the range the
// length field can express. Zero or negative selects the default.
func ClampMaxMessageSize(max int) int {
	if max <= 0 {
		return DefaultMaxMessageSize
	}
	if max > MaxPayloadSize {
		return MaxPayloadSize
	}
	return max
}

// AppendFrame appends the encoded frame to dst.
// It fails with ErrFrameTooLarge before touching dst when the payload
// exceeds maxSize.
func AppendFrame(dst []byte, f *Frame, maxSize int) ([]byte, error) {
	maxSize = ClampMaxMessageSize(maxSize)
	length := len(f.Payload)
	if length > maxSize {
		return dst, ErrFrameTooLarge
	}
	dst = append(dst,
		byte(f.Protocol>>8), byte(f.Protocol),
		byte(f.Message>>8), byte(f.Message),
		byte(length>>8), byte(length))
	return append(dst, f.Payload...), nil
}

// EncodeFrame encodes the frame to a new byte slice.
func EncodeFrame(f *Frame, maxSize int) ([]byte, error) {
	return AppendFrame(make([]byte, 0, f.Size()), f, maxSize)
}

// DecodeFrameHeader decodes just the frame header.
func DecodeFrameHeader(data []byte) (ProtocolID, MessageID, int, error) {
	if len(data) < FrameHeaderSize {
		return 0, 0, 0, ErrIncomplete
	}

	p := ProtocolID(data[0])<<8 | ProtocolID(data[1])
	m := MessageID(data[2])<<8 | MessageID(data[3])
	length := int(data[4])<<8 | int(data[5])

	return p, m, length, nil
}

// DecodeFrame decodes one frame from the front of data.
//
// It returns the frame and the number of bytes consumed. When data does not
// yet hold a complete frame it returns ErrIncomplete and consumes nothing.
// A length field above maxSize yields ErrFrameTooLarge as soon as the header
// is available, without waiting for the payload. The returned payload is a
// copy and does not alias data.
func DecodeFrame(data []byte, maxSize int) (*Frame, int, error) {
	p, m, length, err := DecodeFrameHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if length > ClampMaxMessageSize(maxSize) {
		return nil, 0, ErrFrameTooLarge
	}
	if len(data) < FrameHeaderSize+length {
		return nil, 0, ErrIncomplete
	}

	payload := make([]byte, length)
	copy(payload, data[FrameHeaderSize:FrameHeaderSize+length])

	return &Frame{
		Protocol: p,
		Message:  m,
		Payload:  payload,
	}, FrameHeaderSize + length, nil
}

// ReadFrame reads a complete frame from an io.Reader.
func ReadFrame(r io.Reader, maxSize int) (*Frame, error) {
	var header [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}

	p, m, length, _ := DecodeFrameHeader(header[:])
	if length > ClampMaxMessageSize(maxSize) {
		return nil, ErrFrameTooLarge
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Protocol: p,
		Message:  m,
		Payload:  payload,
	}, nil
}

// WriteFrame writes a complete frame to an io.Writer in a single call.
func WriteFrame(w io.Writer, f *Frame, maxSize int) error {
	data, err := EncodeFrame(f, maxSize)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// Assembler reassembles frames from a byte stream that may split or merge
// frames arbitrarily across reads.
//
// Assembler is not safe for concurrent use.
type Assembler struct {
	buf     []byte
	maxSize int
}

// NewAssembler creates an assembler enforcing the given payload limit.
func NewAssembler(maxSize int) *Assembler {
	maxSize = ClampMaxMessageSize(maxSize)
	return &Assembler{
		buf:     make([]byte, 0, FrameHeaderSize+maxSize),
		maxSize: maxSize,
	}
}

// Feed appends bytes read from the stream.
func (a *Assembler) Feed(p []byte) {
	a.buf = append(a.buf, p...)
}

// Next returns the next complete frame, or ErrIncomplete when more bytes
// are needed. ErrFrameTooLarge is sticky: the stream cannot be resynchronized.
func (a *Assembler) Next() (*Frame, error) {
	f, n, err := DecodeFrame(a.buf, a.maxSize)
	if err != nil {
		return nil, err
	}
	rest := copy(a.buf, a.buf[n:])
	a.buf = a.buf[:rest]
	return f, nil
}

// Buffered returns the number of bytes waiting for a complete frame.
func (a *Assembler) Buffered() int {
	return len(a.buf)
}
