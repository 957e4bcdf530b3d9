package protocol

import "encoding/binary"

// Encoder builds a message payload in place. Integers are written
// big-endian, the same order as the frame header.
type Encoder struct {
	buf []byte
}

// NewEncoder returns an encoder sized for the small fixed-width messages
// of the handshake and scope protocols.
func NewEncoder() *Encoder {
	return NewEncoderWithCap(64)
}

// NewEncoderWithCap returns an encoder whose buffer holds n bytes before
// growing.
func NewEncoderWithCap(n int) *Encoder {
	return &Encoder{buf: make([]byte, 0, n)}
}

// Reset empties the payload, keeping the buffer.
func (e *Encoder) Reset() { e.buf = e.buf[:0] }

// Bytes returns the payload. It aliases the encoder's buffer until the
// next write or Reset.
func (e *Encoder) Bytes() []byte { return e.buf }

func (e *Encoder) Len() int { return len(e.buf) }

// WriteUint8 appends a status or cause code.
func (e *Encoder) WriteUint8(v uint8) {
	e.buf = append(e.buf, v)
}

// WriteBytes appends b as is. Trailing state blobs are delimited by the
// frame length, so there is no length prefix.
func (e *Encoder) WriteBytes(b []byte) {
	e.buf = append(e.buf, b...)
}

func (e *Encoder) WriteUint16(v uint16) {
	e.buf = binary.BigEndian.AppendUint16(e.buf, v)
}

func (e *Encoder) WriteUint32(v uint32) {
	e.buf = binary.BigEndian.AppendUint32(e.buf, v)
}

func (e *Encoder) WriteUint64(v uint64) {
	e.buf = binary.BigEndian.AppendUint64(e.buf, v)
}
