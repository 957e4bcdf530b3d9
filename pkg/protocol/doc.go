// Package protocol implements the binary wire protocol for scopesync.
//
// The protocol is optimized for small, frequent state messages. Every message
// travels in a frame tagged with the protocol and message it belongs to, so
// one connection can carry several independent protocols.
//
// # Wire Format
//
// All messages are framed with a 6-byte header:
//
//	┌──────────────┬──────────────┬──────────────────┐
//	│ Protocol ID  │ Message ID   │ Payload Length   │
//	│ (2 bytes)    │ (2 bytes)    │ (2 bytes)        │
//	└──────────────┴──────────────┴──────────────────┘
//
// The payload length never exceeds the configured maximum message size
// (DefaultMaxMessageSize, 1024 bytes, unless configured otherwise). A peer
// that announces a larger payload cannot be resynchronized and must be
// disconnected.
//
// # Protocols
//
//   - ProtocolHandshake (0): Hello/HelloAck version handshake, Ping/Pong, Disconnect
//   - ProtocolScope (1): FocusChanged, FocusReleased, ObjectSpawned, ObjectRefreshed, ObjectDespawned
//   - ProtocolCommand (2): Command
//
// # Encoding
//
// Fixed-width integers are big-endian. A trailing "data" field has no length
// prefix: it runs to the end of the payload.
//
// # Handshake
//
//	Client                          Server
//	  │                                │
//	  │──── Hello(version) ──────────>│
//	  │                                │
//	  │<──── HelloAck(status, id) ────│
//	  │                                │
//
// A version mismatch is answered with HandshakeVersionMismatch and the
// connection is closed.
//
// # Partial Reads
//
// DecodeFrame is a pure function over a byte slice; it reports ErrIncomplete
// until the whole frame is available. Assembler keeps the unread tail of a
// stream between reads.
package protocol
