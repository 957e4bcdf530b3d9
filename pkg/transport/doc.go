// Package transport frames reliable byte streams into protocol frames.
//
// An Endpoint wraps a Stream (TCP, WebSocket or QUIC) and runs three
// goroutines:
//
//   - pump: blocking reads, handed to the read loop as chunks
//   - read loop: reassembles frames and calls the FrameHandler in arrival
//     order; when no full frame is buffered it waits up to IdleSleepTime
//     for more bytes, then re-checks the read timeout
//   - write loop: owns a Coalescer and flushes batched frames when the
//     boarding deadline expires or the flush threshold is reached
//
// Send is non-blocking. When the send queue is full the peer is treated as
// a slow consumer and disconnected, since dropping a frame would leave its
// replica inconsistent.
//
// Every termination is reported once through the CloseHandler with a
// ConnectionError naming the Cause.
package transport
