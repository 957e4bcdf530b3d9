// Package server hosts scopesync connections.
//
// The server package accepts streams from any transport.Listener, performs
// the version handshake, and routes application frames through an
// immutable mux table. It owns one connection registry and one scope
// manager, so game code drives synchronization through Scopes() while the
// server keeps membership consistent as connections come and go.
//
// # Connection Lifecycle
//
// Each accepted stream becomes a transport.Endpoint with its own
// connection id:
//  1. The id is assigned by the registry when the stream is accepted
//  2. The peer must send Hello within Config.HandshakeTimeout
//  3. The server replies HelloAck carrying the id, then runs OnConnect hooks
//  4. Application frames are dispatched to the handlers registered on
//     Protocols(); Ping is answered with Pong
//  5. On close the connection leaves every scope and the registry, then
//     OnDisconnect hooks run with the *transport.ConnectionError
//
// Frames on application protocols before the handshake, repeated Hello
// messages, and payloads a handler cannot decode close the connection
// after a Disconnect notice naming the cause.
//
// # Shutdown
//
// Shutdown closes every listener, sends each peer Disconnect with
// CauseShutdown, and waits for the close handlers to finish.
//
// # Admin Surface
//
// AdminHandler returns a chi router exposing health, Prometheus metrics
// and JSON debug views of connections, scopes and protocols.
package server
