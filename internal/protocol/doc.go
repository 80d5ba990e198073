// Package protocol implements the server side of the WebSocket wire protocol
// used by the relay: the opening handshake and the frame codec.
//
// Nothing in this package touches a socket. The handshake and the decoder
// work on byte buffers the caller accumulates, so the same code serves a
// goroutine-per-connection driver and a readiness loop alike.
package protocol
