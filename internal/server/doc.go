// Package server implements the signaling relay's connection handling.
//
// The implementation is organized into specialized files for configuration,
// origin policy, the connection slot table, per-connection read/write pumps,
// and the accept loop. Each accepted socket gets its own goroutines; room
// state lives in a shared relay.Registry.
package server
