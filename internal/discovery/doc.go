// Package discovery owns the UDP multicast side of the remote execution
// protocol.
//
// Ownership boundary:
// - multicast socket setup (bind, group join, TTL, loopback)
// - periodic ping broadcast and node liveness sweeps
// - pong ingestion into the node registry
// - open_connection / close_connection broadcasts for the command channel
//
// The channel consumes pongs only; pings are emitted, never answered.
package discovery
