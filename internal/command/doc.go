// Package command owns the TCP side of the remote execution protocol.
//
// Ownership boundary:
// - command endpoint listener and the accept-retry handshake
// - one accepted socket per channel, scoped to one remote node
// - synchronous command / command_result exchange, one request at a time
//
// The remote engine dials in after it sees an open_connection broadcast, so
// the channel never needs the engine's address.
package command
