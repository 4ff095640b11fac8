// Package protocol owns the remote execution wire contract.
//
// Ownership boundary:
// - message envelope encode/decode
// - protocol constants (version, magic, message types, exec modes)
// - typed payload views for open_connection, command, command_result
// - the inbound admission filter shared by both transports
// - error taxonomy shared by discovery, command, and remote packages
package protocol
