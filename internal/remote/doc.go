// Package remote is the session facade over discovery and the command
// channel: one local identity, at most one discovery channel and at most one
// command channel at a time.
//
// Lifecycle:
//
//	Idle -> Start -> Discovering -> Connect -> Connected
//	Connected -> Disconnect / Connect(other) -> Discovering
//	Connected -> channel lost (timeout, peer close, bad stream) -> Discovering
//	any -> Stop -> Stopped -> Start -> Discovering
package remote
