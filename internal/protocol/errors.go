package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrDecode          = errors.New("protocol: decode failed")
	ErrInvalidJSON     = errors.New("protocol: invalid json")
	ErrVersionMismatch = errors.New("protocol: version mismatch")
	ErrMagicMismatch   = errors.New("protocol: magic mismatch")
	ErrMissingSource   = errors.New("protocol: missing source")
	ErrInvalidMessage  = errors.New("protocol: invalid message")
)

var (
	ErrSocket            = errors.New("protocol: socket error")
	ErrConnectionTimeout = errors.New("protocol: connection timeout")
	ErrConnectionBusy    = errors.New("protocol: connection busy")
	ErrProtocol          = errors.New("protocol: unexpected message")
	ErrCommandTimeout    = errors.New("protocol: command timeout")
	ErrCommandFailed     = errors.New("protocol: command failed")
	ErrCancelled         = errors.New("protocol: cancelled")
	ErrChannelClosed     = errors.New("protocol: channel closed")
)

// CommandFailedError carries the failure text reported by the remote engine.
type CommandFailedError struct {
	NodeID string
	Result CommandResult
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("protocol: command failed on node %s: %s", e.NodeID, e.Result.FailureText())
}

func (e *CommandFailedError) Unwrap() error {
	return ErrCommandFailed
}
