package protocol

import (
	"fmt"
	"strings"
)

const (
	// Version is the only protocol version the remote engine speaks.
	Version = 1
	// Magic tags every envelope belonging to this protocol.
	Magic = "ue_py"
)

// MessageType is the envelope "type" field.
type MessageType string

const (
	TypePing            MessageType = "ping"
	TypePong            MessageType = "pong"
	TypeOpenConnection  MessageType = "open_connection"
	TypeCloseConnection MessageType = "close_connection"
	TypeCommand         MessageType = "command"
	TypeCommandResult   MessageType = "command_result"
)

// Known reports whether t is one of the six protocol message types.
func (t MessageType) Known() bool {
	switch t {
	case TypePing, TypePong, TypeOpenConnection, TypeCloseConnection, TypeCommand, TypeCommandResult:
		return true
	default:
		return false
	}
}

// Message is one decoded envelope. Dest == "" means broadcast; a nil or
// empty Payload is omitted on the wire.
type Message struct {
	Type    MessageType
	Source  string
	Dest    string
	Payload map[string]any
}

// Broadcast reports whether the message is addressed to every listener.
func (m Message) Broadcast() bool {
	return m.Dest == ""
}

// ExecMode selects how the remote engine interprets command text.
type ExecMode string

const (
	// ExecuteFile runs a file path (with optional arguments) or a literal
	// multi-statement script.
	ExecuteFile ExecMode = "ExecuteFile"
	// ExecuteStatement runs one statement and discards its value.
	ExecuteStatement ExecMode = "ExecuteStatement"
	// EvaluateStatement runs one statement and returns its value.
	EvaluateStatement ExecMode = "EvaluateStatement"
)

func (m ExecMode) Valid() bool {
	switch m {
	case ExecuteFile, ExecuteStatement, EvaluateStatement:
		return true
	default:
		return false
	}
}

// ParseExecMode accepts the wire tokens case-insensitively plus the short
// aliases file, exec/statement, and eval.
func ParseExecMode(raw string) (ExecMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "executefile", "file":
		return ExecuteFile, nil
	case "executestatement", "exec", "statement":
		return ExecuteStatement, nil
	case "evaluatestatement", "eval":
		return EvaluateStatement, nil
	default:
		return "", fmt.Errorf("protocol: unknown exec mode %q", raw)
	}
}
