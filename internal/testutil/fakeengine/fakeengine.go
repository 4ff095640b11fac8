// Package fakeengine plays the remote engine side of the protocol in tests:
// it dials back on open_connection and answers command messages.
package fakeengine

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/danmuck/pyremote/internal/protocol"
	"github.com/danmuck/pyremote/internal/registry"
)

// Responder returns the raw frames written back for one command message.
// Returning nil leaves the command unanswered.
type Responder func(req protocol.Message) [][]byte

// Engine implements command.Broadcaster and the node listing used by the
// remote session.
type Engine struct {
	NodeID string
	// Addr is the command endpoint to dial.
	Addr string
	// DialOnAttempt is the 1-based open_connection broadcast that triggers
	// the dial; 0 means never dial. A close_connection for this node starts
	// the count over.
	DialOnAttempt int
	Respond       Responder
	Attributes    registry.Attributes

	mu       sync.Mutex
	opens    int
	attempt  int
	closes   int
	commands []protocol.Message
	conns    []net.Conn
	closed   bool
}

func New(nodeID, addr string) *Engine {
	return &Engine{
		NodeID:        nodeID,
		Addr:          addr,
		DialOnAttempt: 1,
	}
}

func (e *Engine) BroadcastOpenConnection(remoteNodeID string) error {
	e.mu.Lock()
	e.opens++
	if remoteNodeID == e.NodeID {
		e.attempt++
	}
	dial := e.DialOnAttempt > 0 && e.attempt == e.DialOnAttempt && remoteNodeID == e.NodeID
	addr := e.Addr
	e.mu.Unlock()
	if dial {
		go e.dialAndServe(addr)
	}
	return nil
}

func (e *Engine) BroadcastCloseConnection(remoteNodeID string) error {
	e.mu.Lock()
	e.closes++
	if remoteNodeID == e.NodeID {
		e.attempt = 0
	}
	e.mu.Unlock()
	return nil
}

// Nodes reports this engine as the only discovered node.
func (e *Engine) Nodes() []registry.NodeRecord {
	return []registry.NodeRecord{{
		NodeID:     e.NodeID,
		Attributes: e.Attributes,
		LastSeenAt: time.Now(),
	}}
}

// Close drops every connection the engine dialed.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	for _, conn := range e.conns {
		_ = conn.Close()
	}
	return nil
}

// SetResponder swaps the responder while the engine is serving.
func (e *Engine) SetResponder(r Responder) {
	e.mu.Lock()
	e.Respond = r
	e.mu.Unlock()
}

func (e *Engine) Opens() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opens
}

func (e *Engine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

func (e *Engine) Commands() []protocol.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]protocol.Message, len(e.commands))
	copy(out, e.commands)
	return out
}

func (e *Engine) dialAndServe(addr string) {
	conn, err := net.DialTimeout("tcp", addr, 2*time.Second)
	if err != nil {
		return
	}
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		_ = conn.Close()
		return
	}
	e.conns = append(e.conns, conn)
	e.mu.Unlock()

	dec := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return
		}
		msg, err := protocol.Decode(raw)
		if err != nil || msg.Type != protocol.TypeCommand {
			continue
		}
		e.mu.Lock()
		e.commands = append(e.commands, msg)
		respond := e.Respond
		e.mu.Unlock()
		if respond == nil {
			respond = Echo(e.NodeID)
		}
		for _, frame := range respond(msg) {
			if _, err := conn.Write(frame); err != nil {
				return
			}
		}
	}
}

// Result encodes a command_result addressed to dest.
func Result(source, dest string, success bool, result string) []byte {
	return protocol.MustEncode(protocol.Message{
		Type:   protocol.TypeCommandResult,
		Source: source,
		Dest:   dest,
		Payload: map[string]any{
			"success": success,
			"result":  result,
		},
	})
}

// Echo answers every command successfully with the command text as result.
func Echo(nodeID string) Responder {
	return func(req protocol.Message) [][]byte {
		text, _ := req.Payload["command"].(string)
		return [][]byte{Result(nodeID, req.Source, true, text)}
	}
}

// Fixed answers every command with the same result.
func Fixed(nodeID string, success bool, result string) Responder {
	return func(req protocol.Message) [][]byte {
		return [][]byte{Result(nodeID, req.Source, success, result)}
	}
}

// Silent never answers.
func Silent() Responder {
	return func(protocol.Message) [][]byte { return nil }
}

// FreePort returns a loopback TCP port that was free a moment ago.
func FreePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
