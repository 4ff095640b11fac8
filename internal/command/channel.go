package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/pyremote/internal/observability"
	"github.com/danmuck/pyremote/internal/protocol"
	logs "github.com/danmuck/smplog"
)

// Broadcaster sends the connection negotiation messages over discovery.
type Broadcaster interface {
	BroadcastOpenConnection(remoteNodeID string) error
	BroadcastCloseConnection(remoteNodeID string) error
}

type acceptResult struct {
	conn net.Conn
	err  error
}

// Channel is one command connection with one remote node. At most one
// RunCommand may be outstanding at a time.
type Channel struct {
	cfg      Config
	localID  string
	remoteID string
	bc       Broadcaster
	addr     net.Addr
	conn     net.Conn

	busy   atomic.Bool
	mu     sync.Mutex
	waiter chan []byte

	done      chan struct{}
	readDone  chan struct{}
	readErr   error
	closeOnce sync.Once
	closeErr  error
}

// Open listens on the command endpoint and runs the accept-retry handshake:
// each attempt re-broadcasts open_connection to remoteID and waits for the
// engine to dial in. It fails with protocol.ErrConnectionTimeout once the
// attempt budget is spent; the listener is released on every failure.
func Open(ctx context.Context, cfg Config, localID, remoteID string, bc Broadcaster) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(localID) == "" || strings.TrimSpace(remoteID) == "" {
		return nil, fmt.Errorf("command: local and remote node ids required")
	}
	if bc == nil {
		return nil, fmt.Errorf("command: broadcaster required")
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.endpoint())
	if err != nil {
		return nil, fmt.Errorf("%w: command listen %s: %v", protocol.ErrSocket, cfg.endpoint(), err)
	}

	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := ln.Accept()
		accepted <- acceptResult{conn: conn, err: err}
	}()

	logs.Debugf("command: waiting for node=%s on %s attempts=%d budget=%s",
		remoteID, ln.Addr(), cfg.AcceptAttempts, acceptBudget(cfg))
	conn, err := acceptWithRetry(ctx, cfg, remoteID, bc, accepted)
	observability.RecordConnect(err)
	if err != nil {
		_ = ln.Close()
		if r := <-accepted; r.conn != nil {
			_ = r.conn.Close()
		}
		return nil, err
	}

	// One engine per channel: later dial-backs answering a stale broadcast
	// are refused instead of waiting in the backlog.
	addr := ln.Addr()
	if err := ln.Close(); err != nil {
		logs.Debugf("command: close listener: %v", err)
	}

	c := &Channel{
		cfg:      cfg,
		localID:  localID,
		remoteID: remoteID,
		bc:       bc,
		addr:     addr,
		conn:     conn,
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	logs.Infof("command: connected node=%s remote=%s", remoteID, conn.RemoteAddr())
	return c, nil
}

func acceptWithRetry(ctx context.Context, cfg Config, remoteID string, bc Broadcaster, accepted <-chan acceptResult) (net.Conn, error) {
	for attempt := 1; attempt <= cfg.AcceptAttempts; attempt++ {
		if err := bc.BroadcastOpenConnection(remoteID); err != nil {
			return nil, err
		}
		timer := time.NewTimer(acceptWait(cfg, attempt))
		select {
		case r := <-accepted:
			timer.Stop()
			if r.err != nil {
				return nil, fmt.Errorf("%w: command accept: %v", protocol.ErrSocket, r.err)
			}
			return r.conn, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("%w: %w", protocol.ErrCancelled, ctx.Err())
		case <-timer.C:
			logs.Debugf("command: no connection from node=%s attempt=%d/%d", remoteID, attempt, cfg.AcceptAttempts)
		}
	}
	return nil, fmt.Errorf("%w: node %s did not connect after %d attempts", protocol.ErrConnectionTimeout, remoteID, cfg.AcceptAttempts)
}

func (c *Channel) RemoteID() string {
	return c.remoteID
}

// ListenAddr is the command endpoint the engine dialed.
func (c *Channel) ListenAddr() net.Addr {
	return c.addr
}

// Done is closed once the channel can no longer carry commands: after Close,
// after an abandoned command, or when the reader stops.
func (c *Channel) Done() <-chan struct{} {
	return c.readDone
}

// RunCommand sends one command and waits for its command_result. A call
// made while another is outstanding fails with protocol.ErrConnectionBusy.
// If the wait ends without a result (timeout, cancellation, failed write) the
// engine may still answer later, so the channel is closed and every later
// call fails with protocol.ErrChannelClosed.
func (c *Channel) RunCommand(ctx context.Context, command string, unattended bool, mode protocol.ExecMode) (protocol.CommandResult, error) {
	start := time.Now()
	res, err := c.runCommand(ctx, command, unattended, mode)
	observability.RecordCommand(string(mode), res.Success, err, time.Since(start))
	return res, err
}

func (c *Channel) runCommand(ctx context.Context, command string, unattended bool, mode protocol.ExecMode) (protocol.CommandResult, error) {
	if !mode.Valid() {
		return protocol.CommandResult{}, fmt.Errorf("command: invalid exec mode %q", mode)
	}
	if !c.busy.CompareAndSwap(false, true) {
		return protocol.CommandResult{}, protocol.ErrConnectionBusy
	}
	defer c.busy.Store(false)

	select {
	case <-c.done:
		return protocol.CommandResult{}, protocol.ErrChannelClosed
	default:
	}
	select {
	case <-c.readDone:
		return protocol.CommandResult{}, c.readErr
	default:
	}

	data, err := protocol.Encode(protocol.Message{
		Type:   protocol.TypeCommand,
		Source: c.localID,
		Dest:   c.remoteID,
		Payload: protocol.CommandRequest{
			Command:    command,
			Unattended: unattended,
			ExecMode:   mode,
		}.Payload(),
	})
	if err != nil {
		return protocol.CommandResult{}, err
	}

	w := make(chan []byte, 1)
	c.setWaiter(w)
	defer c.clearWaiter(w)

	_ = c.conn.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	if _, err := c.conn.Write(data); err != nil {
		return protocol.CommandResult{}, c.abandon(fmt.Errorf("%w: command write: %v", protocol.ErrSocket, err))
	}

	timer := time.NewTimer(c.cfg.CommandTimeout)
	defer timer.Stop()

	var frame []byte
	select {
	case frame = <-w:
	case <-timer.C:
		return protocol.CommandResult{}, c.abandon(fmt.Errorf("%w: no result from node %s within %s", protocol.ErrCommandTimeout, c.remoteID, c.cfg.CommandTimeout))
	case <-ctx.Done():
		return protocol.CommandResult{}, c.abandon(fmt.Errorf("%w: %w", protocol.ErrCancelled, ctx.Err()))
	case <-c.done:
		return protocol.CommandResult{}, fmt.Errorf("%w: channel closed while waiting for result", protocol.ErrCancelled)
	case <-c.readDone:
		// A result may have landed just before the reader stopped.
		select {
		case frame = <-w:
		default:
			return protocol.CommandResult{}, c.readErr
		}
	}

	msg, err := c.ReceiveMessage(frame, protocol.TypeCommandResult)
	if err != nil {
		return protocol.CommandResult{}, err
	}
	return protocol.DecodeCommandResult(msg.Payload)
}

// abandon closes the channel after a command lost its result and returns err.
func (c *Channel) abandon(err error) error {
	logs.Warnf("command: closing channel node=%s: %v", c.remoteID, err)
	_ = c.Close()
	return err
}

// ReceiveMessage decodes one inbound frame and requires it to pass the
// admission filter and carry the expected type.
func (c *Channel) ReceiveMessage(data []byte, expected protocol.MessageType) (protocol.Message, error) {
	msg, err := protocol.Decode(data)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("%w: %w", protocol.ErrProtocol, err)
	}
	if !protocol.PassesFilter(msg, c.localID) {
		return protocol.Message{}, fmt.Errorf("%w: message from %s addressed to %q rejected", protocol.ErrProtocol, msg.Source, msg.Dest)
	}
	if msg.Type != expected {
		return protocol.Message{}, fmt.Errorf("%w: got %s, want %s", protocol.ErrProtocol, msg.Type, expected)
	}
	return msg, nil
}

func (c *Channel) setWaiter(w chan []byte) {
	c.mu.Lock()
	c.waiter = w
	c.mu.Unlock()
}

func (c *Channel) clearWaiter(w chan []byte) {
	c.mu.Lock()
	if c.waiter == w {
		c.waiter = nil
	}
	c.mu.Unlock()
}

// deliver hands a frame to the outstanding RunCommand, if any.
func (c *Channel) deliver(frame []byte) {
	c.mu.Lock()
	w := c.waiter
	c.waiter = nil
	c.mu.Unlock()
	if w == nil {
		logs.Warnf("command: dropped unsolicited frame from node=%s bytes=%d", c.remoteID, len(frame))
		return
	}
	w <- frame
}

// readLoop splits the stream into JSON values; the engine sends envelopes
// back to back with no delimiter.
func (c *Channel) readLoop() {
	defer close(c.readDone)

	dec := json.NewDecoder(c.conn)
	for {
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			c.readErr = c.classifyReadErr(err)
			logs.Debugf("command: reader stopped node=%s err=%v", c.remoteID, err)
			_ = c.conn.Close()
			return
		}
		c.deliver(raw)
	}
}

func (c *Channel) classifyReadErr(err error) error {
	select {
	case <-c.done:
		return fmt.Errorf("%w: channel closed", protocol.ErrCancelled)
	default:
	}
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: malformed stream from node %s: %v", protocol.ErrProtocol, c.remoteID, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("%w: node %s closed the connection", protocol.ErrChannelClosed, c.remoteID)
	}
	return fmt.Errorf("%w: command read: %v", protocol.ErrSocket, err)
}

// Close notifies the remote node first, then tears down the accepted socket.
// Pending RunCommand calls resolve with protocol.ErrCancelled.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		if err := c.bc.BroadcastCloseConnection(c.remoteID); err != nil {
			logs.Warnf("command: close_connection to node=%s failed: %v", c.remoteID, err)
		}
		close(c.done)
		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		<-c.readDone
		logs.Infof("command: disconnected node=%s", c.remoteID)
	})
	return c.closeErr
}
