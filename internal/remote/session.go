package remote

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/danmuck/pyremote/internal/command"
	"github.com/danmuck/pyremote/internal/config"
	"github.com/danmuck/pyremote/internal/discovery"
	"github.com/danmuck/pyremote/internal/protocol"
	"github.com/danmuck/pyremote/internal/registry"
	logs "github.com/danmuck/smplog"
	"github.com/google/uuid"
)

var (
	ErrNotStarted   = errors.New("remote: session not started")
	ErrNotConnected = errors.New("remote: session not connected")
)

type State int32

const (
	StateIdle State = iota
	StateDiscovering
	StateConnected
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateConnected:
		return "connected"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Discovery is what the session needs from a discovery channel.
type Discovery interface {
	command.Broadcaster
	Nodes() []registry.NodeRecord
	Close() error
}

// DiscoveryOpener opens the discovery side of a session.
type DiscoveryOpener func(ctx context.Context, cfg discovery.Config, localID string) (Discovery, error)

func openMulticast(ctx context.Context, cfg discovery.Config, localID string) (Discovery, error) {
	ch, err := discovery.Open(ctx, cfg, localID)
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// NodeInfo is the listing view of a discovered node.
type NodeInfo struct {
	NodeID        string
	Machine       string
	User          string
	EngineVersion string
	ProjectName   string
	ProjectRoot   string
	LastSeenAt    time.Time
}

func nodeInfo(rec registry.NodeRecord) NodeInfo {
	return NodeInfo{
		NodeID:        rec.NodeID,
		Machine:       rec.Attributes.Machine,
		User:          rec.Attributes.User,
		EngineVersion: rec.Attributes.EngineVersion,
		ProjectName:   rec.Attributes.ProjectName,
		ProjectRoot:   rec.Attributes.ProjectRoot,
		LastSeenAt:    rec.LastSeenAt,
	}
}

// ExecOptions controls one Execute call. An empty ExecMode runs the text as
// a file.
type ExecOptions struct {
	Unattended     bool
	ExecMode       protocol.ExecMode
	RaiseOnFailure bool
}

// Session drives one remote engine connection at a time.
type Session struct {
	cfg     config.Config
	localID string
	open    DiscoveryOpener

	mu         sync.Mutex
	state      State
	disc       Discovery
	cmd        *command.Channel
	connectSeq uint64
	cancelConn context.CancelFunc
}

// Session constructor using default config.
func New() *Session {
	return NewWithConfig(config.Default())
}

// Session constructor using explicit config. The local identity is fixed
// for the lifetime of the returned session.
func NewWithConfig(cfg config.Config) *Session {
	return &Session{
		cfg:     cfg,
		localID: uuid.NewString(),
		open:    openMulticast,
		state:   StateIdle,
	}
}

// WithDiscoveryOpener replaces the multicast discovery opener. It must be
// called before Start.
func (s *Session) WithDiscoveryOpener(open DiscoveryOpener) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	if open != nil {
		s.open = open
	}
	return s
}

func (s *Session) LocalID() string {
	return s.localID
}

func (s *Session) Config() config.Config {
	return s.cfg
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ConnectedNode reports the node behind the open command channel.
func (s *Session) ConnectedNode() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd == nil {
		return "", false
	}
	return s.cmd.RemoteID(), true
}

// Start opens discovery. Starting a running session is a no-op; starting a
// stopped one opens a fresh discovery channel.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disc != nil {
		return nil
	}
	disc, err := s.open(ctx, s.cfg.Discovery(), s.localID)
	if err != nil {
		return fmt.Errorf("remote: start: %w", err)
	}
	s.disc = disc
	s.state = StateDiscovering
	logs.Infof("remote: session started local_id=%s", s.localID)
	return nil
}

// Stop closes the command channel (notifying its node), cancels any
// in-flight Connect, and closes discovery.
func (s *Session) Stop() error {
	s.mu.Lock()
	if s.state == StateStopped || s.state == StateIdle {
		s.state = StateStopped
		s.mu.Unlock()
		return nil
	}
	cmd, disc := s.cmd, s.disc
	s.cmd, s.disc = nil, nil
	s.abortConnectLocked()
	s.state = StateStopped
	s.mu.Unlock()

	var errs []error
	if cmd != nil {
		if err := cmd.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if disc != nil {
		if err := disc.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	logs.Infof("remote: session stopped local_id=%s", s.localID)
	return errors.Join(errs...)
}

// ListNodes returns the discovered nodes sorted by id, or nothing when the
// session is not running.
func (s *Session) ListNodes() []NodeInfo {
	s.mu.Lock()
	disc := s.disc
	s.mu.Unlock()
	if disc == nil {
		return []NodeInfo{}
	}
	records := disc.Nodes()
	out := make([]NodeInfo, 0, len(records))
	for _, rec := range records {
		out = append(out, nodeInfo(rec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// WaitForNode blocks until nodeID has been discovered or ctx ends.
func (s *Session) WaitForNode(ctx context.Context, nodeID string) (NodeInfo, error) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		if st := s.State(); st == StateIdle || st == StateStopped {
			return NodeInfo{}, ErrNotStarted
		}
		for _, n := range s.ListNodes() {
			if n.NodeID == nodeID {
				return n, nil
			}
		}
		select {
		case <-ctx.Done():
			return NodeInfo{}, fmt.Errorf("%w: waiting for node %s: %w", protocol.ErrCancelled, nodeID, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Connect opens a command channel to nodeID, closing any existing one
// first. A concurrent Connect or Stop cancels an in-flight one.
func (s *Session) Connect(ctx context.Context, nodeID string) error {
	s.mu.Lock()
	if s.disc == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	disc := s.disc
	prev := s.cmd
	s.cmd = nil
	s.state = StateDiscovering
	s.abortConnectLocked()
	s.connectSeq++
	seq := s.connectSeq
	connCtx, cancel := context.WithCancel(ctx)
	s.cancelConn = cancel
	s.mu.Unlock()
	defer cancel()

	if prev != nil {
		if err := prev.Close(); err != nil {
			logs.Warnf("remote: close previous channel node=%s: %v", prev.RemoteID(), err)
		}
	}

	ch, err := command.Open(connCtx, s.cfg.Command(), s.localID, nodeID, disc)
	if err != nil {
		return fmt.Errorf("remote: connect %s: %w", nodeID, err)
	}

	s.mu.Lock()
	if s.connectSeq != seq || s.disc != disc {
		s.mu.Unlock()
		_ = ch.Close()
		return fmt.Errorf("remote: connect %s: %w", nodeID, protocol.ErrCancelled)
	}
	s.cmd = ch
	s.cancelConn = nil
	s.state = StateConnected
	s.mu.Unlock()
	go s.watch(ch)
	return nil
}

// watch drops ch once it stops carrying commands.
func (s *Session) watch(ch *command.Channel) {
	<-ch.Done()
	s.dropDead(ch)
}

// dropDead moves the session back to discovery if ch is still the current
// channel.
func (s *Session) dropDead(ch *command.Channel) {
	s.mu.Lock()
	if s.cmd != ch {
		s.mu.Unlock()
		return
	}
	s.cmd = nil
	s.state = StateDiscovering
	s.mu.Unlock()

	logs.Warnf("remote: lost command channel node=%s", ch.RemoteID())
	_ = ch.Close()
}

func (s *Session) abortConnectLocked() {
	if s.cancelConn != nil {
		s.cancelConn()
		s.cancelConn = nil
	}
}

// Disconnect closes the command channel and returns to discovering.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	if s.disc == nil {
		s.mu.Unlock()
		return ErrNotStarted
	}
	cmd := s.cmd
	s.cmd = nil
	s.abortConnectLocked()
	s.state = StateDiscovering
	s.mu.Unlock()

	if cmd == nil {
		return nil
	}
	return cmd.Close()
}

// Execute runs text on the connected node. With RaiseOnFailure a result
// with success=false becomes a *protocol.CommandFailedError.
func (s *Session) Execute(ctx context.Context, text string, opts ExecOptions) (protocol.CommandResult, error) {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil {
		return protocol.CommandResult{}, ErrNotConnected
	}

	mode := opts.ExecMode
	if mode == "" {
		mode = protocol.ExecuteFile
	}
	res, err := cmd.RunCommand(ctx, text, opts.Unattended, mode)
	if err != nil {
		select {
		case <-cmd.Done():
			s.dropDead(cmd)
		default:
		}
		return protocol.CommandResult{}, err
	}
	if opts.RaiseOnFailure && !res.Success {
		return res, &protocol.CommandFailedError{NodeID: cmd.RemoteID(), Result: res}
	}
	return res, nil
}
