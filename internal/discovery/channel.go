package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/pyremote/internal/observability"
	"github.com/danmuck/pyremote/internal/protocol"
	"github.com/danmuck/pyremote/internal/registry"
	logs "github.com/danmuck/smplog"
	"golang.org/x/net/ipv4"
	"golang.org/x/time/rate"
)

const (
	maxDatagramSize = 64 * 1024
	// tickDivisor runs the periodic task finer than the ping interval so a
	// late tick delays the next ping by at most PingInterval/tickDivisor.
	tickDivisor = 4
	minTick     = 10 * time.Millisecond
)

// packetConn is the subset of *net.UDPConn the channel needs.
type packetConn interface {
	ReadFrom(b []byte) (int, net.Addr, error)
	WriteTo(b []byte, addr net.Addr) (int, error)
	Close() error
}

// Channel is one open multicast discovery socket bound to a local identity.
type Channel struct {
	cfg      Config
	localID  string
	registry *registry.Registry
	conn     packetConn
	dest     net.Addr
	leave    func() error
	pinger   *rate.Sometimes
	now      func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Open binds the multicast socket, joins the group, and starts the ping /
// sweep task and the datagram reader. Socket failures wrap protocol.ErrSocket.
func Open(ctx context.Context, cfg Config, localID string) (*Channel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(localID) == "" {
		return nil, fmt.Errorf("discovery: local id required")
	}

	lc := net.ListenConfig{Control: reuseAddrControl}
	bind := net.JoinHostPort(strings.TrimSpace(cfg.BindAddr), strconv.Itoa(cfg.Port))
	pc, err := lc.ListenPacket(ctx, "udp4", bind)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery listen %s: %v", protocol.ErrSocket, bind, err)
	}
	udpConn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, fmt.Errorf("%w: discovery listen %s: not a udp socket", protocol.ErrSocket, bind)
	}

	group := cfg.groupAddr()
	p := ipv4.NewPacketConn(udpConn)
	ifi, err := interfaceForAddr(cfg.BindAddr)
	if err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("%w: discovery interface %s: %v", protocol.ErrSocket, cfg.BindAddr, err)
	}
	if err := p.JoinGroup(ifi, &net.UDPAddr{IP: group.IP}); err != nil {
		_ = udpConn.Close()
		return nil, fmt.Errorf("%w: discovery join %s: %v", protocol.ErrSocket, group.IP, err)
	}
	if err := configureMulticast(p, ifi, cfg.TTL); err != nil {
		_ = p.LeaveGroup(ifi, &net.UDPAddr{IP: group.IP})
		_ = udpConn.Close()
		return nil, fmt.Errorf("%w: discovery multicast options: %v", protocol.ErrSocket, err)
	}

	c := newChannel(cfg, localID, udpConn, group)
	c.leave = func() error {
		return p.LeaveGroup(ifi, &net.UDPAddr{IP: group.IP})
	}
	c.start()
	logs.Infof("discovery: open group=%s bind=%s ttl=%d local_id=%s", group, bind, cfg.TTL, localID)
	return c, nil
}

func newChannel(cfg Config, localID string, conn packetConn, dest net.Addr) *Channel {
	return &Channel{
		cfg:      cfg,
		localID:  localID,
		registry: registry.New(cfg.NodeTimeout),
		conn:     conn,
		dest:     dest,
		leave:    func() error { return nil },
		pinger:   &rate.Sometimes{Interval: cfg.PingInterval},
		now:      time.Now,
		stop:     make(chan struct{}),
	}
}

func configureMulticast(p *ipv4.PacketConn, ifi *net.Interface, ttl int) error {
	if ifi != nil {
		if err := p.SetMulticastInterface(ifi); err != nil {
			return err
		}
	}
	if err := p.SetMulticastTTL(ttl); err != nil {
		return err
	}
	// TTL 0 keeps traffic on this host; loopback must be on to reach a local engine.
	return p.SetMulticastLoopback(true)
}

// interfaceForAddr returns the interface owning bindAddr, or nil for the
// unspecified address so the kernel picks one.
func interfaceForAddr(bindAddr string) (*net.Interface, error) {
	ip := net.ParseIP(strings.TrimSpace(bindAddr))
	if ip == nil || ip.IsUnspecified() {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface has address %s", ip)
}

func (c *Channel) start() {
	c.wg.Add(2)
	go c.readLoop()
	go c.tickLoop()
}

func (c *Channel) LocalID() string {
	return c.localID
}

// Nodes returns a point-in-time copy of the discovered nodes.
func (c *Channel) Nodes() []registry.NodeRecord {
	return c.registry.Snapshot()
}

func (c *Channel) Node(nodeID string) (registry.NodeRecord, bool) {
	return c.registry.Get(nodeID)
}

// BroadcastOpenConnection asks remoteNodeID to dial back to the configured
// command endpoint.
func (c *Channel) BroadcastOpenConnection(remoteNodeID string) error {
	payload := protocol.OpenConnection{
		CommandIP:   c.cfg.CommandIP,
		CommandPort: c.cfg.CommandPort,
	}.Payload()
	return c.send(protocol.TypeOpenConnection, remoteNodeID, payload)
}

// BroadcastCloseConnection tells remoteNodeID the command channel is going
// away. No acknowledgement is expected.
func (c *Channel) BroadcastCloseConnection(remoteNodeID string) error {
	return c.send(protocol.TypeCloseConnection, remoteNodeID, nil)
}

func (c *Channel) send(typ protocol.MessageType, dest string, payload map[string]any) error {
	data, err := protocol.Encode(protocol.Message{
		Type:    typ,
		Source:  c.localID,
		Dest:    dest,
		Payload: payload,
	})
	if err != nil {
		return err
	}
	if _, err := c.conn.WriteTo(data, c.dest); err != nil {
		return fmt.Errorf("%w: discovery send %s: %v", protocol.ErrSocket, typ, err)
	}
	return nil
}

func (c *Channel) tickLoop() {
	defer c.wg.Done()

	period := c.cfg.PingInterval / tickDivisor
	if period < minTick {
		period = minTick
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	c.tick()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.tick()
		}
	}
}

// tick pings at most once per PingInterval and sweeps expired nodes.
func (c *Channel) tick() {
	c.pinger.Do(func() {
		if err := c.send(protocol.TypePing, "", nil); err != nil {
			logs.Warnf("discovery: ping failed: %v", err)
			return
		}
		observability.RecordPing()
	})
	if lost := c.registry.Sweep(c.now()); len(lost) > 0 {
		observability.SetNodes(c.localID, c.registry.Len())
	}
}

func (c *Channel) readLoop() {
	defer c.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := c.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-c.stop:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logs.Debugf("discovery: read error: %v", err)
			continue
		}
		c.handleDatagram(buf[:n], from)
	}
}

func (c *Channel) handleDatagram(data []byte, from net.Addr) {
	msg, err := protocol.Decode(data)
	if err != nil {
		logs.Debugf("discovery: dropped datagram from=%v err=%v", from, err)
		observability.RecordDatagram(observability.DatagramDecodeErr)
		return
	}
	if !protocol.PassesFilter(msg, c.localID) {
		observability.RecordDatagram(observability.DatagramFiltered)
		return
	}
	switch msg.Type {
	case protocol.TypePong:
		observability.RecordDatagram(observability.DatagramPong)
		if c.registry.Upsert(msg.Source, registry.AttributesFromPayload(msg.Payload), c.now()) {
			observability.SetNodes(c.localID, c.registry.Len())
		}
	default:
		observability.RecordDatagram(observability.DatagramUnhandled)
		logs.Debugf("discovery: unhandled message type=%s source=%s", msg.Type, msg.Source)
	}
}

// Close stops the periodic task, leaves the group, closes the socket, and
// discards the registry. It is safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		close(c.stop)
		if err := c.leave(); err != nil {
			logs.Debugf("discovery: leave group: %v", err)
		}
		c.closeErr = c.conn.Close()
		c.wg.Wait()
		c.registry.Reset()
		observability.ForgetNodes(c.localID)
		logs.Infof("discovery: closed local_id=%s", c.localID)
	})
	return c.closeErr
}
