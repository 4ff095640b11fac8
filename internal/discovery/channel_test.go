package discovery

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/danmuck/pyremote/internal/protocol"
	"github.com/danmuck/pyremote/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const localID = "local-node"

// newLoopbackChannel wires a channel to a unicast "engine" socket so the
// protocol loop runs without multicast support on the test host.
func newLoopbackChannel(t *testing.T, cfg Config) (*Channel, *net.UDPConn) {
	t.Helper()

	engine, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	local, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	c := newChannel(cfg, localID, local, engine.LocalAddr())
	t.Cleanup(func() {
		_ = c.Close()
		_ = engine.Close()
	})
	return c, engine
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.PingInterval = 40 * time.Millisecond
	cfg.NodeTimeout = 200 * time.Millisecond
	return cfg
}

func readMessage(t *testing.T, conn *net.UDPConn, wait time.Duration) (protocol.Message, net.Addr, error) {
	t.Helper()
	buf := make([]byte, maxDatagramSize)
	_ = conn.SetReadDeadline(time.Now().Add(wait))
	n, from, err := conn.ReadFrom(buf)
	if err != nil {
		return protocol.Message{}, nil, err
	}
	msg, err := protocol.Decode(buf[:n])
	return msg, from, err
}

func encode(t *testing.T, msg protocol.Message) []byte {
	t.Helper()
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	return data
}

func TestHandleDatagramAdmission(t *testing.T) {
	testlog.Start(t)

	c, _ := newLoopbackChannel(t, testConfig())
	t0 := time.Unix(1000, 0)
	c.now = func() time.Time { return t0 }

	c.handleDatagram([]byte("not json"), nil)
	c.handleDatagram([]byte(`{"version":2,"magic":"ue_py","type":"pong","source":"n0"}`), nil)
	c.handleDatagram(encode(t, protocol.Message{Type: protocol.TypePong, Source: localID}), nil)
	c.handleDatagram(encode(t, protocol.Message{Type: protocol.TypePong, Source: "n2", Dest: "someone-else"}), nil)
	c.handleDatagram(encode(t, protocol.Message{Type: protocol.TypePing, Source: "n3"}), nil)
	require.Empty(t, c.Nodes())

	c.handleDatagram(encode(t, protocol.Message{
		Type:    protocol.TypePong,
		Source:  "n1",
		Dest:    localID,
		Payload: map[string]any{"machine": "WS1", "project_name": "Proj"},
	}), nil)
	nodes := c.Nodes()
	require.Len(t, nodes, 1)
	assert.Equal(t, "n1", nodes[0].NodeID)
	assert.Equal(t, "WS1", nodes[0].Attributes.Machine)
	assert.Equal(t, "Proj", nodes[0].Attributes.ProjectName)
	assert.Equal(t, t0, nodes[0].LastSeenAt)
}

func TestPongThenTimeoutSweepRemovesNode(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	c, _ := newLoopbackChannel(t, cfg)
	t0 := time.Unix(0, 0)
	c.now = func() time.Time { return t0 }

	c.handleDatagram(encode(t, protocol.Message{
		Type:    protocol.TypePong,
		Source:  "n1",
		Payload: map[string]any{"machine": "WS1"},
	}), nil)
	_, ok := c.Node("n1")
	require.True(t, ok)

	c.now = func() time.Time { return t0.Add(cfg.NodeTimeout - time.Millisecond) }
	c.tick()
	_, ok = c.Node("n1")
	require.True(t, ok)

	c.now = func() time.Time { return t0.Add(cfg.NodeTimeout + time.Millisecond) }
	c.tick()
	assert.Empty(t, c.Nodes())
}

func TestTickPingsAtMostOncePerInterval(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.PingInterval = time.Hour
	cfg.NodeTimeout = time.Hour
	c, engine := newLoopbackChannel(t, cfg)

	for i := 0; i < 5; i++ {
		c.tick()
	}

	msg, _, err := readMessage(t, engine, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypePing, msg.Type)
	assert.Equal(t, localID, msg.Source)
	assert.True(t, msg.Broadcast())

	_, _, err = readMessage(t, engine, 100*time.Millisecond)
	require.Error(t, err)
	var ne net.Error
	require.ErrorAs(t, err, &ne)
	assert.True(t, ne.Timeout())
}

func TestPingPongLoopPopulatesNodes(t *testing.T) {
	testlog.Start(t)

	c, engine := newLoopbackChannel(t, testConfig())
	c.start()

	msg, from, err := readMessage(t, engine, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.TypePing, msg.Type)

	_, err = engine.WriteTo(encode(t, protocol.Message{
		Type:    protocol.TypePong,
		Source:  "engine-1",
		Dest:    msg.Source,
		Payload: map[string]any{"machine": "WS9", "engine_version": "5.4"},
	}), from)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, ok := c.Node("engine-1")
		return ok && rec.Attributes.EngineVersion == "5.4"
	}, 2*time.Second, 10*time.Millisecond)

	// No more pongs: the sweep drops the node after NodeTimeout.
	require.Eventually(t, func() bool {
		_, ok := c.Node("engine-1")
		return !ok
	}, 3*time.Second, 20*time.Millisecond)
}

func TestBroadcastOpenAndCloseConnection(t *testing.T) {
	testlog.Start(t)

	cfg := testConfig()
	cfg.PingInterval = time.Hour
	cfg.NodeTimeout = time.Hour
	cfg.CommandIP = "127.0.0.1"
	cfg.CommandPort = 7001
	c, engine := newLoopbackChannel(t, cfg)

	require.NoError(t, c.BroadcastOpenConnection("n1"))
	msg, _, err := readMessage(t, engine, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeOpenConnection, msg.Type)
	assert.Equal(t, "n1", msg.Dest)
	assert.Equal(t, localID, msg.Source)
	assert.Equal(t, "127.0.0.1", msg.Payload["command_ip"])
	assert.Equal(t, 7001, msg.Payload["command_port"])

	require.NoError(t, c.BroadcastCloseConnection("n1"))
	msg, _, err = readMessage(t, engine, time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.TypeCloseConnection, msg.Type)
	assert.Equal(t, "n1", msg.Dest)
	assert.Nil(t, msg.Payload)
}

func TestCloseIsIdempotentAndDiscardsRegistry(t *testing.T) {
	testlog.Start(t)

	c, _ := newLoopbackChannel(t, testConfig())
	c.start()
	c.handleDatagram(encode(t, protocol.Message{Type: protocol.TypePong, Source: "n1"}), nil)
	require.Len(t, c.Nodes(), 1)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	assert.Empty(t, c.Nodes())

	err := c.BroadcastOpenConnection("n1")
	require.ErrorIs(t, err, protocol.ErrSocket)
}

func TestNodeGaugeSurvivesOtherChannelClose(t *testing.T) {
	testlog.Start(t)

	open := func(id string) *Channel {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
		require.NoError(t, err)
		c := newChannel(testConfig(), id, conn, conn.LocalAddr())
		t.Cleanup(func() { _ = c.Close() })
		return c
	}
	a, b := open("gauge-a"), open("gauge-b")
	pong := func(c *Channel, source string) {
		c.handleDatagram(encode(t, protocol.Message{Type: protocol.TypePong, Source: source}), nil)
	}
	pong(a, "n1")
	pong(b, "n1")
	pong(b, "n2")

	n, ok := nodesGauge(t, "gauge-b")
	require.True(t, ok)
	assert.Equal(t, float64(2), n)

	require.NoError(t, a.Close())
	_, ok = nodesGauge(t, "gauge-a")
	assert.False(t, ok)
	n, ok = nodesGauge(t, "gauge-b")
	require.True(t, ok)
	assert.Equal(t, float64(2), n)
}

func nodesGauge(t *testing.T, localID string) (float64, bool) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "pyremote_discovery_nodes" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "local_id" && lp.GetValue() == localID {
					return m.GetGauge().GetValue(), true
				}
			}
		}
	}
	return 0, false
}

func TestConfigValidate(t *testing.T) {
	testlog.Start(t)

	require.NoError(t, DefaultConfig().Validate())

	mutate := []func(*Config){
		func(c *Config) { c.Group = "10.0.0.1" },
		func(c *Config) { c.Group = "ff02::1" },
		func(c *Config) { c.Port = 0 },
		func(c *Config) { c.TTL = 256 },
		func(c *Config) { c.BindAddr = "localhost" },
		func(c *Config) { c.CommandIP = "" },
		func(c *Config) { c.CommandPort = 70000 },
		func(c *Config) { c.PingInterval = 0 },
		func(c *Config) { c.NodeTimeout = c.PingInterval / 2 },
	}
	for i, m := range mutate {
		cfg := DefaultConfig()
		m(&cfg)
		assert.Error(t, cfg.Validate(), "case %d", i)
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	testlog.Start(t)

	cfg := DefaultConfig()
	cfg.Group = "127.0.0.1"
	_, err := Open(context.Background(), cfg, localID)
	require.Error(t, err)

	_, err = Open(context.Background(), DefaultConfig(), " ")
	require.Error(t, err)
}

func TestOpenMulticastReopen(t *testing.T) {
	if os.Getenv("PYREMOTE_MULTICAST_TEST") == "" {
		t.Skip("set PYREMOTE_MULTICAST_TEST=1 to enable")
	}
	testlog.Start(t)

	cfg := testConfig()
	cfg.Port = 16766
	for i := 0; i < 2; i++ {
		c, err := Open(context.Background(), cfg, localID)
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}
}
