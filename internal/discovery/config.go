package discovery

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Config is the discovery subset of the session config. Durations are
// wall-clock time.Duration values.
type Config struct {
	Group       string
	Port        int
	TTL         int
	BindAddr    string
	CommandIP   string
	CommandPort int
	// PingInterval is the minimum spacing between two pings.
	PingInterval time.Duration
	// NodeTimeout is how long a node survives without a pong.
	NodeTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		Group:        "239.0.0.1",
		Port:         6766,
		TTL:          0,
		BindAddr:     "0.0.0.0",
		CommandIP:    "127.0.0.1",
		CommandPort:  6776,
		PingInterval: time.Second,
		NodeTimeout:  5 * time.Second,
	}
}

func (c Config) Validate() error {
	ip := net.ParseIP(strings.TrimSpace(c.Group))
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("discovery: group %q is not an ipv4 multicast address", c.Group)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("discovery: invalid port %d", c.Port)
	}
	if c.TTL < 0 || c.TTL > 255 {
		return fmt.Errorf("discovery: invalid ttl %d", c.TTL)
	}
	if net.ParseIP(strings.TrimSpace(c.BindAddr)).To4() == nil {
		return fmt.Errorf("discovery: bind address %q is not ipv4", c.BindAddr)
	}
	if net.ParseIP(strings.TrimSpace(c.CommandIP)) == nil {
		return fmt.Errorf("discovery: invalid command ip %q", c.CommandIP)
	}
	if c.CommandPort <= 0 || c.CommandPort > 65535 {
		return fmt.Errorf("discovery: invalid command port %d", c.CommandPort)
	}
	if c.PingInterval <= 0 {
		return fmt.Errorf("discovery: ping interval must be positive")
	}
	if c.NodeTimeout < c.PingInterval {
		return fmt.Errorf("discovery: node timeout %s shorter than ping interval %s", c.NodeTimeout, c.PingInterval)
	}
	return nil
}

func (c Config) groupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(strings.TrimSpace(c.Group)).To4(), Port: c.Port}
}
