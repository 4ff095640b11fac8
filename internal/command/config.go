package command

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// Config is the command subset of the session config.
type Config struct {
	CommandIP   string
	CommandPort int
	// AcceptAttempts is how many open_connection broadcasts are sent
	// before giving up on an inbound connection.
	AcceptAttempts int
	// AcceptInterval is the wait after the first broadcast.
	AcceptInterval time.Duration
	// AcceptBackoff multiplies the wait for each later attempt; 1 keeps
	// the spacing fixed.
	AcceptBackoff float64
	// AcceptMaxInterval caps the per-attempt wait when AcceptBackoff > 1.
	AcceptMaxInterval time.Duration
	// CommandTimeout bounds the wait for one command_result.
	CommandTimeout time.Duration
	WriteTimeout   time.Duration
}

func DefaultConfig() Config {
	return Config{
		CommandIP:         "127.0.0.1",
		CommandPort:       6776,
		AcceptAttempts:    6,
		AcceptInterval:    time.Second,
		AcceptBackoff:     1.0,
		AcceptMaxInterval: 5 * time.Second,
		CommandTimeout:    60 * time.Second,
		WriteTimeout:      5 * time.Second,
	}
}

func (c Config) Validate() error {
	if net.ParseIP(strings.TrimSpace(c.CommandIP)) == nil {
		return fmt.Errorf("command: invalid command ip %q", c.CommandIP)
	}
	if c.CommandPort < 0 || c.CommandPort > 65535 {
		return fmt.Errorf("command: invalid command port %d", c.CommandPort)
	}
	if c.AcceptAttempts < 1 {
		return fmt.Errorf("command: accept attempts must be at least 1")
	}
	if c.AcceptInterval <= 0 {
		return fmt.Errorf("command: accept interval must be positive")
	}
	if c.AcceptBackoff != 0 && c.AcceptBackoff < 1 {
		return fmt.Errorf("command: accept backoff must be >= 1")
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("command: command timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("command: write timeout must be positive")
	}
	return nil
}

func (c Config) endpoint() string {
	return net.JoinHostPort(strings.TrimSpace(c.CommandIP), strconv.Itoa(c.CommandPort))
}
