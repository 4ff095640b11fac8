package config

import (
	"github.com/danmuck/pyremote/internal/command"
	"github.com/danmuck/pyremote/internal/discovery"
)

func (c Config) Discovery() discovery.Config {
	return discovery.Config{
		Group:        c.MulticastGroup,
		Port:         c.MulticastPort,
		TTL:          c.MulticastTTL,
		BindAddr:     c.MulticastBind,
		CommandIP:    c.CommandIP,
		CommandPort:  c.CommandPort,
		PingInterval: c.PingInterval,
		NodeTimeout:  c.NodeTimeout,
	}
}

func (c Config) Command() command.Config {
	return command.Config{
		CommandIP:         c.CommandIP,
		CommandPort:       c.CommandPort,
		AcceptAttempts:    c.AcceptAttempts,
		AcceptInterval:    c.AcceptInterval,
		AcceptBackoff:     c.AcceptBackoff,
		AcceptMaxInterval: c.AcceptMaxInterval,
		CommandTimeout:    c.CommandTimeout,
		WriteTimeout:      c.WriteTimeout,
	}
}
