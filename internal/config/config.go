package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/pyremote/internal/command"
	"github.com/danmuck/pyremote/internal/discovery"
	"github.com/joho/godotenv"
)

// Config is everything a session needs. It is copied into the session at
// construction and never mutated afterwards. Every interval is a
// time.Duration; in TOML and env vars they are Go duration strings ("1s",
// "250ms").
type Config struct {
	MulticastGroup string
	MulticastPort  int
	// MulticastTTL 0 keeps discovery on the local host.
	MulticastTTL  int
	MulticastBind string

	CommandIP   string
	CommandPort int

	PingInterval time.Duration
	NodeTimeout  time.Duration

	AcceptAttempts    int
	AcceptInterval    time.Duration
	AcceptBackoff     float64
	AcceptMaxInterval time.Duration
	CommandTimeout    time.Duration
	WriteTimeout      time.Duration
}

func Default() Config {
	d := discovery.DefaultConfig()
	c := command.DefaultConfig()
	return Config{
		MulticastGroup:    d.Group,
		MulticastPort:     d.Port,
		MulticastTTL:      d.TTL,
		MulticastBind:     d.BindAddr,
		CommandIP:         c.CommandIP,
		CommandPort:       c.CommandPort,
		PingInterval:      d.PingInterval,
		NodeTimeout:       d.NodeTimeout,
		AcceptAttempts:    c.AcceptAttempts,
		AcceptInterval:    c.AcceptInterval,
		AcceptBackoff:     c.AcceptBackoff,
		AcceptMaxInterval: c.AcceptMaxInterval,
		CommandTimeout:    c.CommandTimeout,
		WriteTimeout:      c.WriteTimeout,
	}
}

func (c Config) Validate() error {
	if err := c.Discovery().Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	if err := c.Command().Validate(); err != nil {
		return fmt.Errorf("config invalid: %w", err)
	}
	return nil
}

type fileConfig struct {
	Multicast struct {
		Group string `toml:"group"`
		Port  int    `toml:"port"`
		TTL   int    `toml:"ttl"`
		Bind  string `toml:"bind"`
	} `toml:"multicast"`
	Discovery struct {
		PingInterval string `toml:"ping_interval"`
		NodeTimeout  string `toml:"node_timeout"`
	} `toml:"discovery"`
	Command struct {
		IP                string  `toml:"ip"`
		Port              int     `toml:"port"`
		AcceptAttempts    int     `toml:"accept_attempts"`
		AcceptInterval    string  `toml:"accept_interval"`
		AcceptBackoff     float64 `toml:"accept_backoff"`
		AcceptMaxInterval string  `toml:"accept_max_interval"`
		Timeout           string  `toml:"timeout"`
		WriteTimeout      string  `toml:"write_timeout"`
	} `toml:"command"`
}

// LoadFile overlays the keys present in a TOML file onto Default.
func LoadFile(path string) (Config, error) {
	cfg := Default()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("config parse failed (%s): unknown key %s", path, undecoded[0])
	}

	if meta.IsDefined("multicast", "group") {
		cfg.MulticastGroup = strings.TrimSpace(raw.Multicast.Group)
	}
	if meta.IsDefined("multicast", "port") {
		cfg.MulticastPort = raw.Multicast.Port
	}
	if meta.IsDefined("multicast", "ttl") {
		cfg.MulticastTTL = raw.Multicast.TTL
	}
	if meta.IsDefined("multicast", "bind") {
		cfg.MulticastBind = strings.TrimSpace(raw.Multicast.Bind)
	}
	if meta.IsDefined("command", "ip") {
		cfg.CommandIP = strings.TrimSpace(raw.Command.IP)
	}
	if meta.IsDefined("command", "port") {
		cfg.CommandPort = raw.Command.Port
	}
	if meta.IsDefined("command", "accept_attempts") {
		cfg.AcceptAttempts = raw.Command.AcceptAttempts
	}
	if meta.IsDefined("command", "accept_backoff") {
		cfg.AcceptBackoff = raw.Command.AcceptBackoff
	}

	durations := []struct {
		key []string
		raw string
		dst *time.Duration
	}{
		{[]string{"discovery", "ping_interval"}, raw.Discovery.PingInterval, &cfg.PingInterval},
		{[]string{"discovery", "node_timeout"}, raw.Discovery.NodeTimeout, &cfg.NodeTimeout},
		{[]string{"command", "accept_interval"}, raw.Command.AcceptInterval, &cfg.AcceptInterval},
		{[]string{"command", "accept_max_interval"}, raw.Command.AcceptMaxInterval, &cfg.AcceptMaxInterval},
		{[]string{"command", "timeout"}, raw.Command.Timeout, &cfg.CommandTimeout},
		{[]string{"command", "write_timeout"}, raw.Command.WriteTimeout, &cfg.WriteTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key...) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", strings.Join(d.key, "."), err)
		}
		*d.dst = v
	}
	return cfg, nil
}

// Env var names read by ApplyEnv.
const (
	EnvMulticastGroup = "PYREMOTE_MULTICAST_GROUP"
	EnvMulticastPort  = "PYREMOTE_MULTICAST_PORT"
	EnvMulticastTTL   = "PYREMOTE_MULTICAST_TTL"
	EnvMulticastBind  = "PYREMOTE_MULTICAST_BIND"
	EnvCommandIP      = "PYREMOTE_COMMAND_IP"
	EnvCommandPort    = "PYREMOTE_COMMAND_PORT"
	EnvPingInterval   = "PYREMOTE_PING_INTERVAL"
	EnvNodeTimeout    = "PYREMOTE_NODE_TIMEOUT"
	EnvAcceptAttempts = "PYREMOTE_ACCEPT_ATTEMPTS"
	EnvAcceptInterval = "PYREMOTE_ACCEPT_INTERVAL"
	EnvCommandTimeout = "PYREMOTE_COMMAND_TIMEOUT"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays PYREMOTE_* variables onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	strs := map[string]*string{
		EnvMulticastGroup: &cfg.MulticastGroup,
		EnvMulticastBind:  &cfg.MulticastBind,
		EnvCommandIP:      &cfg.CommandIP,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	ints := map[string]*int{
		EnvMulticastPort:  &cfg.MulticastPort,
		EnvMulticastTTL:   &cfg.MulticastTTL,
		EnvCommandPort:    &cfg.CommandPort,
		EnvAcceptAttempts: &cfg.AcceptAttempts,
	}
	for key, dst := range ints {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = n
	}

	durations := map[string]*time.Duration{
		EnvPingInterval:   &cfg.PingInterval,
		EnvNodeTimeout:    &cfg.NodeTimeout,
		EnvAcceptInterval: &cfg.AcceptInterval,
		EnvCommandTimeout: &cfg.CommandTimeout,
	}
	for key, dst := range durations {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
	}
	return nil
}

// Load builds the effective config: defaults, then the TOML file at path
// (if any), then variables from dotenvPath (if it exists) and the process
// environment. The result is validated.
func Load(path, dotenvPath string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		fileCfg, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg = fileCfg
	}
	if strings.TrimSpace(dotenvPath) != "" {
		// Existing process variables win over .env entries.
		if err := godotenv.Load(dotenvPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("config env load failed (%s): %w", dotenvPath, err)
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
