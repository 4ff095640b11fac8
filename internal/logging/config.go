// Package logging configures smplog once per process for the pyremote
// driver and for tests.
package logging

import (
	"os"
	"strconv"
	"strings"
	"sync"

	logs "github.com/danmuck/smplog"
)

const (
	EnvLogLevel     = "PYREMOTE_LOG_LEVEL"
	EnvLogTimestamp = "PYREMOTE_LOG_TIMESTAMP"
	EnvLogNoColor   = "PYREMOTE_LOG_NOCOLOR"
	EnvLogBypass    = "PYREMOTE_LOG_BYPASS"
	EnvLogConfig    = "PYREMOTE_LOG_CONFIG"
)

type Profile int

const (
	ProfileRuntime Profile = iota
	ProfileTest
)

// Options are driver-supplied overrides applied after env overrides.
type Options struct {
	// Level is a level name accepted by ParseLevel; empty keeps the profile level.
	Level string
	// ConfigPath points at an smplog TOML file used as the base config.
	ConfigPath string
}

var configureOnce sync.Once

func ConfigureRuntime(opts Options) {
	Configure(ProfileRuntime, opts)
}

func ConfigureTests() {
	Configure(ProfileTest, Options{})
}

// Configure applies the first call's profile; later calls are no-ops.
func Configure(profile Profile, opts Options) {
	configureOnce.Do(func() {
		cfg := baseConfig(profile, opts.ConfigPath)
		applyEnvOverrides(&cfg)
		if lvl, ok := ParseLevel(opts.Level); ok {
			cfg.Level = lvl
		}
		logs.Configure(cfg)
	})
}

func baseConfig(profile Profile, path string) logs.Config {
	if path == "" {
		path = strings.TrimSpace(os.Getenv(EnvLogConfig))
	}
	if path != "" {
		if cfg, err := logs.ConfigFromFile(path); err == nil {
			return cfg
		}
	}
	cfg := logs.DefaultConfig()
	switch profile {
	case ProfileTest:
		cfg.Level = logs.DebugLevel
		cfg.Timestamp = false
	default:
		cfg.Level = logs.InfoLevel
		cfg.Timestamp = true
	}
	return cfg
}

func applyEnvOverrides(cfg *logs.Config) {
	if lvl, ok := ParseLevel(os.Getenv(EnvLogLevel)); ok {
		cfg.Level = lvl
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogBypass)); ok {
		cfg.Bypass = v
	}
}

// ParseLevel maps a level name to an smplog level. ok is false for empty or
// unknown names.
func ParseLevel(raw string) (logs.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "trace", "diagnostics":
		return logs.TraceLevel, true
	case "debug":
		return logs.DebugLevel, true
	case "info":
		return logs.InfoLevel, true
	case "warn", "warning":
		return logs.WarnLevel, true
	case "error":
		return logs.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return logs.Disabled, true
	default:
		return logs.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
