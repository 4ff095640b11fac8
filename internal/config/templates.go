package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file of the given kind: "toml" for the session
// config, "env" for a .env overlay.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "toml":
		return tomlTemplate, nil
	case "env":
		return envTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const tomlTemplate = `[multicast]
group = "239.0.0.1"
port = 6766
ttl = 0
bind = "0.0.0.0"

[discovery]
ping_interval = "1s"
node_timeout = "5s"

[command]
ip = "127.0.0.1"
port = 6776
accept_attempts = 6
accept_interval = "1s"
accept_backoff = 1.0
accept_max_interval = "5s"
timeout = "60s"
write_timeout = "5s"
`

const envTemplate = `# PYREMOTE_MULTICAST_GROUP=239.0.0.1
# PYREMOTE_MULTICAST_PORT=6766
# PYREMOTE_MULTICAST_TTL=0
# PYREMOTE_MULTICAST_BIND=0.0.0.0
# PYREMOTE_COMMAND_IP=127.0.0.1
# PYREMOTE_COMMAND_PORT=6776
# PYREMOTE_PING_INTERVAL=1s
# PYREMOTE_NODE_TIMEOUT=5s
# PYREMOTE_ACCEPT_ATTEMPTS=6
# PYREMOTE_ACCEPT_INTERVAL=1s
# PYREMOTE_COMMAND_TIMEOUT=60s
# PYREMOTE_LOG_LEVEL=info
`
