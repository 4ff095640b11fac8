package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OpenConnection tells a remote node where to dial back for the command channel.
type OpenConnection struct {
	CommandIP   string `json:"command_ip"`
	CommandPort int    `json:"command_port"`
}

func (p OpenConnection) Payload() map[string]any {
	return map[string]any{
		"command_ip":   p.CommandIP,
		"command_port": p.CommandPort,
	}
}

// CommandRequest is the payload of a command message.
type CommandRequest struct {
	Command    string   `json:"command"`
	Unattended bool     `json:"unattended"`
	ExecMode   ExecMode `json:"exec_mode"`
}

func (p CommandRequest) Payload() map[string]any {
	return map[string]any{
		"command":    p.Command,
		"unattended": p.Unattended,
		"exec_mode":  string(p.ExecMode),
	}
}

// OutputEntry is one log line captured by the remote engine while running a command.
type OutputEntry struct {
	Type   string `json:"type"`
	Output string `json:"output"`
}

// CommandResult is the payload of a command_result message.
type CommandResult struct {
	Success bool          `json:"success"`
	Command string        `json:"command,omitempty"`
	Result  string        `json:"result"`
	Output  []OutputEntry `json:"output,omitempty"`
}

// FailureText is the remote result text, or the joined error output when
// the engine left result empty.
func (r CommandResult) FailureText() string {
	if strings.TrimSpace(r.Result) != "" {
		return r.Result
	}
	lines := make([]string, 0, len(r.Output))
	for _, entry := range r.Output {
		if strings.EqualFold(entry.Type, "error") {
			lines = append(lines, strings.TrimRight(entry.Output, "\n"))
		}
	}
	if len(lines) == 0 {
		return "remote reported failure"
	}
	return strings.Join(lines, "\n")
}

// DecodeCommandResult reads a command_result payload. success is required;
// every other key is optional.
func DecodeCommandResult(payload map[string]any) (CommandResult, error) {
	if _, ok := payload["success"].(bool); !ok {
		return CommandResult{}, fmt.Errorf("%w: command_result missing success", ErrProtocol)
	}
	if raw, ok := payload["result"]; ok && raw != nil {
		if _, isString := raw.(string); !isString {
			// Non-string results are kept as their JSON text.
			encoded, err := json.Marshal(raw)
			if err != nil {
				return CommandResult{}, fmt.Errorf("%w: command_result result: %v", ErrProtocol, err)
			}
			payload = clonePayload(payload)
			payload["result"] = string(encoded)
		}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return CommandResult{}, fmt.Errorf("%w: command_result: %v", ErrProtocol, err)
	}
	var out CommandResult
	if err := json.Unmarshal(data, &out); err != nil {
		return CommandResult{}, fmt.Errorf("%w: command_result: %v", ErrProtocol, err)
	}
	return out, nil
}

func clonePayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
