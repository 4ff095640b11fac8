package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// wireMessage fixes the key order of the envelope: version, magic, type,
// source, then dest and payload only when present.
type wireMessage struct {
	Version int            `json:"version"`
	Magic   string         `json:"magic"`
	Type    MessageType    `json:"type"`
	Source  string         `json:"source"`
	Dest    string         `json:"dest,omitempty"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Encode renders msg as the canonical UTF-8 JSON envelope.
func Encode(msg Message) ([]byte, error) {
	if strings.TrimSpace(string(msg.Type)) == "" {
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMessage)
	}
	if strings.TrimSpace(msg.Source) == "" {
		return nil, fmt.Errorf("%w: missing source", ErrInvalidMessage)
	}
	out, err := json.Marshal(wireMessage{
		Version: Version,
		Magic:   Magic,
		Type:    msg.Type,
		Source:  msg.Source,
		Dest:    msg.Dest,
		Payload: msg.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return out, nil
}

// MustEncode is Encode for messages built from constants; it panics on error.
func MustEncode(msg Message) []byte {
	out, err := Encode(msg)
	if err != nil {
		panic(err)
	}
	return out
}
