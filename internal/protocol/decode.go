package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// envelopeHead is read first so version and magic are checked before any
// other field is interpreted.
type envelopeHead struct {
	Version json.RawMessage `json:"version"`
	Magic   json.RawMessage `json:"magic"`
}

type envelopeBody struct {
	Type    MessageType    `json:"type"`
	Source  string         `json:"source"`
	Dest    *string        `json:"dest"`
	Payload map[string]any `json:"payload"`
}

// Decode parses one envelope. Every failure wraps ErrDecode plus one of
// ErrInvalidJSON, ErrVersionMismatch, ErrMagicMismatch, or ErrMissingSource.
func Decode(data []byte) (Message, error) {
	data = bytes.TrimSpace(data)
	var head envelopeHead
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %w: %v", ErrDecode, ErrInvalidJSON, err)
	}

	var version int
	if len(head.Version) == 0 || json.Unmarshal(head.Version, &version) != nil || version != Version {
		return Message{}, fmt.Errorf("%w: %w: got %s", ErrDecode, ErrVersionMismatch, rawOrMissing(head.Version))
	}
	var magic string
	if len(head.Magic) == 0 || json.Unmarshal(head.Magic, &magic) != nil || magic != Magic {
		return Message{}, fmt.Errorf("%w: %w: got %s", ErrDecode, ErrMagicMismatch, rawOrMissing(head.Magic))
	}

	var body envelopeBody
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		return Message{}, fmt.Errorf("%w: %w: %v", ErrDecode, ErrInvalidJSON, err)
	}
	if body.Source == "" {
		return Message{}, fmt.Errorf("%w: %w", ErrDecode, ErrMissingSource)
	}

	msg := Message{
		Type:   body.Type,
		Source: body.Source,
	}
	if body.Dest != nil {
		msg.Dest = *body.Dest
	}
	if len(body.Payload) > 0 {
		msg.Payload = normalizeNumbers(body.Payload).(map[string]any)
	}
	return msg, nil
}

// normalizeNumbers turns json.Number values into int when integral and in
// range, float64 otherwise, so payloads built with int fields round-trip.
func normalizeNumbers(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, item := range t {
			t[k] = normalizeNumbers(item)
		}
		return t
	case []any:
		for i, item := range t {
			t[i] = normalizeNumbers(item)
		}
		return t
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, strconv.IntSize); err == nil {
			return int(n)
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	default:
		return v
	}
}

func rawOrMissing(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "<missing>"
	}
	return string(raw)
}

// PassesFilter is the admission check applied to every inbound message:
// never react to our own traffic, and accept only broadcasts or messages
// addressed to localID.
func PassesFilter(msg Message, localID string) bool {
	if msg.Source == localID {
		return false
	}
	return msg.Dest == "" || msg.Dest == localID
}
