package protocol

import (
	"errors"
	"testing"

	"github.com/danmuck/pyremote/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePingIsCanonical(t *testing.T) {
	testlog.Start(t)

	out, err := Encode(Message{Type: TypePing, Source: "abc"})
	require.NoError(t, err)
	assert.Equal(t, `{"version":1,"magic":"ue_py","type":"ping","source":"abc"}`, string(out))
}

func TestEncodeKeyOrderWithDestAndPayload(t *testing.T) {
	testlog.Start(t)

	out, err := Encode(Message{
		Type:    TypeOpenConnection,
		Source:  "local",
		Dest:    "n1",
		Payload: OpenConnection{CommandIP: "127.0.0.1", CommandPort: 6776}.Payload(),
	})
	require.NoError(t, err)
	assert.Equal(t,
		`{"version":1,"magic":"ue_py","type":"open_connection","source":"local","dest":"n1","payload":{"command_ip":"127.0.0.1","command_port":6776}}`,
		string(out))
}

func TestEncodeRejectsMissingFields(t *testing.T) {
	testlog.Start(t)

	_, err := Encode(Message{Type: TypePing})
	require.ErrorIs(t, err, ErrInvalidMessage)
	_, err = Encode(Message{Source: "abc"})
	require.ErrorIs(t, err, ErrInvalidMessage)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	testlog.Start(t)

	cases := []Message{
		{Type: TypePing, Source: "abc"},
		{Type: TypePong, Source: "n1", Payload: map[string]any{"machine": "WS1", "engine_version": "5.3"}},
		{Type: TypeCloseConnection, Source: "abc", Dest: "n1"},
		{Type: TypeCommand, Source: "abc", Dest: "n1", Payload: map[string]any{
			"command": "print(1)", "unattended": true, "exec_mode": "EvaluateStatement",
		}},
		{Type: TypeCommandResult, Source: "n1", Dest: "abc", Payload: map[string]any{
			"success": false, "result": "boom", "ratio": 0.5,
		}},
		{Type: TypeOpenConnection, Source: "abc", Dest: "n1", Payload: OpenConnection{
			CommandIP: "127.0.0.1", CommandPort: 6776,
		}.Payload()},
		{Type: TypePong, Source: "n1", Payload: map[string]any{
			"pid": 4242, "big": 1e300, "nested": map[string]any{"ports": []any{1, 2.5}},
		}},
	}
	for _, in := range cases {
		data, err := Encode(in)
		require.NoError(t, err)
		out, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestDecodeRejectsVersionAndMagicBeforeOtherFields(t *testing.T) {
	testlog.Start(t)

	cases := []struct {
		name string
		raw  string
		want error
	}{
		{"wrong version", `{"version":2,"magic":"ue_py","type":"ping","source":"a"}`, ErrVersionMismatch},
		{"missing version", `{"magic":"ue_py","type":"ping","source":"a"}`, ErrVersionMismatch},
		{"string version", `{"version":"1","magic":"ue_py","type":"ping","source":"a"}`, ErrVersionMismatch},
		{"wrong version and magic", `{"version":0,"magic":"nope","type":"ping","source":"a"}`, ErrVersionMismatch},
		{"wrong version bad body", `{"version":3,"magic":"ue_py","type":7,"source":null}`, ErrVersionMismatch},
		{"wrong magic", `{"version":1,"magic":"ue_px","type":"ping","source":"a"}`, ErrMagicMismatch},
		{"missing magic", `{"version":1,"type":"ping","source":"a"}`, ErrMagicMismatch},
		{"wrong magic bad body", `{"version":1,"magic":"x","type":[],"payload":"nope"}`, ErrMagicMismatch},
		{"not json", `ping`, ErrInvalidJSON},
		{"truncated", `{"version":1,"magic":"ue_py"`, ErrInvalidJSON},
		{"bad payload", `{"version":1,"magic":"ue_py","type":"pong","source":"a","payload":[1]}`, ErrInvalidJSON},
		{"missing source", `{"version":1,"magic":"ue_py","type":"pong"}`, ErrMissingSource},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode([]byte(tc.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrDecode)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeDefaultsOptionalFields(t *testing.T) {
	testlog.Start(t)

	msg, err := Decode([]byte(`{"version":1,"magic":"ue_py","type":"ping","source":"a","dest":null}`))
	require.NoError(t, err)
	assert.True(t, msg.Broadcast())
	assert.Nil(t, msg.Payload)
}

func TestPassesFilter(t *testing.T) {
	testlog.Start(t)

	const local = "me"
	assert.False(t, PassesFilter(Message{Type: TypePing, Source: local}, local), "self-sourced broadcast")
	assert.False(t, PassesFilter(Message{Type: TypePing, Source: local, Dest: local}, local), "self-sourced direct")
	assert.False(t, PassesFilter(Message{Type: TypePong, Source: "n1", Dest: "other"}, local), "addressed elsewhere")
	assert.True(t, PassesFilter(Message{Type: TypePong, Source: "n1"}, local), "broadcast")
	assert.True(t, PassesFilter(Message{Type: TypePong, Source: "n1", Dest: local}, local), "addressed to self")
}

func TestParseExecMode(t *testing.T) {
	testlog.Start(t)

	for raw, want := range map[string]ExecMode{
		"ExecuteFile":       ExecuteFile,
		"file":              ExecuteFile,
		"executestatement":  ExecuteStatement,
		"exec":              ExecuteStatement,
		"EvaluateStatement": EvaluateStatement,
		" eval ":            EvaluateStatement,
	} {
		got, err := ParseExecMode(raw)
		require.NoError(t, err, raw)
		assert.Equal(t, want, got, raw)
		assert.True(t, got.Valid())
	}
	_, err := ParseExecMode("run")
	require.Error(t, err)
	assert.False(t, ExecMode("run").Valid())
}

func TestDecodeCommandResult(t *testing.T) {
	testlog.Start(t)

	res, err := DecodeCommandResult(map[string]any{
		"success": true,
		"command": "print(1)",
		"result":  "1",
		"output":  []any{map[string]any{"type": "Info", "output": "1\n"}},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "1", res.Result)
	require.Len(t, res.Output, 1)
	assert.Equal(t, "Info", res.Output[0].Type)

	res, err = DecodeCommandResult(map[string]any{"success": true, "result": 3.0})
	require.NoError(t, err)
	assert.Equal(t, "3", res.Result)

	_, err = DecodeCommandResult(map[string]any{"result": "x"})
	require.ErrorIs(t, err, ErrProtocol)
}

func TestCommandFailedError(t *testing.T) {
	testlog.Start(t)

	err := error(&CommandFailedError{NodeID: "n1", Result: CommandResult{
		Output: []OutputEntry{{Type: "Error", Output: "NameError: x\n"}, {Type: "Info", Output: "ignored"}},
	}})
	assert.True(t, errors.Is(err, ErrCommandFailed))
	var failed *CommandFailedError
	require.True(t, errors.As(err, &failed))
	assert.Equal(t, "NameError: x", failed.Result.FailureText())
	assert.Contains(t, err.Error(), "n1")
}
