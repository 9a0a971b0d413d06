package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		want    MessageType
		session string
		wantErr bool
	}{
		{name: "system init", line: `{"type":"system","subtype":"init","session_id":"s1"}`, want: MessageTypeSystem, session: "s1"},
		{name: "result", line: `  {"type":"result","subtype":"success","session_id":"s2"}  `, want: MessageTypeResult, session: "s2"},
		{name: "unknown type still parses", line: `{"type":"mystery"}`, want: MessageType("mystery")},
		{name: "plain text", line: `Loading settings...`, wantErr: true},
		{name: "truncated json", line: `{"type":"assistant"`, wantErr: true},
		{name: "json number", line: `42`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := ParseLine([]byte(tt.line))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, l.Type)
			assert.Equal(t, tt.session, l.SessionID)
			assert.True(t, json.Valid(l.Raw))
		})
	}
}

func TestParseCanUseTool(t *testing.T) {
	l, err := ParseLine([]byte(`{"type":"control_request","request_id":"r1","request":{"subtype":"can_use_tool","tool_name":"Bash","input":{"command":"ls"}}}`))
	require.NoError(t, err)

	var req ControlRequest
	require.NoError(t, l.Decode(&req))
	assert.Equal(t, ControlRequestSubtypeCanUseTool, req.Subtype())

	tool, err := ParseCanUseTool(req)
	require.NoError(t, err)
	assert.Equal(t, "Bash", tool.ToolName)
	assert.Equal(t, "ls", tool.Input["command"])
}

func TestPermissionResponses(t *testing.T) {
	allow := NewPermissionAllow("r1", nil)
	data, err := json.Marshal(allow)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control_response","response":{"subtype":"success","request_id":"r1","response":{"behavior":"allow","updatedInput":{}}}}`, string(data))

	deny := NewPermissionDeny("r2", "nope")
	data, err = json.Marshal(deny)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"control_response","response":{"subtype":"success","request_id":"r2","response":{"behavior":"deny","message":"nope"}}}`, string(data))
}
