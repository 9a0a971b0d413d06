package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// MessageType discriminates between line kinds.
type MessageType string

const (
	MessageTypeSystem               MessageType = "system"
	MessageTypeAssistant            MessageType = "assistant"
	MessageTypeUser                 MessageType = "user"
	MessageTypeResult               MessageType = "result"
	MessageTypeStreamEvent          MessageType = "stream_event"
	MessageTypeControlRequest       MessageType = "control_request"
	MessageTypeControlResponse      MessageType = "control_response"
	MessageTypeControlCancelRequest MessageType = "control_cancel_request"
)

// ErrNotObject is returned by ParseLine for valid JSON that is not an object.
var ErrNotObject = errors.New("line is not a JSON object")

// Line is one decoded stdout line. Raw keeps the original bytes so that
// consumers can decode type-specific payloads lazily.
type Line struct {
	Type      MessageType     `json:"type"`
	Subtype   string          `json:"subtype,omitempty"`
	SessionID string          `json:"session_id,omitempty"`
	Raw       json.RawMessage `json:"-"`
	// Truncated marks a line cut at the reader's size limit. Such lines
	// are never parsed.
	Truncated bool `json:"-"`
}

// ParseLine decodes the envelope fields of a single stdout line.
func ParseLine(line []byte) (Line, error) {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		if json.Valid(trimmed) {
			return Line{}, ErrNotObject
		}
		return Line{}, fmt.Errorf("parse line: invalid JSON")
	}

	var l Line
	if err := json.Unmarshal(trimmed, &l); err != nil {
		return Line{}, fmt.Errorf("parse line: %w", err)
	}
	l.Raw = append(json.RawMessage(nil), trimmed...)
	return l, nil
}

// Decode unmarshals the full line into v.
func (l Line) Decode(v interface{}) error {
	if len(l.Raw) == 0 {
		return fmt.Errorf("decode %s: empty line", l.Type)
	}
	return json.Unmarshal(l.Raw, v)
}

// MapValue decodes the full line into a generic map, used for opaque
// pass-through payloads.
func (l Line) MapValue() map[string]interface{} {
	var m map[string]interface{}
	if err := json.Unmarshal(l.Raw, &m); err != nil {
		return nil
	}
	return m
}

// SystemMessage reports session initialization and other system events.
type SystemMessage struct {
	Type           MessageType `json:"type"`
	Subtype        string      `json:"subtype"`
	SessionID      string      `json:"session_id"`
	Model          string      `json:"model,omitempty"`
	CWD            string      `json:"cwd,omitempty"`
	PermissionMode string      `json:"permissionMode,omitempty"`
	Tools          []string    `json:"tools,omitempty"`
}

// AssistantMessage carries one assistant turn. Message is an Anthropic
// Messages API object and is decoded by the normalizer.
type AssistantMessage struct {
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`
}

// UserMessage echoes user input and tool results.
type UserMessage struct {
	Type            MessageType     `json:"type"`
	SessionID       string          `json:"session_id"`
	ParentToolUseID *string         `json:"parent_tool_use_id"`
	Message         json.RawMessage `json:"message"`
}

// ResultMessage closes a turn.
type ResultMessage struct {
	Type         MessageType     `json:"type"`
	Subtype      string          `json:"subtype"`
	SessionID    string          `json:"session_id"`
	IsError      bool            `json:"is_error"`
	Result       string          `json:"result"`
	NumTurns     int             `json:"num_turns"`
	DurationMs   int64           `json:"duration_ms"`
	TotalCostUSD float64         `json:"total_cost_usd"`
	ModelUsage   json.RawMessage `json:"modelUsage,omitempty"`
}

// StreamEvent wraps a partial Messages API streaming event.
type StreamEvent struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id"`
	Event     json.RawMessage `json:"event"`
}

// UserMessageToSend is the stdin line that submits a prompt in stream-json
// input mode.
type UserMessageToSend struct {
	Type    string                 `json:"type"`
	Message UserMessageToSendInner `json:"message"`
}

// UserMessageToSendInner is the inner part of messages we send.
type UserMessageToSendInner struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// NewUserMessage builds a prompt line.
func NewUserMessage(prompt string) UserMessageToSend {
	return UserMessageToSend{
		Type: string(MessageTypeUser),
		Message: UserMessageToSendInner{
			Role:    "user",
			Content: prompt,
		},
	}
}
