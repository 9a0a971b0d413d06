package envelope

import "encoding/json"

// SessionCreated is the payload of a session-created envelope.
type SessionCreated struct {
	SessionID string `json:"sessionId"`
}

// RawOutput carries a line that could not be decoded as structured data.
type RawOutput struct {
	Text   string `json:"text"`
	Reason string `json:"reason,omitempty"`
}

// Block is one content block of an assistant message.
type Block struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	Thinking string          `json:"thinking,omitempty"`
	ID       string          `json:"id,omitempty"`
	Name     string          `json:"name,omitempty"`
	Input    json.RawMessage `json:"input,omitempty"`
}

// AssistantDelta is an incremental piece of assistant output.
type AssistantDelta struct {
	Text      string  `json:"text"`
	Blocks    []Block `json:"blocks,omitempty"`
	MessageID string  `json:"messageId,omitempty"`
	Model     string  `json:"model,omitempty"`
	Partial   bool    `json:"partial,omitempty"`
}

// AssistantStop closes a block of assistant text.
type AssistantStop struct {
	Text  string `json:"text,omitempty"`
	Index int    `json:"index,omitempty"`
}

// Result summarizes a finished turn.
type Result struct {
	Subtype      string          `json:"subtype"`
	IsError      bool            `json:"isError"`
	Result       string          `json:"result,omitempty"`
	NumTurns     int             `json:"numTurns,omitempty"`
	DurationMs   int64           `json:"durationMs,omitempty"`
	TotalCostUSD float64         `json:"totalCostUsd,omitempty"`
	ModelUsage   json.RawMessage `json:"modelUsage,omitempty"`
}

// TokenBudget reports context-window consumption.
type TokenBudget struct {
	Used  int `json:"used"`
	Total int `json:"total"`
}

// ApprovalCancelled retracts a previously published approval prompt.
type ApprovalCancelled struct {
	RequestID string `json:"requestId"`
	Reason    string `json:"reason"`
}

// Error carries a non-fatal or fatal error message.
type Error struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}

// Complete is the terminal payload of every run.
type Complete struct {
	ExitCode     int  `json:"exitCode"`
	IsNewSession bool `json:"isNewSession"`
	Aborted      bool `json:"aborted,omitempty"`
}
