package envelope

import (
	"encoding/json"
	"sync"
)

// Type identifies the kind of canonical envelope.
type Type string

const (
	TypeSessionCreated        Type = "session-created"
	TypeSystemInfo            Type = "system-info"
	TypeUserEcho              Type = "user-echo"
	TypeAssistantDelta        Type = "assistant-delta"
	TypeAssistantStop         Type = "assistant-stop"
	TypeResult                Type = "result"
	TypeTokenBudget           Type = "token-budget"
	TypeToolApprovalRequest   Type = "tool-approval-request"
	TypeToolApprovalCancelled Type = "tool-approval-cancelled"
	TypeRawOutput             Type = "raw-output"
	TypeError                 Type = "error"
	TypeComplete              Type = "complete"
)

// Envelope is the normalized unit delivered to a Sink.
type Envelope struct {
	Type      Type
	Data      interface{}
	SessionID string
	RunID     string

	// Set only on tool-approval-request envelopes.
	RequestID string
	ToolName  string
	Input     interface{}
}

// New creates an envelope with the given type and payload.
func New(t Type, data interface{}) Envelope {
	return Envelope{Type: t, Data: data}
}

// WithSession returns a copy stamped with session and run identifiers.
func (e Envelope) WithSession(sessionID, runID string) Envelope {
	e.SessionID = sessionID
	e.RunID = runID
	return e
}

type wireEnvelope struct {
	Type      Type        `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	SessionID *string     `json:"sessionId"`
	RunID     *string     `json:"runId"`
	RequestID string      `json:"requestId,omitempty"`
	ToolName  string      `json:"toolName,omitempty"`
	Input     interface{} `json:"input,omitempty"`
}

// MarshalJSON renders unknown session and run ids as null.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Type:      e.Type,
		Data:      e.Data,
		SessionID: nullable(e.SessionID),
		RunID:     nullable(e.RunID),
		RequestID: e.RequestID,
		ToolName:  e.ToolName,
		Input:     e.Input,
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Envelope{
		Type:      w.Type,
		Data:      w.Data,
		RequestID: w.RequestID,
		ToolName:  w.ToolName,
		Input:     w.Input,
	}
	if w.SessionID != nil {
		e.SessionID = *w.SessionID
	}
	if w.RunID != nil {
		e.RunID = *w.RunID
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Sink receives envelopes. Implementations must not block.
type Sink interface {
	Send(env Envelope)
}

// SessionIDSetter is optionally implemented by sinks that want to learn the
// confirmed session id once the engine reports it.
type SessionIDSetter interface {
	SetSessionID(id string)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(env Envelope)

// Send implements Sink.
func (f SinkFunc) Send(env Envelope) { f(env) }

// Recorder is an in-memory Sink that keeps every envelope it receives.
type Recorder struct {
	mu        sync.Mutex
	envelopes []Envelope
	sessionID string
	notify    chan Envelope
}

// NewRecorder creates a Recorder. When buffer is positive, envelopes are also
// published on the channel returned by C (dropped if the channel is full).
func NewRecorder(buffer int) *Recorder {
	r := &Recorder{}
	if buffer > 0 {
		r.notify = make(chan Envelope, buffer)
	}
	return r
}

// Send implements Sink.
func (r *Recorder) Send(env Envelope) {
	r.mu.Lock()
	r.envelopes = append(r.envelopes, env)
	r.mu.Unlock()

	if r.notify != nil {
		select {
		case r.notify <- env:
		default:
		}
	}
}

// SetSessionID implements SessionIDSetter.
func (r *Recorder) SetSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// C returns the notification channel, or nil when created without a buffer.
func (r *Recorder) C() <-chan Envelope {
	return r.notify
}

// Envelopes returns a copy of everything recorded so far.
func (r *Recorder) Envelopes() []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Envelope, len(r.envelopes))
	copy(out, r.envelopes)
	return out
}

// SessionID returns the id passed to SetSessionID.
func (r *Recorder) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Types returns the envelope types recorded so far, in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Type, 0, len(r.envelopes))
	for _, env := range r.envelopes {
		out = append(out, env.Type)
	}
	return out
}

// Count returns how many envelopes of the given type were recorded.
func (r *Recorder) Count(t Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, env := range r.envelopes {
		if env.Type == t {
			n++
		}
	}
	return n
}
