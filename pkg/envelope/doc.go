// Package envelope defines the canonical message unit pushed to transport sinks.
//
// Invariants:
// - Every provider emits only the envelope types declared here.
// - session-created is emitted at most once per new session, never for a resume.
// - Sinks must not block the caller; Send is fire-and-forget.
//
// Usage:
//
//	sink := envelope.SinkFunc(func(env envelope.Envelope) { fmt.Println(env.Type) })
//	sink.Send(envelope.New(envelope.TypeComplete, map[string]interface{}{"exitCode": 0}))
package envelope
