// Package provider runs coding-agent backends and turns their output into
// canonical envelopes.
//
// Two adapters are available. ProcessAdapter runs the agent CLI in one-shot
// print mode and reads its stream-json stdout. SDKAdapter speaks the CLI's
// bidirectional control protocol, which lets it answer tool permission
// requests through the approval gateway and interrupt a running turn.
//
// Both adapters register the run in a session.Registry under a provisional id,
// rekey it once the engine reports its session id, and always end with a
// complete envelope.
package provider
