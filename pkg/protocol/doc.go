// Package protocol models the line-delimited JSON spoken by the agent CLI in
// stream-json mode, including the SDK control protocol used for tool
// permission requests and interrupts.
//
// Every stdout line is an independent JSON object discriminated by its "type"
// field. Lines that fail to parse are reported to the caller and never
// invalidate sibling lines.
package protocol
