// Package normalize maps agent CLI stream-json lines onto the canonical
// envelope vocabulary. It is pure: no I/O, no suspension, no errors.
package normalize

import (
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/protocol"
)

// Normalize converts one decoded line into one envelope. Unrecognized shapes
// fall back to raw-output.
func Normalize(line protocol.Line) envelope.Envelope {
	switch line.Type {
	case protocol.MessageTypeSystem:
		return envelope.New(envelope.TypeSystemInfo, line.MapValue())
	case protocol.MessageTypeUser:
		return envelope.New(envelope.TypeUserEcho, line.MapValue())
	case protocol.MessageTypeAssistant:
		return assistant(line)
	case protocol.MessageTypeStreamEvent:
		return streamEvent(line)
	case protocol.MessageTypeResult:
		return result(line)
	default:
		return Raw(string(line.Raw), "unrecognized message type")
	}
}

// Raw builds a raw-output envelope for text that is passed through verbatim.
func Raw(text, reason string) envelope.Envelope {
	return envelope.New(envelope.TypeRawOutput, envelope.RawOutput{Text: text, Reason: reason})
}

func assistant(line protocol.Line) envelope.Envelope {
	var msg protocol.AssistantMessage
	if err := line.Decode(&msg); err != nil || len(msg.Message) == 0 {
		return Raw(string(line.Raw), "malformed assistant message")
	}

	var content anthropic.Message
	if err := json.Unmarshal(msg.Message, &content); err != nil {
		return Raw(string(line.Raw), "malformed assistant message")
	}

	delta := envelope.AssistantDelta{
		MessageID: content.ID,
		Model:     string(content.Model),
	}

	var text strings.Builder
	for _, block := range content.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(b.Text)
			delta.Blocks = append(delta.Blocks, envelope.Block{Type: "text", Text: b.Text})
		case anthropic.ThinkingBlock:
			delta.Blocks = append(delta.Blocks, envelope.Block{Type: "thinking", Thinking: b.Thinking})
		case anthropic.ToolUseBlock:
			delta.Blocks = append(delta.Blocks, envelope.Block{
				Type:  "tool_use",
				ID:    b.ID,
				Name:  b.Name,
				Input: json.RawMessage(b.JSON.Input.Raw()),
			})
		default:
			delta.Blocks = append(delta.Blocks, envelope.Block{Type: block.Type})
		}
	}
	delta.Text = text.String()

	return envelope.New(envelope.TypeAssistantDelta, delta)
}

func streamEvent(line protocol.Line) envelope.Envelope {
	var se protocol.StreamEvent
	if err := line.Decode(&se); err != nil || len(se.Event) == 0 {
		return Raw(string(line.Raw), "malformed stream event")
	}

	var event anthropic.MessageStreamEventUnion
	if err := json.Unmarshal(se.Event, &event); err != nil {
		return Raw(string(line.Raw), "malformed stream event")
	}

	switch ev := event.AsAny().(type) {
	case anthropic.ContentBlockDeltaEvent:
		switch d := ev.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			return envelope.New(envelope.TypeAssistantDelta, envelope.AssistantDelta{Text: d.Text, Partial: true})
		case anthropic.ThinkingDelta:
			return envelope.New(envelope.TypeAssistantDelta, envelope.AssistantDelta{
				Partial: true,
				Blocks:  []envelope.Block{{Type: "thinking", Thinking: d.Thinking}},
			})
		}
	case anthropic.ContentBlockStopEvent:
		return envelope.New(envelope.TypeAssistantStop, envelope.AssistantStop{Index: int(ev.Index)})
	}

	return Raw(string(line.Raw), "unhandled stream event")
}

func result(line protocol.Line) envelope.Envelope {
	var msg protocol.ResultMessage
	if err := line.Decode(&msg); err != nil {
		return Raw(string(line.Raw), "malformed result message")
	}

	return envelope.New(envelope.TypeResult, envelope.Result{
		Subtype:      msg.Subtype,
		IsError:      msg.IsError,
		Result:       msg.Result,
		NumTurns:     msg.NumTurns,
		DurationMs:   msg.DurationMs,
		TotalCostUSD: msg.TotalCostUSD,
		ModelUsage:   msg.ModelUsage,
	})
}
