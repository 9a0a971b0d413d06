package protocol

import (
	"encoding/json"
	"fmt"
)

// ControlRequestSubtype is the subtype of a control request.
type ControlRequestSubtype string

const (
	ControlRequestSubtypeInitialize ControlRequestSubtype = "initialize"
	ControlRequestSubtypeCanUseTool ControlRequestSubtype = "can_use_tool"
	ControlRequestSubtypeInterrupt  ControlRequestSubtype = "interrupt"
)

// ControlRequest is a request initiated by the CLI.
type ControlRequest struct {
	Type      MessageType     `json:"type"`
	RequestID string          `json:"request_id"`
	Request   json.RawMessage `json:"request"`
}

// Subtype returns the inner request subtype, or "" if it cannot be read.
func (r ControlRequest) Subtype() ControlRequestSubtype {
	var base struct {
		Subtype ControlRequestSubtype `json:"subtype"`
	}
	if err := json.Unmarshal(r.Request, &base); err != nil {
		return ""
	}
	return base.Subtype
}

// CanUseToolRequest asks permission for a tool invocation.
type CanUseToolRequest struct {
	Subtype               ControlRequestSubtype  `json:"subtype"`
	ToolName              string                 `json:"tool_name"`
	Input                 map[string]interface{} `json:"input"`
	BlockedPath           *string                `json:"blocked_path,omitempty"`
	PermissionSuggestions []interface{}          `json:"permission_suggestions,omitempty"`
}

// ParseCanUseTool extracts the tool permission request from a control request.
func ParseCanUseTool(r ControlRequest) (CanUseToolRequest, error) {
	var req CanUseToolRequest
	if err := json.Unmarshal(r.Request, &req); err != nil {
		return CanUseToolRequest{}, fmt.Errorf("parse can_use_tool: %w", err)
	}
	if req.Subtype != ControlRequestSubtypeCanUseTool {
		return CanUseToolRequest{}, fmt.Errorf("parse can_use_tool: unexpected subtype %q", req.Subtype)
	}
	if req.Input == nil {
		req.Input = map[string]interface{}{}
	}
	return req, nil
}

// ControlCancelRequest tells the SDK that the CLI abandoned a pending control
// request (for example the tool call was cancelled upstream).
type ControlCancelRequest struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id"`
}

// ControlResponse wraps control responses in either direction.
type ControlResponse struct {
	Type     MessageType            `json:"type"`
	Response ControlResponsePayload `json:"response"`
}

// ControlResponsePayload is the inner response payload.
type ControlResponsePayload struct {
	Subtype   string      `json:"subtype"`
	RequestID string      `json:"request_id"`
	Response  interface{} `json:"response,omitempty"`
	Error     string      `json:"error,omitempty"`
}

// PermissionBehavior is the behavior for a permission response.
type PermissionBehavior string

const (
	PermissionBehaviorAllow PermissionBehavior = "allow"
	PermissionBehaviorDeny  PermissionBehavior = "deny"
)

// PermissionResultAllow allows tool execution. UpdatedInput must be an
// object, never null.
type PermissionResultAllow struct {
	Behavior     PermissionBehavior     `json:"behavior"`
	UpdatedInput map[string]interface{} `json:"updatedInput"`
}

// PermissionResultDeny denies tool execution.
type PermissionResultDeny struct {
	Behavior  PermissionBehavior `json:"behavior"`
	Message   string             `json:"message,omitempty"`
	Interrupt bool               `json:"interrupt,omitempty"`
}

// NewPermissionAllow builds an allow control response.
func NewPermissionAllow(requestID string, updatedInput map[string]interface{}) ControlResponse {
	if updatedInput == nil {
		updatedInput = map[string]interface{}{}
	}
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultAllow{
				Behavior:     PermissionBehaviorAllow,
				UpdatedInput: updatedInput,
			},
		},
	}
}

// NewPermissionDeny builds a deny control response.
func NewPermissionDeny(requestID, message string) ControlResponse {
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "success",
			RequestID: requestID,
			Response: PermissionResultDeny{
				Behavior: PermissionBehaviorDeny,
				Message:  message,
			},
		},
	}
}

// NewControlError builds an error control response for requests we cannot serve.
func NewControlError(requestID, message string) ControlResponse {
	return ControlResponse{
		Type: MessageTypeControlResponse,
		Response: ControlResponsePayload{
			Subtype:   "error",
			RequestID: requestID,
			Error:     message,
		},
	}
}

// ControlRequestToSend is a control request we send to the CLI.
type ControlRequestToSend struct {
	Type      string      `json:"type"`
	RequestID string      `json:"request_id"`
	Request   interface{} `json:"request"`
}

// NewControlRequest wraps a request body.
func NewControlRequest(requestID string, subtype ControlRequestSubtype) ControlRequestToSend {
	return ControlRequestToSend{
		Type:      string(MessageTypeControlRequest),
		RequestID: requestID,
		Request:   map[string]interface{}{"subtype": subtype},
	}
}
