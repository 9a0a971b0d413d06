package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/harun/conduit/pkg/attachments"
	"github.com/harun/conduit/pkg/envelope"
)

var (
	// ErrUnknownProvider is returned for provider names that have no adapter.
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrInvalidConfig is returned when options cannot be mapped onto an
	// adapter config.
	ErrInvalidConfig = errors.New("invalid provider config")
	// ErrSpawn is returned when the engine could not be started.
	ErrSpawn = errors.New("failed to start agent")
)

// Name identifies an adapter.
type Name string

const (
	NameProcess Name = "process"
	NameSDK     Name = "sdk"
)

// ParseName validates a provider name. Empty input selects the SDK adapter.
func ParseName(s string) (Name, error) {
	switch n := Name(strings.ToLower(strings.TrimSpace(s))); n {
	case NameProcess, NameSDK:
		return n, nil
	case "":
		return NameSDK, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// PermissionMode mirrors the engine's permission modes.
type PermissionMode string

const (
	PermissionModeDefault     PermissionMode = "default"
	PermissionModeAcceptEdits PermissionMode = "acceptEdits"
	PermissionModePlan        PermissionMode = "plan"
	PermissionModeBypass      PermissionMode = "bypassPermissions"
)

// ToolsSettings are the caller's tool permission preferences.
type ToolsSettings struct {
	AllowedTools    []string `json:"allowedTools,omitempty"`
	DisallowedTools []string `json:"disallowedTools,omitempty"`
	SkipPermissions bool     `json:"skipPermissions,omitempty"`
}

// Options is the caller-facing option bag shared by all adapters.
type Options struct {
	SessionID          string              `json:"sessionId,omitempty"`
	CWD                string              `json:"cwd,omitempty"`
	Model              string              `json:"model,omitempty"`
	PermissionMode     PermissionMode      `json:"permissionMode,omitempty"`
	Tools              ToolsSettings       `json:"toolsSettings"`
	AppendSystemPrompt string              `json:"appendSystemPrompt,omitempty"`
	Images             []attachments.Image `json:"images,omitempty"`
}

// Request is one run submitted to an adapter.
type Request struct {
	Prompt  string
	Options Options
	RunID   string
}

// Provider runs a request to completion, emitting envelopes to sink as they
// are produced. A nil error means the engine exited cleanly or was aborted.
type Provider interface {
	Name() Name
	Run(ctx context.Context, req Request, sink envelope.Sink) error
}

// ExitError reports a non-zero engine exit.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("agent exited with code %d", e.Code)
}
