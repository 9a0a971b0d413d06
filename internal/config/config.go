package config

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/attachments"
	"github.com/harun/conduit/pkg/provider"
	"github.com/harun/conduit/pkg/tokens"
)

// Config represents the main Conduit configuration
type Config struct {
	// Provider used when a run does not name one
	Provider string `json:"provider" mapstructure:"provider"`

	// Claude CLI settings
	Claude ClaudeConfig `json:"claude" mapstructure:"claude"`

	// Default tool permissions, merged into every run
	Tools ToolsConfig `json:"tools" mapstructure:"tools"`

	Approval ApprovalConfig `json:"approval" mapstructure:"approval"`

	Budget BudgetConfig `json:"budget" mapstructure:"budget"`

	Attachments AttachmentsConfig `json:"attachments" mapstructure:"attachments"`

	// Runs holds orchestrator-wide limits
	Runs RunsConfig `json:"runs" mapstructure:"runs"`

	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Gateway configuration
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ClaudeConfig holds settings of the claude CLI both providers drive
type ClaudeConfig struct {
	CLIPath string `json:"cli_path" mapstructure:"cli_path"`
	Model   string `json:"model" mapstructure:"model"`
}

// ToolsConfig holds default tool permissions
type ToolsConfig struct {
	Allowed         []string `json:"allowed" mapstructure:"allowed"`
	Disallowed      []string `json:"disallowed" mapstructure:"disallowed"`
	SkipPermissions bool     `json:"skip_permissions" mapstructure:"skip_permissions"`
	PermissionMode  string   `json:"permission_mode" mapstructure:"permission_mode"`
}

// ApprovalConfig holds approval gateway settings
type ApprovalConfig struct {
	TimeoutMs int `json:"timeout_ms" mapstructure:"timeout_ms"`
}

// BudgetConfig holds token accounting settings
type BudgetConfig struct {
	ContextWindow int `json:"context_window" mapstructure:"context_window"`
}

// AttachmentsConfig holds settings of staged image attachments
type AttachmentsConfig struct {
	TTL           string `json:"ttl" mapstructure:"ttl"`
	SweepSchedule string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
}

// RunsConfig holds run limits
type RunsConfig struct {
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// TracingConfig controls the OpenTelemetry exporter
type TracingConfig struct {
	Enabled     bool   `json:"enabled" mapstructure:"enabled"`
	ServiceName string `json:"service_name" mapstructure:"service_name"`
	File        string `json:"file" mapstructure:"file"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Port              int    `json:"port" mapstructure:"port"`
	Host              string `json:"host" mapstructure:"host"`
	SendBuffer        int    `json:"send_buffer" mapstructure:"send_buffer"`
	RequestsPerMinute int    `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	MaxConcurrent     int    `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Provider: string(provider.NameSDK),
		Claude: ClaudeConfig{
			CLIPath: provider.DefaultCLIPath,
			Model:   provider.DefaultModel,
		},
		Tools: ToolsConfig{
			Allowed:    []string{},
			Disallowed: []string{},
		},
		Approval: ApprovalConfig{
			TimeoutMs: int(approval.DefaultTimeout / time.Millisecond),
		},
		Budget: BudgetConfig{
			ContextWindow: tokens.DefaultContextWindow,
		},
		Attachments: AttachmentsConfig{
			TTL:           attachments.DefaultTTL.String(),
			SweepSchedule: attachments.DefaultSweepSchedule,
		},
		Runs: RunsConfig{
			MaxConcurrent: 0,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "conduit",
		},
		Gateway: GatewayConfig{
			Port:              8080,
			Host:              "127.0.0.1",
			SendBuffer:        256,
			RequestsPerMinute: 120,
			MaxConcurrent:     10,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// ApprovalTimeout returns the approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.Approval.TimeoutMs) * time.Millisecond
}

// AttachmentTTL returns the attachment TTL, falling back to the default for
// values that do not parse.
func (c *Config) AttachmentTTL() time.Duration {
	d, err := time.ParseDuration(c.Attachments.TTL)
	if err != nil || d <= 0 {
		return attachments.DefaultTTL
	}
	return d
}

// ToolsSettings converts the tools section into per-run settings.
func (t ToolsConfig) ToolsSettings() provider.ToolsSettings {
	return provider.ToolsSettings{
		AllowedTools:    append([]string(nil), t.Allowed...),
		DisallowedTools: append([]string(nil), t.Disallowed...),
		SkipPermissions: t.SkipPermissions,
	}
}

// Validate checks if the configuration is valid and reports every problem
// found. The result unwraps to a *multierror.Error.
func (c *Config) Validate() error {
	var result *multierror.Error
	for _, err := range NewValidator().ValidateConfig(c) {
		result = multierror.Append(result, err)
	}
	if result == nil {
		return nil
	}

	result.ErrorFormat = func(errs []error) string {
		msgs := make([]string, len(errs))
		for i, err := range errs {
			msgs[i] = err.Error()
		}
		return "invalid configuration: " + strings.Join(msgs, "; ")
	}
	return result
}
