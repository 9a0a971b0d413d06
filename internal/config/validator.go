package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harun/conduit/pkg/provider"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateProvider validates a provider name
func (v *Validator) ValidateProvider(name string) error {
	if _, err := provider.ParseName(name); err != nil {
		return fmt.Errorf("invalid provider: %q (must be one of: %s, %s)", name, provider.NameProcess, provider.NameSDK)
	}
	return nil
}

// ValidatePermissionMode validates a permission mode. Empty means the CLI
// default.
func (v *Validator) ValidatePermissionMode(mode string) error {
	switch provider.PermissionMode(mode) {
	case "", provider.PermissionModeDefault, provider.PermissionModeAcceptEdits, provider.PermissionModePlan, provider.PermissionModeBypass:
		return nil
	}
	return fmt.Errorf("invalid permission mode: %s", mode)
}

// ValidateTimeout validates the approval timeout in milliseconds
func (v *Validator) ValidateTimeout(ms int) error {
	if ms <= 0 {
		return fmt.Errorf("approval.timeout_ms must be positive, got %d", ms)
	}
	return nil
}

// ValidateContextWindow validates the token ceiling
func (v *Validator) ValidateContextWindow(window int) error {
	if window <= 0 {
		return fmt.Errorf("budget.context_window must be positive, got %d", window)
	}
	return nil
}

// ValidateTTL validates a duration string such as "24h"
func (v *Validator) ValidateTTL(ttl string) error {
	d, err := time.ParseDuration(ttl)
	if err != nil {
		return fmt.Errorf("invalid attachments.ttl %q: %w", ttl, err)
	}
	if d <= 0 {
		return fmt.Errorf("attachments.ttl must be positive, got %s", ttl)
	}
	return nil
}

// ValidateSchedule validates a cron spec or descriptor such as "@every 30m"
func (v *Validator) ValidateSchedule(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid attachments.sweep_schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("gateway.port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidateProvider(cfg.Provider); err != nil {
		errors = append(errors, err)
	}
	if strings.TrimSpace(cfg.Claude.CLIPath) == "" {
		errors = append(errors, fmt.Errorf("claude.cli_path cannot be empty"))
	}

	if err := v.ValidatePermissionMode(cfg.Tools.PermissionMode); err != nil {
		errors = append(errors, err)
	}
	for i, rule := range cfg.Tools.Allowed {
		if strings.TrimSpace(rule) == "" {
			errors = append(errors, fmt.Errorf("tools.allowed[%d] is empty", i))
		}
	}
	for i, rule := range cfg.Tools.Disallowed {
		if strings.TrimSpace(rule) == "" {
			errors = append(errors, fmt.Errorf("tools.disallowed[%d] is empty", i))
		}
	}

	if err := v.ValidateTimeout(cfg.Approval.TimeoutMs); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateContextWindow(cfg.Budget.ContextWindow); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateTTL(cfg.Attachments.TTL); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateSchedule(cfg.Attachments.SweepSchedule); err != nil {
		errors = append(errors, err)
	}

	if cfg.Runs.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("runs.max_concurrent must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidatePort(cfg.Gateway.Port); err != nil {
		errors = append(errors, err)
	}
	if cfg.Gateway.SendBuffer < 0 {
		errors = append(errors, fmt.Errorf("gateway.send_buffer must be >= 0"))
	}
	if cfg.Gateway.RequestsPerMinute < 0 {
		errors = append(errors, fmt.Errorf("gateway.requests_per_minute must be >= 0"))
	}
	if cfg.Gateway.MaxConcurrent < 0 {
		errors = append(errors, fmt.Errorf("gateway.max_concurrent must be >= 0"))
	}

	return errors
}
