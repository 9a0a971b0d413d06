package provider

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultModel is used when the caller does not pick one.
const DefaultModel = "sonnet"

// ProcessConfig is the validated configuration of a ProcessAdapter run.
type ProcessConfig struct {
	SessionID       string
	CWD             string
	Model           string
	PermissionMode  PermissionMode
	AllowedTools    []string
	DisallowedTools []string
	SkipPermissions bool
}

// NewProcessConfig maps caller options onto the process adapter.
func NewProcessConfig(opts Options) (ProcessConfig, error) {
	cwd, err := resolveCWD(opts.CWD)
	if err != nil {
		return ProcessConfig{}, err
	}
	mode, err := parsePermissionMode(opts.PermissionMode)
	if err != nil {
		return ProcessConfig{}, err
	}

	cfg := ProcessConfig{
		SessionID:       strings.TrimSpace(opts.SessionID),
		CWD:             cwd,
		Model:           opts.Model,
		PermissionMode:  mode,
		AllowedTools:    cleanList(opts.Tools.AllowedTools),
		DisallowedTools: cleanList(opts.Tools.DisallowedTools),
		SkipPermissions: opts.Tools.SkipPermissions,
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return cfg, nil
}

// Args builds the CLI arguments for prompt.
func (c ProcessConfig) Args(prompt string) []string {
	var args []string

	if c.SessionID != "" {
		args = append(args, "--resume", c.SessionID)
	}
	if strings.TrimSpace(prompt) != "" {
		args = append(args, "-p", prompt, "--output-format", "stream-json", "--verbose")
	}
	if c.SessionID == "" {
		args = append(args, "--model", c.Model)
	}

	if c.SkipPermissions {
		return append(args, "--dangerously-skip-permissions")
	}
	if c.PermissionMode == PermissionModePlan {
		args = append(args, "--permission-mode", string(PermissionModePlan))
	}
	for _, tool := range c.AllowedTools {
		args = append(args, "--allowedTools", tool)
	}
	for _, tool := range c.DisallowedTools {
		args = append(args, "--disallowedTools", tool)
	}
	return args
}

// SDKConfig is the validated configuration of an SDKAdapter run.
type SDKConfig struct {
	SessionID          string
	CWD                string
	Model              string
	PermissionMode     PermissionMode
	AllowedTools       []string
	DisallowedTools    []string
	AppendSystemPrompt string
	SettingSources     []string
	MCPConfig          []byte
}

// NewSDKConfig maps caller options onto the SDK adapter. home is the user's
// home directory; it decides which setting sources apply.
func NewSDKConfig(opts Options, home string) (SDKConfig, error) {
	cwd, err := resolveCWD(opts.CWD)
	if err != nil {
		return SDKConfig{}, err
	}
	mode, err := parsePermissionMode(opts.PermissionMode)
	if err != nil {
		return SDKConfig{}, err
	}
	if opts.Tools.SkipPermissions && mode != PermissionModePlan {
		mode = PermissionModeBypass
	}

	cfg := SDKConfig{
		SessionID:          strings.TrimSpace(opts.SessionID),
		CWD:                cwd,
		Model:              opts.Model,
		PermissionMode:     mode,
		AllowedTools:       cleanList(opts.Tools.AllowedTools),
		DisallowedTools:    cleanList(opts.Tools.DisallowedTools),
		AppendSystemPrompt: opts.AppendSystemPrompt,
		SettingSources:     []string{"project", "user", "local"},
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if home != "" && samePath(cwd, home) {
		cfg.SettingSources = []string{"user", "local"}
	}
	return cfg, nil
}

// Args builds the CLI arguments for the streaming control protocol.
func (c SDKConfig) Args() []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--permission-prompt-tool", "stdio",
		"--permission-mode", string(c.PermissionMode),
		"--model", c.Model,
		"--setting-sources", strings.Join(c.SettingSources, ","),
	}

	args = appendToolFlag(args, "--allowedTools", c.AllowedTools)
	args = appendToolFlag(args, "--disallowedTools", c.DisallowedTools)
	if c.AppendSystemPrompt != "" {
		args = append(args, "--append-system-prompt", c.AppendSystemPrompt)
	}
	if c.SessionID != "" {
		args = append(args, "--resume", c.SessionID)
	}
	if len(c.MCPConfig) > 0 {
		args = append(args, "--mcp-config", string(c.MCPConfig))
	}
	return args
}

// appendToolFlag repeats flag per tool. An empty list is passed as one empty
// value.
func appendToolFlag(args []string, flag string, tools []string) []string {
	if len(tools) == 0 {
		return append(args, flag, "")
	}
	for _, tool := range tools {
		args = append(args, flag, tool)
	}
	return args
}

func parsePermissionMode(m PermissionMode) (PermissionMode, error) {
	switch m {
	case "":
		return PermissionModeDefault, nil
	case PermissionModeDefault, PermissionModeAcceptEdits, PermissionModePlan, PermissionModeBypass:
		return m, nil
	default:
		return "", fmt.Errorf("%w: unknown permission mode %q", ErrInvalidConfig, m)
	}
}

func resolveCWD(dir string) (string, error) {
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		return wd, nil
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("%w: working directory: %v", ErrInvalidConfig, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%w: working directory %s is not a directory", ErrInvalidConfig, abs)
	}
	return abs, nil
}

func cleanList(in []string) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func samePath(a, b string) bool {
	return filepath.Clean(a) == filepath.Clean(b)
}
