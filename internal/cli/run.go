package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harun/conduit/pkg/orchestrator"
	"github.com/harun/conduit/pkg/provider"
)

type runFlags struct {
	provider           string
	resume             string
	model              string
	cwd                string
	skipPermissions    bool
	allow              []string
	deny               []string
	plan               bool
	json               bool
	appendSystemPrompt string
}

var runOpts runFlags

var runCmd = &cobra.Command{
	Use:   "run [prompt]",
	Short: "Run one prompt against an agent",
	Long: `Run one prompt against an agent and stream its output.

Agent text is written to stdout; status lines and approval prompts go to
stderr. With --json every canonical envelope is written to stdout as one
JSON line instead. Tool approval requests are answered on the terminal:
y allows once, a allows and remembers the tool for this run, anything else
denies.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.provider, "provider", "", "provider to use (process, sdk); defaults to the configured one")
	f.StringVar(&runOpts.resume, "resume", "", "resume an existing session id")
	f.StringVar(&runOpts.model, "model", "", "model to use")
	f.StringVar(&runOpts.cwd, "cwd", "", "working directory of the agent (default is the current directory)")
	f.BoolVar(&runOpts.skipPermissions, "skip-permissions", false, "allow every tool without asking")
	f.StringSliceVar(&runOpts.allow, "allow", nil, "tool rules to allow, e.g. Read or Bash(git log:*)")
	f.StringSliceVar(&runOpts.deny, "deny", nil, "tool rules to deny")
	f.BoolVar(&runOpts.plan, "plan", false, "start in plan permission mode")
	f.BoolVar(&runOpts.json, "json", false, "write envelopes as JSON lines")
	f.StringVar(&runOpts.appendSystemPrompt, "append-system-prompt", "", "text appended to the system prompt")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" {
		return fmt.Errorf("prompt cannot be empty")
	}

	rt, err := newApp(cmd, appOptions{})
	if err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rt.Close(ctx)
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return executeRun(ctx, cmd, rt.orch, buildRequest(prompt, runOpts), runOpts.json)
}

// executeRun streams one run to the command's output, answering approvals
// from its input.
func executeRun(ctx context.Context, cmd *cobra.Command, orch *orchestrator.Orchestrator, req orchestrator.Request, jsonLines bool) error {
	r := newRenderer(cmd.OutOrStdout(), cmd.ErrOrStderr(), jsonLines)

	promptCtx, cancelPrompts := context.WithCancel(ctx)
	defer cancelPrompts()
	p := newPrompter(cmd.InOrStdin(), cmd.ErrOrStderr(), orch.ResolveApproval)
	r.approvals = p.Enqueue
	go p.Run(promptCtx)

	err := orch.Run(ctx, req, r)
	if err != nil {
		var exitErr *provider.ExitError
		if errors.As(err, &exitErr) {
			return err
		}
		return fmt.Errorf("run failed: %w", err)
	}

	if sessionID := r.SessionID(); sessionID != "" && !jsonLines {
		r.note("resume with: conduit run --resume %s", sessionID)
	}
	return nil
}

func buildRequest(prompt string, f runFlags) orchestrator.Request {
	req := orchestrator.Request{
		Prompt:   prompt,
		Provider: f.provider,
		Options: provider.Options{
			SessionID:          strings.TrimSpace(f.resume),
			CWD:                f.cwd,
			Model:              f.model,
			AppendSystemPrompt: f.appendSystemPrompt,
			Tools: provider.ToolsSettings{
				AllowedTools:    f.allow,
				DisallowedTools: f.deny,
				SkipPermissions: f.skipPermissions,
			},
		},
	}
	if f.plan {
		req.Options.PermissionMode = provider.PermissionModePlan
	}
	return req
}
