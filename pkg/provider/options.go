package provider

import (
	"os"
	"time"

	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/attachments"
	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/tokens"
)

const (
	// DefaultCLIPath is looked up in PATH.
	DefaultCLIPath = "claude"

	maxLineSize      = 16 * 1024 * 1024
	tracerName       = "conduit/provider"
	initializeWait   = 60 * time.Second
	interruptWait    = 5 * time.Second
	terminationGrace = 3 * time.Second
)

type settings struct {
	cliPath         string
	accountant      *tokens.Accountant
	janitor         *attachments.Janitor
	approvalTimeout time.Duration
	homeDir         string
	env             []string
	maxLine         int
}

// Option configures an adapter.
type Option func(*settings)

// WithCLIPath sets the agent binary.
func WithCLIPath(path string) Option {
	return func(s *settings) {
		if path != "" {
			s.cliPath = path
		}
	}
}

// WithAccountant sets the token accountant used for result events.
func WithAccountant(a *tokens.Accountant) Option {
	return func(s *settings) { s.accountant = a }
}

// WithJanitor lets the attachment janitor know about staged images.
func WithJanitor(j *attachments.Janitor) Option {
	return func(s *settings) { s.janitor = j }
}

// WithApprovalTimeout overrides approval.DefaultTimeout.
func WithApprovalTimeout(d time.Duration) Option {
	return func(s *settings) { s.approvalTimeout = d }
}

// WithHomeDir overrides the home directory used for setting sources and MCP
// discovery.
func WithHomeDir(dir string) Option {
	return func(s *settings) { s.homeDir = dir }
}

// WithEnv appends KEY=VALUE pairs to the engine's environment.
func WithEnv(env ...string) Option {
	return func(s *settings) { s.env = append(s.env, env...) }
}

func newSettings(opts []Option) settings {
	s := settings{
		cliPath:         DefaultCLIPath,
		accountant:      tokens.NewAccountant(tokens.DefaultContextWindow),
		approvalTimeout: approval.DefaultTimeout,
		maxLine:         maxLineSize,
	}
	if home, err := os.UserHomeDir(); err == nil {
		s.homeDir = home
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

func (s settings) environ() []string {
	return append(os.Environ(), s.env...)
}

// stage writes the request's images and returns the prompt to send.
func (s settings) stage(lc *lifecycle, cwd string, req Request) (string, error) {
	staged, err := attachments.Stage(cwd, req.Options.Images, time.Now())
	if err != nil {
		return "", err
	}
	if staged == nil {
		return req.Prompt, nil
	}
	if s.janitor != nil {
		s.janitor.Track(cwd, staged)
	}
	lc.addResource(staged)
	return attachments.AppendNote(req.Prompt, staged.Paths), nil
}

func (s settings) sendBudget(emit *emitter, raw []byte) {
	if s.accountant == nil {
		return
	}
	if b := s.accountant.FromResult(raw); b != nil {
		emit.Send(envelope.New(envelope.TypeTokenBudget, envelope.TokenBudget{Used: b.Used, Total: b.Total}))
	}
}
