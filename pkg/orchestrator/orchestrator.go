// Package orchestrator is the entry point callers use to run prompts against
// agent backends, abort sessions and answer tool approvals.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/provider"
	"github.com/harun/conduit/pkg/session"
)

// ErrTooManyRuns is returned when the concurrent run limit is reached.
var ErrTooManyRuns = errors.New("too many concurrent runs")

// Request is one prompt submission.
type Request struct {
	Prompt string `json:"prompt"`
	// Provider selects the adapter; empty uses the configured default.
	Provider string           `json:"provider,omitempty"`
	Options  provider.Options `json:"options"`
	// RunID correlates envelopes of this run; generated when empty.
	RunID string `json:"runId,omitempty"`
}

// ToolDefaults are merged into the tool settings of every run. They can be
// replaced at any time; runs already in flight keep what they started with.
type ToolDefaults struct {
	Allowed         []string
	Disallowed      []string
	SkipPermissions bool
	PermissionMode  provider.PermissionMode
}

// Orchestrator coordinates provider adapters, the session registry and the
// approval broker.
type Orchestrator struct {
	registry        *session.Registry
	broker          *approval.Broker
	providers       map[provider.Name]provider.Provider
	defaultProvider provider.Name
	defaultModel    string
	maxConcurrent   int

	mu       sync.RWMutex
	defaults ToolDefaults
	runs     map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// Option is a functional option for configuring the Orchestrator
type Option func(*Orchestrator)

// WithProvider registers an adapter under its own name.
func WithProvider(p provider.Provider) Option {
	return func(o *Orchestrator) {
		o.providers[p.Name()] = p
	}
}

// WithDefaultProvider sets the adapter used when a request names none.
func WithDefaultProvider(name provider.Name) Option {
	return func(o *Orchestrator) {
		o.defaultProvider = name
	}
}

// WithDefaultModel sets the model used when a request names none.
func WithDefaultModel(model string) Option {
	return func(o *Orchestrator) {
		o.defaultModel = strings.TrimSpace(model)
	}
}

// WithMaxConcurrent limits the number of simultaneous runs. Zero means no
// limit.
func WithMaxConcurrent(max int) Option {
	return func(o *Orchestrator) {
		o.maxConcurrent = max
	}
}

// WithToolDefaults sets the initial tool defaults.
func WithToolDefaults(d ToolDefaults) Option {
	return func(o *Orchestrator) {
		o.defaults = d
	}
}

// New creates a new Orchestrator instance
func New(registry *session.Registry, broker *approval.Broker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:        registry,
		broker:          broker,
		providers:       make(map[provider.Name]provider.Provider),
		defaultProvider: provider.NameSDK,
		runs:            make(map[string]context.CancelFunc),
	}

	for _, opt := range opts {
		opt(o)
	}

	return o
}

// Run executes one prompt and blocks until the run ended. Every envelope is
// delivered to sink; the last one is always complete unless the request was
// rejected before an engine started, in which case a single error envelope is
// sent.
func (o *Orchestrator) Run(ctx context.Context, req Request, sink envelope.Sink) error {
	if sink == nil {
		sink = envelope.SinkFunc(func(envelope.Envelope) {})
	}
	if req.RunID == "" {
		req.RunID = newRunID()
	}

	p, err := o.selectProvider(req.Provider)
	if err != nil {
		reject(sink, req, err)
		return err
	}

	ctx, cancel := context.WithCancel(tracing.NewRunContext(ctx, req.RunID))
	defer cancel()

	if err := o.track(req.RunID, cancel); err != nil {
		reject(sink, req, err)
		return err
	}
	defer o.untrack(req.RunID)

	req.Options.Tools, req.Options.PermissionMode = o.applyDefaults(req.Options.Tools, req.Options.PermissionMode)
	if strings.TrimSpace(req.Options.Model) == "" {
		req.Options.Model = o.defaultModel
	}

	log.Debug().
		Str("run_id", req.RunID).
		Str("provider", string(p.Name())).
		Str("session_id", req.Options.SessionID).
		Msg("Dispatching run")

	return p.Run(ctx, provider.Request{
		Prompt:  req.Prompt,
		Options: req.Options,
		RunID:   req.RunID,
	}, sink)
}

// Abort terminates the session registered under id. It reports whether a
// session was found.
func (o *Orchestrator) Abort(ctx context.Context, id string) bool {
	return o.registry.Abort(ctx, id)
}

// ResolveApproval settles a pending approval. It reports false for unknown or
// already settled requests.
func (o *Orchestrator) ResolveApproval(requestID string, decision *approval.Decision) bool {
	return o.broker.Resolve(requestID, decision)
}

// ActiveSessions lists the sessions that are currently running.
func (o *Orchestrator) ActiveSessions() []session.Info {
	return o.registry.ListActive()
}

// IsActive reports whether id names a running session.
func (o *Orchestrator) IsActive(id string) bool {
	_, ok := o.registry.Get(id)
	return ok
}

// PendingApprovals lists unanswered approvals, optionally for one session.
func (o *Orchestrator) PendingApprovals(sessionID string) []approval.PendingInfo {
	return o.broker.PendingFor(sessionID)
}

// SetToolDefaults replaces the tool defaults for subsequent runs.
func (o *Orchestrator) SetToolDefaults(d ToolDefaults) {
	o.mu.Lock()
	o.defaults = d
	o.mu.Unlock()

	log.Info().
		Int("allowed", len(d.Allowed)).
		Int("disallowed", len(d.Disallowed)).
		Bool("skip_permissions", d.SkipPermissions).
		Msg("Tool defaults updated")
}

// ToolDefaults returns the current tool defaults.
func (o *Orchestrator) ToolDefaults() ToolDefaults {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.defaults
}

// Shutdown cancels all runs and waits for them to finish or for ctx to end.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	log.Info().Int("active_runs", len(o.runs)).Msg("Shutting down orchestrator")
	for _, cancel := range o.runs {
		cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator shutdown: %w", ctx.Err())
	}
}

func (o *Orchestrator) selectProvider(requested string) (provider.Provider, error) {
	name := o.defaultProvider
	if strings.TrimSpace(requested) != "" {
		parsed, err := provider.ParseName(requested)
		if err != nil {
			return nil, err
		}
		name = parsed
	}

	p, ok := o.providers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not configured", provider.ErrUnknownProvider, name)
	}
	return p, nil
}

func (o *Orchestrator) track(runID string, cancel context.CancelFunc) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.runs[runID]; exists {
		return fmt.Errorf("run %s is already in progress", runID)
	}
	if o.maxConcurrent > 0 && len(o.runs) >= o.maxConcurrent {
		return fmt.Errorf("%w: limit is %d", ErrTooManyRuns, o.maxConcurrent)
	}
	o.runs[runID] = cancel
	o.wg.Add(1)
	return nil
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	delete(o.runs, runID)
	o.mu.Unlock()
	o.wg.Done()
}

// applyDefaults merges the configured defaults under the request's own tool
// settings. Request entries come first; duplicates are dropped.
func (o *Orchestrator) applyDefaults(tools provider.ToolsSettings, mode provider.PermissionMode) (provider.ToolsSettings, provider.PermissionMode) {
	d := o.ToolDefaults()

	tools.AllowedTools = union(tools.AllowedTools, d.Allowed)
	tools.DisallowedTools = union(tools.DisallowedTools, d.Disallowed)
	tools.SkipPermissions = tools.SkipPermissions || d.SkipPermissions
	if mode == "" {
		mode = d.PermissionMode
	}
	return tools, mode
}

func union(a, b []string) []string {
	if len(b) == 0 {
		return a
	}

	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, s := range list {
			if _, ok := seen[s]; ok {
				continue
			}
			seen[s] = struct{}{}
			out = append(out, s)
		}
	}
	return out
}

func reject(sink envelope.Sink, req Request, err error) {
	log.Warn().Err(err).Str("run_id", req.RunID).Msg("Run rejected")
	sink.Send(envelope.New(envelope.TypeError, envelope.Error{Message: err.Error(), Fatal: true}).
		WithSession(strings.TrimSpace(req.Options.SessionID), req.RunID))
}

func newRunID() string {
	id, err := gonanoid.New()
	if err != nil {
		return tracing.NewTraceID()
	}
	return "run_" + id
}
