package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/normalize"
	"github.com/harun/conduit/pkg/protocol"
	"github.com/harun/conduit/pkg/session"
)

// ProcessAdapter runs the agent CLI in print mode, one process per run. The
// CLI enforces its own permissions; this adapter only passes the flags.
type ProcessAdapter struct {
	registry *session.Registry
	settings settings
}

// NewProcessAdapter creates a process adapter registering runs in registry.
func NewProcessAdapter(registry *session.Registry, opts ...Option) *ProcessAdapter {
	return &ProcessAdapter{registry: registry, settings: newSettings(opts)}
}

// Name implements Provider.
func (a *ProcessAdapter) Name() Name { return NameProcess }

// Run implements Provider.
func (a *ProcessAdapter) Run(ctx context.Context, req Request, sink envelope.Sink) (err error) {
	started := time.Now()
	defer func() { recordRun(NameProcess, started, err) }()

	ctx, span := tracing.StartSpan(ctx, tracerName, "provider.process.run",
		attribute.String("run_id", req.RunID),
	)
	defer span.End()

	emit := newEmitter(sink, strings.TrimSpace(req.Options.SessionID), req.RunID)

	cfg, err := NewProcessConfig(req.Options)
	if err != nil {
		emit.error(err.Error(), true)
		return err
	}
	lc := newLifecycle(a.registry, emit, sink, NameProcess, cfg.SessionID)

	prompt, err := a.settings.stage(lc, cfg.CWD, req)
	if err != nil {
		emit.error(err.Error(), true)
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	cmd := exec.Command(a.settings.cliPath, cfg.Args(prompt)...)
	cmd.Dir = cfg.CWD
	cmd.Env = a.settings.environ()
	setProcessGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return a.spawnFailed(lc, emit, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return a.spawnFailed(lc, emit, err)
	}
	if err := cmd.Start(); err != nil {
		return a.spawnFailed(lc, emit, err)
	}

	var terminated atomic.Bool
	handle := session.HandleFunc(func(context.Context) error {
		terminated.Store(true)
		return terminateGroup(cmd.Process)
	})
	if err := lc.register(handle); err != nil {
		_ = killGroup(cmd.Process)
		_ = cmd.Wait()
		return a.spawnFailed(lc, emit, err)
	}

	log.Info().
		Str("session_id", lc.currentKey()).
		Str("run_id", req.RunID).
		Str("cwd", cfg.CWD).
		Int("pid", cmd.Process.Pid).
		Msg("Agent process started")

	stopCancel := context.AfterFunc(ctx, func() {
		if err := handle.Terminate(context.Background()); err != nil {
			log.Debug().Err(err).Str("run_id", req.RunID).Msg("Terminate after cancel failed")
		}
	})
	defer stopCancel()

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		pumpStderr(stderr, emit, a.settings.maxLine)
	}()
	a.pumpStdout(stdout, lc, emit)
	<-stderrDone

	code := exitCode(cmd.Wait())
	aborted := terminated.Load()

	lc.finish()
	lc.complete(code, req.Prompt, aborted)

	span.SetAttributes(attribute.Int("exit_code", code), attribute.Bool("aborted", aborted))
	log.Info().
		Str("session_id", lc.currentKey()).
		Int("exit_code", code).
		Bool("aborted", aborted).
		Msg("Agent process exited")

	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case aborted:
		return nil
	case code != 0:
		return &ExitError{Code: code}
	}
	return nil
}

func (a *ProcessAdapter) spawnFailed(lc *lifecycle, emit *emitter, cause error) error {
	lc.releaseUnregistered()
	emit.error(fmt.Sprintf("failed to start %s: %v", a.settings.cliPath, cause), true)
	return fmt.Errorf("%w: %v", ErrSpawn, cause)
}

// pumpStdout reads stream-json lines until EOF. Assistant text is buffered so
// that a result can be preceded by assistant-stop carrying the full text.
func (a *ProcessAdapter) pumpStdout(r io.Reader, lc *lifecycle, emit *emitter) {
	lines := newLineReader(r, a.settings.maxLine)

	var text strings.Builder
	for {
		raw, truncated, err := lines.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				emit.error(fmt.Sprintf("failed to read agent output: %v", err), false)
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if truncated {
			observability.RecordRawLine(string(NameProcess))
			emit.Send(oversizedLine(raw, a.settings.maxLine))
			continue
		}

		line, err := protocol.ParseLine(raw)
		if err != nil {
			observability.RecordRawLine(string(NameProcess))
			emit.Send(normalize.Raw(string(raw), ""))
			continue
		}

		lc.capture(line.SessionID)
		env := normalize.Normalize(line)

		switch line.Type {
		case protocol.MessageTypeAssistant:
			if delta, ok := env.Data.(envelope.AssistantDelta); ok {
				text.WriteString(delta.Text)
			}
		case protocol.MessageTypeResult:
			if text.Len() > 0 {
				emit.Send(envelope.New(envelope.TypeAssistantStop, envelope.AssistantStop{Text: text.String()}))
				text.Reset()
			}
			emit.Send(env)
			a.settings.sendBudget(emit, line.Raw)
			continue
		}
		emit.Send(env)
	}
}

func pumpStderr(r io.Reader, emit *emitter, max int) {
	lines := newLineReader(r, max)
	for {
		raw, _, err := lines.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if line := strings.TrimSpace(string(raw)); line != "" {
			emit.error(line, false)
		}
	}
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
