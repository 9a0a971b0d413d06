package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/normalize"
	"github.com/harun/conduit/pkg/protocol"
	"github.com/harun/conduit/pkg/session"
)

// SDKAdapter drives the agent through the CLI's streaming control protocol.
// Tool permission requests are answered by an approval.Gateway.
type SDKAdapter struct {
	registry *session.Registry
	broker   *approval.Broker
	settings settings
}

// NewSDKAdapter creates an SDK adapter. Pending approvals are parked in
// broker so that decisions can be routed back by request id.
func NewSDKAdapter(registry *session.Registry, broker *approval.Broker, opts ...Option) *SDKAdapter {
	return &SDKAdapter{registry: registry, broker: broker, settings: newSettings(opts)}
}

// Name implements Provider.
func (a *SDKAdapter) Name() Name { return NameSDK }

// Run implements Provider.
func (a *SDKAdapter) Run(ctx context.Context, req Request, sink envelope.Sink) (err error) {
	started := time.Now()
	defer func() { recordRun(NameSDK, started, err) }()

	ctx, span := tracing.StartSpan(ctx, tracerName, "provider.sdk.run",
		attribute.String("run_id", req.RunID),
	)
	defer span.End()

	emit := newEmitter(sink, strings.TrimSpace(req.Options.SessionID), req.RunID)

	cfg, err := NewSDKConfig(req.Options, a.settings.homeDir)
	if err != nil {
		emit.error(err.Error(), true)
		return err
	}
	if mcp, err := LoadMCPConfig(a.settings.homeDir, cfg.CWD); err != nil {
		log.Warn().Err(err).Msg("Ignoring MCP server configuration")
	} else {
		cfg.MCPConfig = mcp
	}

	lc := newLifecycle(a.registry, emit, sink, NameSDK, cfg.SessionID)
	prompt, err := a.settings.stage(lc, cfg.CWD, req)
	if err != nil {
		emit.error(err.Error(), true)
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	gw := approval.NewGateway(a.broker, emit, approval.Config{
		Bypass:     cfg.PermissionMode == PermissionModeBypass,
		Allowed:    cfg.AllowedTools,
		Disallowed: cfg.DisallowedTools,
		Timeout:    a.settings.approvalTimeout,
		SessionID:  cfg.SessionID,
		RunID:      req.RunID,
	})
	lc.onSessionID(gw.SetSessionID)

	q, err := startQuery(queryConfig{
		cliPath:    a.settings.cliPath,
		args:       cfg.Args(),
		dir:        cfg.CWD,
		env:        a.settings.environ(),
		canUseTool: gw.CanUseTool,
		maxLine:    a.settings.maxLine,
		onStderr: func(line string) {
			if line = strings.TrimSpace(line); line != "" {
				emit.error(line, false)
			}
		},
	})
	if err != nil {
		lc.releaseUnregistered()
		emit.error(fmt.Sprintf("failed to start %s: %v", a.settings.cliPath, err), true)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	var terminated atomic.Bool
	handle := session.HandleFunc(func(ctx context.Context) error {
		if !terminated.CompareAndSwap(false, true) {
			return nil
		}
		err := q.Interrupt(ctx)
		go func() { _ = q.Close() }()
		return err
	})
	if err := lc.register(handle); err != nil {
		_ = q.Close()
		q.Wait()
		emit.error(err.Error(), true)
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	log.Info().
		Str("session_id", lc.currentKey()).
		Str("run_id", req.RunID).
		Str("permission_mode", string(cfg.PermissionMode)).
		Int("pid", q.Pid()).
		Msg("Agent SDK session started")

	if err := a.open(ctx, q, prompt); err != nil {
		emit.error(err.Error(), true)
		_ = q.Close()
		code := q.Wait()
		lc.finish()
		lc.complete(code, req.Prompt, terminated.Load())
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	stopCancel := context.AfterFunc(ctx, func() {
		if err := handle.Terminate(context.Background()); err != nil {
			log.Debug().Err(err).Str("run_id", req.RunID).Msg("Interrupt after cancel failed")
		}
	})
	defer stopCancel()

	for {
		line, err := q.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				emit.error(err.Error(), false)
			}
			break
		}

		if line.Truncated {
			observability.RecordRawLine(string(NameSDK))
			emit.Send(oversizedLine(line.Raw, a.settings.maxLine))
			continue
		}
		if line.Type == "" {
			observability.RecordRawLine(string(NameSDK))
			emit.Send(normalize.Raw(string(line.Raw), ""))
			continue
		}

		lc.capture(line.SessionID)
		emit.Send(normalize.Normalize(line))

		if line.Type == protocol.MessageTypeResult {
			a.settings.sendBudget(emit, line.Raw)
			q.closeInput()
		}
	}

	_ = q.Close()
	code := q.Wait()
	aborted := terminated.Load()

	lc.finish()
	lc.complete(code, req.Prompt, aborted)

	span.SetAttributes(attribute.Int("exit_code", code), attribute.Bool("aborted", aborted))
	log.Info().
		Str("session_id", lc.currentKey()).
		Int("exit_code", code).
		Bool("aborted", aborted).
		Msg("Agent SDK session ended")

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

// open runs the handshake and submits the prompt.
func (a *SDKAdapter) open(ctx context.Context, q *Query, prompt string) error {
	if err := q.initialize(ctx); err != nil {
		return fmt.Errorf("initialize handshake failed: %w", err)
	}
	if err := q.send(prompt); err != nil {
		return err
	}
	return nil
}
