package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/envelope"
)

// DefaultTimeout stays below the engine's 60s control-request timeout so a
// prompt never outlives the request it answers.
const DefaultTimeout = 55 * time.Second

const (
	MessageDisallowed = "Tool disallowed by settings"
	MessageTimedOut   = "Permission request timed out"
	MessageCancelled  = "Permission request cancelled"
	MessageDenied     = "User denied tool use"
)

// Outcome labels how a request was settled.
type Outcome string

const (
	OutcomeBypass    Outcome = "bypass"
	OutcomeRuleAllow Outcome = "rule_allow"
	OutcomeRuleDeny  Outcome = "rule_deny"
	OutcomeAllowed   Outcome = "allowed"
	OutcomeDenied    Outcome = "denied"
	OutcomeTimeout   Outcome = "timeout"
	OutcomeCancelled Outcome = "cancelled"
)

// Result is returned to the engine for a single tool call.
type Result struct {
	Allow        bool
	UpdatedInput map[string]interface{}
	Message      string
	Outcome      Outcome
	RequestID    string
}

// Config configures a per-run Gateway.
type Config struct {
	Bypass     bool
	Allowed    []string
	Disallowed []string
	Timeout    time.Duration
	SessionID  string
	RunID      string
}

// Gateway answers tool permission requests for one run.
type Gateway struct {
	broker  *Broker
	sink    envelope.Sink
	policy  *Policy
	bypass  bool
	timeout time.Duration
	runID   string

	mu        sync.RWMutex
	sessionID string
}

// NewGateway creates a gateway publishing prompts to sink and parking them in
// broker.
func NewGateway(broker *Broker, sink envelope.Sink, cfg Config) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if sink == nil {
		sink = envelope.SinkFunc(func(envelope.Envelope) {})
	}
	return &Gateway{
		broker:    broker,
		sink:      sink,
		policy:    NewPolicy(cfg.Bypass, cfg.Allowed, cfg.Disallowed),
		bypass:    cfg.Bypass,
		timeout:   cfg.Timeout,
		runID:     cfg.RunID,
		sessionID: cfg.SessionID,
	}
}

// Policy exposes the run's rule lists.
func (g *Gateway) Policy() *Policy {
	return g.policy
}

// SetSessionID updates the id stamped on prompts, including those already
// pending.
func (g *Gateway) SetSessionID(id string) {
	g.mu.Lock()
	g.sessionID = id
	g.mu.Unlock()
	g.broker.rebind(g.runID, id)
}

func (g *Gateway) currentSessionID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.sessionID
}

// CanUseTool decides whether the engine may run toolName with input. It
// blocks only on the interactive path.
func (g *Gateway) CanUseTool(ctx context.Context, toolName string, input map[string]interface{}) Result {
	if input == nil {
		input = map[string]interface{}{}
	}

	var res Result
	switch g.policy.Evaluate(toolName, input) {
	case VerdictAllow:
		res = Result{Allow: true, UpdatedInput: input, Outcome: OutcomeRuleAllow}
		if g.bypass {
			res.Outcome = OutcomeBypass
		}
	case VerdictDeny:
		res = Result{Message: MessageDisallowed, Outcome: OutcomeRuleDeny}
	default:
		return g.ask(ctx, toolName, input)
	}

	observability.RecordApproval(string(res.Outcome))
	log.Debug().
		Str("tool", toolName).
		Str("outcome", string(res.Outcome)).
		Str("run_id", g.runID).
		Msg("Tool use decided by policy")
	return res
}

func (g *Gateway) ask(ctx context.Context, toolName string, input map[string]interface{}) Result {
	requestID := uuid.NewString()
	sessionID := g.currentSessionID()

	ctx, span := tracing.StartSpan(ctx, "conduit/approval", "approval.ask",
		attribute.String("tool", toolName),
		attribute.String("request_id", requestID),
	)
	defer span.End()

	started := time.Now()
	c := g.broker.register(PendingInfo{
		RequestID: requestID,
		SessionID: sessionID,
		RunID:     g.runID,
		ToolName:  toolName,
		Input:     input,
		CreatedAt: started,
		ExpiresAt: started.Add(g.timeout),
	})

	timer := time.AfterFunc(g.timeout, func() {
		c.settle(settlement{trigger: triggerTimeout})
	})
	stopCancel := context.AfterFunc(ctx, func() {
		c.settle(settlement{trigger: triggerCancel})
	})

	g.sink.Send(envelope.Envelope{
		Type:      envelope.TypeToolApprovalRequest,
		SessionID: sessionID,
		RunID:     g.runID,
		RequestID: requestID,
		ToolName:  toolName,
		Input:     input,
	})

	log.Info().
		Str("request_id", requestID).
		Str("tool", toolName).
		Str("session_id", sessionID).
		Dur("timeout", g.timeout).
		Msg("Awaiting tool approval")

	s := <-c.ch
	timer.Stop()
	stopCancel()
	g.broker.remove(requestID)
	observability.RecordApprovalWait(time.Since(started))

	res := g.settle(s, toolName, input)
	res.RequestID = requestID

	if s.trigger == triggerCancel {
		g.sink.Send(envelope.New(envelope.TypeToolApprovalCancelled, envelope.ApprovalCancelled{
			RequestID: requestID,
			Reason:    cancelReason(ctx),
		}).WithSession(g.currentSessionID(), g.runID))
	}

	observability.RecordApproval(string(res.Outcome))
	observability.RecordApprovalAudit(ctx, toolName, actorFor(s), string(res.Outcome), map[string]interface{}{
		"request_id": requestID,
		"session_id": sessionID,
		"run_id":     g.runID,
	})
	span.SetAttributes(attribute.String("outcome", string(res.Outcome)))

	log.Info().
		Str("request_id", requestID).
		Str("tool", toolName).
		Str("outcome", string(res.Outcome)).
		Msg("Tool approval settled")
	return res
}

func (g *Gateway) settle(s settlement, toolName string, input map[string]interface{}) Result {
	switch {
	case s.trigger == triggerCancel:
		return Result{Message: MessageCancelled, Outcome: OutcomeCancelled}
	case s.trigger == triggerTimeout || s.decision == nil:
		return Result{Message: MessageTimedOut, Outcome: OutcomeTimeout}
	case s.decision.Cancelled:
		return Result{Message: MessageCancelled, Outcome: OutcomeCancelled}
	case s.decision.Allow:
		if s.decision.RememberEntry != "" {
			g.policy.Remember(s.decision.RememberEntry)
			log.Info().
				Str("entry", s.decision.RememberEntry).
				Str("tool", toolName).
				Str("run_id", g.runID).
				Msg("Remembered allow rule for this run")
		}
		updated := s.decision.UpdatedInput
		if updated == nil {
			updated = input
		}
		return Result{Allow: true, UpdatedInput: updated, Outcome: OutcomeAllowed}
	default:
		msg := s.decision.Message
		if msg == "" {
			msg = MessageDenied
		}
		return Result{Message: msg, Outcome: OutcomeDenied}
	}
}

func cancelReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case cause == nil, errors.Is(cause, context.Canceled):
		return "cancelled"
	case errors.Is(cause, context.DeadlineExceeded):
		return "deadline exceeded"
	default:
		return cause.Error()
	}
}

func actorFor(s settlement) string {
	switch s.trigger {
	case triggerTimeout:
		return "timeout"
	case triggerCancel:
		return "engine"
	default:
		return "user"
	}
}
