package gateway

import (
	"context"
	"encoding/json"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/orchestrator"
)

// runAccepted is the result of agent.run. The run itself starts only after
// the response was queued, so the client sees the run id before any
// envelope of the run.
type runAccepted struct {
	RunID string `json:"runId"`

	once    sync.Once
	start   func()
	abandon func()
}

func (r *runAccepted) launch() { r.once.Do(r.start) }

func (r *runAccepted) drop() { r.once.Do(r.abandon) }

// registerBuiltinMethods registers all built-in RPC methods
func (s *Server) registerBuiltinMethods() {
	_ = s.router.RegisterMethod("agent.run", s.handleRun, runParamsSchema)
	_ = s.router.RegisterMethod("agent.abort", s.handleAbort, abortParamsSchema)
	_ = s.router.RegisterMethod("approval.respond", s.handleApprovalRespond, approvalParamsSchema)
	_ = s.router.RegisterMethod("approvals.list", s.handleApprovalsList, approvalsListParamsSchema)
	_ = s.router.RegisterMethod("sessions.list", s.handleSessionsList, "")
	_ = s.router.RegisterMethod("clients.list", s.handleClientsList, "")
}

// handleRun starts a run whose envelopes stream to the requesting client.
func (s *Server) handleRun(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	client := clientFromContext(ctx)
	if client == nil {
		return nil, &RPCError{Code: InvalidRequest, Message: "agent.run requires a WebSocket connection"}
	}

	var req orchestrator.Request
	if err := decodeParams(params, &req); err != nil {
		return nil, err
	}
	if req.RunID == "" {
		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		req.RunID = "run_" + id
	}

	if code, reason := client.RateLimiter.Acquire(); code != 0 {
		return nil, &RPCError{Code: code, Message: reason}
	}

	s.shutdownMu.RLock()
	if s.isShuttingDown {
		s.shutdownMu.RUnlock()
		client.RateLimiter.Release()
		return nil, &RPCError{Code: ShuttingDown, Message: "server is shutting down"}
	}
	s.runs.Add(1)
	s.shutdownMu.RUnlock()

	client.runStarted()
	finish := func() {
		client.runEnded()
		client.RateLimiter.Release()
		s.runs.Done()
	}

	return &runAccepted{
		RunID: req.RunID,
		start: func() {
			go func() {
				defer finish()
				s.executeRun(client, req)
			}()
		},
		abandon: finish,
	}, nil
}

func (s *Server) executeRun(client *Client, req orchestrator.Request) {
	ctx, cancel := context.WithCancel(tracing.WithRequestID(s.baseCtx, req.RunID))
	defer cancel()

	// A run's only consumer is the client that started it.
	go func() {
		select {
		case <-client.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	logger := tracing.LoggerFromContext(tracing.WithRunID(ctx, req.RunID), s.logger)
	logger.Info().Str("clientId", client.ID).Str("provider", req.Provider).Msg("Run started")

	if err := s.orch.Run(ctx, req, client); err != nil {
		logger.Warn().Err(err).Msg("Run ended with error")
		return
	}
	logger.Info().Msg("Run finished")
}

func (s *Server) handleAbort(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	aborted := s.orch.Abort(ctx, p.SessionID)
	s.logger.Info().Str("sessionId", p.SessionID).Bool("aborted", aborted).Msg("Abort requested")
	return map[string]interface{}{"aborted": aborted}, nil
}

func (s *Server) handleApprovalRespond(ctx context.Context, params map[string]interface{}) (interface{}, error) {
	var p struct {
		RequestID string            `json:"requestId"`
		Decision  approval.Decision `json:"decision"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	resolved := s.orch.ResolveApproval(p.RequestID, &p.Decision)

	actor := "http"
	if c := clientFromContext(ctx); c != nil {
		actor = c.ID
	}
	s.logger.Info().
		Str("requestId", p.RequestID).
		Str("actor", actor).
		Bool("allow", p.Decision.Allow).
		Bool("resolved", resolved).
		Msg("Approval decision received")

	return map[string]interface{}{"resolved": resolved}, nil
}

func (s *Server) handleApprovalsList(_ context.Context, params map[string]interface{}) (interface{}, error) {
	sessionID, _ := params["sessionId"].(string)
	return map[string]interface{}{"approvals": s.orch.PendingApprovals(sessionID)}, nil
}

func (s *Server) handleSessionsList(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"sessions": s.orch.ActiveSessions()}, nil
}

func (s *Server) handleClientsList(context.Context, map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{
		"clients":    s.clients.infos(),
		"activeRuns": s.clients.activeRuns(),
	}, nil
}

// decodeParams maps already validated params onto a typed struct.
func decodeParams(params map[string]interface{}, v interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	if err := json.Unmarshal(data, v); err != nil {
		return &RPCError{Code: InvalidParams, Message: err.Error()}
	}
	return nil
}
