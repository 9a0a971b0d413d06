package approval

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/conduit/pkg/envelope"
)

func waitForRequest(t *testing.T, rec *envelope.Recorder) envelope.Envelope {
	t.Helper()
	for {
		select {
		case env := <-rec.C():
			if env.Type == envelope.TypeToolApprovalRequest {
				return env
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for approval request")
			return envelope.Envelope{}
		}
	}
}

func askAsync(ctx context.Context, g *Gateway, tool string, input map[string]interface{}) <-chan Result {
	done := make(chan Result, 1)
	go func() {
		done <- g.CanUseTool(ctx, tool, input)
	}()
	return done
}

func waitResult(t *testing.T, done <-chan Result) Result {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for approval result")
		return Result{}
	}
}

func TestGateway_DenyRuleSkipsPrompt(t *testing.T) {
	rec := envelope.NewRecorder(8)
	g := NewGateway(NewBroker(), rec, Config{Disallowed: []string{"Bash(rm -rf:*)"}})

	res := g.CanUseTool(context.Background(), "Bash", map[string]interface{}{"command": "rm -rf /"})

	assert.False(t, res.Allow)
	assert.Equal(t, MessageDisallowed, res.Message)
	assert.Equal(t, OutcomeRuleDeny, res.Outcome)
	assert.Equal(t, 0, rec.Count(envelope.TypeToolApprovalRequest))
}

func TestGateway_AllowRuleForwardsInput(t *testing.T) {
	rec := envelope.NewRecorder(8)
	g := NewGateway(NewBroker(), rec, Config{Allowed: []string{"Read"}})
	input := map[string]interface{}{"file_path": "main.go"}

	res := g.CanUseTool(context.Background(), "Read", input)

	assert.True(t, res.Allow)
	assert.Equal(t, input, res.UpdatedInput)
	assert.Empty(t, rec.Envelopes())
}

func TestGateway_BypassAllowsEverything(t *testing.T) {
	g := NewGateway(NewBroker(), envelope.NewRecorder(0), Config{Bypass: true, Disallowed: []string{"Write"}})

	res := g.CanUseTool(context.Background(), "Write", nil)

	assert.True(t, res.Allow)
	assert.Equal(t, OutcomeBypass, res.Outcome)
	assert.NotNil(t, res.UpdatedInput)
}

func TestGateway_InteractiveAllow(t *testing.T) {
	rec := envelope.NewRecorder(8)
	broker := NewBroker()
	g := NewGateway(broker, rec, Config{SessionID: "sess-1", RunID: "run-1"})

	done := askAsync(context.Background(), g, "Write", map[string]interface{}{"file_path": "a.txt"})
	req := waitForRequest(t, rec)

	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, "Write", req.ToolName)
	assert.Equal(t, "sess-1", req.SessionID)
	assert.Equal(t, "run-1", req.RunID)

	pending := broker.PendingFor("sess-1")
	require.Len(t, pending, 1)
	assert.Equal(t, req.RequestID, pending[0].RequestID)

	// the run stays suspended until a decision arrives
	select {
	case <-done:
		t.Fatal("approval resolved without a decision")
	case <-time.After(50 * time.Millisecond):
	}

	updated := map[string]interface{}{"file_path": "b.txt"}
	require.True(t, broker.Resolve(req.RequestID, &Decision{Allow: true, UpdatedInput: updated}))

	res := waitResult(t, done)
	assert.True(t, res.Allow)
	assert.Equal(t, updated, res.UpdatedInput)
	assert.Equal(t, OutcomeAllowed, res.Outcome)
	assert.Equal(t, 0, broker.Len())
}

func TestGateway_InteractiveAllowKeepsOriginalInput(t *testing.T) {
	rec := envelope.NewRecorder(8)
	broker := NewBroker()
	g := NewGateway(broker, rec, Config{})
	input := map[string]interface{}{"file_path": "a.txt"}

	done := askAsync(context.Background(), g, "Write", input)
	req := waitForRequest(t, rec)
	require.True(t, broker.Resolve(req.RequestID, &Decision{Allow: true}))

	res := waitResult(t, done)
	assert.Equal(t, input, res.UpdatedInput)
}

func TestGateway_InteractiveDeny(t *testing.T) {
	tests := []struct {
		name     string
		decision *Decision
		message  string
		outcome  Outcome
	}{
		{"default message", &Decision{Allow: false}, MessageDenied, OutcomeDenied},
		{"custom message", &Decision{Allow: false, Message: "not now"}, "not now", OutcomeDenied},
		{"explicit cancel", &Decision{Cancelled: true}, MessageCancelled, OutcomeCancelled},
		{"nil decision", nil, MessageTimedOut, OutcomeTimeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := envelope.NewRecorder(8)
			broker := NewBroker()
			g := NewGateway(broker, rec, Config{})

			done := askAsync(context.Background(), g, "Write", nil)
			req := waitForRequest(t, rec)
			require.True(t, broker.Resolve(req.RequestID, tt.decision))

			res := waitResult(t, done)
			assert.False(t, res.Allow)
			assert.Equal(t, tt.message, res.Message)
			assert.Equal(t, tt.outcome, res.Outcome)
			assert.Equal(t, 0, rec.Count(envelope.TypeToolApprovalCancelled))
		})
	}
}

func TestGateway_Timeout(t *testing.T) {
	rec := envelope.NewRecorder(8)
	broker := NewBroker()
	g := NewGateway(broker, rec, Config{Timeout: 30 * time.Millisecond})

	done := askAsync(context.Background(), g, "Write", nil)
	req := waitForRequest(t, rec)

	res := waitResult(t, done)
	assert.False(t, res.Allow)
	assert.Equal(t, MessageTimedOut, res.Message)
	assert.Equal(t, OutcomeTimeout, res.Outcome)

	// late decisions are no-ops
	assert.False(t, broker.Resolve(req.RequestID, &Decision{Allow: true}))
	assert.Equal(t, 0, broker.Len())
}

func TestGateway_UpstreamCancel(t *testing.T) {
	rec := envelope.NewRecorder(8)
	broker := NewBroker()
	g := NewGateway(broker, rec, Config{SessionID: "sess-2", RunID: "run-2"})

	ctx, cancel := context.WithCancelCause(context.Background())
	done := askAsync(ctx, g, "Write", nil)
	req := waitForRequest(t, rec)

	cancel(errors.New("tool call abandoned"))

	res := waitResult(t, done)
	assert.False(t, res.Allow)
	assert.Equal(t, MessageCancelled, res.Message)
	assert.Equal(t, OutcomeCancelled, res.Outcome)

	var cancelled *envelope.Envelope
	for _, env := range rec.Envelopes() {
		if env.Type == envelope.TypeToolApprovalCancelled {
			env := env
			cancelled = &env
		}
	}
	require.NotNil(t, cancelled)
	payload, ok := cancelled.Data.(envelope.ApprovalCancelled)
	require.True(t, ok)
	assert.Equal(t, req.RequestID, payload.RequestID)
	assert.Equal(t, "tool call abandoned", payload.Reason)
	assert.Equal(t, "sess-2", cancelled.SessionID)

	assert.False(t, broker.Resolve(req.RequestID, &Decision{Allow: true}))
}

func TestGateway_AlreadyCancelledContext(t *testing.T) {
	rec := envelope.NewRecorder(8)
	g := NewGateway(NewBroker(), rec, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := waitResult(t, askAsync(ctx, g, "Write", nil))
	assert.Equal(t, OutcomeCancelled, res.Outcome)
	assert.Equal(t, 1, rec.Count(envelope.TypeToolApprovalCancelled))
}

func TestGateway_ResolveTwiceIsNoop(t *testing.T) {
	rec := envelope.NewRecorder(8)
	broker := NewBroker()
	g := NewGateway(broker, rec, Config{})

	done := askAsync(context.Background(), g, "Write", nil)
	req := waitForRequest(t, rec)

	first := broker.Resolve(req.RequestID, &Decision{Allow: false})
	second := broker.Resolve(req.RequestID, &Decision{Allow: true})

	assert.True(t, first)
	assert.False(t, second)
	res := waitResult(t, done)
	assert.False(t, res.Allow)
}

func TestGateway_RememberEntryAppliesToRun(t *testing.T) {
	rec := envelope.NewRecorder(8)
	broker := NewBroker()
	g := NewGateway(broker, rec, Config{Disallowed: []string{"Write"}})

	// deny rule applies first
	res := g.CanUseTool(context.Background(), "Write", nil)
	require.Equal(t, OutcomeRuleDeny, res.Outcome)

	done := askAsync(context.Background(), g, "Edit", nil)
	req := waitForRequest(t, rec)
	require.True(t, broker.Resolve(req.RequestID, &Decision{Allow: true, RememberEntry: "Write"}))
	waitResult(t, done)

	res = g.CanUseTool(context.Background(), "Write", nil)
	assert.True(t, res.Allow)
	assert.Equal(t, OutcomeRuleAllow, res.Outcome)

	// a fresh gateway for another run starts from the configured lists
	other := NewGateway(broker, rec, Config{Disallowed: []string{"Write"}})
	assert.Equal(t, OutcomeRuleDeny, other.CanUseTool(context.Background(), "Write", nil).Outcome)
}

func TestGateway_SetSessionIDRebindsPending(t *testing.T) {
	rec := envelope.NewRecorder(8)
	broker := NewBroker()
	g := NewGateway(broker, rec, Config{SessionID: "pending-1", RunID: "run-3"})

	done := askAsync(context.Background(), g, "Write", nil)
	req := waitForRequest(t, rec)

	g.SetSessionID("confirmed")
	assert.Empty(t, broker.PendingFor("pending-1"))
	require.Len(t, broker.PendingFor("confirmed"), 1)

	broker.Resolve(req.RequestID, &Decision{Allow: true})
	waitResult(t, done)
}

func TestBroker_ResolveUnknown(t *testing.T) {
	assert.False(t, NewBroker().Resolve("missing", &Decision{Allow: true}))
}

func TestCell_SingleAssignment(t *testing.T) {
	c := newCell()

	assert.True(t, c.settle(settlement{trigger: triggerTimeout}))
	assert.False(t, c.settle(settlement{trigger: triggerCancel}))
	assert.False(t, c.settle(settlement{trigger: triggerDecision}))

	s := <-c.ch
	assert.Equal(t, triggerTimeout, s.trigger)
}
