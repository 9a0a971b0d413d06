package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"

	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/envelope"
)

// renderer is the envelope sink of `conduit run`. Agent text goes to out,
// everything else to errOut, so out can be piped. In JSON mode every
// envelope is written to out as one line.
type renderer struct {
	mu        sync.Mutex
	out       io.Writer
	errOut    io.Writer
	json      bool
	approvals func(env envelope.Envelope)
	tag       *color.Color
	errTag    *color.Color

	sessionID string
	complete  *envelope.Complete
	midLine   bool
}

func newRenderer(out, errOut io.Writer, jsonLines bool) *renderer {
	r := &renderer{
		out:    out,
		errOut: errOut,
		json:   jsonLines,
		tag:    color.New(color.FgCyan),
		errTag: color.New(color.FgRed, color.Bold),
	}
	// Only a terminal stderr gets escape codes.
	if errOut != io.Writer(os.Stderr) || color.NoColor {
		r.tag.DisableColor()
		r.errTag.DisableColor()
	}
	return r
}

// Send implements envelope.Sink.
func (r *renderer) Send(env envelope.Envelope) {
	r.mu.Lock()
	if env.SessionID != "" {
		r.sessionID = env.SessionID
	}
	if c, ok := env.Data.(envelope.Complete); ok {
		r.complete = &c
	}

	if r.json {
		r.writeJSON(env)
	} else {
		r.writeText(env)
	}
	approvals := r.approvals
	r.mu.Unlock()

	if env.Type == envelope.TypeToolApprovalRequest && approvals != nil {
		approvals(env)
	}
}

// SetSessionID implements envelope.SessionIDSetter.
func (r *renderer) SetSessionID(id string) {
	r.mu.Lock()
	r.sessionID = id
	r.mu.Unlock()
}

// SessionID returns the last session id seen.
func (r *renderer) SessionID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessionID
}

// Complete returns the terminal payload, or nil when none arrived.
func (r *renderer) Complete() *envelope.Complete {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.complete
}

func (r *renderer) writeJSON(env envelope.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("type", string(env.Type)).Msg("Failed to encode envelope")
		return
	}
	data = append(data, '\n')
	if _, err := r.out.Write(data); err != nil {
		log.Debug().Err(err).Msg("Failed to write envelope")
	}
}

func (r *renderer) writeText(env envelope.Envelope) {
	switch data := env.Data.(type) {
	case envelope.SessionCreated:
		r.note("session %s", data.SessionID)

	case envelope.AssistantDelta:
		if data.Text == "" {
			return
		}
		fmt.Fprint(r.out, data.Text)
		r.midLine = !strings.HasSuffix(data.Text, "\n")

	case envelope.AssistantStop:
		r.endLine()

	case envelope.Result:
		r.endLine()
		if data.IsError {
			r.fail("error: %s", firstNonEmpty(data.Result, data.Subtype))
			return
		}
		r.note("done: %d turns, %dms, $%.4f", data.NumTurns, data.DurationMs, data.TotalCostUSD)

	case envelope.TokenBudget:
		r.note("context: %d/%d tokens", data.Used, data.Total)

	case envelope.ApprovalCancelled:
		r.note("approval %s withdrawn (%s)", data.RequestID, data.Reason)

	case envelope.RawOutput:
		r.note("%s", data.Text)

	case envelope.Error:
		r.endLine()
		r.fail("error: %s", data.Message)

	case envelope.Complete:
		r.endLine()
		if data.Aborted {
			r.note("aborted")
		} else if data.ExitCode != 0 {
			r.fail("agent exited with code %d", data.ExitCode)
		}
	}
}

func (r *renderer) endLine() {
	if r.midLine {
		fmt.Fprintln(r.out)
		r.midLine = false
	}
}

func (r *renderer) note(format string, args ...interface{}) {
	fmt.Fprintf(r.errOut, "%s %s\n", r.tag.Sprint("[conduit]"), fmt.Sprintf(format, args...))
}

func (r *renderer) fail(format string, args ...interface{}) {
	fmt.Fprintf(r.errOut, "%s %s\n", r.errTag.Sprint("[conduit]"), fmt.Sprintf(format, args...))
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// prompter answers tool approval requests from the terminal, one at a time.
type prompter struct {
	in       *bufio.Reader
	out      io.Writer
	resolve  func(requestID string, decision *approval.Decision) bool
	requests chan envelope.Envelope
}

func newPrompter(in io.Reader, out io.Writer, resolve func(string, *approval.Decision) bool) *prompter {
	return &prompter{
		in:       bufio.NewReader(in),
		out:      out,
		resolve:  resolve,
		requests: make(chan envelope.Envelope, 16),
	}
}

// Enqueue queues a tool-approval-request envelope without blocking the sink.
func (p *prompter) Enqueue(env envelope.Envelope) {
	select {
	case p.requests <- env:
	default:
		log.Warn().Str("request_id", env.RequestID).Msg("Approval prompt queue full, request left to time out")
	}
}

// Run asks about queued requests until ctx ends.
func (p *prompter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-p.requests:
			p.ask(env)
		}
	}
}

func (p *prompter) ask(env envelope.Envelope) {
	fmt.Fprintf(p.out, "[conduit] allow %s%s? [y]es/[n]o/[a]lways: ", env.ToolName, describeInput(env.Input))

	answer, err := p.in.ReadString('\n')
	if err != nil && answer == "" {
		fmt.Fprintln(p.out)
	}

	decision := parseAnswer(answer, env.ToolName)
	if !p.resolve(env.RequestID, decision) {
		fmt.Fprintf(p.out, "[conduit] request %s is no longer pending\n", env.RequestID)
	}
}

// parseAnswer turns a terminal answer into a decision. Anything but yes or
// always denies; always also remembers the tool name for the rest of the run.
func parseAnswer(answer, toolName string) *approval.Decision {
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return &approval.Decision{Allow: true}
	case "a", "always":
		return &approval.Decision{Allow: true, RememberEntry: toolName}
	default:
		return &approval.Decision{Allow: false, Message: "denied from terminal"}
	}
}

// describeInput renders the interesting part of a tool input on one line.
func describeInput(input interface{}) string {
	m, ok := input.(map[string]interface{})
	if !ok || len(m) == 0 {
		return ""
	}
	for _, key := range []string{"command", "file_path", "path", "url", "pattern"} {
		if v, ok := m[key].(string); ok && v != "" {
			return fmt.Sprintf(" (%s)", truncate(v, 120))
		}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return " " + truncate(string(data), 120)
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
