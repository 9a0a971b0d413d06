package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/conduit/pkg/approval"
	"github.com/harun/conduit/pkg/protocol"
)

var (
	errQueryClosed = errors.New("query closed")
	// errEngineCancelled is the cancellation cause for control requests the
	// engine abandoned.
	errEngineCancelled = errors.New("cancelled by agent")
)

// ToolPermissionFunc answers a can_use_tool control request.
type ToolPermissionFunc func(ctx context.Context, toolName string, input map[string]interface{}) approval.Result

// Query is one conversation with the CLI over the streaming control protocol.
// Messages other than control traffic are delivered through Next.
type Query struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	canUseTool ToolPermissionFunc
	onStderr   func(line string)
	maxLine    int

	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	lines  chan protocol.Line
	done   chan struct{}

	pendingMu sync.Mutex
	pending   map[string]chan protocol.ControlResponsePayload
	inflight  map[string]context.CancelCauseFunc

	closeOnce sync.Once
	inputOnce sync.Once
	readers   sync.WaitGroup
	handlers  sync.WaitGroup
	waitErr   error
	exitedCh  chan struct{}
}

type queryConfig struct {
	cliPath    string
	args       []string
	dir        string
	env        []string
	canUseTool ToolPermissionFunc
	onStderr   func(line string)
	maxLine    int
}

// startQuery spawns the CLI and starts reading its output. The caller must
// run initialize before sending a prompt.
func startQuery(cfg queryConfig) (*Query, error) {
	cmd := exec.Command(cfg.cliPath, cfg.args...)
	cmd.Dir = cfg.dir
	cmd.Env = cfg.env
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Query{
		cmd:        cmd,
		stdin:      stdin,
		canUseTool: cfg.canUseTool,
		onStderr:   cfg.onStderr,
		maxLine:    cfg.maxLine,
		ctx:        ctx,
		cancel:     cancel,
		lines:      make(chan protocol.Line, 64),
		done:       make(chan struct{}),
		pending:    make(map[string]chan protocol.ControlResponsePayload),
		inflight:   make(map[string]context.CancelCauseFunc),
		exitedCh:   make(chan struct{}),
	}

	q.readers.Add(2)
	go q.readLoop(stdout)
	go q.stderrLoop(stderr)
	go func() {
		q.readers.Wait()
		q.waitErr = cmd.Wait()
		close(q.exitedCh)
	}()

	return q, nil
}

// Pid returns the CLI's process id.
func (q *Query) Pid() int {
	return q.cmd.Process.Pid
}

// initialize performs the SDK handshake.
func (q *Query) initialize(ctx context.Context) error {
	_, err := q.request(ctx, protocol.ControlRequestSubtypeInitialize, initializeWait)
	return err
}

// send submits the user prompt.
func (q *Query) send(prompt string) error {
	return q.write(protocol.NewUserMessage(prompt))
}

// Next returns the next message that is not control traffic. It returns
// io.EOF once the CLI closed its output.
//
// Permission requests and their cancellations are dispatched here rather than
// on the reader, so that every line the CLI wrote before a request has been
// returned, and the session id captured, by the time the request is asked.
func (q *Query) Next(ctx context.Context) (protocol.Line, error) {
	for {
		select {
		case line, ok := <-q.lines:
			if !ok {
				return protocol.Line{}, io.EOF
			}
			switch line.Type {
			case protocol.MessageTypeControlRequest:
				q.handleControlRequest(line)
				continue
			case protocol.MessageTypeControlCancelRequest:
				q.handleControlCancel(line)
				continue
			}
			return line, nil
		case <-ctx.Done():
			return protocol.Line{}, ctx.Err()
		}
	}
}

// Interrupt asks the CLI to stop the current turn and waits, bounded, for its
// acknowledgement.
func (q *Query) Interrupt(ctx context.Context) error {
	_, err := q.request(ctx, protocol.ControlRequestSubtypeInterrupt, interruptWait)
	return err
}

// closeInput closes stdin, which ends the conversation once the current turn
// is done.
func (q *Query) closeInput() {
	q.inputOnce.Do(func() {
		q.writeMu.Lock()
		defer q.writeMu.Unlock()
		if err := q.stdin.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close agent stdin")
		}
	})
}

// Close cancels in-flight permission requests, closes stdin and stops the
// process if it does not exit within the grace period.
func (q *Query) Close() error {
	q.closeOnce.Do(func() {
		q.cancel()
		close(q.done)
		q.closeInput()
	})

	select {
	case <-q.exitedCh:
		return nil
	case <-time.After(terminationGrace):
	}

	_ = terminateGroup(q.cmd.Process)
	select {
	case <-q.exitedCh:
		return nil
	case <-time.After(terminationGrace):
	}
	return killGroup(q.cmd.Process)
}

// Wait blocks until the process exited and returns its exit code.
func (q *Query) Wait() int {
	<-q.exitedCh
	q.handlers.Wait()
	return exitCode(q.waitErr)
}

func (q *Query) request(ctx context.Context, subtype protocol.ControlRequestSubtype, timeout time.Duration) (protocol.ControlResponsePayload, error) {
	requestID := newControlRequestID()
	ch := make(chan protocol.ControlResponsePayload, 1)

	q.pendingMu.Lock()
	q.pending[requestID] = ch
	q.pendingMu.Unlock()

	defer func() {
		q.pendingMu.Lock()
		delete(q.pending, requestID)
		q.pendingMu.Unlock()
	}()

	if err := q.write(protocol.NewControlRequest(requestID, subtype)); err != nil {
		return protocol.ControlResponsePayload{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return controlResult(subtype, resp)
	case <-timer.C:
		return protocol.ControlResponsePayload{}, fmt.Errorf("%s control request timed out after %v", subtype, timeout)
	case <-ctx.Done():
		return protocol.ControlResponsePayload{}, ctx.Err()
	case <-q.exitedCh:
		// The response may have been read just before the process exited.
		select {
		case resp := <-ch:
			return controlResult(subtype, resp)
		default:
			return protocol.ControlResponsePayload{}, errQueryClosed
		}
	}
}

func controlResult(subtype protocol.ControlRequestSubtype, resp protocol.ControlResponsePayload) (protocol.ControlResponsePayload, error) {
	if resp.Subtype == "error" {
		return resp, fmt.Errorf("%s control request failed: %s", subtype, resp.Error)
	}
	return resp, nil
}

func (q *Query) write(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	data = append(data, '\n')

	q.writeMu.Lock()
	defer q.writeMu.Unlock()

	if _, err := q.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write to agent: %w", err)
	}
	return nil
}

func (q *Query) readLoop(r io.Reader) {
	defer q.readers.Done()
	defer close(q.lines)

	lines := newLineReader(r, q.maxLine)
	for {
		raw, truncated, err := lines.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Warn().Err(err).Msg("Failed to read agent output")
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}

		var line protocol.Line
		if truncated {
			line = protocol.Line{Raw: raw, Truncated: true}
		} else if line, err = protocol.ParseLine(raw); err != nil {
			line = protocol.Line{Raw: raw}
		}

		// Responses unblock our own requests, including the handshake that
		// runs before anyone reads q.lines.
		if line.Type == protocol.MessageTypeControlResponse {
			q.handleControlResponse(line)
			continue
		}

		select {
		case q.lines <- line:
		case <-q.done:
			_, _ = io.Copy(io.Discard, r)
			return
		}
	}
}

func (q *Query) stderrLoop(r io.Reader) {
	defer q.readers.Done()

	lines := newLineReader(r, q.maxLine)
	for {
		raw, _, err := lines.next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				_, _ = io.Copy(io.Discard, r)
			}
			return
		}
		if q.onStderr != nil {
			q.onStderr(string(raw))
		}
	}
}

func (q *Query) handleControlResponse(line protocol.Line) {
	var msg protocol.ControlResponse
	if err := line.Decode(&msg); err != nil {
		log.Warn().Err(err).Msg("Malformed control response")
		return
	}

	q.pendingMu.Lock()
	ch, ok := q.pending[msg.Response.RequestID]
	q.pendingMu.Unlock()

	if ok {
		select {
		case ch <- msg.Response:
		default:
		}
	}
}

func (q *Query) handleControlCancel(line protocol.Line) {
	var msg protocol.ControlCancelRequest
	if err := line.Decode(&msg); err != nil {
		log.Warn().Err(err).Msg("Malformed control cancel request")
		return
	}

	q.pendingMu.Lock()
	cancel, ok := q.inflight[msg.RequestID]
	q.pendingMu.Unlock()

	if ok {
		cancel(errEngineCancelled)
	}
}

func (q *Query) handleControlRequest(line protocol.Line) {
	var req protocol.ControlRequest
	if err := line.Decode(&req); err != nil {
		log.Warn().Err(err).Msg("Malformed control request")
		return
	}

	if req.Subtype() != protocol.ControlRequestSubtypeCanUseTool || q.canUseTool == nil {
		q.respond(protocol.NewControlError(req.RequestID, fmt.Sprintf("unsupported control request %q", req.Subtype())))
		return
	}

	toolReq, err := protocol.ParseCanUseTool(req)
	if err != nil {
		q.respond(protocol.NewControlError(req.RequestID, err.Error()))
		return
	}

	ctx, cancel := context.WithCancelCause(q.ctx)
	q.pendingMu.Lock()
	q.inflight[req.RequestID] = cancel
	q.pendingMu.Unlock()

	q.handlers.Add(1)
	go func() {
		defer q.handlers.Done()
		defer func() {
			q.pendingMu.Lock()
			delete(q.inflight, req.RequestID)
			q.pendingMu.Unlock()
			cancel(nil)
		}()

		res := q.canUseTool(ctx, toolReq.ToolName, toolReq.Input)
		if errors.Is(context.Cause(ctx), errEngineCancelled) {
			return
		}
		if res.Allow {
			q.respond(protocol.NewPermissionAllow(req.RequestID, res.UpdatedInput))
			return
		}
		q.respond(protocol.NewPermissionDeny(req.RequestID, res.Message))
	}()
}

func (q *Query) respond(resp protocol.ControlResponse) {
	if err := q.write(resp); err != nil {
		log.Debug().Err(err).Str("request_id", resp.Response.RequestID).Msg("Failed to send control response")
	}
}

func newControlRequestID() string {
	id, err := gonanoid.New(12)
	if err != nil {
		return fmt.Sprintf("req_%d", time.Now().UnixNano())
	}
	return "req_" + id
}
