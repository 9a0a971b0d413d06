package provider

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/pkg/envelope"
	"github.com/harun/conduit/pkg/session"
)

// emitter serializes every send of one run and stamps envelopes with the
// run's current session id.
type emitter struct {
	mu        sync.Mutex
	sink      envelope.Sink
	sessionID string
	runID     string
}

func newEmitter(sink envelope.Sink, sessionID, runID string) *emitter {
	if sink == nil {
		sink = envelope.SinkFunc(func(envelope.Envelope) {})
	}
	return &emitter{sink: sink, sessionID: sessionID, runID: runID}
}

// Send implements envelope.Sink.
func (e *emitter) Send(env envelope.Envelope) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if env.SessionID == "" {
		env.SessionID = e.sessionID
	}
	if env.RunID == "" {
		env.RunID = e.runID
	}
	e.sink.Send(env)
}

func (e *emitter) setSessionID(id string) {
	e.mu.Lock()
	e.sessionID = id
	e.mu.Unlock()
}

func (e *emitter) error(msg string, fatal bool) {
	e.Send(envelope.New(envelope.TypeError, envelope.Error{Message: msg, Fatal: fatal}))
}

// lifecycle tracks a run's registry entry from provisional id to removal.
type lifecycle struct {
	registry  *session.Registry
	emit      *emitter
	sink      envelope.Sink
	provider  Name
	callerID  string
	resources []session.Resource

	mu       sync.Mutex
	key      string
	captured bool
	onID     []func(id string)
}

func newLifecycle(registry *session.Registry, emit *emitter, sink envelope.Sink, provider Name, callerID string) *lifecycle {
	key := callerID
	if key == "" {
		key = session.ProvisionalID(time.Now())
	}
	return &lifecycle{
		registry: registry,
		emit:     emit,
		sink:     sink,
		provider: provider,
		callerID: callerID,
		key:      key,
	}
}

// addResource attaches an auxiliary resource released when the run ends.
func (l *lifecycle) addResource(r session.Resource) {
	l.resources = append(l.resources, r)
}

// register adds the run to the registry. Resources are released right away
// when registration fails.
func (l *lifecycle) register(handle session.Handle) error {
	err := l.registry.Add(session.Entry{
		ID:           l.currentKey(),
		Provider:     string(l.provider),
		Handle:       handle,
		AuxResources: l.resources,
	})
	if err != nil {
		l.releaseUnregistered()
	}
	return err
}

// releaseUnregistered frees resources for runs that never made it into the
// registry.
func (l *lifecycle) releaseUnregistered() {
	for _, r := range l.resources {
		if err := r.Release(); err != nil {
			log.Warn().Err(err).Str("session_id", l.currentKey()).Msg("Failed to release session resource")
		}
	}
}

// capture records the engine's session id. Only the first call has effect.
func (l *lifecycle) capture(id string) {
	if id == "" {
		return
	}

	l.mu.Lock()
	if l.captured {
		l.mu.Unlock()
		return
	}
	l.captured = true
	oldKey := l.key
	l.key = id
	hooks := l.onID
	l.mu.Unlock()

	if err := l.registry.Rekey(oldKey, id); err != nil && !errors.Is(err, session.ErrNotFound) {
		log.Warn().Err(err).Str("old_id", oldKey).Str("session_id", id).Msg("Failed to rekey session")
	}

	l.emit.setSessionID(id)
	if l.callerID == "" {
		l.emit.Send(envelope.New(envelope.TypeSessionCreated, envelope.SessionCreated{SessionID: id}))
	}
	if setter, ok := l.sink.(envelope.SessionIDSetter); ok {
		setter.SetSessionID(id)
	}
	for _, fn := range hooks {
		fn(id)
	}

	log.Info().Str("session_id", id).Str("provider", string(l.provider)).Msg("Session id captured")
}

// onSessionID registers fn to run when the engine's session id is captured.
func (l *lifecycle) onSessionID(fn func(id string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onID = append(l.onID, fn)
}

func (l *lifecycle) currentKey() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.key
}

// finish releases resources and drops the registry entry. It is a no-op
// when the run was already aborted.
func (l *lifecycle) finish() {
	l.registry.Remove(l.currentKey())
}

// complete sends the terminal envelope.
func (l *lifecycle) complete(exitCode int, prompt string, aborted bool) {
	l.emit.Send(envelope.New(envelope.TypeComplete, envelope.Complete{
		ExitCode:     exitCode,
		IsNewSession: l.callerID == "" && strings.TrimSpace(prompt) != "",
		Aborted:      aborted,
	}))
}

func recordRun(provider Name, started time.Time, err error) {
	observability.RecordRun(string(provider), time.Since(started), err == nil)
}
