package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog/log"

	"github.com/harun/conduit/internal/observability"
)

var (
	// ErrEmptyID is returned when an entry is registered without an id.
	ErrEmptyID = errors.New("session id cannot be empty")
	// ErrExists is returned when an id is already active.
	ErrExists = errors.New("session already active")
	// ErrNotFound is returned by Rekey for unknown ids.
	ErrNotFound = errors.New("session not found")
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusAborted   Status = "aborted"
	StatusCompleted Status = "completed"
)

// Handle is the exclusively owned reference to the underlying engine. It is
// used only to stop the run.
type Handle interface {
	Terminate(ctx context.Context) error
}

// HandleFunc adapts a function to the Handle interface.
type HandleFunc func(ctx context.Context) error

// Terminate implements Handle.
func (f HandleFunc) Terminate(ctx context.Context) error { return f(ctx) }

// Resource is a temporary artifact owned by a session. Release must be
// idempotent.
type Resource interface {
	Release() error
}

// Entry is a registered session.
type Entry struct {
	ID           string
	Provider     string
	Status       Status
	Handle       Handle
	AuxResources []Resource
	StartedAt    time.Time
}

// Info is a read-only snapshot of an entry.
type Info struct {
	ID        string    `json:"id"`
	Provider  string    `json:"provider"`
	Status    Status    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
}

func (e *Entry) info() Info {
	return Info{ID: e.ID, Provider: e.Provider, Status: e.Status, StartedAt: e.StartedAt}
}

// Registry is the process-wide table of active sessions.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	observability.EnsureRegistered()
	return &Registry{entries: make(map[string]*Entry)}
}

// ProvisionalID derives a temporary id from the submission time. A random
// suffix keeps ids unique when two runs start in the same millisecond.
func ProvisionalID(submitted time.Time) string {
	suffix, err := gonanoid.Generate("abcdefghijklmnopqrstuvwxyz0123456789", 6)
	if err != nil {
		suffix = fmt.Sprintf("%d", submitted.Nanosecond())
	}
	return fmt.Sprintf("pending-%d-%s", submitted.UnixMilli(), suffix)
}

// Add registers a session. The id may be provisional.
func (r *Registry) Add(e Entry) error {
	if e.ID == "" {
		return ErrEmptyID
	}
	if e.Status == "" {
		e.Status = StatusActive
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	e.AuxResources = append([]Resource(nil), e.AuxResources...)

	r.mu.Lock()
	if _, exists := r.entries[e.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	r.entries[e.ID] = &e
	count := len(r.entries)
	r.mu.Unlock()

	observability.SetActiveSessions(count)
	log.Debug().Str("session_id", e.ID).Str("provider", e.Provider).Msg("Session registered")
	return nil
}

// Get returns a snapshot of the entry registered under id.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Info{}, false
	}
	return e.info(), true
}

// ListActive returns all registered sessions ordered by start time.
func (r *Registry) ListActive() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.info())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Rekey moves the entry registered under oldID to newID, keeping its handle
// and resources.
func (r *Registry) Rekey(oldID, newID string) error {
	if newID == "" {
		return ErrEmptyID
	}
	if oldID == newID {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[oldID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, oldID)
	}
	if _, taken := r.entries[newID]; taken {
		return fmt.Errorf("%w: %s", ErrExists, newID)
	}

	e.ID = newID
	r.entries[newID] = e
	delete(r.entries, oldID)

	log.Debug().Str("old_id", oldID).Str("session_id", newID).Msg("Session rekeyed")
	return nil
}

// Remove releases the entry's auxiliary resources and then drops it. Unknown
// ids are ignored.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok && e.Status == StatusActive {
		e.Status = StatusCompleted
	}
	r.mu.Unlock()

	if !ok {
		return
	}
	releaseAll(id, e.AuxResources)
	r.detach(e)
}

// Abort terminates the session registered under id. It returns false when no
// such session exists. Termination failures are logged; the entry is removed
// regardless.
func (r *Registry) Abort(ctx context.Context, id string) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	var (
		handle    Handle
		resources []Resource
		provider  string
	)
	if ok {
		e.Status = StatusAborted
		handle, resources, provider = e.Handle, e.AuxResources, e.Provider
	}
	r.mu.Unlock()

	observability.RecordAbort(ok)
	if !ok {
		log.Debug().Str("session_id", id).Msg("Abort requested for unknown session")
		return false
	}

	if handle != nil {
		if err := handle.Terminate(ctx); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to terminate session")
		}
	}

	releaseAll(id, resources)
	r.detach(e)

	observability.RecordSessionAudit(ctx, "abort", id, string(StatusAborted), map[string]interface{}{
		"provider": provider,
	})
	log.Info().Str("session_id", id).Str("provider", provider).Msg("Session aborted")
	return true
}

// WasAborted reports whether the entry under id has been flagged as aborted.
func (r *Registry) WasAborted(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	return ok && e.Status == StatusAborted
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// detach removes e from the table under whatever key it currently has.
// Release happens before and outside the lock so a slow filesystem never
// blocks other sessions.
func (r *Registry) detach(e *Entry) {
	r.mu.Lock()
	removed := false
	if cur, ok := r.entries[e.ID]; ok && cur == e {
		delete(r.entries, e.ID)
		removed = true
	}
	count := len(r.entries)
	r.mu.Unlock()

	if removed {
		observability.SetActiveSessions(count)
	}
}

func releaseAll(id string, resources []Resource) {
	for _, res := range resources {
		if err := res.Release(); err != nil {
			log.Warn().Err(err).Str("session_id", id).Msg("Failed to release session resource")
		}
	}
}
