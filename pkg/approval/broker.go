package approval

import (
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/harun/conduit/internal/observability"
)

// Decision is the answer a UI collaborator routes back for a pending request.
// A nil *Decision is treated like a timeout.
type Decision struct {
	Allow         bool                   `json:"allow"`
	UpdatedInput  map[string]interface{} `json:"updatedInput,omitempty"`
	RememberEntry string                 `json:"rememberEntry,omitempty"`
	Message       string                 `json:"message,omitempty"`
	Cancelled     bool                   `json:"cancelled,omitempty"`
}

type trigger int

const (
	triggerDecision trigger = iota
	triggerTimeout
	triggerCancel
)

type settlement struct {
	trigger  trigger
	decision *Decision
}

// cell is a single-assignment slot. Only the first settle call stores a
// value; later calls report false.
type cell struct {
	once sync.Once
	ch   chan settlement
}

func newCell() *cell {
	return &cell{ch: make(chan settlement, 1)}
}

func (c *cell) settle(s settlement) bool {
	won := false
	c.once.Do(func() {
		c.ch <- s
		won = true
	})
	return won
}

// PendingInfo describes an outstanding approval request.
type PendingInfo struct {
	RequestID string                 `json:"requestId"`
	SessionID string                 `json:"sessionId"`
	RunID     string                 `json:"runId"`
	ToolName  string                 `json:"toolName"`
	Input     map[string]interface{} `json:"input"`
	CreatedAt time.Time              `json:"createdAt"`
	ExpiresAt time.Time              `json:"expiresAt"`
}

type pending struct {
	info PendingInfo
	cell *cell
}

// Broker is the process-wide table of pending approvals, keyed by request id.
type Broker struct {
	mu      sync.RWMutex
	pending map[string]*pending
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	observability.EnsureRegistered()
	return &Broker{pending: make(map[string]*pending)}
}

func (b *Broker) register(info PendingInfo) *cell {
	c := newCell()

	b.mu.Lock()
	b.pending[info.RequestID] = &pending{info: info, cell: c}
	count := len(b.pending)
	b.mu.Unlock()

	observability.SetPendingApprovals(count)
	return c
}

func (b *Broker) remove(requestID string) {
	b.mu.Lock()
	delete(b.pending, requestID)
	count := len(b.pending)
	b.mu.Unlock()

	observability.SetPendingApprovals(count)
}

// Resolve delivers a decision to the request with the given id. It returns
// false when the id is unknown or the request has already been settled.
func (b *Broker) Resolve(requestID string, decision *Decision) bool {
	b.mu.RLock()
	p, ok := b.pending[requestID]
	b.mu.RUnlock()

	if !ok {
		log.Debug().Str("request_id", requestID).Msg("Decision for unknown approval request")
		return false
	}
	if !p.cell.settle(settlement{trigger: triggerDecision, decision: decision}) {
		log.Debug().Str("request_id", requestID).Msg("Approval request already settled")
		return false
	}
	return true
}

// PendingFor lists outstanding requests for a session, oldest first. An empty
// sessionID lists every request.
func (b *Broker) PendingFor(sessionID string) []PendingInfo {
	b.mu.RLock()
	out := make([]PendingInfo, 0, len(b.pending))
	for _, p := range b.pending {
		if sessionID == "" || p.info.SessionID == sessionID {
			out = append(out, p.info)
		}
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Len returns the number of outstanding requests.
func (b *Broker) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.pending)
}

// rebind updates the session id of pending requests after a rekey.
func (b *Broker) rebind(runID, sessionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range b.pending {
		if p.info.RunID == runID {
			p.info.SessionID = sessionID
		}
	}
}
