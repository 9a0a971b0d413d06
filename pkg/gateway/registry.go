package gateway

import (
	"sort"
	"sync"
	"time"
)

// clientSet tracks connected WebSocket clients by id.
type clientSet struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

func newClientSet() *clientSet {
	return &clientSet{byID: make(map[string]*Client)}
}

// add stores c and returns the number of connected clients.
func (s *clientSet) add(c *Client) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.byID[c.ID] = c
	return len(s.byID)
}

// remove reports whether id was still connected.
func (s *clientSet) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byID[id]; !ok {
		return false
	}
	delete(s.byID, id)
	return true
}

func (s *clientSet) get(id string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.byID[id]
	return c, ok
}

// drain empties the set and returns what it held. Used on shutdown so
// late disconnects do not race the close loop.
func (s *clientSet) drain() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Client, 0, len(s.byID))
	for id, c := range s.byID {
		out = append(out, c)
		delete(s.byID, id)
	}
	return out
}

// infos snapshots every client, oldest connection first.
func (s *clientSet) infos() []ClientInfo {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.byID))
	for _, c := range s.byID {
		clients = append(clients, c)
	}
	s.mu.RUnlock()

	now := time.Now()
	out := make([]ClientInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, c.info(now))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ConnectedAt.Before(out[j].ConnectedAt)
	})
	return out
}

// activeRuns sums the runs in flight across clients.
func (s *clientSet) activeRuns() int {
	total := 0
	for _, info := range s.infos() {
		total += info.ActiveRuns
	}
	return total
}
