package registry

import (
	"sync"
	"time"
)

// Subscriptions is the many-to-many (marketID, agentID) relation behind
// market update fan-out. Rows for an agent are removed when its connection
// closes.
type Subscriptions struct {
	mu      sync.RWMutex
	markets map[string]map[string]time.Time // marketID -> agentID -> subscribedAt
}

func NewSubscriptions() *Subscriptions {
	return &Subscriptions{markets: make(map[string]map[string]time.Time)}
}

// Subscribe adds (marketID, agentID). Subscribing twice is a no-op.
func (s *Subscriptions) Subscribe(marketID, agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.markets[marketID]
	if !ok {
		subs = make(map[string]time.Time)
		s.markets[marketID] = subs
	}
	if _, ok := subs[agentID]; !ok {
		subs[agentID] = time.Now()
	}
}

// Unsubscribe removes (marketID, agentID) and reports whether a row existed.
func (s *Subscriptions) Unsubscribe(marketID, agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	subs, ok := s.markets[marketID]
	if !ok {
		return false
	}
	if _, ok := subs[agentID]; !ok {
		return false
	}
	delete(subs, agentID)
	if len(subs) == 0 {
		delete(s.markets, marketID)
	}
	return true
}

// Subscribers returns the agent ids subscribed to marketID. Unknown markets
// yield an empty slice, never nil.
func (s *Subscriptions) Subscribers(marketID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	subs := s.markets[marketID]
	out := make([]string, 0, len(subs))
	for agentID := range subs {
		out = append(out, agentID)
	}
	return out
}

// Markets returns the market ids agentID is subscribed to.
func (s *Subscriptions) Markets(agentID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for marketID, subs := range s.markets {
		if _, ok := subs[agentID]; ok {
			out = append(out, marketID)
		}
	}
	return out
}

// ActiveMarkets returns every market with at least one subscriber.
func (s *Subscriptions) ActiveMarkets() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.markets))
	for marketID := range s.markets {
		out = append(out, marketID)
	}
	return out
}

// RemoveAgent clears every subscription held by agentID. Called on
// disconnect.
func (s *Subscriptions) RemoveAgent(agentID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for marketID, subs := range s.markets {
		delete(subs, agentID)
		if len(subs) == 0 {
			delete(s.markets, marketID)
		}
	}
}
