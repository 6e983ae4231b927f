package router

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/predyx/a2a/internal/protocol"
)

// Session is the per-socket state owned by the server for the lifetime of
// one connection and destroyed on disconnect. The read loop is the only
// writer for identity fields; the small mutex covers the pieces the fan-out
// path also reads.
type Session struct {
	mu sync.RWMutex

	AgentID      string
	Address      string
	TokenID      string
	Capabilities protocol.Capabilities
	SessionToken string

	authenticated bool
	connectedAt   time.Time
	lastActivity  time.Time
	requestCount  uint64

	subscriptions map[string]struct{}

	// Limiter enforces the per-connection message rate. Set by the server
	// when the connection is accepted.
	Limiter *rate.Limiter
}

func NewSession() *Session {
	now := time.Now()
	return &Session{
		connectedAt:   now,
		lastActivity:  now,
		subscriptions: make(map[string]struct{}),
	}
}

// Authenticate marks the session as handshaken with its identity.
func (s *Session) Authenticate(agentID, address, tokenID, token string, caps protocol.Capabilities) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AgentID = agentID
	s.Address = address
	s.TokenID = tokenID
	s.SessionToken = token
	s.Capabilities = caps
	s.authenticated = true
}

func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticated
}

// Touch records request activity and bumps the request counter.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.requestCount++
	s.mu.Unlock()
}

func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

func (s *Session) RequestCount() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requestCount
}

func (s *Session) AddSubscription(marketID string) {
	s.mu.Lock()
	s.subscriptions[marketID] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) RemoveSubscription(marketID string) {
	s.mu.Lock()
	delete(s.subscriptions, marketID)
	s.mu.Unlock()
}

// Subscriptions returns the markets this connection is subscribed to.
func (s *Session) Subscriptions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.subscriptions))
	for m := range s.subscriptions {
		out = append(out, m)
	}
	return out
}
