package registry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/predyx/a2a/internal/protocol"
)

var (
	ErrCoalitionNotFound = errors.New("coalition not found")
	ErrNotProposer       = errors.New("only the proposer may disband a coalition")
	ErrCoalitionInactive = errors.New("coalition is no longer active")
	ErrNotMember         = errors.New("agent is not a coalition member")
)

// Coalitions tracks ad-hoc agent groups. Membership bounds are validated at
// proposal time only; join and leave may transiently violate min/max without
// error, and records are never hard-deleted.
type Coalitions struct {
	mu         sync.RWMutex
	coalitions map[string]*protocol.Coalition
}

func NewCoalitions() *Coalitions {
	return &Coalitions{coalitions: make(map[string]*protocol.Coalition)}
}

// Propose creates a coalition with the proposer as its first member.
func (c *Coalitions) Propose(proposer, name, targetMarket, strategy string, minMembers, maxMembers int) (protocol.Coalition, error) {
	if minMembers < 1 {
		return protocol.Coalition{}, fmt.Errorf("minMembers must be at least 1, got %d", minMembers)
	}
	if maxMembers < minMembers {
		return protocol.Coalition{}, fmt.Errorf("maxMembers %d below minMembers %d", maxMembers, minMembers)
	}

	coalition := &protocol.Coalition{
		ID:           "coalition-" + uuid.NewString(),
		Name:         name,
		Proposer:     proposer,
		Members:      []string{proposer},
		Strategy:     strategy,
		TargetMarket: targetMarket,
		MinMembers:   minMembers,
		MaxMembers:   maxMembers,
		CreatedAt:    time.Now(),
		Active:       true,
	}

	c.mu.Lock()
	c.coalitions[coalition.ID] = coalition
	c.mu.Unlock()

	return snapshot(coalition), nil
}

// Join appends agentID to the member list. Joining twice is a no-op; joining
// beyond MaxMembers is accepted.
func (c *Coalitions) Join(coalitionID, agentID string) (protocol.Coalition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coalition, ok := c.coalitions[coalitionID]
	if !ok {
		return protocol.Coalition{}, ErrCoalitionNotFound
	}
	if !coalition.Active {
		return protocol.Coalition{}, ErrCoalitionInactive
	}
	for _, m := range coalition.Members {
		if m == agentID {
			return snapshot(coalition), nil
		}
	}
	coalition.Members = append(coalition.Members, agentID)
	return snapshot(coalition), nil
}

// Leave removes agentID from the member list. Leaving a coalition the agent
// is not in is a no-op. Active flips false when the last member leaves.
func (c *Coalitions) Leave(coalitionID, agentID string) (protocol.Coalition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coalition, ok := c.coalitions[coalitionID]
	if !ok {
		return protocol.Coalition{}, ErrCoalitionNotFound
	}
	members := coalition.Members[:0]
	for _, m := range coalition.Members {
		if m != agentID {
			members = append(members, m)
		}
	}
	coalition.Members = members
	if len(coalition.Members) == 0 {
		coalition.Active = false
	}
	return snapshot(coalition), nil
}

// Disband marks the coalition inactive. Only the proposer may disband.
func (c *Coalitions) Disband(coalitionID, agentID string) (protocol.Coalition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	coalition, ok := c.coalitions[coalitionID]
	if !ok {
		return protocol.Coalition{}, ErrCoalitionNotFound
	}
	if coalition.Proposer != agentID {
		return protocol.Coalition{}, ErrNotProposer
	}
	coalition.Active = false
	return snapshot(coalition), nil
}

// Get returns a snapshot of the coalition.
func (c *Coalitions) Get(coalitionID string) (protocol.Coalition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coalition, ok := c.coalitions[coalitionID]
	if !ok {
		return protocol.Coalition{}, ErrCoalitionNotFound
	}
	return snapshot(coalition), nil
}

// IsMember reports whether agentID currently belongs to the coalition.
func (c *Coalitions) IsMember(coalitionID, agentID string) (bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	coalition, ok := c.coalitions[coalitionID]
	if !ok {
		return false, ErrCoalitionNotFound
	}
	for _, m := range coalition.Members {
		if m == agentID {
			return true, nil
		}
	}
	return false, nil
}

// List returns snapshots of all coalitions, active and inactive.
func (c *Coalitions) List() []protocol.Coalition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]protocol.Coalition, 0, len(c.coalitions))
	for _, coalition := range c.coalitions {
		out = append(out, snapshot(coalition))
	}
	return out
}

// snapshot copies the record so callers never share the live member slice.
func snapshot(c *protocol.Coalition) protocol.Coalition {
	cp := *c
	cp.Members = append([]string(nil), c.Members...)
	return cp
}
