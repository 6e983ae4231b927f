// Package registry holds the process-local state shared across connections:
// the agent directory, market subscriptions, coalitions, and shared analyses.
// Each registry is a mutex-guarded map behind an explicit API; instances are
// injected into the router at construction.
package registry

import (
	"sync"

	"github.com/predyx/a2a/internal/protocol"
)

// Agents is the directory of currently connected agents.
type Agents struct {
	mu     sync.RWMutex
	agents map[string]protocol.AgentInfo
}

func NewAgents() *Agents {
	return &Agents{agents: make(map[string]protocol.AgentInfo)}
}

func (a *Agents) Register(info protocol.AgentInfo) {
	a.mu.Lock()
	a.agents[info.AgentID] = info
	a.mu.Unlock()
}

func (a *Agents) Unregister(agentID string) {
	a.mu.Lock()
	delete(a.agents, agentID)
	a.mu.Unlock()
}

// Get returns the directory entry for agentID, if present.
func (a *Agents) Get(agentID string) (protocol.AgentInfo, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	info, ok := a.agents[agentID]
	return info, ok
}

// List returns a snapshot of all connected agents.
func (a *Agents) List() []protocol.AgentInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]protocol.AgentInfo, 0, len(a.agents))
	for _, info := range a.agents {
		out = append(out, info)
	}
	return out
}

func (a *Agents) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.agents)
}
