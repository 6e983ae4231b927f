package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/predyx/a2a/internal/protocol"
)

// Analyses stores shared market analyses for the lifetime of the process.
// Durability, when wanted, belongs to the external datastore collaborator.
type Analyses struct {
	mu       sync.RWMutex
	byMarket map[string][]protocol.Analysis
}

func NewAnalyses() *Analyses {
	return &Analyses{byMarket: make(map[string][]protocol.Analysis)}
}

// Add records an analysis, assigning it an id and timestamp, and returns the
// stored copy.
func (a *Analyses) Add(analysis protocol.Analysis) protocol.Analysis {
	analysis.ID = "analysis-" + uuid.NewString()
	analysis.Timestamp = time.Now()

	a.mu.Lock()
	a.byMarket[analysis.MarketID] = append(a.byMarket[analysis.MarketID], analysis)
	a.mu.Unlock()

	return analysis
}

// ByMarket returns all analyses recorded for marketID, oldest first.
func (a *Analyses) ByMarket(marketID string) []protocol.Analysis {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]protocol.Analysis(nil), a.byMarket[marketID]...)
}

// Count returns the total number of stored analyses.
func (a *Analyses) Count() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := 0
	for _, list := range a.byMarket {
		n += len(list)
	}
	return n
}
