// Package history keeps a bounded in-memory record of task results per
// agent, for display and audit over the management API.
package history

import (
	"sync"
	"time"

	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// History is an in-memory, per-agent ring of recent task results
type History struct {
	results     map[string][]*v1.TaskResult
	mu          sync.RWMutex
	maxPerAgent int
}

// New creates a history keeping at most maxPerAgent results per agent
func New(maxPerAgent int) *History {
	if maxPerAgent <= 0 {
		maxPerAgent = 200
	}
	return &History{
		results:     make(map[string][]*v1.TaskResult),
		maxPerAgent: maxPerAgent,
	}
}

// Record appends a task result, trimming the oldest entries beyond the bound
func (h *History) Record(result *v1.TaskResult) {
	h.mu.Lock()
	defer h.mu.Unlock()

	results := h.results[result.AgentID]
	results = append(results, result)

	if len(results) > h.maxPerAgent {
		results = results[len(results)-h.maxPerAgent:]
	}

	h.results[result.AgentID] = results
}

// List returns results for an agent, newest last, filtered to those finished
// after since and capped at limit (0 means no cap)
func (h *History) List(agentID string, limit int, since time.Time) []*v1.TaskResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var filtered []*v1.TaskResult
	for _, r := range h.results[agentID] {
		if r.FinishedAt.After(since) {
			filtered = append(filtered, r)
		}
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	result := make([]*v1.TaskResult, len(filtered))
	copy(result, filtered)
	return result
}

// Delete drops all recorded results for an agent
func (h *History) Delete(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.results, agentID)
}
