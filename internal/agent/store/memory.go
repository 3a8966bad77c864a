package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/browserdeck/browserdeck/internal/common/errors"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// MemoryStore provides in-memory agent storage, used in tests and for
// throwaway deployments
type MemoryStore struct {
	agents     map[string]*v1.AgentConfig
	statuses   map[string]*StatusRecord
	codes      map[string]*v1.AuthorizationCode // by agent ID
	authorized map[string][]string              // agent ID -> chat IDs
	mu         sync.RWMutex
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new in-memory agent store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:     make(map[string]*v1.AgentConfig),
		statuses:   make(map[string]*StatusRecord),
		codes:      make(map[string]*v1.AuthorizationCode),
		authorized: make(map[string][]string),
	}
}

// Close is a no-op for the in-memory store
func (s *MemoryStore) Close() error {
	return nil
}

// Create persists a new agent config
func (s *MemoryStore) Create(ctx context.Context, config *v1.AgentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[config.ID]; exists {
		return errors.DuplicateID(config.ID)
	}

	now := time.Now().UTC()
	config.CreatedAt = now
	config.UpdatedAt = now

	cp := cloneConfig(config)
	s.agents[config.ID] = cp
	s.statuses[config.ID] = &StatusRecord{Status: v1.AgentStatusStopped}
	return nil
}

// Get retrieves an agent config by ID
func (s *MemoryStore) Get(ctx context.Context, id string) (*v1.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	config, exists := s.agents[id]
	if !exists {
		return nil, errors.NotFound("agent", id)
	}
	return cloneConfig(config), nil
}

// List returns all agents ordered by creation time
func (s *MemoryStore) List(ctx context.Context) ([]*v1.AgentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*v1.AgentConfig, 0, len(s.agents))
	for _, config := range s.agents {
		result = append(result, cloneConfig(config))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// Update merges a partial update into an existing agent config
func (s *MemoryStore) Update(ctx context.Context, id string, upd *v1.AgentUpdate) (*v1.AgentConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	config, exists := s.agents[id]
	if !exists {
		return nil, errors.NotFound("agent", id)
	}

	applyUpdate(config, upd)
	return cloneConfig(config), nil
}

// Delete removes an agent and all its associated state
func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[id]; !exists {
		return errors.NotFound("agent", id)
	}

	delete(s.agents, id)
	delete(s.statuses, id)
	delete(s.codes, id)
	delete(s.authorized, id)
	return nil
}

// SetStatus records the last-observed status for display
func (s *MemoryStore) SetStatus(ctx context.Context, id string, rec StatusRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[id]; !exists {
		return errors.NotFound("agent", id)
	}
	cp := rec
	s.statuses[id] = &cp
	return nil
}

// GetStatus returns the last-observed status
func (s *MemoryStore) GetStatus(ctx context.Context, id string) (*StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.statuses[id]
	if !exists {
		if _, ok := s.agents[id]; !ok {
			return nil, errors.NotFound("agent", id)
		}
		return &StatusRecord{Status: v1.AgentStatusStopped}, nil
	}
	cp := *rec
	return &cp, nil
}

// SaveAuthCode stores the current code for an agent, replacing any previous one
func (s *MemoryStore) SaveAuthCode(ctx context.Context, agentID string, code *v1.AuthorizationCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agentID]; !exists {
		return errors.NotFound("agent", agentID)
	}
	cp := *code
	s.codes[agentID] = &cp
	return nil
}

// GetAuthCode returns the current code for an agent, or NotFound
func (s *MemoryStore) GetAuthCode(ctx context.Context, agentID string) (*v1.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	code, exists := s.codes[agentID]
	if !exists {
		return nil, errors.NotFound("authorization code for agent", agentID)
	}
	cp := *code
	return &cp, nil
}

// FindAuthCode looks up a code by its value across all agents
func (s *MemoryStore) FindAuthCode(ctx context.Context, code string) (*v1.AuthorizationCode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, c := range s.codes {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, errors.InvalidCode()
}

// ConsumeAuthCode marks the agent's current code as consumed
func (s *MemoryStore) ConsumeAuthCode(ctx context.Context, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	code, exists := s.codes[agentID]
	if !exists {
		return errors.InvalidCode()
	}
	code.Consumed = true
	return nil
}

// AddAuthorizedChatID adds a chat identity to the agent's authorized set
func (s *MemoryStore) AddAuthorizedChatID(ctx context.Context, agentID string, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.agents[agentID]; !exists {
		return errors.NotFound("agent", agentID)
	}
	for _, existing := range s.authorized[agentID] {
		if existing == chatID {
			return nil
		}
	}
	s.authorized[agentID] = append(s.authorized[agentID], chatID)
	return nil
}

// ListAuthorizedChatIDs returns the authorized chat identities for an agent
func (s *MemoryStore) ListAuthorizedChatIDs(ctx context.Context, agentID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, exists := s.agents[agentID]; !exists {
		return nil, errors.NotFound("agent", agentID)
	}
	result := make([]string, len(s.authorized[agentID]))
	copy(result, s.authorized[agentID])
	return result, nil
}

// cloneConfig deep-copies an agent config so callers cannot mutate stored state
func cloneConfig(c *v1.AgentConfig) *v1.AgentConfig {
	cp := *c
	if c.ControlChannel != nil {
		cc := *c.ControlChannel
		cc.AllowedChatIDs = append([]string(nil), c.ControlChannel.AllowedChatIDs...)
		cp.ControlChannel = &cc
	}
	cp.Personality.Goals = append([]string(nil), c.Personality.Goals...)
	cp.Personality.Constraints = append([]string(nil), c.Personality.Constraints...)
	return &cp
}
