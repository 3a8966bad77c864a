// Package store provides durable storage for agent configurations, their
// last-observed status, authorization codes, and authorized chat identities.
package store

import (
	"context"
	"time"

	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// StatusRecord is the last-observed runtime status, persisted for display
// only. It is never trusted as live state: stores rewrite every status to
// stopped on open, because a browser session cannot survive a restart.
type StatusRecord struct {
	Status       v1.AgentStatus
	ErrorMessage string
	LastActive   *time.Time
}

// Store defines the interface for agent storage operations
type Store interface {
	// Agent config operations
	Create(ctx context.Context, config *v1.AgentConfig) error
	Get(ctx context.Context, id string) (*v1.AgentConfig, error)
	List(ctx context.Context) ([]*v1.AgentConfig, error)
	Update(ctx context.Context, id string, upd *v1.AgentUpdate) (*v1.AgentConfig, error)
	Delete(ctx context.Context, id string) error

	// Last-observed status, display only
	SetStatus(ctx context.Context, id string, rec StatusRecord) error
	GetStatus(ctx context.Context, id string) (*StatusRecord, error)

	// Authorization state, persisted alongside the owning agent
	SaveAuthCode(ctx context.Context, agentID string, code *v1.AuthorizationCode) error
	GetAuthCode(ctx context.Context, agentID string) (*v1.AuthorizationCode, error)
	FindAuthCode(ctx context.Context, code string) (*v1.AuthorizationCode, error)
	ConsumeAuthCode(ctx context.Context, agentID string) error
	AddAuthorizedChatID(ctx context.Context, agentID string, chatID string) error
	ListAuthorizedChatIDs(ctx context.Context, agentID string) ([]string, error)

	// Close closes the store (for database connections)
	Close() error
}

// applyUpdate merges a partial update into a config. Shared by all store
// implementations so merge semantics cannot drift between backends.
func applyUpdate(config *v1.AgentConfig, upd *v1.AgentUpdate) {
	if upd.Name != nil {
		config.Name = *upd.Name
	}
	if upd.Description != nil {
		config.Description = *upd.Description
	}
	if upd.ProfileID != nil {
		config.ProfileID = *upd.ProfileID
	}
	if upd.Personality != nil {
		config.Personality = *upd.Personality
	}
	if upd.ControlChannel != nil {
		cc := *upd.ControlChannel
		config.ControlChannel = &cc
	}
	if upd.Browser != nil {
		config.Browser = *upd.Browser
	}
	if upd.Execution != nil {
		config.Execution = *upd.Execution
	}
	config.ApplyDefaults()
	config.UpdatedAt = time.Now().UTC()
}
