// Package api provides the HTTP management surface for the orchestrator.
package api

import (
	"time"

	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// CreateAgentRequest for registering a new agent
type CreateAgentRequest struct {
	Name           string                   `json:"name" binding:"required"`
	Description    string                   `json:"description"`
	ProfileID      string                   `json:"profile_id" binding:"required"`
	Personality    v1.PersonalityConfig     `json:"personality"`
	ControlChannel *v1.ControlChannelConfig `json:"control_channel,omitempty"`
	Browser        v1.BrowserConfig         `json:"browser"`
	Execution      v1.ExecutionConfig       `json:"execution"`
}

// SubmitTaskRequest for queueing a task over the API
type SubmitTaskRequest struct {
	Input string `json:"input" binding:"required"`
}

// Response types

// AgentDetailResponse is the full config plus live status for one agent
type AgentDetailResponse struct {
	Agent  *v1.AgentConfig  `json:"agent"`
	Status *v1.AgentSummary `json:"status"`
}

// ListAgentsResponse wraps the agent summary list
type ListAgentsResponse struct {
	Agents []*v1.AgentSummary `json:"agents"`
	Count  int                `json:"count"`
}

// SubmitTaskResponse returns the queued task's ID
type SubmitTaskResponse struct {
	TaskID string `json:"task_id"`
}

// ListResultsResponse wraps recent task results
type ListResultsResponse struct {
	Results []*v1.TaskResult `json:"results"`
	Count   int              `json:"count"`
}

// AuthCodeResponse returns a freshly issued authorization code
type AuthCodeResponse struct {
	Code      string    `json:"code"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AuthorizedChatsResponse lists chat identities allowed to control an agent
type AuthorizedChatsResponse struct {
	ChatIDs []string `json:"chat_ids"`
}
