// Package events defines the event types published on the event bus.
package events

// Agent lifecycle and task event subjects
const (
	AgentCreated       = "agent.created"
	AgentUpdated       = "agent.updated"
	AgentDeleted       = "agent.deleted"
	AgentStatusChanged = "agent.status"
	TaskCompleted      = "agent.task.completed"
	TaskFailed         = "agent.task.failed"
	ChatAuthorized     = "agent.chat.authorized"
)
