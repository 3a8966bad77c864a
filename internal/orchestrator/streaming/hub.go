// Package streaming pushes agent status and task events to WebSocket
// clients. Clients subscribe to specific agents or receive everything.
package streaming

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/common/logger"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The management API is origin-agnostic; auth sits in front of it
		return true
	},
}

// Client is one connected WebSocket consumer
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	logger *logger.Logger

	mu       sync.Mutex
	agentIDs map[string]bool // empty set means all agents
}

// Subscribe narrows the client's stream to the given agent
func (c *Client) Subscribe(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agentIDs[agentID] = true
}

// Unsubscribe removes an agent from the client's filter
func (c *Client) Unsubscribe(agentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.agentIDs, agentID)
}

func (c *Client) wants(agentID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.agentIDs) == 0 {
		return true
	}
	return c.agentIDs[agentID]
}

// StatusMessage is pushed on every agent status transition
type StatusMessage struct {
	Type         string         `json:"type"`
	AgentID      string         `json:"agent_id"`
	Status       v1.AgentStatus `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// TaskMessage is pushed when a task finishes
type TaskMessage struct {
	Type      string    `json:"type"`
	AgentID   string    `json:"agent_id"`
	TaskID    string    `json:"task_id"`
	Success   bool      `json:"success"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Hub tracks connected clients and fans events out to them
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
	logger  *logger.Logger
}

// NewHub creates a streaming hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  log.WithFields(zap.String("component", "streaming-hub")),
	}
}

// Register adds a client to the hub
func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

// Unregister removes a client and closes its send channel
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

// BroadcastStatus pushes a status transition to interested clients.
// Matches the orchestrator's StatusListener signature.
func (h *Hub) BroadcastStatus(agentID string, status v1.AgentStatus, errMessage string) {
	h.broadcast(agentID, StatusMessage{
		Type:         "agent.status",
		AgentID:      agentID,
		Status:       status,
		ErrorMessage: errMessage,
		Timestamp:    time.Now().UTC(),
	})
}

// BroadcastTaskResult pushes a finished task to interested clients. The
// screenshot is omitted; clients fetch full results over the REST API.
func (h *Hub) BroadcastTaskResult(result *v1.TaskResult) {
	h.broadcast(result.AgentID, TaskMessage{
		Type:      "agent.task",
		AgentID:   result.AgentID,
		TaskID:    result.TaskID,
		Success:   result.Success,
		ErrorKind: result.ErrorKind,
		Timestamp: result.FinishedAt,
	})
}

func (h *Hub) broadcast(agentID string, msg interface{}) {
	payload, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal stream message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if !client.wants(agentID) {
			continue
		}
		if !client.trySend(payload) {
			h.logger.Debug("dropping message for slow client")
		}
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// ServeWS upgrades the request and runs the client pumps
// GET /ws
func (h *Hub) ServeWS(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
			return
		}

		client := &Client{
			hub:      h,
			conn:     conn,
			send:     make(chan []byte, 64),
			logger:   log,
			agentIDs: make(map[string]bool),
		}
		h.Register(client)

		go client.writePump()
		go client.readPump()
	}
}
