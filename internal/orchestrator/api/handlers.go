package api

import (
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/browserdeck/browserdeck/internal/common/errors"
	"github.com/browserdeck/browserdeck/internal/common/logger"
	"github.com/browserdeck/browserdeck/internal/orchestrator"
	v1 "github.com/browserdeck/browserdeck/pkg/api/v1"
)

// Handler contains HTTP handlers for the agent management API
type Handler struct {
	orchestrator *orchestrator.Orchestrator
	logger       *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(orch *orchestrator.Orchestrator, log *logger.Logger) *Handler {
	return &Handler{
		orchestrator: orch,
		logger:       log,
	}
}

func respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if stderrors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, gin.H{
			"error": gin.H{
				"code":    appErr.Code,
				"message": appErr.Message,
			},
		})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{
		"error": gin.H{
			"code":    errors.ErrCodeInternalError,
			"message": "An internal server error occurred",
		},
	})
}

// CreateAgent registers a new agent
// POST /api/v1/agents
func (h *Handler) CreateAgent(c *gin.Context) {
	var req CreateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	config := &v1.AgentConfig{
		Name:           req.Name,
		Description:    req.Description,
		ProfileID:      req.ProfileID,
		Personality:    req.Personality,
		ControlChannel: req.ControlChannel,
		Browser:        req.Browser,
		Execution:      req.Execution,
	}

	created, err := h.orchestrator.CreateAgent(c.Request.Context(), config)
	if err != nil {
		h.logger.Error("failed to create agent", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, created)
}

// ListAgents lists all agents with their live status
// GET /api/v1/agents
func (h *Handler) ListAgents(c *gin.Context) {
	agents, err := h.orchestrator.ListAgents(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list agents", zap.Error(err))
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ListAgentsResponse{
		Agents: agents,
		Count:  len(agents),
	})
}

// GetAgent retrieves one agent's config and status
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	config, err := h.orchestrator.GetAgent(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	summary, err := h.orchestrator.GetAgentSummary(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AgentDetailResponse{
		Agent:  config,
		Status: summary,
	})
}

// UpdateAgent applies a partial config update
// PATCH /api/v1/agents/:agentId
func (h *Handler) UpdateAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	var upd v1.AgentUpdate
	if err := c.ShouldBindJSON(&upd); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	config, err := h.orchestrator.UpdateAgent(c.Request.Context(), agentID, &upd)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, config)
}

// DeleteAgent stops and removes an agent
// DELETE /api/v1/agents/:agentId
func (h *Handler) DeleteAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	if err := h.orchestrator.DeleteAgent(c.Request.Context(), agentID); err != nil {
		respondError(c, err)
		return
	}

	c.Status(http.StatusNoContent)
}

// StartAgent starts an agent's browser session
// POST /api/v1/agents/:agentId/start
func (h *Handler) StartAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	if err := h.orchestrator.StartAgent(c.Request.Context(), agentID); err != nil {
		h.logger.Error("failed to start agent", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err)
		return
	}

	h.respondSummary(c, agentID)
}

// StopAgent stops an agent
// POST /api/v1/agents/:agentId/stop
func (h *Handler) StopAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	if err := h.orchestrator.StopAgent(c.Request.Context(), agentID); err != nil {
		h.logger.Error("failed to stop agent", zap.String("agent_id", agentID), zap.Error(err))
		respondError(c, err)
		return
	}

	h.respondSummary(c, agentID)
}

// PauseAgent halts task dispatch without closing the session
// POST /api/v1/agents/:agentId/pause
func (h *Handler) PauseAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	if err := h.orchestrator.PauseAgent(c.Request.Context(), agentID); err != nil {
		respondError(c, err)
		return
	}

	h.respondSummary(c, agentID)
}

// ResumeAgent resumes task dispatch
// POST /api/v1/agents/:agentId/resume
func (h *Handler) ResumeAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	if err := h.orchestrator.ResumeAgent(c.Request.Context(), agentID); err != nil {
		respondError(c, err)
		return
	}

	h.respondSummary(c, agentID)
}

func (h *Handler) respondSummary(c *gin.Context, agentID string) {
	summary, err := h.orchestrator.GetAgentSummary(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

// SubmitTask queues a task on a running agent
// POST /api/v1/agents/:agentId/tasks
func (h *Handler) SubmitTask(c *gin.Context) {
	agentID := c.Param("agentId")

	var req SubmitTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	taskID, err := h.orchestrator.SubmitTask(c.Request.Context(), agentID, req.Input, "")
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, SubmitTaskResponse{TaskID: taskID})
}

// ListResults returns recent task results for an agent
// GET /api/v1/agents/:agentId/results?limit=&since=
func (h *Handler) ListResults(c *gin.Context) {
	agentID := c.Param("agentId")

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			appErr := errors.BadRequest("limit must be a non-negative integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		limit = parsed
	}

	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			appErr := errors.BadRequest("since must be an RFC3339 timestamp")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
		since = parsed
	}

	results, err := h.orchestrator.ListResults(c.Request.Context(), agentID, limit, since)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, ListResultsResponse{
		Results: results,
		Count:   len(results),
	})
}

// GenerateAuthCode issues a fresh authorization code for an agent's
// control channel, invalidating any previous unconsumed code
// POST /api/v1/agents/:agentId/auth-code
func (h *Handler) GenerateAuthCode(c *gin.Context) {
	agentID := c.Param("agentId")

	code, err := h.orchestrator.GenerateAuthCode(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, AuthCodeResponse{
		Code:      code.Code,
		ExpiresAt: code.ExpiresAt,
	})
}

// ListAuthorizedChats lists chat identities allowed to control an agent
// GET /api/v1/agents/:agentId/authorized
func (h *Handler) ListAuthorizedChats(c *gin.Context) {
	agentID := c.Param("agentId")

	chatIDs, err := h.orchestrator.ListAuthorizedChats(c.Request.Context(), agentID)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, AuthorizedChatsResponse{ChatIDs: chatIDs})
}

// Health reports service liveness
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
