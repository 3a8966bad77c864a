package api

import (
	"github.com/gin-gonic/gin"

	"github.com/browserdeck/browserdeck/internal/common/logger"
	"github.com/browserdeck/browserdeck/internal/orchestrator"
	"github.com/browserdeck/browserdeck/internal/orchestrator/streaming"
)

// apiRequestsPerSecond caps the whole management API; generous enough for
// UIs polling results, tight enough to shed a runaway client
const apiRequestsPerSecond = 200

// SetupRouter builds the gin engine with middleware, the agent management
// routes, and the status stream
func SetupRouter(orch *orchestrator.Orchestrator, hub *streaming.Hub, log *logger.Logger) *gin.Engine {
	router := gin.New()
	router.Use(Recovery(log))
	router.Use(RequestLogger(log))
	router.Use(CORS())

	handler := NewHandler(orch, log)

	router.GET("/health", handler.Health)
	router.GET("/ws", hub.ServeWS(log))

	apiV1 := router.Group("/api/v1")
	apiV1.Use(RateLimit(apiRequestsPerSecond))
	SetupRoutes(apiV1, handler)

	return router
}

// SetupRoutes configures the agent management routes
func SetupRoutes(router *gin.RouterGroup, handler *Handler) {
	agents := router.Group("/agents")
	{
		agents.POST("", handler.CreateAgent)
		agents.GET("", handler.ListAgents)
		agents.GET("/:agentId", handler.GetAgent)
		agents.PATCH("/:agentId", handler.UpdateAgent)
		agents.DELETE("/:agentId", handler.DeleteAgent)

		// Lifecycle
		agents.POST("/:agentId/start", handler.StartAgent)
		agents.POST("/:agentId/stop", handler.StopAgent)
		agents.POST("/:agentId/pause", handler.PauseAgent)
		agents.POST("/:agentId/resume", handler.ResumeAgent)

		// Tasks and results
		agents.POST("/:agentId/tasks", handler.SubmitTask)
		agents.GET("/:agentId/results", handler.ListResults)

		// Control channel authorization
		agents.POST("/:agentId/auth-code", handler.GenerateAuthCode)
		agents.GET("/:agentId/authorized", handler.ListAuthorizedChats)
	}
}
