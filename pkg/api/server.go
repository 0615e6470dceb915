package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/glowingkitty/OpenMates-sub005/pkg/kvstore"
	"github.com/glowingkitty/OpenMates-sub005/pkg/models"
	"github.com/glowingkitty/OpenMates-sub005/pkg/pipeline"
	"github.com/glowingkitty/OpenMates-sub005/pkg/streambus"
)

// PoolReporter exposes worker pool depths for the health endpoint.
type PoolReporter interface {
	PoolHealth() map[string]int
}

// Server represents the HTTP API server.
type Server struct {
	service *pipeline.Service
	tap     *StreamTap
	manager *streambus.ConnectionManager
	store   kvstore.Store
	pools   PoolReporter
}

// NewServer wires the API surface. The tap must be the same Bus instance the
// pipeline publishes on, otherwise SSE responses never see their stream.
func NewServer(service *pipeline.Service, tap *StreamTap, manager *streambus.ConnectionManager, store kvstore.Store, pools PoolReporter) *Server {
	return &Server{
		service: service,
		tap:     tap,
		manager: manager,
		store:   store,
		pools:   pools,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/ai/ask", s.Ask)
	r.POST("/api/ai/cancel/:chat_id", s.Cancel)
	r.POST("/v1/chat/completions", s.ChatCompletions)
	r.GET("/ws", s.WebSocket)
	r.GET("/health", s.Health)
	return r
}

// Ask handles POST /api/ai/ask: the native entrypoint. The pipeline runs in
// the background; the client follows the stream over its WebSocket
// subscription.
func (s *Server) Ask(c *gin.Context) {
	var req models.AskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ChatID == "" || req.UserID == "" || len(req.MessageHistory) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "chat_id, user_id and message_history are required"})
		return
	}
	if req.UserIDHash == "" {
		req.UserIDHash = pipeline.HashID(req.UserID)
	}

	taskID, queued, err := s.service.Submit(c.Request.Context(), &req)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": taskID, "queued": queued})
}

// Cancel handles POST /api/ai/cancel/:chat_id. Revokes the chat's active run;
// partial text up to the last chunk boundary is persisted.
func (s *Server) Cancel(c *gin.Context) {
	chatID := c.Param("chat_id")

	taskID, ok := s.service.CancelChat(c.Request.Context(), chatID)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no active task for chat"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "cancelled", "task_id": taskID})
}

// WebSocket handles GET /ws: upgrades and hands the connection to the
// stream fan-out manager. Blocks for the connection's lifetime.
func (s *Server) WebSocket(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "server closing")

	s.manager.HandleConnection(c.Request.Context(), conn)
	conn.Close(websocket.StatusNormalClosure, "")
}

// Health handles GET /health.
func (s *Server) Health(c *gin.Context) {
	resp := gin.H{"status": "ok"}
	if s.pools != nil {
		resp["pools"] = s.pools.PoolHealth()
	}
	c.JSON(http.StatusOK, resp)
}
