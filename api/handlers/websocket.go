package handlers

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/UniSketch/UniSketch7-sub001/internal/ws"
)

// WebSocketHandler handles WebSocket connections to sketches.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	logger    *zap.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
		logger:    logger,
	}
}

// Attach handles GET /api/ws - upgrades to the sketch protocol. The sketch is
// chosen afterwards with join_sketch; callers without an identity become guests.
func (h *WebSocketHandler) Attach(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request, getIdentity(c)); err != nil {
		// The upgrader has already written the HTTP error
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
	}
}

// RegisterRoutes registers the WebSocket handler routes on a Gin router group.
func (h *WebSocketHandler) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/ws", h.Attach)
}
