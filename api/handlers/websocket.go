package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/trna-workbench/backend/internal/ws"
)

// WebSocketHandler exposes the notification socket.
type WebSocketHandler struct {
	wsHandler *ws.Handler
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler) *WebSocketHandler {
	return &WebSocketHandler{wsHandler: wsHandler}
}

// Connect handles GET /ws. Clients authenticate over the socket itself.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	// The upgrader writes its own HTTP error on failure.
	_ = h.wsHandler.HandleConnection(c.Writer, c.Request)
}

// RegisterRoutes registers the WebSocket route.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/ws", h.Connect)
}
