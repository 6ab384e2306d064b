package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/propsquare/messaging-backend/internal/chat"
	"github.com/propsquare/messaging-backend/internal/presence"
	"github.com/propsquare/messaging-backend/pkg/logger"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSHandler upgrades HTTP connections and hands each one to a Session.
type WSHandler struct {
	Hub         *chat.Hub
	Registry    presence.Registry
	Coordinator *chat.Coordinator
	Pusher      chat.Pusher
	Auth        chat.Authenticator
	Config      chat.SessionConfig
}

// Serve is the gin handler for GET /ws. The credential rides in a query
// param (the most reliable spot during a websocket handshake); the
// session verifies it before anything else happens.
func (h *WSHandler) Serve(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		token = c.Query("auth_token") // fallback
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Msg("Websocket upgrade failed")
		return
	}

	// The connection is hijacked now, so the request context is no longer
	// the session's lifetime.
	session := chat.NewSession(conn, h.Hub, h.Registry, h.Coordinator, h.Pusher, h.Auth, h.Config)
	session.Run(context.Background(), token)
}
