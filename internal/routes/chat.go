package routes

import (
	"github.com/gin-gonic/gin"

	"github.com/propsquare/messaging-backend/internal/handlers"
	"github.com/propsquare/messaging-backend/internal/middleware"
)

func RegisterChatRoutes(r gin.IRouter, h *handlers.ChatHandler) {
	chat := r.Group("/chat")
	chat.Use(middleware.AuthMiddleware())
	{
		chat.GET("/conversations", h.GetConversations)
		chat.GET("/messages", h.GetMessages) // ?userId=...
		chat.POST("/messages", h.SendMessage)
	}
}
