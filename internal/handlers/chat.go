package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/propsquare/messaging-backend/internal/chat"
	"github.com/propsquare/messaging-backend/internal/models"
	"github.com/propsquare/messaging-backend/internal/store"
	apperrors "github.com/propsquare/messaging-backend/pkg/errors"
)

// ChatHandler serves the REST side of messaging: history, conversation
// summaries and the send operation that drives the delivery coordinator.
type ChatHandler struct {
	Store       store.MessageStore
	Coordinator *chat.Coordinator
}

func NewChatHandler(st store.MessageStore, coord *chat.Coordinator) *ChatHandler {
	return &ChatHandler{Store: st, Coordinator: coord}
}

// GetMessages returns the DM history with another user (?userId=...),
// oldest first, with skip/limit pagination.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	currentUserID := c.MustGet("userId").(string)
	otherUserID := c.Query("userId")

	if otherUserID == "" {
		c.Error(apperrors.BadRequest("userId required"))
		return
	}

	skip, _ := strconv.ParseInt(c.DefaultQuery("skip", "0"), 10, 64)
	limit, _ := strconv.ParseInt(c.DefaultQuery("limit", "50"), 10, 64)

	messages, err := h.Store.FindByPair(c.Request.Context(), currentUserID, otherUserID, skip, limit)
	if err != nil {
		c.Error(apperrors.Internal("Failed to fetch messages"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// GetConversations returns a list of active conversations (latest message
// plus unseen count per partner).
func (h *ChatHandler) GetConversations(c *gin.Context) {
	userID := c.MustGet("userId").(string)

	conversations, err := h.Store.ListConversations(c.Request.Context(), userID)
	if err != nil {
		c.Error(apperrors.Internal("Failed to fetch conversations"))
		return
	}

	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

// SendMessage handles sending a message with a text body and/or a single
// attachment reference.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	senderID := c.MustGet("userId").(string)

	var req struct {
		ReceiverID string             `json:"receiverId" binding:"required"`
		Content    string             `json:"content"`
		Attachment *models.Attachment `json:"attachment"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.BadRequest("Invalid request"))
		return
	}

	msg, err := h.Coordinator.Send(c.Request.Context(), senderID, req.ReceiverID, req.Content, req.Attachment)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrEmptyMessage),
			errors.Is(err, chat.ErrMissingReceiver),
			errors.Is(err, chat.ErrBadAttachment):
			c.Error(apperrors.BadRequest(err.Error()))
		default:
			// The store write failed: report it so the sender knows the
			// message was not accepted.
			c.Error(apperrors.Internal("Failed to send message"))
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": msg})
}
