package server

import (
	"net/http"
	"strconv"

	"github.com/aimerfeng/CampusRAG/internal/chat"
	apierrors "github.com/aimerfeng/CampusRAG/internal/errors"
	"github.com/aimerfeng/CampusRAG/internal/middleware"
	"github.com/aimerfeng/CampusRAG/internal/models"
	"github.com/aimerfeng/CampusRAG/internal/retrieval"
	"github.com/gin-gonic/gin"
)

// ChatRequest is the body of POST /api/v1/chat/stream
type ChatRequest struct {
	ConversationID string `json:"conversationId"`
	Content        string `json:"content" binding:"required"`
}

// CreateConversationRequest is the body of POST /api/v1/conversations
type CreateConversationRequest struct {
	Title string `json:"title"`
}

func (s *APIServer) handleSearch(c *gin.Context) {
	var req retrieval.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}
	req.UserID = middleware.GetUserIDFromContext(c)

	resp, err := s.deps.Retrieval.Search(c.Request.Context(), req)
	if err != nil {
		respondServiceError(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// handleChatStream runs one chat turn and streams its events as SSE. Once the
// stream has started every failure arrives as an ERROR event, never as an
// HTTP status.
func (s *APIServer) handleChatStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apierrors.NewValidationError(err.Error()))
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondError(c, apierrors.NewInvalidRequestError("streaming not supported"))
		return
	}
	SetupSSEHeaders(c.Writer, middleware.GetRequestIDFromContext(c))
	c.Status(http.StatusOK)

	ew := &eventWriter{w: c.Writer, flusher: flusher}
	// the orchestrator reports the outcome through the terminal event
	_ = s.deps.Chat.HandleTurn(c.Request.Context(), chat.TurnRequest{
		ConversationID: req.ConversationID,
		UserID:         middleware.GetUserIDFromContext(c),
		Content:        req.Content,
		IPAddress:      c.ClientIP(),
	}, ew.write)
}

func (s *APIServer) handleCreateConversation(c *gin.Context) {
	var req CreateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			respondError(c, apierrors.NewValidationError(err.Error()))
			return
		}
	}
	conv, err := s.deps.Chat.CreateConversation(c.Request.Context(), middleware.GetUserIDFromContext(c), req.Title)
	if err != nil {
		respondServiceError(c, err, nil)
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (s *APIServer) handleListConversations(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	offset = max(offset, 0)

	list, err := s.deps.Chat.ListConversations(c.Request.Context(), middleware.GetUserIDFromContext(c), limit, offset)
	if err != nil {
		respondServiceError(c, err, nil)
		return
	}
	if list == nil {
		list = []*models.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": list, "count": len(list)})
}

func (s *APIServer) handleGetConversation(c *gin.Context) {
	conv, err := s.deps.Chat.GetConversation(c.Request.Context(), middleware.GetUserIDFromContext(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, apierrors.ErrConversationNotFoundError)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *APIServer) handleConversationMessages(c *gin.Context) {
	turns, err := s.deps.Chat.Messages(c.Request.Context(), middleware.GetUserIDFromContext(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, apierrors.ErrConversationNotFoundError)
		return
	}
	if turns == nil {
		turns = []models.ConversationTurn{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": turns})
}

func (s *APIServer) handleDeleteConversation(c *gin.Context) {
	err := s.deps.Chat.DeleteConversation(c.Request.Context(), middleware.GetUserIDFromContext(c), c.Param("id"))
	if err != nil {
		respondServiceError(c, err, apierrors.ErrConversationNotFoundError)
		return
	}
	c.Status(http.StatusNoContent)
}
