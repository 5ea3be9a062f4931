// Package token issues media-channel join credentials and serves the call
// endpoints of the relay's REST surface.
package token

import (
	"hash/fnv"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	callservice "owly-callkit/internal/service/call"
	"owly-callkit/pkg/jwt"
	"owly-callkit/pkg/metrics"
	"owly-callkit/pkg/response"
)

// Handler serves media token and call history requests.
type Handler struct {
	jwtManager  *jwt.Manager
	callService *callservice.Service
	metrics     *metrics.Metrics
}

// NewHandler creates a new token handler.
func NewHandler(jwtManager *jwt.Manager, callService *callservice.Service, m *metrics.Metrics) *Handler {
	return &Handler{
		jwtManager:  jwtManager,
		callService: callService,
		metrics:     m,
	}
}

// GenerateTokenRequest is the media token request body.
type GenerateTokenRequest struct {
	ChannelName string `json:"channelName" binding:"required"`
}

// GenerateToken issues a join token for a media channel.
// POST /agora/generate-token
//
// The response shape is flat, not the standard envelope: the calling
// clients parse {success, token, uid} directly.
func (h *Handler) GenerateToken(c *gin.Context) {
	var req GenerateTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "channelName required"})
		return
	}

	userID, ok := authenticatedUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "error": "unauthorized"})
		return
	}

	uid := channelUID(userID, req.ChannelName)
	token, err := h.jwtManager.GenerateMediaToken(req.ChannelName, uid)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordMediaToken("error")
		}
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": "failed to generate token"})
		return
	}

	if h.metrics != nil {
		h.metrics.RecordMediaToken("ok")
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"token":   token,
		"uid":     uid,
	})
}

// CallHistory lists the newest call records of a conversation.
// GET /v1/calls/history?conversation_id=...&limit=...&offset=...
func (h *Handler) CallHistory(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Query("conversation_id"))
	if err != nil {
		response.ValidationError(c, "Invalid conversation ID")
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	records, err := h.callService.History(c.Request.Context(), conversationID, limit, offset)
	if err != nil {
		response.AppError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{"records": records})
}

// channelUID derives a stable nonzero transport uid from the user and the
// channel. Both endpoints of a call always get distinct uids because their
// user IDs differ.
func channelUID(userID uuid.UUID, channelName string) uint32 {
	hash := fnv.New32a()
	hash.Write([]byte(userID.String()))
	hash.Write([]byte(channelName))
	uid := hash.Sum32()
	if uid == 0 {
		uid = 1
	}
	return uid
}

func authenticatedUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	return userID, ok
}
