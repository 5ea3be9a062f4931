// Package push registers and removes device push tokens.
package push

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	pkgpush "owly-callkit/pkg/push"
	"owly-callkit/pkg/response"
)

// TokenStore is the push token registry the handler writes to.
type TokenStore interface {
	Save(ctx context.Context, userID uuid.UUID, platform, token string) error
	Delete(ctx context.Context, userID uuid.UUID, platform string) error
}

// Handler handles push token registration requests.
type Handler struct {
	store TokenStore
}

// NewHandler creates a new push handler.
func NewHandler(store TokenStore) *Handler {
	return &Handler{store: store}
}

// RegisterTokenRequest is the registration body.
type RegisterTokenRequest struct {
	Platform string `json:"platform" binding:"required,oneof=fcm apns"`
	Token    string `json:"token" binding:"required"`
}

// RegisterToken stores a device token for the authenticated user.
// POST /v1/push/register
func (h *Handler) RegisterToken(c *gin.Context) {
	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	userID, ok := authenticatedUser(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.store.Save(c.Request.Context(), userID, req.Platform, req.Token); err != nil {
		response.InternalError(c, "Failed to register push token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"platform": req.Platform})
}

// UnregisterToken removes the device token for one platform.
// DELETE /v1/push/register/:platform
func (h *Handler) UnregisterToken(c *gin.Context) {
	platform := c.Param("platform")
	if platform != pkgpush.PlatformFCM && platform != pkgpush.PlatformAPNs {
		response.ValidationError(c, "Unknown platform")
		return
	}

	userID, ok := authenticatedUser(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	if err := h.store.Delete(c.Request.Context(), userID, platform); err != nil {
		response.InternalError(c, "Failed to remove push token")
		return
	}

	response.Success(c, http.StatusOK, gin.H{"platform": platform})
}

func authenticatedUser(c *gin.Context) (uuid.UUID, bool) {
	val, exists := c.Get("user_id")
	if !exists {
		return uuid.Nil, false
	}
	userID, ok := val.(uuid.UUID)
	return userID, ok
}
