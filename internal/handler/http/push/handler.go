package push

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"callbridge-backend/pkg/logger"
	"callbridge-backend/pkg/push"
)

// Handler handles push notification HTTP requests
type Handler struct {
	pushService *push.Service
}

// NewHandler creates a new push notification handler
func NewHandler(pushService *push.Service) *Handler {
	return &Handler{
		pushService: pushService,
	}
}

// RegisterTokenRequest represents request to register a push token
type RegisterTokenRequest struct {
	Token    string         `json:"token" binding:"required"`
	Type     push.TokenType `json:"type" binding:"required,oneof=fcm apns web"`
	DeviceID string         `json:"device_id"`
	Platform string         `json:"platform"` // ios, android, web
}

// RegisterToken registers a new push notification token for the authenticated user
// POST /v1/push/tokens
func (h *Handler) RegisterToken(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	var req RegisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Platform != "" && req.Platform != "ios" && req.Platform != "android" && req.Platform != "web" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid platform. Must be 'ios', 'android', or 'web'"})
		return
	}

	token := &push.Token{
		UserID:    userID,
		Token:     req.Token,
		Type:      req.Type,
		DeviceID:  req.DeviceID,
		Platform:  req.Platform,
		Active:    true,
		CreatedAt: time.Now().Unix(),
		UpdatedAt: time.Now().Unix(),
	}

	if err := h.pushService.RegisterToken(c.Request.Context(), token); err != nil {
		logger.Error("Failed to register push token",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to register token"})
		return
	}

	logger.Info("Push token registered",
		zap.String("user_id", userID.String()),
		zap.String("token_type", string(req.Type)),
		zap.String("platform", req.Platform))

	c.JSON(http.StatusOK, gin.H{
		"message":  "Token registered successfully",
		"token_id": token.ID,
	})
}

// UnregisterTokenRequest represents request to unregister a push token
type UnregisterTokenRequest struct {
	Token string `json:"token" binding:"required"`
}

// UnregisterToken removes a push notification token
// DELETE /v1/push/tokens
func (h *Handler) UnregisterToken(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	var req UnregisterTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	token, err := h.pushService.GetTokenByValue(c.Request.Context(), req.Token)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get token"})
		return
	}

	// Verify token belongs to user
	if token == nil || token.UserID != userID {
		c.JSON(http.StatusNotFound, gin.H{"error": "Token not found"})
		return
	}

	if err := h.pushService.UnregisterToken(c.Request.Context(), token.ID); err != nil {
		logger.Error("Failed to unregister push token",
			zap.String("user_id", userID.String()),
			zap.String("token_id", token.ID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unregister token"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Token unregistered successfully",
	})
}

// UnregisterAllTokens removes all push notification tokens for the authenticated user
// DELETE /v1/push/tokens/all
func (h *Handler) UnregisterAllTokens(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	if err := h.pushService.UnregisterAllTokens(c.Request.Context(), userID); err != nil {
		logger.Error("Failed to unregister all push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unregister tokens"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "All tokens unregistered successfully",
	})
}

// GetTokens returns all push notification tokens for the authenticated user
// GET /v1/push/tokens
func (h *Handler) GetTokens(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	tokens, err := h.pushService.GetTokensByUserID(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to get push tokens",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get tokens"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"tokens": tokens,
		"count":  len(tokens),
	})
}

// GetTokenCount returns the count of active push notification tokens
// GET /v1/push/tokens/count
func (h *Handler) GetTokenCount(c *gin.Context) {
	userID, ok := authenticatedUser(c)
	if !ok {
		return
	}

	count, err := h.pushService.GetActiveTokensCount(c.Request.Context(), userID)
	if err != nil {
		logger.Error("Failed to get push token count",
			zap.String("user_id", userID.String()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to get token count"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"active_tokens_count": count,
	})
}

// authenticatedUser pulls the user set by the auth middleware
func authenticatedUser(c *gin.Context) (uuid.UUID, bool) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return uuid.Nil, false
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Invalid user ID"})
		return uuid.Nil, false
	}
	return userID, true
}
