package http

import (
	"errors"
	"net/http"
	"time"

	"castrelay/internal/core/domain"
	"castrelay/internal/core/ports"
	"castrelay/pkg/cache"
	apperrors "castrelay/pkg/errors"
	"castrelay/pkg/validation"

	"github.com/gin-gonic/gin"
)

// tokenCacheTTL bounds how long a validated invite link is trusted without
// re-reading the room. Short, so a closed room stops validating quickly.
const tokenCacheTTL = 5 * time.Second

// RoomHandler exposes room lifecycle over HTTP for clients that manage rooms
// out of band of their signaling connection.
type RoomHandler struct {
	relay      ports.SignalRelay
	registry   ports.RoomRegistry
	tokenCache *cache.Cache
}

func NewRoomHandler(relay ports.SignalRelay, registry ports.RoomRegistry) *RoomHandler {
	return &RoomHandler{
		relay:      relay,
		registry:   registry,
		tokenCache: cache.NewCache(tokenCacheTTL),
	}
}

func (h *RoomHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/rooms", h.CreateRoom)
		api.GET("/rooms/:id", h.GetRoom)
		api.DELETE("/rooms/:id", h.CloseRoom)
	}

	router.GET("/health", h.Health)
}

func (h *RoomHandler) CreateRoom(c *gin.Context) {
	var req struct {
		Host domain.ParticipantID `json:"host" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validation.ValidateParticipantID(string(req.Host)); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	id, token, err := h.relay.CreateRoom(c.Request.Context(), req.Host)
	if err != nil {
		c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to create room", http.StatusInternalServerError))
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"room_id": id,
		"token":   token,
	})
}

// GetRoom validates a room and token pair without joining. Used by clients to
// check an invite link before opening their signaling connection. Positive
// results are cached briefly so repeated link checks skip the registry.
func (h *RoomHandler) GetRoom(c *gin.Context) {
	id := c.Param("id")
	token := c.Query("token")

	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateRoomToken(token); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	cacheKey := "room_token:" + id
	if cached, ok := h.tokenCache.Get(cacheKey); ok && cached == token {
		c.JSON(http.StatusOK, gin.H{
			"room_id": id,
			"valid":   true,
		})
		return
	}

	if !h.registry.ValidateToken(c.Request.Context(), domain.RoomID(id), domain.RoomToken(token)) {
		c.Error(apperrors.NewNotFoundError("room"))
		return
	}
	h.tokenCache.Set(cacheKey, token)

	c.JSON(http.StatusOK, gin.H{
		"room_id": id,
		"valid":   true,
	})
}

func (h *RoomHandler) CloseRoom(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Token  domain.RoomToken     `json:"token" binding:"required"`
		Caller domain.ParticipantID `json:"caller" binding:"required"`
	}

	if err := c.BindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := validation.ValidateRoomID(id); err != nil {
		c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.relay.CloseRoom(c.Request.Context(), domain.RoomID(id), req.Token, req.Caller); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotHost):
			c.Error(apperrors.NewForbiddenError("only the host may close the room"))
		case errors.Is(err, domain.ErrRoomNotFound):
			c.Error(apperrors.NewNotFoundError("room"))
		default:
			c.Error(apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to close room", http.StatusInternalServerError))
		}
		return
	}
	h.tokenCache.Delete("room_token:" + id)

	c.JSON(http.StatusOK, gin.H{"closed": true})
}

func (h *RoomHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
