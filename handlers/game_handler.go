package handlers

import (
	"context"
	"net/http"

	"partyquiz/middleware"
	"partyquiz/services"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// RoomService is what the HTTP surface needs from the game service.
type RoomService interface {
	CreateRoom(ctx context.Context, organizerID string, req *services.CreateRoomRequest) (*services.CreateRoomResponse, error)
	GetRoom(ctx context.Context, pin string) (*services.RoomSnapshot, error)
}

type GameHandler struct {
	rooms  RoomService
	logger zerolog.Logger
}

func NewGameHandler(rooms RoomService, logger zerolog.Logger) *GameHandler {
	return &GameHandler{
		rooms:  rooms,
		logger: logger.With().Str("component", "game_handler").Logger(),
	}
}

func (h *GameHandler) CreateRoom(c *gin.Context) {
	identity := middleware.CurrentIdentity(c)
	if !identity.Authenticated() {
		c.JSON(http.StatusUnauthorized, gin.H{"code": services.CodeUnauthorized, "error": "User not authenticated"})
		return
	}

	var req services.CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": services.CodeInvalidPayload, "error": err.Error()})
		return
	}

	room, err := h.rooms.CreateRoom(c.Request.Context(), identity.UserID, &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, room)
}

func (h *GameHandler) GetRoom(c *gin.Context) {
	room, err := h.rooms.GetRoom(c.Request.Context(), c.Param("pin"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, room)
}

func (h *GameHandler) respondError(c *gin.Context, err error) {
	gerr := services.AsGameError(err)
	status := statusFor(gerr.Code)
	if status >= http.StatusInternalServerError {
		h.logger.Error().Err(err).Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(status, gin.H{"code": gerr.Code, "error": gerr.Message})
}

func statusFor(code services.ErrorCode) int {
	switch code {
	case services.CodeInvalidPayload:
		return http.StatusBadRequest
	case services.CodeUnauthorized:
		return http.StatusUnauthorized
	case services.CodeNotOrganizer:
		return http.StatusForbidden
	case services.CodeRoomNotFound, services.CodeGameNotFound:
		return http.StatusNotFound
	case services.CodeRoomCorrupted:
		return http.StatusConflict
	case services.CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
