package http

import (
	"errors"
	"net/http"

	"github.com/dkeye/Mesh/internal/app"
	"github.com/dkeye/Mesh/internal/domain"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type CreateRoomRequest struct {
	RoomID string `json:"roomId"`
}

type MessageResponse struct {
	Message string `json:"message"`
}

type CheckRoomResponse struct {
	Exists bool `json:"exists"`
}

type RoomsResponse struct {
	Rooms []domain.RoomInfo `json:"rooms"`
}

type RoomHandlers struct {
	Registry *app.Registry
}

func (h RoomHandlers) CreateRoom(c *gin.Context) {
	var req CreateRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid JSON"})
		return
	}
	created, err := h.Registry.CreateRoom(domain.ParseRoomID(req.RoomID))
	if errors.Is(err, app.ErrMissingRoomID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Room ID is required"})
		return
	}
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("create room")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !created {
		c.JSON(http.StatusOK, MessageResponse{Message: "Room already exists"})
		return
	}
	c.JSON(http.StatusCreated, MessageResponse{Message: "Room created"})
}

func (h RoomHandlers) CheckRoom(c *gin.Context) {
	id := domain.ParseRoomID(c.Param("roomId"))
	c.JSON(http.StatusOK, CheckRoomResponse{Exists: h.Registry.RoomExists(id)})
}

func (h RoomHandlers) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, RoomsResponse{Rooms: h.Registry.List()})
}

func healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
