package transport

import (
	"net/http"
	"strings"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/room"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
)

// createRoomRequest is the POST /api/v1/rooms body.
type createRoomRequest struct {
	Name        string               `json:"name" binding:"required"`
	Description string               `json:"description"`
	Kind        types.RoomKind       `json:"kind"`
	Visibility  types.VisibilityType `json:"visibility"`
	Hidden      bool                 `json:"hidden"`
	Username    string               `json:"username"`
}

// createRoomResponse carries everything a client needs to connect.
type createRoomResponse struct {
	RoomID       types.RoomIDType `json:"roomId"`
	Namespace    string           `json:"namespace"`
	ApprovalPath string           `json:"approvalNamespace"`
	OwnerID      types.UserIDType `json:"ownerId"`
	RoomSummary  room.RoomSummary `json:"summary"`
}

// ListRooms handles GET /api/v1/rooms: lobby summaries of all visible rooms.
func (h *Hub) ListRooms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"rooms": h.rooms.List()})
}

// CreateRoom handles POST /api/v1/rooms. The caller becomes the room owner;
// clients then connect over /ws/room/:roomId and send join_room.
func (h *Hub) CreateRoom(c *gin.Context) {
	identity, err := h.verifier.Verify(bearerToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	switch req.Visibility {
	case "", types.VisibilityPublic, types.VisibilityPrivate:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown visibility"})
		return
	}
	switch req.Kind {
	case "", types.RoomKindPerform, types.RoomKindArrange:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown room kind"})
		return
	}

	ownerName := req.Username
	if ownerName == "" {
		ownerName = identity.Username
	}

	r := h.rooms.CreateRoom(c.Request.Context(), identity.UserID, ownerName, room.Params{
		Name:        req.Name,
		Description: req.Description,
		Kind:        req.Kind,
		Visibility:  req.Visibility,
		Hidden:      req.Hidden,
	})

	c.JSON(http.StatusCreated, createRoomResponse{
		RoomID:       r.ID,
		Namespace:    r.Namespace(),
		ApprovalPath: r.ApprovalNamespace(),
		OwnerID:      identity.UserID,
		RoomSummary:  r.Summary(),
	})
}

// GetRoom handles GET /api/v1/rooms/:roomId.
func (h *Hub) GetRoom(c *gin.Context) {
	r, ok := h.rooms.Get(types.RoomIDType(c.Param("roomId")))
	if !ok || r.Hidden {
		c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
		return
	}
	c.JSON(http.StatusOK, r.Summary())
}

// bearerToken extracts the token from an Authorization header, or falls back
// to the "token" query parameter. Empty means anonymous.
func bearerToken(c *gin.Context) string {
	header := c.GetHeader("Authorization")
	if after, ok := strings.CutPrefix(header, "Bearer "); ok {
		return after
	}
	return c.Query("token")
}
