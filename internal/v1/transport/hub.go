package transport

import (
	"context"
	"net/http"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/ratelimit"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/room"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// busService is the slice of the bus the hub needs.
type busService interface {
	CreateNamespace(ctx context.Context, path string)
	Subscribe(path string, sub types.Subscriber) error
	Unsubscribe(path string, connID types.ConnIDType)
}

// endpointKind distinguishes the three websocket endpoints.
type endpointKind int

const (
	endpointLobby endpointKind = iota
	endpointRoom
	endpointApproval
)

// Hub terminates websocket connections and wires them to the room registry.
// One Hub serves all three endpoints: the lobby monitor, room namespaces and
// approval namespaces.
type Hub struct {
	bus            busService
	rooms          *room.Registry
	verifier       types.IdentityVerifier
	rateLimiter    *ratelimit.RateLimiter
	allowedOrigins []string

	heartbeat  time.Duration
	sendBuffer int
}

// HubOptions carries the transport tunables.
type HubOptions struct {
	AllowedOrigins    []string
	HeartbeatInterval time.Duration
	SendBufferSize    int
}

// NewHub creates a Hub and registers the lobby namespace on the bus. The
// rate limiter may be nil (tests, dev mode).
func NewHub(verifier types.IdentityVerifier, b busService, rooms *room.Registry, rl *ratelimit.RateLimiter, opts HubOptions) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	b.CreateNamespace(context.Background(), types.NamespaceLobby)
	return &Hub{
		bus:            b,
		rooms:          rooms,
		verifier:       verifier,
		rateLimiter:    rl,
		allowedOrigins: opts.AllowedOrigins,
		heartbeat:      opts.HeartbeatInterval,
		sendBuffer:     opts.SendBufferSize,
	}
}

// ServeLobbyWs handles GET /ws/lobby. Lobby subscribers receive room
// lifecycle events (room_created, room_closed, room_broadcast_changed) and
// send nothing.
func (h *Hub) ServeLobbyWs(c *gin.Context) {
	h.serveWs(c, endpointLobby)
}

// ServeRoomWs handles GET /ws/room/:roomId.
func (h *Hub) ServeRoomWs(c *gin.Context) {
	h.serveWs(c, endpointRoom)
}

// ServeApprovalWs handles GET /ws/approval/:roomId, the holding channel for
// users awaiting a private-room join decision.
func (h *Hub) ServeApprovalWs(c *gin.Context) {
	h.serveWs(c, endpointApproval)
}

// serveWs runs the shared pipeline: rate limit, authenticate, validate
// origin, resolve the room, upgrade, then hand off to HandleConnection.
func (h *Hub) serveWs(c *gin.Context, kind endpointKind) {
	if h.rateLimiter != nil && !h.rateLimiter.CheckWebSocket(c) {
		return // response already written
	}

	tokenResult := extractToken(c, h.verifier)
	identity, err := h.verifier.Verify(tokenResult.Token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	if h.rateLimiter != nil {
		if err := h.rateLimiter.CheckWebSocketUser(c.Request.Context(), string(identity.UserID)); err != nil {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many connections"})
			return
		}
	}

	if err := validateOrigin(c.Request, h.allowedOrigins); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": "origin not allowed"})
		return
	}

	var r *room.Room
	if kind != endpointLobby {
		roomID := types.RoomIDType(c.Param("roomId"))
		var ok bool
		r, ok = h.rooms.Get(roomID)
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
	}

	conn, err := upgradeWebSocket(c, h.allowedOrigins, tokenResult)
	if err != nil {
		return
	}

	h.HandleConnection(c.Request.Context(), conn, identity, c.Query("username"), r, kind)
}

// HandleConnection attaches an established connection to its namespace and
// starts the pumps. Split from serveWs so tests can drive it with a fake
// connection.
func (h *Hub) HandleConnection(ctx context.Context, conn wsConnection, identity *types.Identity, username string, r *room.Room, kind endpointKind) *Client {
	if username == "" {
		username = identity.Username
	}

	client := newClient(conn, types.ConnIDType(uuid.NewString()), identity.UserID, username, h.sendBuffer, h.heartbeat)

	var path string
	var roomID types.RoomIDType
	switch kind {
	case endpointRoom:
		path = r.Namespace()
		roomID = r.ID
		client.onMessage = func(ctx context.Context, c *Client, msg types.ClientMessage) {
			h.rooms.Route(ctx, r, c, msg)
		}
		client.onClose = func(c *Client) {
			h.rooms.HandleDisconnect(context.Background(), c)
			h.bus.Unsubscribe(path, c.ConnID())
			h.rooms.Sessions().Detach(c.ConnID())
		}

	case endpointApproval:
		path = r.ApprovalNamespace()
		roomID = r.ID
		client.onMessage = func(ctx context.Context, c *Client, msg types.ClientMessage) {
			h.rooms.RouteApproval(ctx, r, c, msg)
		}
		client.onClose = func(c *Client) {
			// Dropping the holding channel abandons the pending request.
			h.rooms.AbandonApprovalByConn(context.Background(), c.ConnID())
			h.bus.Unsubscribe(path, c.ConnID())
			h.rooms.Sessions().Detach(c.ConnID())
		}

	default:
		path = types.NamespaceLobby
		client.onClose = func(c *Client) {
			h.bus.Unsubscribe(path, c.ConnID())
			h.rooms.Sessions().Detach(c.ConnID())
		}
	}

	if !h.rooms.Sessions().Attach(ctx, client, roomID, path) {
		h.rejectConnection(conn, "server_full")
		return nil
	}

	if err := h.bus.Subscribe(path, client); err != nil {
		// The room was destroyed between lookup and subscribe.
		logging.Warn(ctx, "Subscribe raced room teardown",
			zap.String("namespace", path), zap.Error(err))
		h.rooms.Sessions().Detach(client.ConnID())
		h.rejectConnection(conn, "room_closed")
		return nil
	}

	metrics.IncConnection()
	logging.Info(ctx, "Client connected",
		zap.String("connId", string(client.ConnID())),
		zap.String("userId", string(client.UserID())),
		zap.String("namespace", path))

	go client.writePump()
	go client.readPump()
	return client
}

// rejectConnection closes a connection that never made it past setup.
func (h *Hub) rejectConnection(conn wsConnection, reason string) {
	frame := formatCloseFrame(reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(closeMessageType, frame)
	_ = conn.Close()
}

// Shutdown tears down every room, which closes all attached connections.
func (h *Hub) Shutdown(ctx context.Context) {
	logging.Info(ctx, "Shutting down hub")
	h.rooms.Shutdown(ctx)
}
