package transport

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/bus"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/room"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/session"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestHub wires a hub against a real in-process bus and room registry.
func newTestHub(t *testing.T, maxConn int) (*Hub, *room.Registry) {
	t.Helper()
	b := bus.New(nil)
	sessions := session.NewRegistry(maxConn)
	reg := room.NewRegistry(b, sessions, nopTranscoder{}, room.Options{
		ApprovalTimeout: time.Minute,
		GracePeriod:     time.Minute,
		BatchInterval:   5 * time.Millisecond,
		MaxQueueSize:    50,
		DefaultBPM:      120,
		SettleDelay:     20 * time.Millisecond,
	})
	h := NewHub(newMockVerifier("olivia", "bob"), b, reg, nil, HubOptions{
		HeartbeatInterval: 50 * time.Millisecond,
		SendBufferSize:    16,
	})
	t.Cleanup(func() { reg.Shutdown(context.Background()) })
	return h, reg
}

func TestRoomConnectionLifecycle(t *testing.T) {
	h, reg := newTestHub(t, 0)
	ctx := context.Background()
	r := reg.CreateRoom(ctx, "olivia", "olivia", room.Params{Name: "jam"})

	conn := newFakeWsConn()
	client := h.HandleConnection(ctx, conn, &types.Identity{UserID: "bob", Username: "bob"}, "bob", r, endpointRoom)
	require.NotNil(t, client)

	conn.pushClientMessage(room.EventJoinRoom, room.JoinRoomPayload{Username: "bob"})
	require.Eventually(t, func() bool {
		return r.IsParticipant("bob")
	}, time.Second, 5*time.Millisecond)

	// The joiner gets the full room snapshot.
	require.Eventually(t, func() bool {
		return conn.hasEvent(room.EventRoomStateUpdated)
	}, time.Second, 5*time.Millisecond)

	// Dropping the socket counts as an unintended leave.
	conn.Close()
	require.Eventually(t, func() bool {
		return !r.IsParticipant("bob") && reg.Sessions().Count() == 0
	}, time.Second, 5*time.Millisecond)
}

func TestConnectionCapRejects(t *testing.T) {
	h, reg := newTestHub(t, 1)
	ctx := context.Background()
	r := reg.CreateRoom(ctx, "olivia", "olivia", room.Params{Name: "jam"})

	first := newFakeWsConn()
	require.NotNil(t, h.HandleConnection(ctx, first, &types.Identity{UserID: "bob", Username: "bob"}, "bob", r, endpointRoom))

	second := newFakeWsConn()
	client := h.HandleConnection(ctx, second, &types.Identity{UserID: "carol", Username: "carol"}, "carol", r, endpointRoom)
	assert.Nil(t, client)
	assert.True(t, second.isClosed())

	frames := second.frames()
	require.NotEmpty(t, frames)
	assert.Contains(t, string(frames[len(frames)-1].data), "server_full")
}

func TestLobbyReceivesRoomCreated(t *testing.T) {
	h, reg := newTestHub(t, 0)
	ctx := context.Background()

	conn := newFakeWsConn()
	client := h.HandleConnection(ctx, conn, &types.Identity{UserID: "guest-1", Username: "Guest", Anonymous: true}, "", nil, endpointLobby)
	require.NotNil(t, client)
	defer conn.Close()

	reg.CreateRoom(ctx, "olivia", "olivia", room.Params{Name: "jam"})

	require.Eventually(t, func() bool {
		return conn.hasEvent(room.EventRoomCreated)
	}, time.Second, 5*time.Millisecond)
}

func TestApprovalAbandonedOnDisconnect(t *testing.T) {
	h, reg := newTestHub(t, 0)
	ctx := context.Background()
	r := reg.CreateRoom(ctx, "olivia", "olivia", room.Params{Name: "jam", Visibility: types.VisibilityPrivate})

	conn := newFakeWsConn()
	client := h.HandleConnection(ctx, conn, &types.Identity{UserID: "xena", Username: "xena"}, "xena", r, endpointApproval)
	require.NotNil(t, client)

	conn.pushClientMessage(room.EventApprovalRequest, room.ApprovalRequestPayload{Username: "xena"})
	require.Eventually(t, func() bool {
		return r.IsPending("xena")
	}, time.Second, 5*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		return !r.IsPending("xena")
	}, time.Second, 5*time.Millisecond)
}

func TestDuplicateConnectionTakeover(t *testing.T) {
	h, reg := newTestHub(t, 0)
	ctx := context.Background()
	r := reg.CreateRoom(ctx, "olivia", "olivia", room.Params{Name: "jam"})

	first := newFakeWsConn()
	require.NotNil(t, h.HandleConnection(ctx, first, &types.Identity{UserID: "bob", Username: "bob"}, "bob", r, endpointRoom))

	second := newFakeWsConn()
	require.NotNil(t, h.HandleConnection(ctx, second, &types.Identity{UserID: "bob", Username: "bob"}, "bob", r, endpointRoom))

	// The older connection is closed with a duplicate_connection frame.
	require.Eventually(t, func() bool {
		for _, f := range first.frames() {
			if f.messageType == closeMessageType {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reg.Sessions().Count())
}

func TestServeRoomWsRejections(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h, reg := newTestHub(t, 0)
	router := gin.New()
	router.GET("/ws/room/:roomId", h.ServeRoomWs)

	// Unknown room.
	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ws/room/no-such-room", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, 404, w.Code)

	// Disallowed origin.
	r := reg.CreateRoom(context.Background(), "olivia", "olivia", room.Params{Name: "jam"})
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/ws/room/"+string(r.ID), nil)
	req.Header.Set("Origin", "http://evil.example")
	router.ServeHTTP(w, req)
	assert.Equal(t, 403, w.Code)

	// Invalid token.
	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/ws/room/"+string(r.ID)+"?token=bogus", nil)
	router.ServeHTTP(w, req)
	assert.Equal(t, 401, w.Code)
}
