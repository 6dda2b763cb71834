package room

import (
	"context"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/approval"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/session"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options carries the tunables the registry and its rooms need.
type Options struct {
	ApprovalTimeout time.Duration
	GracePeriod     time.Duration
	BatchInterval   time.Duration
	MaxQueueSize    int
	DefaultBPM      int
	SettleDelay     time.Duration
}

// Registry owns every Room aggregate. It coordinates the bus namespaces,
// the session registry, the grace-period registry and the approval manager
// around room lifecycle transitions.
type Registry struct {
	mu              sync.RWMutex
	rooms           map[types.RoomIDType]*Room
	pendingCleanups map[types.RoomIDType]*time.Timer
	pendingClaims   map[types.RoomIDType]*time.Timer

	pub        Publisher
	sessions   *session.Registry
	grace      *session.GraceRegistry
	approvals  *approval.Manager
	transcoder types.BroadcastTranscoder
	opts       Options
}

// NewRegistry wires a Registry and its dependent timers.
func NewRegistry(pub Publisher, sessions *session.Registry, transcoder types.BroadcastTranscoder, opts Options) *Registry {
	reg := &Registry{
		rooms:           make(map[types.RoomIDType]*Room),
		pendingCleanups: make(map[types.RoomIDType]*time.Timer),
		pendingClaims:   make(map[types.RoomIDType]*time.Timer),
		pub:             pub,
		sessions:        sessions,
		transcoder:      transcoder,
		opts:            opts,
	}
	reg.grace = session.NewGraceRegistry(opts.GracePeriod, reg.onGraceExpired)
	reg.approvals = approval.NewManager(opts.ApprovalTimeout, reg.onApprovalExpired)
	return reg
}

// Grace exposes the grace registry for transport-level reconnect checks.
func (reg *Registry) Grace() *session.GraceRegistry {
	return reg.grace
}

// CreateRoom allocates a room with the caller as owner, creates its
// namespaces and announces it on the lobby unless hidden.
func (reg *Registry) CreateRoom(ctx context.Context, ownerID types.UserIDType, ownerName string, params Params) *Room {
	if params.Kind == "" {
		params.Kind = types.RoomKindPerform
	}
	if params.Visibility == "" {
		params.Visibility = types.VisibilityPublic
	}

	id := types.RoomIDType(uuid.NewString())
	r := newRoom(ctx, id, ownerID, params, reg.pub, reg.transcoder, reg.opts.DefaultBPM, reg.opts.BatchInterval, reg.opts.MaxQueueSize)

	r.users[ownerID] = &types.UserState{
		ID:       ownerID,
		Username: ownerName,
		Role:     types.RoleRoomOwner,
	}

	reg.mu.Lock()
	reg.rooms[id] = r
	reg.mu.Unlock()

	reg.pub.CreateNamespace(ctx, r.Namespace())
	reg.pub.CreateNamespace(ctx, r.ApprovalNamespace())

	metrics.ActiveRooms.Inc()
	logging.Info(ctx, "Room created",
		zap.String("roomId", string(id)),
		zap.String("ownerId", string(ownerID)),
		zap.String("visibility", string(params.Visibility)))

	if !r.Hidden {
		reg.pub.Publish(ctx, types.NamespaceLobby, EventRoomCreated, r.Summary())
	}
	reg.scheduleClaimCheck(id)
	return r
}

// Get looks a room up by id.
func (reg *Registry) Get(id types.RoomIDType) (*Room, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	r, ok := reg.rooms[id]
	return r, ok
}

// List returns lobby summaries for all non-hidden rooms.
func (reg *Registry) List() []RoomSummary {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	out := make([]RoomSummary, 0, len(reg.rooms))
	for _, r := range reg.rooms {
		if r.Hidden {
			continue
		}
		out = append(out, r.Summary())
	}
	return out
}

// Count returns the number of live rooms.
func (reg *Registry) Count() int {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return len(reg.rooms)
}

// scheduleCleanup arms the settle timer for an empty room. The callback
// re-checks emptiness and grace references before destroying anything; a
// join during the settle window disarms it.
func (reg *Registry) scheduleCleanup(roomID types.RoomIDType) {
	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, armed := reg.pendingCleanups[roomID]; armed {
		return
	}
	reg.pendingCleanups[roomID] = time.AfterFunc(reg.opts.SettleDelay, func() {
		reg.cleanupIfEmpty(roomID)
	})
}

// scheduleClaimCheck arms the unclaimed-room reaper. The owner record is
// pre-inserted at creation, so a room whose creator never attaches any
// connection would otherwise never become empty and never be collected.
func (reg *Registry) scheduleClaimCheck(roomID types.RoomIDType) {
	reg.mu.Lock()
	reg.pendingClaims[roomID] = time.AfterFunc(reg.opts.GracePeriod, func() {
		reg.reapIfUnclaimed(roomID)
	})
	reg.mu.Unlock()
}

// markClaimed records that a user has engaged with the room and disarms the
// claim reaper.
func (reg *Registry) markClaimed(r *Room) {
	r.mu.Lock()
	already := r.claimed
	r.claimed = true
	r.mu.Unlock()
	if already {
		return
	}

	reg.mu.Lock()
	if t, ok := reg.pendingClaims[r.ID]; ok {
		t.Stop()
		delete(reg.pendingClaims, r.ID)
	}
	reg.mu.Unlock()
}

// reapIfUnclaimed destroys a room nobody ever engaged with. Attached but
// not-yet-joined connections, pending approvals and grace entries defer the
// decision to the next check.
func (reg *Registry) reapIfUnclaimed(roomID types.RoomIDType) {
	reg.mu.Lock()
	delete(reg.pendingClaims, roomID)
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()
	if !ok {
		return
	}

	r.mu.RLock()
	claimed := r.claimed
	hasPending := len(r.pendingMembers) > 0
	r.mu.RUnlock()
	if claimed || hasPending {
		return
	}
	if len(reg.sessions.ConnsInRoom(roomID)) > 0 || reg.grace.HasEntriesForRoom(roomID) {
		reg.scheduleClaimCheck(roomID)
		return
	}

	logging.Info(context.Background(), "Room never claimed, reaping",
		zap.String("roomId", string(roomID)))
	reg.destroyRoom(context.Background(), roomID)
}

// cancelCleanup disarms a pending settle timer.
func (reg *Registry) cancelCleanup(roomID types.RoomIDType) {
	reg.mu.Lock()
	if t, ok := reg.pendingCleanups[roomID]; ok {
		t.Stop()
		delete(reg.pendingCleanups, roomID)
	}
	reg.mu.Unlock()
}

func (reg *Registry) cleanupIfEmpty(roomID types.RoomIDType) {
	reg.mu.Lock()
	delete(reg.pendingCleanups, roomID)
	r, ok := reg.rooms[roomID]
	reg.mu.Unlock()

	if !ok {
		return
	}
	if !r.IsEmpty() || reg.grace.HasEntriesForRoom(roomID) {
		// Someone came back during the settle window.
		if reg.grace.HasEntriesForRoom(roomID) {
			reg.scheduleCleanup(roomID)
		}
		return
	}
	reg.destroyRoom(context.Background(), roomID)
}

// destroyRoom removes a room, tears down its namespaces and drops any
// state other components still hold for it.
func (reg *Registry) destroyRoom(ctx context.Context, roomID types.RoomIDType) {
	reg.mu.Lock()
	r, ok := reg.rooms[roomID]
	if ok {
		delete(reg.rooms, roomID)
	}
	if t, armed := reg.pendingCleanups[roomID]; armed {
		t.Stop()
		delete(reg.pendingCleanups, roomID)
	}
	if t, armed := reg.pendingClaims[roomID]; armed {
		t.Stop()
		delete(reg.pendingClaims, roomID)
	}
	reg.mu.Unlock()

	if !ok {
		return
	}

	r.close(ctx)
	reg.grace.DropRoom(roomID)
	reg.pub.DestroyNamespace(ctx, r.Namespace())
	reg.pub.DestroyNamespace(ctx, r.ApprovalNamespace())

	if !r.Hidden {
		reg.pub.Publish(ctx, types.NamespaceLobby, EventRoomClosed, RoomClosedPayload{RoomID: roomID})
	}

	metrics.ActiveRooms.Dec()
	metrics.RoomParticipants.DeleteLabelValues(string(roomID))
	logging.Info(ctx, "Room destroyed", zap.String("roomId", string(roomID)))
}

// Shutdown tears down every room. Used on server exit and in tests.
func (reg *Registry) Shutdown(ctx context.Context) {
	reg.mu.RLock()
	ids := make([]types.RoomIDType, 0, len(reg.rooms))
	for id := range reg.rooms {
		ids = append(ids, id)
	}
	reg.mu.RUnlock()

	for _, id := range ids {
		reg.destroyRoom(ctx, id)
	}
}

func (reg *Registry) updateParticipantGauge(r *Room) {
	n := r.UserCount()
	if n > 0 {
		metrics.RoomParticipants.WithLabelValues(string(r.ID)).Set(float64(n))
	} else {
		metrics.RoomParticipants.DeleteLabelValues(string(r.ID))
	}
}
