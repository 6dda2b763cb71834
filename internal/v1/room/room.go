// Package room owns the Room aggregates and every handler that mutates
// them: lifecycle, approvals, instrument swaps, note fan-out, the metronome,
// voice signaling and broadcast control.
//
// All mutations to one Room are serialized under its mutex; the bus carries
// the resulting events to subscribers in mutation order.
package room

import (
	"context"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"k8s.io/utils/set"
)

// MaxParticipants is the maximum allowed users in a room.
const MaxParticipants = 100

// Publisher is the slice of the event bus the room layer needs. Implemented
// by *bus.Bus; tests substitute a recording fake.
type Publisher interface {
	CreateNamespace(ctx context.Context, path string)
	DestroyNamespace(ctx context.Context, path string)
	Publish(ctx context.Context, path string, event types.Event, payload any)
	PublishExcept(ctx context.Context, path string, except types.ConnIDType, event types.Event, payload any)
	PublishTo(ctx context.Context, sub types.Subscriber, event types.Event, payload any)
	SubscriberByUser(path string, userID types.UserIDType) (types.Subscriber, bool)
	Unsubscribe(path string, connID types.ConnIDType)
}

// Params carries the caller-supplied settings for a new room.
type Params struct {
	Name        string
	Description string
	Kind        types.RoomKind
	Visibility  types.VisibilityType
	Hidden      bool
}

// Room is the aggregate state for one collaborative session.
type Room struct {
	ID          types.RoomIDType
	Name        string
	Description string
	Kind        types.RoomKind
	Visibility  types.VisibilityType
	Hidden      bool
	CreatedAt   time.Time

	mu             sync.RWMutex
	claimed        bool // a user engaged after creation; unclaimed rooms get reaped
	ownerID        types.UserIDType
	users          map[types.UserIDType]*types.UserState
	pendingMembers map[types.UserIDType]*types.UserState
	pendingSwaps   map[types.UserIDType]types.UserIDType
	voice          set.Set[types.UserIDType]

	broadcastActive bool
	broadcasterID   types.UserIDType

	metronome *Metronome
	batcher   *Batcher

	pub        Publisher
	transcoder types.BroadcastTranscoder
}

func newRoom(ctx context.Context, id types.RoomIDType, ownerID types.UserIDType, params Params, pub Publisher, transcoder types.BroadcastTranscoder, defaultBPM int, batchInterval time.Duration, maxQueue int) *Room {
	r := &Room{
		ID:          id,
		Name:        params.Name,
		Description: params.Description,
		Kind:        params.Kind,
		Visibility:  params.Visibility,
		Hidden:      params.Hidden,
		CreatedAt:   time.Now(),

		ownerID:        ownerID,
		users:          make(map[types.UserIDType]*types.UserState),
		pendingMembers: make(map[types.UserIDType]*types.UserState),
		pendingSwaps:   make(map[types.UserIDType]types.UserIDType),
		voice:          set.New[types.UserIDType](),

		pub:        pub,
		transcoder: transcoder,
	}
	r.batcher = newBatcher(pub, r.Namespace(), batchInterval, maxQueue)
	r.metronome = newMetronome(pub, r.Namespace(), defaultBPM)
	return r
}

// Namespace returns the room's bus namespace path.
func (r *Room) Namespace() string {
	return types.RoomNamespace(r.ID)
}

// ApprovalNamespace returns the room's approval namespace path.
func (r *Room) ApprovalNamespace() string {
	return types.ApprovalNamespace(r.ID)
}

// OwnerID returns the current owner.
func (r *Room) OwnerID() types.UserIDType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ownerID
}

// IsParticipant reports whether a user is in the room.
func (r *Room) IsParticipant(id types.UserIDType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.users[id]
	return ok
}

// IsPending reports whether a user awaits approval.
func (r *Room) IsPending(id types.UserIDType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.pendingMembers[id]
	return ok
}

// UserCount returns the number of joined users.
func (r *Room) UserCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users)
}

// User returns a copy of the in-room record for a user.
func (r *Room) User(id types.UserIDType) (*types.UserState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, false
	}
	return u.Clone(), true
}

// IsEmpty reports whether the room has no joined users.
func (r *Room) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users) == 0
}

// BPM returns the current metronome tempo.
func (r *Room) BPM() int {
	return r.metronome.BPM()
}

// Summary builds the lobby listing entry.
func (r *Room) Summary() RoomSummary {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return RoomSummary{
		RoomID:          r.ID,
		Name:            r.Name,
		Description:     r.Description,
		Kind:            r.Kind,
		Visibility:      r.Visibility,
		UserCount:       len(r.users),
		BroadcastActive: r.broadcastActive,
	}
}

// Snapshot builds the full authoritative state payload.
func (r *Room) Snapshot() RoomStatePayload {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Room) snapshotLocked() RoomStatePayload {
	users := make([]*types.UserState, 0, len(r.users))
	for _, u := range r.users {
		users = append(users, u.Clone())
	}
	var pending []*types.UserState
	for _, u := range r.pendingMembers {
		pending = append(pending, u.Clone())
	}
	return RoomStatePayload{
		RoomID:            r.ID,
		Name:              r.Name,
		OwnerID:           r.ownerID,
		Kind:              r.Kind,
		Visibility:        r.Visibility,
		Users:             users,
		PendingMembers:    pending,
		VoiceParticipants: r.voice.SortedList(),
		BPM:               r.metronome.BPM(),
		BroadcastActive:   r.broadcastActive,
	}
}

// criticalEvents always bypass the batcher: realtime notes and membership
// changes must never latch behind a flush interval.
var criticalEvents = map[types.Event]struct{}{
	EventNotePlayed:         {},
	EventUserJoined:         {},
	EventUserLeft:           {},
	EventSynthParamsChanged: {},
	EventStopAllNotes:       {},
	EventInstrumentChanged:  {},
}

// publish sends to the whole room, routing non-critical events through the
// coalescing batcher.
func (r *Room) publish(ctx context.Context, event types.Event, userID types.UserIDType, payload any) {
	if _, critical := criticalEvents[event]; critical {
		r.pub.Publish(ctx, r.Namespace(), event, payload)
		return
	}
	r.batcher.Enqueue(ctx, event, userID, payload)
}

// publishExcept sends to everyone but the originating connection. Exclusion
// is incompatible with coalescing, so these always go out directly.
func (r *Room) publishExcept(ctx context.Context, except types.ConnIDType, event types.Event, payload any) {
	r.pub.PublishExcept(ctx, r.Namespace(), except, event, payload)
}

// publishRoomStateLocked queues the snapshot broadcast. Coalesced: rapid
// mutation bursts collapse into the latest snapshot.
func (r *Room) publishRoomStateLocked(ctx context.Context) {
	r.batcher.Enqueue(ctx, EventRoomStateUpdated, "", r.snapshotLocked())
}

// close stops the room's background work. Called by the registry with the
// room already removed from the index.
func (r *Room) close(ctx context.Context) {
	r.metronome.Stop()
	r.batcher.Stop()

	r.mu.Lock()
	active := r.broadcastActive
	r.broadcastActive = false
	r.broadcasterID = ""
	r.mu.Unlock()

	if active && r.transcoder != nil {
		_ = r.transcoder.Stop(r.ID)
	}
}
