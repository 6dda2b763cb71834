package session

import (
	"context"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// graceKey identifies one parked user state. A user can hold at most one
// grace entry per room.
type graceKey struct {
	RoomID types.RoomIDType
	UserID types.UserIDType
}

type graceEntry struct {
	state        *types.UserState
	disconnectAt time.Time
	timer        *time.Timer
}

// GraceRegistry parks the state of users who dropped unexpectedly so a
// reconnect within the grace window restores them with the same role,
// instrument and synth settings. Entries whose window elapses are handed to
// the expiry callback, which finalizes the departure.
type GraceRegistry struct {
	mu      sync.Mutex
	entries map[graceKey]*graceEntry
	window  time.Duration
	onExpir func(roomID types.RoomIDType, userID types.UserIDType, state *types.UserState)
}

// NewGraceRegistry creates a GraceRegistry. onExpire runs outside the
// registry lock when an entry's window elapses without a reconnect.
func NewGraceRegistry(window time.Duration, onExpire func(types.RoomIDType, types.UserIDType, *types.UserState)) *GraceRegistry {
	return &GraceRegistry{
		entries: make(map[graceKey]*graceEntry),
		window:  window,
		onExpir: onExpire,
	}
}

// Park stores a departing user's state and starts the expiry timer. Parking
// an already-parked user resets the window with the fresh state.
func (g *GraceRegistry) Park(ctx context.Context, roomID types.RoomIDType, state *types.UserState) {
	if state == nil {
		return
	}
	key := graceKey{RoomID: roomID, UserID: state.ID}

	g.mu.Lock()
	if old, ok := g.entries[key]; ok {
		old.timer.Stop()
	}
	entry := &graceEntry{
		state:        state.Clone(),
		disconnectAt: time.Now(),
	}
	entry.timer = time.AfterFunc(g.window, func() {
		g.expire(key)
	})
	g.entries[key] = entry
	g.mu.Unlock()

	logging.Info(ctx, "Parked user state for grace period",
		zap.String("roomId", string(roomID)),
		zap.String("userId", string(state.ID)),
		zap.Duration("window", g.window))
}

// Take removes and returns a parked state if the user reconnects in time.
// The second return is false when no entry exists (expired or never parked).
func (g *GraceRegistry) Take(ctx context.Context, roomID types.RoomIDType, userID types.UserIDType) (*types.UserState, bool) {
	key := graceKey{RoomID: roomID, UserID: userID}

	g.mu.Lock()
	entry, ok := g.entries[key]
	if ok {
		entry.timer.Stop()
		delete(g.entries, key)
	}
	g.mu.Unlock()

	if !ok {
		return nil, false
	}

	metrics.GraceReconnects.Inc()
	logging.Info(ctx, "Restored user state from grace period",
		zap.String("roomId", string(roomID)),
		zap.String("userId", string(userID)),
		zap.Duration("away", time.Since(entry.disconnectAt)))
	return entry.state, true
}

// Drop discards a parked entry without firing the expiry callback. Used when
// the departure becomes permanent through another path, such as the room
// closing.
func (g *GraceRegistry) Drop(roomID types.RoomIDType, userID types.UserIDType) {
	key := graceKey{RoomID: roomID, UserID: userID}
	g.mu.Lock()
	if entry, ok := g.entries[key]; ok {
		entry.timer.Stop()
		delete(g.entries, key)
	}
	g.mu.Unlock()
}

// DropRoom discards every parked entry for a room.
func (g *GraceRegistry) DropRoom(roomID types.RoomIDType) {
	g.mu.Lock()
	for key, entry := range g.entries {
		if key.RoomID == roomID {
			entry.timer.Stop()
			delete(g.entries, key)
		}
	}
	g.mu.Unlock()
}

// HasEntriesForRoom reports whether any user is still inside the grace
// window for a room. Room garbage collection must not tear a room down
// while this is true.
func (g *GraceRegistry) HasEntriesForRoom(roomID types.RoomIDType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for key := range g.entries {
		if key.RoomID == roomID {
			return true
		}
	}
	return false
}

// expire runs on the timer goroutine. The entry may have been taken or
// dropped between the timer firing and the lock being acquired, so its
// existence is re-checked before the callback fires.
func (g *GraceRegistry) expire(key graceKey) {
	g.mu.Lock()
	entry, ok := g.entries[key]
	if ok {
		delete(g.entries, key)
	}
	g.mu.Unlock()

	if !ok {
		return
	}

	logging.Info(context.Background(), "Grace period expired",
		zap.String("roomId", string(key.RoomID)),
		zap.String("userId", string(key.UserID)))

	if g.onExpir != nil {
		g.onExpir(key.RoomID, key.UserID, entry.state)
	}
}
