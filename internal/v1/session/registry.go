// Package session tracks live connections and disconnect grace periods.
//
// The registry is the authoritative map from connection IDs to session
// records. It enforces the single-connection-per-user-per-namespace rule:
// attaching a second connection for the same user on the same namespace
// closes the first one.
package session

import (
	"context"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// DisconnectReasonDuplicate is the close reason when a newer connection for
// the same user takes over.
const DisconnectReasonDuplicate = "duplicate_connection"

// record pairs session metadata with the live subscriber so takeover can
// close the stale connection.
type record struct {
	info types.SessionInfo
	sub  types.Subscriber
}

// Registry tracks every attached connection.
type Registry struct {
	mu      sync.RWMutex
	byConn  map[types.ConnIDType]*record
	maxConn int
}

// NewRegistry creates a Registry. maxConn caps concurrent connections;
// zero means unlimited.
func NewRegistry(maxConn int) *Registry {
	return &Registry{
		byConn:  make(map[types.ConnIDType]*record),
		maxConn: maxConn,
	}
}

// Attach registers a connection. If the same user already holds a connection
// on the same namespace, the old one is closed and replaced. Returns false
// when the connection cap is reached.
func (r *Registry) Attach(ctx context.Context, sub types.Subscriber, roomID types.RoomIDType, namespacePath string) bool {
	var stale types.Subscriber

	r.mu.Lock()
	if r.maxConn > 0 && len(r.byConn) >= r.maxConn {
		if _, exists := r.byConn[sub.ConnID()]; !exists {
			r.mu.Unlock()
			logging.Warn(ctx, "Connection cap reached, rejecting",
				zap.String("connId", string(sub.ConnID())),
				zap.Int("max", r.maxConn))
			return false
		}
	}

	for connID, rec := range r.byConn {
		if rec.info.UserID == sub.UserID() && rec.info.NamespacePath == namespacePath && connID != sub.ConnID() {
			stale = rec.sub
			delete(r.byConn, connID)
			break
		}
	}

	now := time.Now()
	r.byConn[sub.ConnID()] = &record{
		info: types.SessionInfo{
			ConnID:        sub.ConnID(),
			UserID:        sub.UserID(),
			RoomID:        roomID,
			NamespacePath: namespacePath,
			ConnectedAt:   now,
			LastActivity:  now,
		},
		sub: sub,
	}
	r.mu.Unlock()

	if stale != nil {
		logging.Info(ctx, "Duplicate connection detected, closing old one",
			zap.String("userId", string(sub.UserID())),
			zap.String("namespace", namespacePath),
			zap.String("staleConnId", string(stale.ConnID())))
		stale.CloseWithReason(DisconnectReasonDuplicate)
	}
	return true
}

// Detach removes a connection. Detaching an unknown connection is a no-op.
func (r *Registry) Detach(connID types.ConnIDType) {
	r.mu.Lock()
	delete(r.byConn, connID)
	r.mu.Unlock()
}

// Touch updates the last-activity timestamp for a connection.
func (r *Registry) Touch(connID types.ConnIDType) {
	r.mu.Lock()
	if rec, ok := r.byConn[connID]; ok {
		rec.info.LastActivity = time.Now()
	}
	r.mu.Unlock()
}

// ByConn returns a copy of the session record for a connection.
func (r *Registry) ByConn(connID types.ConnIDType) (types.SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.byConn[connID]
	if !ok {
		return types.SessionInfo{}, false
	}
	return rec.info, true
}

// ConnsInRoom lists session records attached to a room.
func (r *Registry) ConnsInRoom(roomID types.RoomIDType) []types.SessionInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.SessionInfo
	for _, rec := range r.byConn {
		if rec.info.RoomID == roomID {
			out = append(out, rec.info)
		}
	}
	return out
}

// ConnByUser finds the connection a user holds on a namespace, if any.
func (r *Registry) ConnByUser(userID types.UserIDType, namespacePath string) (types.SessionInfo, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rec := range r.byConn {
		if rec.info.UserID == userID && rec.info.NamespacePath == namespacePath {
			return rec.info, true
		}
	}
	return types.SessionInfo{}, false
}

// Count returns the number of attached connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byConn)
}
