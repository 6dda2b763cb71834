package room

import (
	"context"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// DisconnectReasonKicked is the close reason for a kicked user's connection.
const DisconnectReasonKicked = "kicked"

// Join admits a connection into a room. Resolution order: an existing
// membership short-circuits, a valid grace entry restores the old state, a
// public room admits directly, a private room goes through the approval
// workflow. The user_joined broadcast goes out only after the registry
// mutation, so observers never see events from a user before their join.
func (reg *Registry) Join(ctx context.Context, r *Room, sub types.Subscriber, username string, requestedRole types.RoleType) {
	userID := sub.UserID()
	reg.cancelCleanup(r.ID)
	reg.markClaimed(r)

	r.mu.Lock()
	if existing, ok := r.users[userID]; ok {
		// Already a member: reconnect or duplicate join. Refresh the
		// username and short-circuit to the current state.
		if username != "" {
			existing.Username = username
		}
		snapshot := r.snapshotLocked()
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventRoomStateUpdated, snapshot)
		return
	}
	r.mu.Unlock()

	if state, ok := reg.grace.Take(ctx, r.ID, userID); ok {
		reg.restoreFromGrace(ctx, r, sub, state)
		return
	}

	if r.Visibility == types.VisibilityPrivate {
		reg.requestApproval(ctx, r, sub, username, requestedRole)
		return
	}

	role := requestedRole
	if role != types.RoleAudience {
		role = types.RoleBandMember
	}
	state := &types.UserState{
		ID:       userID,
		Username: username,
		Role:     role,
	}
	if err := state.Validate(); err != nil {
		reg.pub.PublishTo(ctx, sub, EventJoinError, ErrorPayload{Message: err.Error()})
		return
	}

	r.mu.Lock()
	if len(r.users) >= MaxParticipants {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventJoinError, ErrorPayload{Message: "room is full"})
		return
	}
	r.users[userID] = state
	snapshot := r.snapshotLocked()
	synthUsers := r.synthUsersLocked(userID)
	r.mu.Unlock()

	reg.updateParticipantGauge(r)
	logging.Info(ctx, "User joined room",
		zap.String("roomId", string(r.ID)),
		zap.String("userId", string(userID)),
		zap.String("role", string(role)))

	r.publish(ctx, EventUserJoined, userID, UserEventPayload{UserID: userID, Username: username})
	reg.pub.PublishTo(ctx, sub, EventRoomStateUpdated, snapshot)
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
	reg.requestSynthParamsForNewUser(ctx, r, userID, username, synthUsers)
}

// restoreFromGrace reinserts a parked user with their full prior state.
func (reg *Registry) restoreFromGrace(ctx context.Context, r *Room, sub types.Subscriber, state *types.UserState) {
	r.mu.Lock()
	if state.Role == types.RoleRoomOwner && r.ownerID != state.ID {
		// Ownership moved on while they were away.
		state.Role = types.RoleBandMember
	}
	r.users[state.ID] = state
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	reg.updateParticipantGauge(r)
	logging.Info(ctx, "User rejoined within grace period",
		zap.String("roomId", string(r.ID)),
		zap.String("userId", string(state.ID)))

	r.publish(ctx, EventUserJoined, state.ID, UserEventPayload{UserID: state.ID, Username: state.Username})
	reg.pub.PublishTo(ctx, sub, EventRoomStateUpdated, snapshot)
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// Leave removes a user from the room. An intended leave is final; an
// unintended one parks the state for the grace window so a reconnect can
// restore it without re-approval.
func (reg *Registry) Leave(ctx context.Context, r *Room, sub types.Subscriber, intended bool) {
	userID := sub.UserID()

	r.mu.Lock()
	state, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.users, userID)
	wasOwner := r.ownerID == userID

	swapNotices := r.clearSwapsForLocked(userID)
	leftVoice := r.voice.Has(userID)
	r.voice.Delete(userID)

	stoppedBroadcast := false
	if r.broadcastActive && r.broadcasterID == userID {
		r.broadcastActive = false
		r.broadcasterID = ""
		stoppedBroadcast = true
	}

	var newOwner *types.UserState
	if wasOwner && len(r.users) > 0 {
		newOwner = r.electOwnerLocked()
	}
	r.mu.Unlock()

	if !intended {
		reg.grace.Park(ctx, r.ID, state)
	}

	reg.sessions.Detach(sub.ConnID())
	reg.pub.Unsubscribe(r.Namespace(), sub.ConnID())
	reg.updateParticipantGauge(r)
	reg.publishSwapNotices(ctx, r, swapNotices)

	r.publish(ctx, EventUserLeft, userID, UserEventPayload{
		UserID:    userID,
		Username:  state.Username,
		Temporary: !intended,
	})
	if leftVoice {
		r.publishExcept(ctx, sub.ConnID(), EventUserLeftVoice, VoiceParticipantPayload{UserID: userID})
	}
	if stoppedBroadcast {
		if r.transcoder != nil {
			_ = r.transcoder.Stop(r.ID)
		}
		r.publish(ctx, EventBroadcastStateChanged, "", BroadcastStatePayload{Active: false})
		reg.pub.Publish(ctx, types.NamespaceLobby, EventRoomBroadcastChanged, RoomBroadcastChangedPayload{RoomID: r.ID, Active: false})
	}
	if newOwner != nil {
		r.publish(ctx, EventOwnershipTransferred, "", OwnershipTransferredPayload{
			PreviousOwnerID: userID,
			NewOwnerID:      newOwner.ID,
		})
	}
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	empty := len(r.users) == 0
	r.mu.RUnlock()

	if empty {
		reg.scheduleCleanup(r.ID)
	}
}

// electOwnerLocked promotes a remaining member when the owner departs, so
// the room is never left ownerless while occupied.
func (r *Room) electOwnerLocked() *types.UserState {
	var candidate *types.UserState
	for _, u := range r.users {
		if u.Role == types.RoleAudience {
			continue
		}
		if candidate == nil || u.ID < candidate.ID {
			candidate = u
		}
	}
	if candidate == nil {
		for _, u := range r.users {
			if candidate == nil || u.ID < candidate.ID {
				candidate = u
			}
		}
	}
	if candidate != nil {
		candidate.Role = types.RoleRoomOwner
		r.ownerID = candidate.ID
	}
	return candidate
}

// Kick forcibly removes a user. Owner-only; kicking yourself is rejected.
func (reg *Registry) Kick(ctx context.Context, r *Room, sub types.Subscriber, targetID types.UserIDType) {
	if r.OwnerID() != sub.UserID() {
		reg.pub.PublishTo(ctx, sub, EventKickError, ErrorPayload{Message: "not authorized"})
		return
	}
	if targetID == sub.UserID() {
		reg.pub.PublishTo(ctx, sub, EventKickError, ErrorPayload{Message: "cannot kick yourself"})
		return
	}

	r.mu.Lock()
	state, ok := r.users[targetID]
	if !ok {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventKickError, ErrorPayload{Message: "user not in room"})
		return
	}
	delete(r.users, targetID)
	swapNotices := r.clearSwapsForLocked(targetID)
	r.voice.Delete(targetID)
	r.mu.Unlock()

	reg.grace.Drop(r.ID, targetID)
	reg.updateParticipantGauge(r)
	reg.publishSwapNotices(ctx, r, swapNotices)

	if target, found := reg.pub.SubscriberByUser(r.Namespace(), targetID); found {
		reg.sessions.Detach(target.ConnID())
		reg.pub.Unsubscribe(r.Namespace(), target.ConnID())
		target.CloseWithReason(DisconnectReasonKicked)
	}

	logging.Info(ctx, "User kicked",
		zap.String("roomId", string(r.ID)),
		zap.String("targetId", string(targetID)),
		zap.String("by", string(sub.UserID())))

	r.publish(ctx, EventUserKicked, targetID, UserEventPayload{UserID: targetID, Username: state.Username})
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	empty := len(r.users) == 0
	r.mu.RUnlock()
	if empty {
		reg.scheduleCleanup(r.ID)
	}
}

// TransferOwnership hands the room to another current member.
func (reg *Registry) TransferOwnership(ctx context.Context, r *Room, sub types.Subscriber, newOwnerID types.UserIDType) {
	if r.OwnerID() != sub.UserID() {
		reg.pub.PublishTo(ctx, sub, EventMembershipError, ErrorPayload{Message: "not authorized"})
		return
	}

	r.mu.Lock()
	newOwner, ok := r.users[newOwnerID]
	if !ok {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventMembershipError, ErrorPayload{Message: "new owner not in room"})
		return
	}
	prevID := r.ownerID
	if prev, exists := r.users[prevID]; exists {
		prev.Role = types.RoleBandMember
	}
	newOwner.Role = types.RoleRoomOwner
	r.ownerID = newOwnerID
	r.mu.Unlock()

	logging.Info(ctx, "Ownership transferred",
		zap.String("roomId", string(r.ID)),
		zap.String("from", string(prevID)),
		zap.String("to", string(newOwnerID)))

	r.publish(ctx, EventOwnershipTransferred, "", OwnershipTransferredPayload{
		PreviousOwnerID: prevID,
		NewOwnerID:      newOwnerID,
	})
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// SetReady flips a member's ready flag and rebroadcasts state.
func (reg *Registry) SetReady(ctx context.Context, r *Room, sub types.Subscriber, ready bool) {
	userID := sub.UserID()
	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	u.IsReady = ready
	r.mu.Unlock()

	r.publish(ctx, EventUserReadyChanged, userID, struct {
		UserID  types.UserIDType `json:"userId"`
		IsReady bool             `json:"isReady"`
	}{userID, ready})
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// HandleDisconnect runs when a room-namespace connection drops without an
// explicit leave. The departure is treated as unintended so the grace
// window applies.
func (reg *Registry) HandleDisconnect(ctx context.Context, sub types.Subscriber) {
	info, ok := reg.sessions.ByConn(sub.ConnID())
	if !ok {
		return
	}
	r, exists := reg.Get(info.RoomID)
	if !exists {
		reg.sessions.Detach(sub.ConnID())
		return
	}
	reg.Leave(ctx, r, sub, false)
}

// onGraceExpired finalizes a departure whose grace window lapsed. The room
// already broadcast user_left at disconnect time, so no further event is
// needed; the room may now be collectable.
func (reg *Registry) onGraceExpired(roomID types.RoomIDType, userID types.UserIDType, _ *types.UserState) {
	r, ok := reg.Get(roomID)
	if !ok {
		return
	}
	logging.Info(context.Background(), "Grace window lapsed, departure is final",
		zap.String("roomId", string(roomID)),
		zap.String("userId", string(userID)))
	if r.IsEmpty() {
		reg.scheduleCleanup(roomID)
	}
}
