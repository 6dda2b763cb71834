package room

import (
	"context"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/approval"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// Approval outcome labels for metrics.
const (
	outcomeApproved  = "approved"
	outcomeRejected  = "rejected"
	outcomeCancelled = "cancelled"
	outcomeTimedOut  = "timed_out"
	outcomeAbandoned = "abandoned"
)

// requestApproval starts the private-room join workflow for a requester
// connected on the approval namespace.
func (reg *Registry) requestApproval(ctx context.Context, r *Room, sub types.Subscriber, username string, requestedRole types.RoleType) {
	userID := sub.UserID()
	reg.markClaimed(r)

	if reg.approvals.Has(userID) {
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "approval already pending"})
		return
	}

	role := requestedRole
	if role != types.RoleAudience {
		role = types.RoleBandMember
	}

	r.mu.Lock()
	if _, member := r.users[userID]; member {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "already a member"})
		return
	}
	if _, pending := r.pendingMembers[userID]; pending {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "approval already pending"})
		return
	}
	r.pendingMembers[userID] = &types.UserState{
		ID:       userID,
		Username: username,
		Role:     role,
	}
	r.mu.Unlock()

	if err := reg.approvals.Create(ctx, userID, username, r.ID, sub.ConnID(), role); err != nil {
		reg.removePending(r, userID)
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: err.Error()})
		return
	}

	reg.pub.PublishTo(ctx, sub, EventApprovalPending, ApprovalNoticePayload{
		UserID:   userID,
		Username: username,
		RoomID:   r.ID,
	})
	if owner, ok := reg.pub.SubscriberByUser(r.Namespace(), r.OwnerID()); ok {
		reg.pub.PublishTo(ctx, owner, EventNewMemberRequest, ApprovalNoticePayload{
			UserID:   userID,
			Username: username,
			RoomID:   r.ID,
		})
	}
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// Approve admits a pending member. Only the current owner may decide; the
// session record is claimed first, so a concurrent timeout loses silently.
func (reg *Registry) Approve(ctx context.Context, r *Room, sub types.Subscriber, targetID types.UserIDType) {
	if r.OwnerID() != sub.UserID() {
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "not authorized"})
		return
	}

	s, ok := reg.approvals.Take(targetID)
	if !ok || s.RoomID != r.ID {
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "no pending approval for user"})
		return
	}

	r.mu.Lock()
	state, pending := r.pendingMembers[targetID]
	if pending {
		delete(r.pendingMembers, targetID)
		r.users[targetID] = state
	}
	r.mu.Unlock()

	if !pending {
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "no pending approval for user"})
		return
	}

	metrics.ApprovalOutcomes.WithLabelValues(outcomeApproved).Inc()
	reg.updateParticipantGauge(r)
	logging.Info(ctx, "Approval granted",
		zap.String("roomId", string(r.ID)),
		zap.String("userId", string(targetID)))

	reg.pub.PublishTo(ctx, sub, EventApprovalSuccess, ApprovalNoticePayload{
		UserID:   targetID,
		Username: s.Username,
		RoomID:   r.ID,
	})
	if requester, found := reg.pub.SubscriberByUser(r.ApprovalNamespace(), targetID); found {
		reg.pub.PublishTo(ctx, requester, EventApprovalGranted, ApprovalNoticePayload{
			UserID:   targetID,
			Username: s.Username,
			RoomID:   r.ID,
		})
	}
	r.publish(ctx, EventUserJoined, targetID, UserEventPayload{UserID: targetID, Username: s.Username})
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// Reject turns a pending member away. Owner-only.
func (reg *Registry) Reject(ctx context.Context, r *Room, sub types.Subscriber, targetID types.UserIDType) {
	if r.OwnerID() != sub.UserID() {
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "not authorized"})
		return
	}

	s, ok := reg.approvals.Take(targetID)
	if !ok || s.RoomID != r.ID {
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "no pending approval for user"})
		return
	}

	reg.removePending(r, targetID)
	metrics.ApprovalOutcomes.WithLabelValues(outcomeRejected).Inc()
	logging.Info(ctx, "Approval rejected",
		zap.String("roomId", string(r.ID)),
		zap.String("userId", string(targetID)))

	if requester, found := reg.pub.SubscriberByUser(r.ApprovalNamespace(), targetID); found {
		reg.pub.PublishTo(ctx, requester, EventApprovalRejected, ApprovalNoticePayload{
			UserID: targetID,
			RoomID: r.ID,
		})
	}
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// CancelApproval withdraws the caller's own pending request. The cancel must
// name the room the stored session belongs to.
func (reg *Registry) CancelApproval(ctx context.Context, r *Room, sub types.Subscriber) {
	userID := sub.UserID()

	_, ok := reg.approvals.TakeMatching(userID, r.ID)
	if !ok {
		reg.pub.PublishTo(ctx, sub, EventApprovalError, ErrorPayload{Message: "no pending approval"})
		return
	}

	reg.removePending(r, userID)
	metrics.ApprovalOutcomes.WithLabelValues(outcomeCancelled).Inc()

	reg.pub.PublishTo(ctx, sub, EventApprovalCanceled, ApprovalNoticePayload{
		UserID: userID,
		RoomID: r.ID,
	})
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// AbandonApprovalByConn handles the requester's connection dropping while
// their request is pending. Counts as a cancel.
func (reg *Registry) AbandonApprovalByConn(ctx context.Context, connID types.ConnIDType) {
	s, ok := reg.approvals.TakeByConn(connID)
	if !ok {
		return
	}

	metrics.ApprovalOutcomes.WithLabelValues(outcomeAbandoned).Inc()
	logging.Info(ctx, "Approval abandoned by disconnect",
		zap.String("roomId", string(s.RoomID)),
		zap.String("userId", string(s.UserID)))

	if r, exists := reg.Get(s.RoomID); exists {
		reg.removePending(r, s.UserID)
		r.mu.RLock()
		r.publishRoomStateLocked(ctx)
		r.mu.RUnlock()
	}
}

// onApprovalExpired runs when a session's deadline passes undecided. The
// manager already claimed the record, so approve and reject can no longer
// win.
func (reg *Registry) onApprovalExpired(s approval.Session) {
	ctx := context.Background()
	metrics.ApprovalOutcomes.WithLabelValues(outcomeTimedOut).Inc()

	r, ok := reg.Get(s.RoomID)
	if !ok {
		return
	}
	reg.removePending(r, s.UserID)

	if requester, found := reg.pub.SubscriberByUser(r.ApprovalNamespace(), s.UserID); found {
		reg.pub.PublishTo(ctx, requester, EventApprovalTimedOut, ApprovalNoticePayload{
			UserID: s.UserID,
			RoomID: s.RoomID,
		})
	}
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

func (reg *Registry) removePending(r *Room, userID types.UserIDType) {
	r.mu.Lock()
	delete(r.pendingMembers, userID)
	r.mu.Unlock()
}
