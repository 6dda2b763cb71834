package room

import (
	"context"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
)

// JoinVoice adds the caller to the room's voice mesh and announces them to
// the existing participants.
func (reg *Registry) JoinVoice(ctx context.Context, r *Room, sub types.Subscriber) {
	userID := sub.UserID()

	r.mu.Lock()
	if _, member := r.users[userID]; !member {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventVoiceError, ErrorPayload{Message: "not in room"})
		return
	}
	if r.voice.Has(userID) {
		r.mu.Unlock()
		return
	}
	r.voice.Insert(userID)
	r.mu.Unlock()

	r.publishExcept(ctx, sub.ConnID(), EventUserJoinedVoice, VoiceParticipantPayload{UserID: userID})
}

// LeaveVoice removes the caller from the voice mesh.
func (reg *Registry) LeaveVoice(ctx context.Context, r *Room, sub types.Subscriber) {
	userID := sub.UserID()

	r.mu.Lock()
	present := r.voice.Has(userID)
	r.voice.Delete(userID)
	r.mu.Unlock()

	if present {
		r.publishExcept(ctx, sub.ConnID(), EventUserLeftVoice, VoiceParticipantPayload{UserID: userID})
	}
}

// RequestMeshConnections returns the current voice participant set so the
// caller can dial offers to each peer.
func (reg *Registry) RequestMeshConnections(ctx context.Context, r *Room, sub types.Subscriber) {
	r.mu.RLock()
	participants := r.voice.SortedList()
	r.mu.RUnlock()

	reg.pub.PublishTo(ctx, sub, EventVoiceParticipants, VoiceParticipantsPayload{Participants: participants})
}

// ForwardVoiceSignal relays an offer, answer or ICE candidate to the target
// peer verbatim. The server never inspects SDP or candidate content.
func (reg *Registry) ForwardVoiceSignal(ctx context.Context, r *Room, sub types.Subscriber, event types.Event, p VoiceSignalPayload) {
	if p.TargetID == "" {
		reg.pub.PublishTo(ctx, sub, EventVoiceError, ErrorPayload{Message: "missing target"})
		return
	}
	target, found := reg.pub.SubscriberByUser(r.Namespace(), p.TargetID)
	if !found {
		reg.pub.PublishTo(ctx, sub, EventVoiceError, ErrorPayload{Message: "target not connected"})
		return
	}
	reg.pub.PublishTo(ctx, target, event, VoiceForwardPayload{
		FromID:    sub.UserID(),
		SDP:       p.SDP,
		Candidate: p.Candidate,
	})
}
