package room

import (
	"context"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
)

// RequestSequencerState asks a peer for their sequencer contents. With no
// explicit target the room owner answers, since arrange rooms treat the
// owner's grid as canonical.
func (reg *Registry) RequestSequencerState(ctx context.Context, r *Room, sub types.Subscriber, targetID types.UserIDType) {
	if targetID == "" {
		targetID = r.OwnerID()
	}
	if targetID == sub.UserID() {
		return
	}
	if target, found := reg.pub.SubscriberByUser(r.Namespace(), targetID); found {
		reg.pub.PublishTo(ctx, target, EventSequencerStateRequested, SequencerRequestedPayload{RequesterID: sub.UserID()})
	}
}

// SendSequencerState forwards a sequencer snapshot to the peer who asked for
// it. The state blob is opaque to the server.
func (reg *Registry) SendSequencerState(ctx context.Context, r *Room, sub types.Subscriber, p SequencerStatePayload) {
	if p.TargetID == "" {
		return
	}
	if target, found := reg.pub.SubscriberByUser(r.Namespace(), p.TargetID); found {
		reg.pub.PublishTo(ctx, target, EventSequencerState, SequencerStateEventPayload{State: p.State})
	}
}

// SetBPM updates the room tempo. Owner-only; the metronome applies the new
// cadence from its next tick boundary.
func (reg *Registry) SetBPM(ctx context.Context, r *Room, sub types.Subscriber, bpm int) {
	if r.OwnerID() != sub.UserID() {
		reg.pub.PublishTo(ctx, sub, EventMetronomeError, ErrorPayload{Message: "not authorized"})
		return
	}
	if err := r.metronome.SetBPM(bpm); err != nil {
		reg.pub.PublishTo(ctx, sub, EventMetronomeError, ErrorPayload{Message: err.Error()})
		return
	}
	r.publish(ctx, EventTempoChanged, "", TempoChangedPayload{BPM: bpm})
}
