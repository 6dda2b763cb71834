package room

import (
	"context"
	"encoding/json"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
)

// PlayNote fans a note event out to everyone but the player and records the
// instrument the player is currently on. Notes are critical: never batched,
// never dropped.
func (reg *Registry) PlayNote(ctx context.Context, r *Room, sub types.Subscriber, p PlayNotePayload) {
	userID := sub.UserID()

	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if u.Role == types.RoleAudience {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventNoteError, ErrorPayload{Message: "audience members cannot play"})
		return
	}
	if p.Instrument != "" {
		u.CurrentInstrument = p.Instrument
	}
	if p.Category != "" {
		u.CurrentCategory = p.Category
	}
	r.mu.Unlock()

	r.publishExcept(ctx, sub.ConnID(), EventNotePlayed, NotePlayedPayload{
		UserID:     userID,
		Notes:      p.Notes,
		Velocity:   p.Velocity,
		Instrument: p.Instrument,
		Category:   p.Category,
		EventType:  p.EventType,
		IsKeyHeld:  p.IsKeyHeld,
	})
}

// StopAllNotes tells everyone else to silence the sender's voices.
func (reg *Registry) StopAllNotes(ctx context.Context, r *Room, sub types.Subscriber) {
	if !r.IsParticipant(sub.UserID()) {
		return
	}
	r.publishExcept(ctx, sub.ConnID(), EventStopAllNotes, UserEventPayload{UserID: sub.UserID()})
}

// ChangeInstrument switches the player's instrument. The broadcast order is
// load-bearing: listeners may still be decaying notes from the previous
// instrument, so stop_all_notes goes first, then the change, then the full
// state for convergence.
func (reg *Registry) ChangeInstrument(ctx context.Context, r *Room, sub types.Subscriber, p ChangeInstrumentPayload) {
	userID := sub.UserID()

	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	u.CurrentInstrument = p.Instrument
	u.CurrentCategory = p.Category
	if p.Category != categorySynth {
		u.SynthParams = nil
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.publishExcept(ctx, sub.ConnID(), EventStopAllNotes, UserEventPayload{UserID: userID})
	r.publishExcept(ctx, sub.ConnID(), EventInstrumentChanged, InstrumentChangedPayload{
		UserID:     userID,
		Instrument: p.Instrument,
		Category:   p.Category,
	})
	reg.pub.Publish(ctx, r.Namespace(), EventRoomStateUpdated, snapshot)
}

// UpdateSynthParams stores a player's synth settings and rebroadcasts them.
// The payload is an opaque blob; the server never parses it.
func (reg *Registry) UpdateSynthParams(ctx context.Context, r *Room, sub types.Subscriber, params json.RawMessage) {
	userID := sub.UserID()

	r.mu.Lock()
	u, ok := r.users[userID]
	if !ok {
		r.mu.Unlock()
		return
	}
	u.SynthParams = append(json.RawMessage(nil), params...)
	r.mu.Unlock()

	r.publishExcept(ctx, sub.ConnID(), EventSynthParamsChanged, SynthParamsChangedPayload{
		UserID: userID,
		Params: params,
	})
}

// RequestSynthParams answers from the authoritative store with the current
// params of every synthesizer user.
func (reg *Registry) RequestSynthParams(ctx context.Context, r *Room, sub types.Subscriber) {
	r.mu.RLock()
	var replies []SynthParamsChangedPayload
	for _, u := range r.users {
		if u.CurrentCategory == categorySynth && u.SynthParams != nil {
			replies = append(replies, SynthParamsChangedPayload{
				UserID: u.ID,
				Params: append(json.RawMessage(nil), u.SynthParams...),
			})
		}
	}
	r.mu.RUnlock()

	reg.pub.PublishTo(ctx, sub, EventSynthParamsReply, replies)
}

// synthUsersLocked lists synthesizer users other than the excluded one.
// Caller holds r.mu.
func (r *Room) synthUsersLocked(exclude types.UserIDType) []types.UserIDType {
	var out []types.UserIDType
	for _, u := range r.users {
		if u.ID != exclude && u.CurrentCategory == categorySynth {
			out = append(out, u.ID)
		}
	}
	return out
}

// requestSynthParamsForNewUser asks each synthesizer user to push their
// current params to a newly joined user. The replies flow back as normal
// update_synth_params events. The new user is told which users were asked so
// the client knows replies are on the way.
func (reg *Registry) requestSynthParamsForNewUser(ctx context.Context, r *Room, newUserID types.UserIDType, newUsername string, synthUsers []types.UserIDType) {
	var asked []types.UserIDType
	for _, id := range synthUsers {
		if sub, found := reg.pub.SubscriberByUser(r.Namespace(), id); found {
			reg.pub.PublishTo(ctx, sub, EventAutoSendSynth, AutoSendSynthPayload{
				NewUserID:   newUserID,
				NewUsername: newUsername,
			})
			asked = append(asked, id)
		}
	}
	if len(asked) == 0 {
		return
	}
	if sub, found := reg.pub.SubscriberByUser(r.Namespace(), newUserID); found {
		reg.pub.PublishTo(ctx, sub, EventSynthParamsPending, SynthParamsPendingPayload{SynthUsers: asked})
	}
}
