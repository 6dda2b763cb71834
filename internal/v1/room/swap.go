package room

import (
	"context"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

const categorySynth = "synthesizer"

// RequestSwap opens a two-party instrument swap. A requester holds at most
// one pending swap at a time.
func (reg *Registry) RequestSwap(ctx context.Context, r *Room, sub types.Subscriber, targetID types.UserIDType) {
	requesterID := sub.UserID()

	r.mu.Lock()
	requester, reqOK := r.users[requesterID]
	target, tgtOK := r.users[targetID]

	switch {
	case !reqOK:
		r.mu.Unlock()
		return
	case !tgtOK:
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventSwapError, ErrorPayload{Message: "target not in room"})
		return
	case requester.Role == types.RoleAudience || target.Role == types.RoleAudience:
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventSwapError, ErrorPayload{Message: "audience members cannot swap instruments"})
		return
	}
	if _, exists := r.pendingSwaps[requesterID]; exists {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventSwapError, ErrorPayload{Message: "swap already pending"})
		return
	}
	r.pendingSwaps[requesterID] = targetID
	r.mu.Unlock()

	logging.Info(ctx, "Instrument swap requested",
		zap.String("roomId", string(r.ID)),
		zap.String("requesterId", string(requesterID)),
		zap.String("targetId", string(targetID)))

	reg.pub.PublishTo(ctx, sub, EventSwapRequestSent, SwapNoticePayload{RequesterID: requesterID, TargetID: targetID})
	if tgt, found := reg.pub.SubscriberByUser(r.Namespace(), targetID); found {
		reg.pub.PublishTo(ctx, tgt, EventSwapRequestReceived, SwapNoticePayload{RequesterID: requesterID, TargetID: targetID})
	}
}

// ApproveSwap executes the exchange. Accepted only from the stored target.
func (reg *Registry) ApproveSwap(ctx context.Context, r *Room, sub types.Subscriber, requesterID types.UserIDType) {
	approverID := sub.UserID()

	r.mu.Lock()
	targetID, pending := r.pendingSwaps[requesterID]
	if !pending || targetID != approverID {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventSwapError, ErrorPayload{Message: "no pending swap to approve"})
		return
	}
	delete(r.pendingSwaps, requesterID)

	a, aOK := r.users[requesterID]
	b, bOK := r.users[targetID]
	if !aOK || !bOK {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventSwapError, ErrorPayload{Message: "swap party left the room"})
		return
	}
	if a.CurrentInstrument == "" || a.CurrentCategory == "" || b.CurrentInstrument == "" || b.CurrentCategory == "" {
		r.mu.Unlock()
		reg.notifySwapParties(ctx, r, requesterID, targetID, EventSwapError, ErrorPayload{Message: "both parties need an active instrument"})
		return
	}

	aParams, bParams := executeSwapLocked(a, b)
	aChanged := InstrumentChangedPayload{UserID: requesterID, Instrument: a.CurrentInstrument, Category: a.CurrentCategory}
	bChanged := InstrumentChangedPayload{UserID: targetID, Instrument: b.CurrentInstrument, Category: b.CurrentCategory}
	r.mu.Unlock()

	logging.Info(ctx, "Instrument swap completed",
		zap.String("roomId", string(r.ID)),
		zap.String("userA", string(requesterID)),
		zap.String("userB", string(targetID)))

	// Ordered rebroadcast so observers tracking only per-user updates
	// converge: completion first, then the per-party changes.
	ns := r.Namespace()
	reg.pub.Publish(ctx, ns, EventSwapCompleted, SwapCompletedPayload{UserA: requesterID, UserB: targetID})
	reg.pub.Publish(ctx, ns, EventInstrumentChanged, aChanged)
	reg.pub.Publish(ctx, ns, EventInstrumentChanged, bChanged)
	if aParams != nil {
		reg.pub.Publish(ctx, ns, EventSynthParamsChanged, SynthParamsChangedPayload{UserID: requesterID, Params: aParams})
	}
	if bParams != nil {
		reg.pub.Publish(ctx, ns, EventSynthParamsChanged, SynthParamsChangedPayload{UserID: targetID, Params: bParams})
	}
	r.mu.RLock()
	r.publishRoomStateLocked(ctx)
	r.mu.RUnlock()
}

// executeSwapLocked exchanges instrument, category and synth params between
// two user records. Synth params travel only onto a synthesizer; anything
// else drops them. Returns each party's post-swap params for rebroadcast.
func executeSwapLocked(a, b *types.UserState) (aParams, bParams []byte) {
	aInst, aCat, aSynth := a.CurrentInstrument, a.CurrentCategory, a.SynthParams
	bInst, bCat, bSynth := b.CurrentInstrument, b.CurrentCategory, b.SynthParams

	a.CurrentInstrument, a.CurrentCategory = bInst, bCat
	b.CurrentInstrument, b.CurrentCategory = aInst, aCat

	if a.CurrentCategory == categorySynth && bSynth != nil {
		a.SynthParams = bSynth
	} else {
		a.SynthParams = nil
	}
	if b.CurrentCategory == categorySynth && aSynth != nil {
		b.SynthParams = aSynth
	} else {
		b.SynthParams = nil
	}
	return a.SynthParams, b.SynthParams
}

// RejectSwap turns a swap down. Accepted only from the stored target.
func (reg *Registry) RejectSwap(ctx context.Context, r *Room, sub types.Subscriber, requesterID types.UserIDType) {
	r.mu.Lock()
	targetID, pending := r.pendingSwaps[requesterID]
	if !pending || targetID != sub.UserID() {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventSwapError, ErrorPayload{Message: "no pending swap to reject"})
		return
	}
	delete(r.pendingSwaps, requesterID)
	r.mu.Unlock()

	if requester, found := reg.pub.SubscriberByUser(r.Namespace(), requesterID); found {
		reg.pub.PublishTo(ctx, requester, EventSwapRejected, SwapNoticePayload{RequesterID: requesterID, TargetID: targetID})
	}
}

// CancelSwap withdraws the caller's own pending request.
func (reg *Registry) CancelSwap(ctx context.Context, r *Room, sub types.Subscriber) {
	requesterID := sub.UserID()

	r.mu.Lock()
	targetID, pending := r.pendingSwaps[requesterID]
	if !pending {
		r.mu.Unlock()
		reg.pub.PublishTo(ctx, sub, EventSwapError, ErrorPayload{Message: "no pending swap to cancel"})
		return
	}
	delete(r.pendingSwaps, requesterID)
	r.mu.Unlock()

	if tgt, found := reg.pub.SubscriberByUser(r.Namespace(), targetID); found {
		reg.pub.PublishTo(ctx, tgt, EventSwapCancelled, SwapNoticePayload{RequesterID: requesterID, TargetID: targetID})
	}
}

// swapNotice is a counterpart notification collected under the room lock
// and delivered after it is released.
type swapNotice struct {
	other   types.UserIDType
	event   types.Event
	payload SwapNoticePayload
}

// clearSwapsForLocked removes pending swaps involving a departing user and
// returns the counterpart notifications. Caller holds r.mu and hands the
// notices to publishSwapNotices after unlocking.
func (r *Room) clearSwapsForLocked(userID types.UserIDType) []swapNotice {
	var notices []swapNotice

	if targetID, ok := r.pendingSwaps[userID]; ok {
		delete(r.pendingSwaps, userID)
		notices = append(notices, swapNotice{targetID, EventSwapCancelled, SwapNoticePayload{RequesterID: userID, TargetID: targetID}})
	}
	for requesterID, targetID := range r.pendingSwaps {
		if targetID == userID {
			delete(r.pendingSwaps, requesterID)
			notices = append(notices, swapNotice{requesterID, EventSwapCancelled, SwapNoticePayload{RequesterID: requesterID, TargetID: targetID}})
		}
	}
	return notices
}

// publishSwapNotices delivers deferred swap cancellations to the remaining
// counterparts.
func (reg *Registry) publishSwapNotices(ctx context.Context, r *Room, notices []swapNotice) {
	for _, n := range notices {
		if sub, found := reg.pub.SubscriberByUser(r.Namespace(), n.other); found {
			reg.pub.PublishTo(ctx, sub, n.event, n.payload)
		}
	}
}

func (reg *Registry) notifySwapParties(ctx context.Context, r *Room, a, b types.UserIDType, event types.Event, payload any) {
	for _, id := range []types.UserIDType{a, b} {
		if sub, found := reg.pub.SubscriberByUser(r.Namespace(), id); found {
			reg.pub.PublishTo(ctx, sub, event, payload)
		}
	}
}
