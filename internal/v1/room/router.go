package room

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/metrics"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/session"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// Sessions exposes the connection registry for the transport layer.
func (reg *Registry) Sessions() *session.Registry {
	return reg.sessions
}

// Route dispatches one room-namespace message to its handler.
func (reg *Registry) Route(ctx context.Context, r *Room, sub types.Subscriber, msg types.ClientMessage) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), status).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())
	}()

	reg.sessions.Touch(sub.ConnID())

	switch msg.Event {
	case EventJoinRoom:
		var p JoinRoomPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventJoinError, &status) {
			return
		}
		reg.Join(ctx, r, sub, p.Username, p.Role)

	case EventLeaveRoom:
		var p LeaveRoomPayload
		// An empty payload means an intended leave.
		p.Intended = true
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				p.Intended = true
			}
		}
		reg.Leave(ctx, r, sub, p.Intended)

	case EventPlayNote:
		var p PlayNotePayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventNoteError, &status) {
			return
		}
		reg.PlayNote(ctx, r, sub, p)

	case EventStopAllNotes:
		reg.StopAllNotes(ctx, r, sub)

	case EventChangeInstrument:
		var p ChangeInstrumentPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventNoteError, &status) {
			return
		}
		reg.ChangeInstrument(ctx, r, sub, p)

	case EventUpdateSynthParams:
		var p SynthParamsPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventNoteError, &status) {
			return
		}
		reg.UpdateSynthParams(ctx, r, sub, p.Params)

	case EventRequestSynth:
		reg.RequestSynthParams(ctx, r, sub)

	case EventPing:
		// Keepalive, nothing to do beyond the Touch above.

	case EventSetReady:
		var p SetReadyPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventMembershipError, &status) {
			return
		}
		reg.SetReady(ctx, r, sub, p.IsReady)

	case EventRequestSwap:
		var p SwapTargetPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventSwapError, &status) {
			return
		}
		reg.RequestSwap(ctx, r, sub, p.TargetID)

	case EventApproveSwap:
		var p SwapRequesterPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventSwapError, &status) {
			return
		}
		reg.ApproveSwap(ctx, r, sub, p.RequesterID)

	case EventRejectSwap:
		var p SwapRequesterPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventSwapError, &status) {
			return
		}
		reg.RejectSwap(ctx, r, sub, p.RequesterID)

	case EventCancelSwap:
		reg.CancelSwap(ctx, r, sub)

	case EventKickUser:
		var p KickPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventKickError, &status) {
			return
		}
		reg.Kick(ctx, r, sub, p.TargetID)

	case EventTransferOwnership:
		var p TransferOwnershipPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventMembershipError, &status) {
			return
		}
		reg.TransferOwnership(ctx, r, sub, p.NewOwnerID)

	case EventJoinVoice:
		reg.JoinVoice(ctx, r, sub)

	case EventLeaveVoice:
		reg.LeaveVoice(ctx, r, sub)

	case EventRequestMesh:
		reg.RequestMeshConnections(ctx, r, sub)

	case EventVoiceOffer, EventVoiceAnswer, EventVoiceICE:
		var p VoiceSignalPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventVoiceError, &status) {
			return
		}
		reg.ForwardVoiceSignal(ctx, r, sub, msg.Event, p)

	case EventToggleBroadcast:
		var p ToggleBroadcastPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventBroadcastError, &status) {
			return
		}
		reg.ToggleBroadcast(ctx, r, sub, p.Active)

	case EventBroadcastAudioChunk:
		var p AudioChunkPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventBroadcastError, &status) {
			return
		}
		reg.IngestAudioChunk(ctx, r, sub, p.Chunk)

	case EventRequestBroadcastState:
		reg.SendBroadcastState(ctx, r, sub)

	case EventSetBpm:
		var p SetBpmPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventMetronomeError, &status) {
			return
		}
		reg.SetBPM(ctx, r, sub, p.BPM)

	case EventRequestSequencerState:
		var p SequencerRequestPayload
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, &p); err != nil {
				status = "invalid"
				return
			}
		}
		reg.RequestSequencerState(ctx, r, sub, p.TargetID)

	case EventSendSequencerState:
		var p SequencerStatePayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventMembershipError, &status) {
			return
		}
		reg.SendSequencerState(ctx, r, sub, p)

	// Owner decisions are accepted on the room namespace too, since the
	// owner usually isn't attached to the approval namespace.
	case EventApprovalApprove:
		var p ApprovalDecisionPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventApprovalError, &status) {
			return
		}
		reg.Approve(ctx, r, sub, p.UserID)

	case EventApprovalReject:
		var p ApprovalDecisionPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventApprovalError, &status) {
			return
		}
		reg.Reject(ctx, r, sub, p.UserID)

	default:
		status = "unknown"
		logging.Warn(ctx, "Unknown room event",
			zap.String("event", string(msg.Event)),
			zap.String("connId", string(sub.ConnID())))
	}
}

// RouteApproval dispatches one approval-namespace message.
func (reg *Registry) RouteApproval(ctx context.Context, r *Room, sub types.Subscriber, msg types.ClientMessage) {
	start := time.Now()
	status := "ok"
	defer func() {
		metrics.WebsocketEvents.WithLabelValues(string(msg.Event), status).Inc()
		metrics.MessageProcessingDuration.WithLabelValues(string(msg.Event)).Observe(time.Since(start).Seconds())
	}()

	reg.sessions.Touch(sub.ConnID())

	switch msg.Event {
	case EventApprovalRequest:
		var p ApprovalRequestPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventApprovalError, &status) {
			return
		}
		reg.requestApproval(ctx, r, sub, p.Username, p.Role)

	case EventApprovalCancel:
		reg.CancelApproval(ctx, r, sub)

	case EventApprovalApprove:
		var p ApprovalDecisionPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventApprovalError, &status) {
			return
		}
		reg.Approve(ctx, r, sub, p.UserID)

	case EventApprovalReject:
		var p ApprovalDecisionPayload
		if !decode(ctx, sub, reg, msg.Payload, &p, EventApprovalError, &status) {
			return
		}
		reg.Reject(ctx, r, sub, p.UserID)

	default:
		status = "unknown"
		logging.Warn(ctx, "Unknown approval event",
			zap.String("event", string(msg.Event)),
			zap.String("connId", string(sub.ConnID())))
	}
}

// decode unmarshals a payload, reporting a validation error to the origin
// connection on failure.
func decode(ctx context.Context, sub types.Subscriber, reg *Registry, raw json.RawMessage, dst any, errEvent types.Event, status *string) bool {
	if err := json.Unmarshal(raw, dst); err != nil {
		*status = "invalid"
		reg.pub.PublishTo(ctx, sub, errEvent, ErrorPayload{Message: "malformed payload"})
		return false
	}
	return true
}
