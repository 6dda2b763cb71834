package room

import (
	"context"
	"encoding/base64"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// ToggleBroadcast starts or stops the owner's HLS broadcast.
func (reg *Registry) ToggleBroadcast(ctx context.Context, r *Room, sub types.Subscriber, active bool) {
	if r.OwnerID() != sub.UserID() {
		reg.pub.PublishTo(ctx, sub, EventBroadcastError, ErrorPayload{Message: "not authorized"})
		return
	}
	if reg.transcoder == nil {
		reg.pub.PublishTo(ctx, sub, EventBroadcastError, ErrorPayload{Message: "broadcasting unavailable"})
		return
	}

	r.mu.Lock()
	if r.broadcastActive == active {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	var playlistURL string
	if active {
		if err := reg.transcoder.Start(r.ID); err != nil {
			logging.Error(ctx, "Failed to start broadcast", zap.String("roomId", string(r.ID)), zap.Error(err))
			reg.pub.PublishTo(ctx, sub, EventBroadcastError, ErrorPayload{Message: "failed to start broadcast"})
			return
		}
		playlistURL = reg.transcoder.PlaylistURL(r.ID)
	} else {
		if err := reg.transcoder.Stop(r.ID); err != nil {
			logging.Error(ctx, "Failed to stop broadcast", zap.String("roomId", string(r.ID)), zap.Error(err))
		}
	}

	r.mu.Lock()
	r.broadcastActive = active
	if active {
		r.broadcasterID = sub.UserID()
	} else {
		r.broadcasterID = ""
	}
	r.mu.Unlock()

	logging.Info(ctx, "Broadcast toggled",
		zap.String("roomId", string(r.ID)),
		zap.Bool("active", active))

	r.publish(ctx, EventBroadcastStateChanged, "", BroadcastStatePayload{Active: active, PlaylistURL: playlistURL})
	reg.pub.Publish(ctx, types.NamespaceLobby, EventRoomBroadcastChanged, RoomBroadcastChangedPayload{RoomID: r.ID, Active: active})
}

// IngestAudioChunk decodes an owner audio chunk and hands it to the
// transcoder. Non-owner or inactive attempts are silently dropped.
func (reg *Registry) IngestAudioChunk(ctx context.Context, r *Room, sub types.Subscriber, encoded string) {
	r.mu.RLock()
	allowed := r.broadcastActive && r.broadcasterID == sub.UserID()
	r.mu.RUnlock()
	if !allowed || reg.transcoder == nil {
		return
	}

	chunk, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		reg.pub.PublishTo(ctx, sub, EventBroadcastError, ErrorPayload{Message: "malformed audio chunk"})
		return
	}
	if err := reg.transcoder.WriteChunk(r.ID, chunk); err != nil {
		logging.Warn(ctx, "Transcoder rejected chunk", zap.String("roomId", string(r.ID)), zap.Error(err))
	}
}

// SendBroadcastState reports the current broadcast state to one connection.
func (reg *Registry) SendBroadcastState(ctx context.Context, r *Room, sub types.Subscriber) {
	r.mu.RLock()
	active := r.broadcastActive
	r.mu.RUnlock()

	var playlistURL string
	if active && reg.transcoder != nil {
		playlistURL = reg.transcoder.PlaylistURL(r.ID)
	}
	reg.pub.PublishTo(ctx, sub, EventBroadcastState, BroadcastStatePayload{Active: active, PlaylistURL: playlistURL})
}
