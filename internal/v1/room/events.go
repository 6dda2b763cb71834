package room

import (
	"encoding/json"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
)

// Client -> server events.
const (
	EventJoinRoom          types.Event = "join_room"
	EventLeaveRoom         types.Event = "leave_room"
	EventPlayNote          types.Event = "play_note"
	EventStopAllNotes      types.Event = "stop_all_notes"
	EventChangeInstrument  types.Event = "change_instrument"
	EventUpdateSynthParams types.Event = "update_synth_params"
	EventRequestSynth      types.Event = "request_synth_params"
	EventSetReady          types.Event = "set_ready"

	EventRequestSwap types.Event = "request_instrument_swap"
	EventApproveSwap types.Event = "approve_instrument_swap"
	EventRejectSwap  types.Event = "reject_instrument_swap"
	EventCancelSwap  types.Event = "cancel_instrument_swap"

	EventKickUser          types.Event = "kick_user"
	EventTransferOwnership types.Event = "transfer_ownership"

	EventJoinVoice        types.Event = "join_voice"
	EventLeaveVoice       types.Event = "leave_voice"
	EventRequestMesh      types.Event = "request_mesh_connections"
	EventVoiceOffer       types.Event = "voice_offer"
	EventVoiceAnswer      types.Event = "voice_answer"
	EventVoiceICE         types.Event = "voice_ice_candidate"

	EventToggleBroadcast       types.Event = "toggle_broadcast"
	EventBroadcastAudioChunk   types.Event = "broadcast_audio_chunk"
	EventRequestBroadcastState types.Event = "request_broadcast_state"

	EventSetBpm types.Event = "set_bpm"

	EventRequestSequencerState types.Event = "request_sequencer_state"
	EventSendSequencerState    types.Event = "send_sequencer_state"

	EventApprovalRequest types.Event = "approval_request"
	EventApprovalCancel  types.Event = "approval_cancel"
	EventApprovalApprove types.Event = "approval_approve"
	EventApprovalReject  types.Event = "approval_reject"

	// Application-level keepalive, acknowledged by the transport ping/pong.
	EventPing types.Event = "ping"
)

// Server -> client events.
const (
	EventUserJoined           types.Event = "user_joined"
	EventUserLeft             types.Event = "user_left"
	EventUserKicked           types.Event = "user_kicked"
	EventOwnershipTransferred types.Event = "ownership_transferred"
	EventRoomStateUpdated     types.Event = "room_state_updated"
	EventUserReadyChanged     types.Event = "user_ready_changed"

	EventNotePlayed         types.Event = "note_played"
	EventInstrumentChanged  types.Event = "instrument_changed"
	EventSynthParamsChanged types.Event = "synth_params_changed"
	EventSynthParamsReply   types.Event = "request_synth_params_response"
	EventAutoSendSynth      types.Event = "auto_send_synth_params_to_new_user"
	EventSynthParamsPending types.Event = "request_current_synth_params_for_new_user"

	EventSwapRequestSent     types.Event = "swap_request_sent"
	EventSwapRequestReceived types.Event = "swap_request_received"
	EventSwapCompleted       types.Event = "swap_completed"
	EventSwapRejected        types.Event = "swap_rejected"
	EventSwapCancelled       types.Event = "swap_cancelled"
	EventSwapError           types.Event = "swap_error"

	EventKickError       types.Event = "kick_error"
	EventMembershipError types.Event = "membership_error"
	EventJoinError       types.Event = "join_error"
	EventNoteError       types.Event = "note_error"
	EventVoiceError      types.Event = "voice_error"
	EventMetronomeError  types.Event = "metronome_error"

	EventApprovalPending  types.Event = "approval_pending"
	EventApprovalGranted  types.Event = "approval_granted"
	EventApprovalRejected types.Event = "approval_rejected"
	EventApprovalCanceled types.Event = "approval_cancelled"
	EventApprovalTimedOut types.Event = "approval_timed_out"
	EventApprovalSuccess  types.Event = "approval_success"
	EventApprovalError    types.Event = "approval_error"
	EventNewMemberRequest types.Event = "new_member_request"

	EventMetronomeTick types.Event = "metronome_tick"
	EventTempoChanged  types.Event = "tempo_changed"

	EventUserJoinedVoice   types.Event = "user_joined_voice"
	EventUserLeftVoice     types.Event = "user_left_voice"
	EventVoiceParticipants types.Event = "voice_participants"

	EventBroadcastStateChanged types.Event = "broadcast_state_changed"
	EventRoomBroadcastChanged  types.Event = "room_broadcast_changed"
	EventBroadcastError        types.Event = "broadcast_error"
	EventBroadcastState        types.Event = "broadcast_state"

	EventSequencerStateRequested types.Event = "sequencer_state_requested"
	EventSequencerState          types.Event = "sequencer_state"

	EventRoomCreated types.Event = "room_created"
	EventRoomClosed  types.Event = "room_closed"
)

// --- Client payloads ---

type JoinRoomPayload struct {
	Username string         `json:"username"`
	Role     types.RoleType `json:"role,omitempty"`
}

type LeaveRoomPayload struct {
	Intended bool `json:"intended"`
}

type PlayNotePayload struct {
	Notes      []string `json:"notes"`
	Velocity   float64  `json:"velocity"`
	Instrument string   `json:"instrument"`
	Category   string   `json:"category"`
	EventType  string   `json:"eventType"`
	IsKeyHeld  bool     `json:"isKeyHeld"`
}

type ChangeInstrumentPayload struct {
	Instrument string `json:"instrument"`
	Category   string `json:"category"`
}

type SynthParamsPayload struct {
	Params json.RawMessage `json:"params"`
}

type SetReadyPayload struct {
	IsReady bool `json:"isReady"`
}

type SwapTargetPayload struct {
	TargetID types.UserIDType `json:"targetId"`
}

type SwapRequesterPayload struct {
	RequesterID types.UserIDType `json:"requesterId"`
}

type KickPayload struct {
	TargetID types.UserIDType `json:"targetId"`
}

type TransferOwnershipPayload struct {
	NewOwnerID types.UserIDType `json:"newOwnerId"`
}

// VoiceSignalPayload carries WebRTC signaling. SDP and candidate blobs are
// forwarded verbatim, never parsed.
type VoiceSignalPayload struct {
	TargetID  types.UserIDType `json:"targetId"`
	SDP       json.RawMessage  `json:"sdp,omitempty"`
	Candidate json.RawMessage  `json:"candidate,omitempty"`
}

type ToggleBroadcastPayload struct {
	Active bool `json:"active"`
}

type AudioChunkPayload struct {
	Chunk string `json:"chunk"` // base64
}

type SetBpmPayload struct {
	BPM int `json:"bpm"`
}

type SequencerRequestPayload struct {
	TargetID types.UserIDType `json:"targetId,omitempty"`
}

type SequencerStatePayload struct {
	TargetID types.UserIDType `json:"targetId"`
	State    json.RawMessage  `json:"state"`
}

type ApprovalRequestPayload struct {
	Username string         `json:"username"`
	Role     types.RoleType `json:"role,omitempty"`
}

type ApprovalDecisionPayload struct {
	UserID types.UserIDType `json:"userId"`
}

// --- Server payloads ---

type ErrorPayload struct {
	Message string `json:"message"`
}

type UserEventPayload struct {
	UserID    types.UserIDType `json:"userId"`
	Username  string           `json:"username,omitempty"`
	Temporary bool             `json:"temporary,omitempty"`
}

type NotePlayedPayload struct {
	UserID     types.UserIDType `json:"userId"`
	Notes      []string         `json:"notes"`
	Velocity   float64          `json:"velocity"`
	Instrument string           `json:"instrument"`
	Category   string           `json:"category"`
	EventType  string           `json:"eventType"`
	IsKeyHeld  bool             `json:"isKeyHeld"`
}

type InstrumentChangedPayload struct {
	UserID     types.UserIDType `json:"userId"`
	Instrument string           `json:"instrument"`
	Category   string           `json:"category"`
}

type SynthParamsChangedPayload struct {
	UserID types.UserIDType `json:"userId"`
	Params json.RawMessage  `json:"params"`
}

type AutoSendSynthPayload struct {
	NewUserID   types.UserIDType `json:"newUserId"`
	NewUsername string           `json:"newUsername"`
}

type SynthParamsPendingPayload struct {
	SynthUsers []types.UserIDType `json:"synthUsers"`
}

type SwapNoticePayload struct {
	RequesterID types.UserIDType `json:"requesterId"`
	TargetID    types.UserIDType `json:"targetId"`
}

type SwapCompletedPayload struct {
	UserA types.UserIDType `json:"userA"`
	UserB types.UserIDType `json:"userB"`
}

type OwnershipTransferredPayload struct {
	PreviousOwnerID types.UserIDType `json:"previousOwnerId"`
	NewOwnerID      types.UserIDType `json:"newOwnerId"`
}

type MetronomeTickPayload struct {
	BPM       int   `json:"bpm"`
	Timestamp int64 `json:"timestamp"` // unix millis
}

type TempoChangedPayload struct {
	BPM int `json:"bpm"`
}

type VoiceParticipantPayload struct {
	UserID types.UserIDType `json:"userId"`
}

// VoiceParticipantsPayload answers a mesh-connections request with the full
// current voice set.
type VoiceParticipantsPayload struct {
	Participants []types.UserIDType `json:"participants"`
}

// VoiceForwardPayload is what the signaling target receives; FromID names
// the peer that produced the SDP or candidate.
type VoiceForwardPayload struct {
	FromID    types.UserIDType `json:"fromId"`
	SDP       json.RawMessage  `json:"sdp,omitempty"`
	Candidate json.RawMessage  `json:"candidate,omitempty"`
}

type BroadcastStatePayload struct {
	Active      bool   `json:"active"`
	PlaylistURL string `json:"playlistUrl,omitempty"`
}

type RoomBroadcastChangedPayload struct {
	RoomID types.RoomIDType `json:"roomId"`
	Active bool             `json:"active"`
}

type ApprovalNoticePayload struct {
	UserID   types.UserIDType `json:"userId"`
	Username string           `json:"username,omitempty"`
	RoomID   types.RoomIDType `json:"roomId"`
}

type SequencerRequestedPayload struct {
	RequesterID types.UserIDType `json:"requesterId"`
}

type SequencerStateEventPayload struct {
	State json.RawMessage `json:"state"`
}

// RoomStatePayload is the full authoritative snapshot broadcast as
// room_state_updated and returned to joining users.
type RoomStatePayload struct {
	RoomID            types.RoomIDType     `json:"roomId"`
	Name              string               `json:"name"`
	OwnerID           types.UserIDType     `json:"ownerId"`
	Kind              types.RoomKind       `json:"kind"`
	Visibility        types.VisibilityType `json:"visibility"`
	Users             []*types.UserState   `json:"users"`
	PendingMembers    []*types.UserState   `json:"pendingMembers,omitempty"`
	VoiceParticipants []types.UserIDType   `json:"voiceParticipants,omitempty"`
	BPM               int                  `json:"bpm"`
	BroadcastActive   bool                 `json:"broadcastActive"`
}

// RoomClosedPayload announces a destroyed room to the lobby so listings can
// drop it.
type RoomClosedPayload struct {
	RoomID types.RoomIDType `json:"roomId"`
}

// RoomSummary is the lobby-facing listing entry.
type RoomSummary struct {
	RoomID          types.RoomIDType     `json:"roomId"`
	Name            string               `json:"name"`
	Description     string               `json:"description,omitempty"`
	Kind            types.RoomKind       `json:"kind"`
	Visibility      types.VisibilityType `json:"visibility"`
	UserCount       int                  `json:"userCount"`
	BroadcastActive bool                 `json:"broadcastActive"`
}
