package types

import (
	"encoding/json"
	"errors"
	"time"
)

// --- Core Domain Types ---

// RoleType defines the different roles a user can have inside a room.
type RoleType string

// UserIDType represents a unique identifier for a user.
type UserIDType string

// ConnIDType represents a unique identifier for a single websocket connection.
type ConnIDType string

// RoomIDType represents a unique identifier for a session room.
type RoomIDType string

// RoomKind distinguishes live-performance rooms from arrangement rooms.
type RoomKind string

// VisibilityType controls the join policy of a room.
type VisibilityType string

// Role constants define the in-room permission hierarchy.
const (
	RoleRoomOwner  RoleType = "room_owner"  // Owns the room, approves members, controls metronome and broadcast
	RoleBandMember RoleType = "band_member" // Plays instruments, participates in swaps
	RoleAudience   RoleType = "audience"    // Listens only
)

const (
	RoomKindPerform RoomKind = "perform"
	RoomKindArrange RoomKind = "arrange"
)

const (
	VisibilityPublic  VisibilityType = "public"
	VisibilityPrivate VisibilityType = "private"
)

// Namespace path prefixes. A namespace is a logically isolated pub/sub
// channel identified by its full string path.
const (
	NamespaceLobby          = "/lobby-monitor"
	NamespaceRoomPrefix     = "/room/"
	NamespaceApprovalPrefix = "/approval/"
)

// RoomNamespace returns the namespace path for a room.
func RoomNamespace(roomID RoomIDType) string {
	return NamespaceRoomPrefix + string(roomID)
}

// ApprovalNamespace returns the approval namespace path for a room.
func ApprovalNamespace(roomID RoomIDType) string {
	return NamespaceApprovalPrefix + string(roomID)
}

// --- Wire Envelope ---

// Event names the kind of a wire message.
type Event string

// ClientMessage is the envelope for messages received from a client.
// The payload stays raw until the responsible handler decodes it.
type ClientMessage struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ServerMessage is the envelope for messages sent to clients.
type ServerMessage struct {
	Event   Event `json:"event"`
	Payload any   `json:"payload,omitempty"`
}

// --- User State ---

// UserState is the authoritative in-room record for one user. It is owned by
// the room registry; the grace-period registry keeps independent copies.
type UserState struct {
	ID                UserIDType      `json:"id"`
	Username          string          `json:"username"`
	Role              RoleType        `json:"role"`
	IsReady           bool            `json:"isReady"`
	CurrentInstrument string          `json:"currentInstrument,omitempty"`
	CurrentCategory   string          `json:"currentCategory,omitempty"`
	SynthParams       json.RawMessage `json:"synthParams,omitempty"`
	EffectChains      json.RawMessage `json:"effectChains,omitempty"`
}

// Clone returns a deep copy, safe to hand across component boundaries.
func (u *UserState) Clone() *UserState {
	if u == nil {
		return nil
	}
	c := *u
	if u.SynthParams != nil {
		c.SynthParams = append(json.RawMessage(nil), u.SynthParams...)
	}
	if u.EffectChains != nil {
		c.EffectChains = append(json.RawMessage(nil), u.EffectChains...)
	}
	return &c
}

// Validate ensures a user record is safe to store.
func (u *UserState) Validate() error {
	if u.ID == "" {
		return errors.New("user id cannot be empty")
	}
	if u.Username == "" {
		return errors.New("username cannot be empty")
	}
	switch u.Role {
	case RoleRoomOwner, RoleBandMember, RoleAudience:
	default:
		return errors.New("unknown role")
	}
	return nil
}

// Identity is the result of verifying a bearer token.
type Identity struct {
	UserID    UserIDType
	Username  string
	UserType  string
	Anonymous bool
}

// --- Shared Interfaces ---

// IdentityVerifier validates a bearer token and yields the caller's identity.
// An empty token resolves to an anonymous guest identity rather than an error.
type IdentityVerifier interface {
	Verify(bearerToken string) (*Identity, error)
}

// BroadcastTranscoder is the external subsystem that turns the room owner's
// audio byte stream into an HLS playlist. The core only drives its lifecycle.
type BroadcastTranscoder interface {
	Start(roomID RoomIDType) error
	WriteChunk(roomID RoomIDType, chunk []byte) error
	Stop(roomID RoomIDType) error
	PlaylistURL(roomID RoomIDType) string
}

// Subscriber is the behavior the bus requires from a connection. Sends are
// non-blocking against a bounded buffer; TrySend reports false on overflow so
// the bus can disconnect the laggard without stalling the namespace.
type Subscriber interface {
	ConnID() ConnIDType
	UserID() UserIDType
	TrySend(data []byte) bool
	CloseWithReason(reason string)
}

// SessionInfo describes one attached connection.
type SessionInfo struct {
	ConnID        ConnIDType
	UserID        UserIDType
	RoomID        RoomIDType
	NamespacePath string
	ConnectedAt   time.Time
	LastActivity  time.Time
}
