package room

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJoinVoiceAnnouncesToOthers(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	reg.JoinVoice(context.Background(), r, b)

	rec, ok := pub.lastRecord(r.Namespace(), EventUserJoinedVoice)
	require.True(t, ok)
	assert.Equal(t, b.ConnID(), rec.Except)
	assert.Equal(t, types.UserIDType("bob"), rec.Payload.(VoiceParticipantPayload).UserID)

	// Idempotent: a second join emits nothing.
	pub.reset()
	reg.JoinVoice(context.Background(), r, b)
	_, again := pub.lastRecord(r.Namespace(), EventUserJoinedVoice)
	assert.False(t, again)
}

func TestJoinVoiceRequiresMembership(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	stranger := newMockConn("c-s", "stranger")
	pub.reset()

	reg.JoinVoice(context.Background(), r, stranger)

	sent := pub.sentTo(stranger.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventVoiceError, sent[0].Event)
}

func TestLeaveVoice(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	b := joinUser(reg, r, "c-b", "bob", "bob")
	reg.JoinVoice(context.Background(), r, b)
	pub.reset()

	reg.LeaveVoice(context.Background(), r, b)

	_, ok := pub.lastRecord(r.Namespace(), EventUserLeftVoice)
	assert.True(t, ok)

	// Leaving again is silent.
	pub.reset()
	reg.LeaveVoice(context.Background(), r, b)
	_, again := pub.lastRecord(r.Namespace(), EventUserLeftVoice)
	assert.False(t, again)
}

func TestVoiceSignalForwardedVerbatim(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	a := joinUser(reg, r, "c-a", "alice", "alice")
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	sdp := json.RawMessage(`{"type":"offer","sdp":"v=0 opaque-blob"}`)
	reg.ForwardVoiceSignal(context.Background(), r, a, EventVoiceOffer, VoiceSignalPayload{TargetID: "bob", SDP: sdp})

	sent := pub.sentTo(b.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventVoiceOffer, sent[0].Event)
	fw := sent[0].Payload.(VoiceForwardPayload)
	assert.Equal(t, types.UserIDType("alice"), fw.FromID)
	assert.JSONEq(t, string(sdp), string(fw.SDP))
}

func TestVoiceSignalToMissingTarget(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	a := joinUser(reg, r, "c-a", "alice", "alice")
	pub.reset()

	reg.ForwardVoiceSignal(context.Background(), r, a, EventVoiceICE, VoiceSignalPayload{TargetID: "ghost"})

	sent := pub.sentTo(a.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventVoiceError, sent[0].Event)
}

func TestDisconnectLeavesVoice(t *testing.T) {
	reg, pub, r, _ := setupRoom(t, testOptions())
	b := joinUser(reg, r, "c-b", "bob", "bob")
	reg.JoinVoice(context.Background(), r, b)
	pub.reset()

	reg.HandleDisconnect(context.Background(), b)

	_, ok := pub.lastRecord(r.Namespace(), EventUserLeftVoice)
	assert.True(t, ok)
}

func TestRequestMeshConnections(t *testing.T) {
	reg, pub, r, ownerConn := setupRoom(t, testOptions())
	reg.JoinVoice(context.Background(), r, ownerConn)
	b := joinUser(reg, r, "c-b", "bob", "bob")
	pub.reset()

	reg.RequestMeshConnections(context.Background(), r, b)

	sent := pub.sentTo(b.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventVoiceParticipants, sent[0].Event)
	assert.Equal(t, []types.UserIDType{"owner"}, sent[0].Payload.(VoiceParticipantsPayload).Participants)
}
