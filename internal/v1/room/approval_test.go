package room

import (
	"context"
	"testing"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupPrivateRoom(t *testing.T, opts Options) (*Registry, *fakePublisher, *Room, *mockConn) {
	t.Helper()
	reg, pub, _ := newTestRegistry(opts)
	t.Cleanup(func() { reg.Shutdown(context.Background()) })

	r := reg.CreateRoom(context.Background(), "owner", "olivia", Params{Name: "private jam", Visibility: types.VisibilityPrivate})
	ownerConn := newMockConn("c-owner", "owner")
	pub.attach(r.Namespace(), ownerConn)
	reg.sessions.Attach(context.Background(), ownerConn, r.ID, r.Namespace())
	return reg, pub, r, ownerConn
}

// requestJoin connects a requester on the approval namespace and files the
// request.
func requestJoin(reg *Registry, r *Room, connID, userID string) *mockConn {
	conn := newMockConn(connID, userID)
	reg.pub.(*fakePublisher).attach(r.ApprovalNamespace(), conn)
	reg.requestApproval(context.Background(), r, conn, userID, types.RoleBandMember)
	return conn
}

func TestPrivateJoinGoesPending(t *testing.T) {
	reg, pub, r, ownerConn := setupPrivateRoom(t, testOptions())

	requester := requestJoin(reg, r, "c-x", "xena")

	assert.True(t, r.IsPending("xena"))
	assert.False(t, r.IsParticipant("xena"))

	sent := pub.sentTo(requester.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventApprovalPending, sent[0].Event)

	ownerSent := pub.sentTo(ownerConn.ConnID())
	require.NotEmpty(t, ownerSent)
	assert.Equal(t, EventNewMemberRequest, ownerSent[0].Event)
}

func TestApproveMovesPendingToUsers(t *testing.T) {
	reg, pub, r, ownerConn := setupPrivateRoom(t, testOptions())
	requester := requestJoin(reg, r, "c-x", "xena")
	pub.reset()

	reg.Approve(context.Background(), r, ownerConn, "xena")

	assert.True(t, r.IsParticipant("xena"))
	assert.False(t, r.IsPending("xena"), "user must appear in exactly one of users/pending")

	granted := pub.sentTo(requester.ConnID())
	require.NotEmpty(t, granted)
	assert.Equal(t, EventApprovalGranted, granted[0].Event)

	success := pub.sentTo(ownerConn.ConnID())
	require.NotEmpty(t, success)
	assert.Equal(t, EventApprovalSuccess, success[0].Event)

	_, joined := pub.lastRecord(r.Namespace(), EventUserJoined)
	assert.True(t, joined)
}

func TestApproveDeniedForNonOwner(t *testing.T) {
	reg, pub, r, _ := setupPrivateRoom(t, testOptions())
	requestJoin(reg, r, "c-x", "xena")

	mallory := newMockConn("c-m", "mallory")
	pub.reset()
	reg.Approve(context.Background(), r, mallory, "xena")

	assert.True(t, r.IsPending("xena"))
	sent := pub.sentTo(mallory.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventApprovalError, sent[0].Event)
}

func TestRejectNotifiesRequester(t *testing.T) {
	reg, pub, r, ownerConn := setupPrivateRoom(t, testOptions())
	requester := requestJoin(reg, r, "c-x", "xena")
	pub.reset()

	reg.Reject(context.Background(), r, ownerConn, "xena")

	assert.False(t, r.IsPending("xena"))
	assert.False(t, r.IsParticipant("xena"))
	sent := pub.sentTo(requester.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventApprovalRejected, sent[0].Event)
}

func TestApprovalTimeout(t *testing.T) {
	opts := testOptions()
	opts.ApprovalTimeout = 30 * time.Millisecond
	reg, pub, r, _ := setupPrivateRoom(t, opts)
	requester := requestJoin(reg, r, "c-x", "xena")

	require.Eventually(t, func() bool {
		for _, rec := range pub.sentTo(requester.ConnID()) {
			if rec.Event == EventApprovalTimedOut {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)

	assert.False(t, r.IsPending("xena"))
	assert.False(t, r.IsParticipant("xena"))
}

func TestApproveAfterTimeoutLoses(t *testing.T) {
	opts := testOptions()
	opts.ApprovalTimeout = 20 * time.Millisecond
	reg, pub, r, ownerConn := setupPrivateRoom(t, opts)
	requestJoin(reg, r, "c-x", "xena")

	require.Eventually(t, func() bool { return !r.IsPending("xena") }, 2*time.Second, 5*time.Millisecond)
	pub.reset()

	reg.Approve(context.Background(), r, ownerConn, "xena")

	assert.False(t, r.IsParticipant("xena"), "timeout already won")
	sent := pub.sentTo(ownerConn.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventApprovalError, sent[0].Event)
}

func TestCancelApproval(t *testing.T) {
	reg, pub, r, _ := setupPrivateRoom(t, testOptions())
	requester := requestJoin(reg, r, "c-x", "xena")
	pub.reset()

	reg.CancelApproval(context.Background(), r, requester)

	assert.False(t, r.IsPending("xena"))
	sent := pub.sentTo(requester.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventApprovalCanceled, sent[0].Event)
}

func TestRequesterDisconnectAbandons(t *testing.T) {
	reg, _, r, _ := setupPrivateRoom(t, testOptions())
	requester := requestJoin(reg, r, "c-x", "xena")

	reg.AbandonApprovalByConn(context.Background(), requester.ConnID())

	assert.False(t, r.IsPending("xena"))
	assert.False(t, r.IsParticipant("xena"))
}

func TestSecondRequestWhilePendingRejected(t *testing.T) {
	reg, pub, r, _ := setupPrivateRoom(t, testOptions())
	requestJoin(reg, r, "c-x", "xena")
	pub.reset()

	dup := newMockConn("c-x2", "xena")
	reg.requestApproval(context.Background(), r, dup, "xena", types.RoleBandMember)

	sent := pub.sentTo(dup.ConnID())
	require.NotEmpty(t, sent)
	assert.Equal(t, EventApprovalError, sent[0].Event)
}

func TestGraceReconnectSkipsApproval(t *testing.T) {
	reg, pub, r, ownerConn := setupPrivateRoom(t, testOptions())
	requester := requestJoin(reg, r, "c-x", "xena")
	reg.Approve(context.Background(), r, ownerConn, "xena")

	// Xena joins the room namespace, then drops.
	roomConn := newMockConn("c-x-room", "xena")
	pub.attach(r.Namespace(), roomConn)
	reg.sessions.Attach(context.Background(), roomConn, r.ID, r.Namespace())
	reg.Join(context.Background(), r, roomConn, "xena", types.RoleBandMember)
	reg.HandleDisconnect(context.Background(), roomConn)
	require.False(t, r.IsParticipant("xena"))
	pub.reset()

	// Reconnect within grace: straight back in, no approval round.
	back := newMockConn("c-x-back", "xena")
	pub.attach(r.Namespace(), back)
	reg.Join(context.Background(), r, back, "xena", types.RoleBandMember)

	assert.True(t, r.IsParticipant("xena"))
	assert.False(t, r.IsPending("xena"))
	for _, rec := range pub.sentTo(back.ConnID()) {
		assert.NotEqual(t, EventApprovalPending, rec.Event)
	}
	_ = requester
}
