package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

type writtenFrame struct {
	messageType int
	data        []byte
}

// fakeWsConn is an in-memory wsConnection double. Inbound frames are queued
// with push; outbound frames are recorded for assertions.
type fakeWsConn struct {
	mu      sync.Mutex
	written []writtenFrame

	inbound   chan writtenFrame
	closeCh   chan struct{}
	closeOnce sync.Once
}

func newFakeWsConn() *fakeWsConn {
	return &fakeWsConn{
		inbound: make(chan writtenFrame, 32),
		closeCh: make(chan struct{}),
	}
}

func (f *fakeWsConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.inbound:
		return frame.messageType, frame.data, nil
	case <-f.closeCh:
		return 0, nil, errConnClosed
	}
}

func (f *fakeWsConn) WriteMessage(messageType int, data []byte) error {
	select {
	case <-f.closeCh:
		return errConnClosed
	default:
	}
	f.mu.Lock()
	f.written = append(f.written, writtenFrame{messageType: messageType, data: append([]byte(nil), data...)})
	f.mu.Unlock()
	return nil
}

func (f *fakeWsConn) Close() error {
	f.closeOnce.Do(func() { close(f.closeCh) })
	return nil
}

func (f *fakeWsConn) SetWriteDeadline(time.Time) error  { return nil }
func (f *fakeWsConn) SetReadDeadline(time.Time) error   { return nil }
func (f *fakeWsConn) SetPongHandler(func(string) error) {}

// pushClientMessage queues an inbound envelope as a text frame.
func (f *fakeWsConn) pushClientMessage(event types.Event, payload any) {
	raw, _ := json.Marshal(payload)
	data, _ := json.Marshal(types.ClientMessage{Event: event, Payload: raw})
	f.inbound <- writtenFrame{messageType: websocket.TextMessage, data: data}
}

func (f *fakeWsConn) pushRaw(messageType int, data []byte) {
	f.inbound <- writtenFrame{messageType: messageType, data: data}
}

// writtenEvents decodes the recorded text frames into server event names.
func (f *fakeWsConn) writtenEvents() []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Event
	for _, frame := range f.written {
		if frame.messageType != websocket.TextMessage {
			continue
		}
		var msg types.ServerMessage
		if json.Unmarshal(frame.data, &msg) == nil {
			out = append(out, msg.Event)
		}
	}
	return out
}

func (f *fakeWsConn) hasEvent(event types.Event) bool {
	for _, ev := range f.writtenEvents() {
		if ev == event {
			return true
		}
	}
	return false
}

// frames returns a copy of everything written to the socket.
func (f *fakeWsConn) frames() []writtenFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writtenFrame(nil), f.written...)
}

func (f *fakeWsConn) isClosed() bool {
	select {
	case <-f.closeCh:
		return true
	default:
		return false
	}
}

// mockVerifier resolves fixed tokens to identities and empty tokens to
// anonymous guests, mirroring the production verifier contract.
type mockVerifier struct {
	tokens map[string]*types.Identity
}

func newMockVerifier(users ...string) *mockVerifier {
	v := &mockVerifier{tokens: make(map[string]*types.Identity)}
	for _, u := range users {
		v.tokens["token-"+u] = &types.Identity{
			UserID:   types.UserIDType(u),
			Username: u,
		}
	}
	return v
}

func (v *mockVerifier) Verify(token string) (*types.Identity, error) {
	if token == "" {
		return &types.Identity{
			UserID:    types.UserIDType("guest-" + uuid.NewString()),
			Username:  "Guest",
			Anonymous: true,
		}, nil
	}
	if id, ok := v.tokens[token]; ok {
		return id, nil
	}
	return nil, fmt.Errorf("unknown token")
}

// nopTranscoder satisfies types.BroadcastTranscoder for hub wiring.
type nopTranscoder struct{}

func (nopTranscoder) Start(types.RoomIDType) error              { return nil }
func (nopTranscoder) Stop(types.RoomIDType) error               { return nil }
func (nopTranscoder) WriteChunk(types.RoomIDType, []byte) error { return nil }
func (nopTranscoder) PlaylistURL(roomID types.RoomIDType) string {
	return "/hls/" + string(roomID) + "/playlist.m3u8"
}
