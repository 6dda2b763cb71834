package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/session"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
)

// pubRecord is one observed bus operation.
type pubRecord struct {
	Path    string
	Event   types.Event
	Payload any
	Except  types.ConnIDType
	To      types.ConnIDType // set for direct sends
}

// fakePublisher records every publish so tests can assert on ordering and
// addressing without a real bus.
type fakePublisher struct {
	mu         sync.Mutex
	records    []pubRecord
	namespaces map[string]map[types.ConnIDType]types.Subscriber
	destroyed  []string
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{namespaces: make(map[string]map[types.ConnIDType]types.Subscriber)}
}

func (f *fakePublisher) CreateNamespace(_ context.Context, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.namespaces[path]; !ok {
		f.namespaces[path] = make(map[types.ConnIDType]types.Subscriber)
	}
}

func (f *fakePublisher) DestroyNamespace(_ context.Context, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.namespaces, path)
	f.destroyed = append(f.destroyed, path)
}

func (f *fakePublisher) attach(path string, sub types.Subscriber) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.namespaces[path]; !ok {
		f.namespaces[path] = make(map[types.ConnIDType]types.Subscriber)
	}
	f.namespaces[path][sub.ConnID()] = sub
}

func (f *fakePublisher) Publish(_ context.Context, path string, event types.Event, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, pubRecord{Path: path, Event: event, Payload: payload})
}

func (f *fakePublisher) PublishExcept(_ context.Context, path string, except types.ConnIDType, event types.Event, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, pubRecord{Path: path, Event: event, Payload: payload, Except: except})
}

func (f *fakePublisher) PublishTo(_ context.Context, sub types.Subscriber, event types.Event, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, pubRecord{Event: event, Payload: payload, To: sub.ConnID()})
}

func (f *fakePublisher) SubscriberByUser(path string, userID types.UserIDType) (types.Subscriber, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sub := range f.namespaces[path] {
		if sub.UserID() == userID {
			return sub, true
		}
	}
	return nil, false
}

func (f *fakePublisher) Unsubscribe(path string, connID types.ConnIDType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if subs, ok := f.namespaces[path]; ok {
		delete(subs, connID)
	}
}

// eventsOn returns the events published on a path in order, excluding
// direct sends.
func (f *fakePublisher) eventsOn(path string) []types.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.Event
	for _, rec := range f.records {
		if rec.Path == path && rec.To == "" {
			out = append(out, rec.Event)
		}
	}
	return out
}

// sentTo returns the direct sends addressed to a connection.
func (f *fakePublisher) sentTo(connID types.ConnIDType) []pubRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []pubRecord
	for _, rec := range f.records {
		if rec.To == connID {
			out = append(out, rec)
		}
	}
	return out
}

// lastRecord returns the most recent record matching an event on a path.
func (f *fakePublisher) lastRecord(path string, event types.Event) (pubRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.records) - 1; i >= 0; i-- {
		if f.records[i].Path == path && f.records[i].Event == event {
			return f.records[i], true
		}
	}
	return pubRecord{}, false
}

func (f *fakePublisher) reset() {
	f.mu.Lock()
	f.records = nil
	f.mu.Unlock()
}

// mockConn is a connection double satisfying types.Subscriber.
type mockConn struct {
	connID types.ConnIDType
	userID types.UserIDType

	mu       sync.Mutex
	closedAs string
}

func newMockConn(conn, user string) *mockConn {
	return &mockConn{connID: types.ConnIDType(conn), userID: types.UserIDType(user)}
}

func (m *mockConn) ConnID() types.ConnIDType { return m.connID }
func (m *mockConn) UserID() types.UserIDType { return m.userID }
func (m *mockConn) TrySend([]byte) bool      { return true }

func (m *mockConn) CloseWithReason(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closedAs = reason
}

func (m *mockConn) closeReason() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closedAs
}

// mockTranscoder records lifecycle calls and written chunks.
type mockTranscoder struct {
	mu      sync.Mutex
	started []types.RoomIDType
	stopped []types.RoomIDType
	chunks  [][]byte
	failOn  string
}

func (m *mockTranscoder) Start(roomID types.RoomIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failOn == "start" {
		return errMockTranscoder
	}
	m.started = append(m.started, roomID)
	return nil
}

func (m *mockTranscoder) Stop(roomID types.RoomIDType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, roomID)
	return nil
}

func (m *mockTranscoder) WriteChunk(_ types.RoomIDType, chunk []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks = append(m.chunks, chunk)
	return nil
}

func (m *mockTranscoder) PlaylistURL(roomID types.RoomIDType) string {
	return "/hls/" + string(roomID) + "/playlist.m3u8"
}

var errMockTranscoder = errors.New("transcoder failure")

func testOptions() Options {
	return Options{
		ApprovalTimeout: time.Minute,
		GracePeriod:     time.Minute,
		BatchInterval:   5 * time.Millisecond,
		MaxQueueSize:    50,
		DefaultBPM:      120,
		SettleDelay:     10 * time.Millisecond,
	}
}

// newTestRegistry wires a registry against the recording fakes.
func newTestRegistry(opts Options) (*Registry, *fakePublisher, *mockTranscoder) {
	pub := newFakePublisher()
	tc := &mockTranscoder{}
	reg := NewRegistry(pub, session.NewRegistry(0), tc, opts)
	return reg, pub, tc
}

// joinUser is a test helper: creates the connection, attaches it to the fake
// bus and joins the room.
func joinUser(reg *Registry, r *Room, connID, userID, username string) *mockConn {
	conn := newMockConn(connID, userID)
	pub := reg.pub.(*fakePublisher)
	pub.attach(r.Namespace(), conn)
	reg.sessions.Attach(context.Background(), conn, r.ID, r.Namespace())
	reg.Join(context.Background(), r, conn, username, types.RoleBandMember)
	return conn
}
