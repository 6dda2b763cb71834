// Package approval stores pending private-room join attempts and their
// deadline timers.
//
// A session has exactly one outcome. Every terminal path (approve, reject,
// cancel, timeout, disconnect) claims the record with Take before acting, so
// the record itself serves as the lock: whichever path takes it first wins
// and the losers become no-ops.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/logging"
	"github.com/ensemble-live/Ensemble/backend/go/internal/v1/types"
	"go.uber.org/zap"
)

// ErrAlreadyPending is returned when a user who already holds a pending
// session requests approval again.
var ErrAlreadyPending = errors.New("approval: session already pending for user")

// Session is one pending join attempt.
type Session struct {
	UserID    types.UserIDType
	Username  string
	RoomID    types.RoomIDType
	ConnID    types.ConnIDType
	Role      types.RoleType
	CreatedAt time.Time

	timer *time.Timer
}

// Manager owns all pending approval sessions. A user holds at most one
// session at a time across all rooms.
type Manager struct {
	mu       sync.Mutex
	sessions map[types.UserIDType]*Session
	timeout  time.Duration
	onExpire func(Session)
}

// NewManager creates a Manager. onExpire runs outside the manager lock when
// a session's deadline passes without a decision.
func NewManager(timeout time.Duration, onExpire func(Session)) *Manager {
	return &Manager{
		sessions: make(map[types.UserIDType]*Session),
		timeout:  timeout,
		onExpire: onExpire,
	}
}

// Create registers a pending session and starts its deadline timer.
func (m *Manager) Create(ctx context.Context, userID types.UserIDType, username string, roomID types.RoomIDType, connID types.ConnIDType, role types.RoleType) error {
	m.mu.Lock()
	if _, exists := m.sessions[userID]; exists {
		m.mu.Unlock()
		return ErrAlreadyPending
	}
	s := &Session{
		UserID:    userID,
		Username:  username,
		RoomID:    roomID,
		ConnID:    connID,
		Role:      role,
		CreatedAt: time.Now(),
	}
	s.timer = time.AfterFunc(m.timeout, func() {
		m.expire(userID)
	})
	m.sessions[userID] = s
	m.mu.Unlock()

	logging.Info(ctx, "Approval session created",
		zap.String("userId", string(userID)),
		zap.String("roomId", string(roomID)),
		zap.Duration("timeout", m.timeout))
	return nil
}

// Take claims the session for a terminal transition, stopping its timer.
// Returns false when the session no longer exists, meaning another outcome
// already won.
func (m *Manager) Take(userID types.UserIDType) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok {
		s.timer.Stop()
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !ok {
		return Session{}, false
	}
	return *s, true
}

// TakeMatching claims the session only when its room matches. Used for
// cancel, where the requester's message must name the session it cancels.
func (m *Manager) TakeMatching(userID types.UserIDType, roomID types.RoomIDType) (Session, bool) {
	m.mu.Lock()
	s, ok := m.sessions[userID]
	if ok && s.RoomID != roomID {
		m.mu.Unlock()
		return Session{}, false
	}
	if ok {
		s.timer.Stop()
		delete(m.sessions, userID)
	}
	m.mu.Unlock()

	if !ok {
		return Session{}, false
	}
	return *s, true
}

// TakeByConn claims the session held by a connection, if any. Used on
// requester disconnect.
func (m *Manager) TakeByConn(connID types.ConnIDType) (Session, bool) {
	m.mu.Lock()
	var found *Session
	for _, s := range m.sessions {
		if s.ConnID == connID {
			found = s
			break
		}
	}
	if found != nil {
		found.timer.Stop()
		delete(m.sessions, found.UserID)
	}
	m.mu.Unlock()

	if found == nil {
		return Session{}, false
	}
	return *found, true
}

// Has reports whether a user holds a pending session.
func (m *Manager) Has(userID types.UserIDType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sessions[userID]
	return ok
}

// expire runs on the timer goroutine. The session may have been claimed
// between the timer firing and the lock being acquired, so it is re-checked
// before the callback fires.
func (m *Manager) expire(userID types.UserIDType) {
	s, ok := m.Take(userID)
	if !ok {
		return
	}

	logging.Info(context.Background(), "Approval session timed out",
		zap.String("userId", string(userID)),
		zap.String("roomId", string(s.RoomID)))

	if m.onExpire != nil {
		m.onExpire(s)
	}
}
