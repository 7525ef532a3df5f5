package bridge

import (
	"sync"
	"time"

	"github.com/zhubert/plural-acp/claude"
	"github.com/zhubert/plural-acp/rules"
)

// PermissionMode is a session's trust level. It gates whether tool
// invocations require a client round-trip.
type PermissionMode string

const (
	ModeDefault           PermissionMode = "default"
	ModePlan              PermissionMode = "plan"
	ModeAcceptEdits       PermissionMode = "acceptEdits"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// ValidMode reports whether s names a known permission mode.
func ValidMode(s string) bool {
	switch PermissionMode(s) {
	case ModeDefault, ModePlan, ModeAcceptEdits, ModeBypassPermissions:
		return true
	}
	return false
}

// Session is one live bridge session: the subprocess handle, its router and
// notification queue, its trust mode, and bookkeeping.
type Session struct {
	ID         string
	WorkingDir string
	Proc       *claude.ProcessManager
	Router     *Router
	Queue      *NotificationQueue
	Rules      *rules.Store

	mu         sync.Mutex
	mode       PermissionMode
	title      string
	updatedAt  time.Time
	cancelTurn func() // cancels the in-flight prompt turn, nil when idle
}

// Mode returns the session's current permission mode.
func (s *Session) Mode() PermissionMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode updates the session's permission mode.
func (s *Session) SetMode(mode PermissionMode) {
	s.mu.Lock()
	s.mode = mode
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// Title returns the session title, derived from the first prompt.
func (s *Session) Title() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.title
}

// SetTitle records the session title if not already set.
func (s *Session) SetTitle(title string) {
	s.mu.Lock()
	if s.title == "" {
		s.title = title
	}
	s.updatedAt = time.Now()
	s.mu.Unlock()
}

// UpdatedAt returns the last-activity timestamp.
func (s *Session) UpdatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.updatedAt
}

// SetTurnCancel installs the cancel function for the in-flight turn.
func (s *Session) SetTurnCancel(cancel func()) {
	s.mu.Lock()
	s.cancelTurn = cancel
	s.mu.Unlock()
}

// CancelTurn cancels the in-flight turn, if any.
func (s *Session) CancelTurn() {
	s.mu.Lock()
	cancel := s.cancelTurn
	s.cancelTurn = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close tears down the session's pipeline: subprocess first so the router's
// source drains, then the router, then the queue.
func (s *Session) Close() {
	s.CancelTurn()
	if s.Proc != nil {
		s.Proc.Stop()
	}
	if s.Router != nil {
		s.Router.Close()
	}
	if s.Queue != nil {
		s.Queue.Close()
	}
}

// SessionRegistry tracks live sessions by id.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{sessions: make(map[string]*Session)}
}

// Add registers a session.
func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

// Get returns the session with the given id, or nil.
func (r *SessionRegistry) Get(id string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[id]
}

// Remove unregisters and returns the session, or nil if unknown.
func (r *SessionRegistry) Remove(id string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.sessions[id]
	delete(r.sessions, id)
	return s
}

// CloseAll tears down every live session.
func (r *SessionRegistry) CloseAll() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
