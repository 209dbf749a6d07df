package session

import (
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/chat"
	"github.com/notepid/twilight_chat/internal/protocol"
)

// Registry errors.
var (
	ErrAlreadyConnected = errors.New("already connected")
	ErrBanned           = errors.New("user is banned")
	ErrNotConnected     = errors.New("not connected")
)

// Policy decides what happens when a user logs in twice.
type Policy string

const (
	Reject  Policy = "reject"  // refuse the second login
	Replace Policy = "replace" // close the first session and admit the second
)

// Registry maps usernames to live sessions and enforces the connection
// limit. It implements chat.Deliverer.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
	policy   Policy
	banned   func(username string) bool
	onChange func(online []string)

	maxSessions int
	active      int

	logger *zap.SugaredLogger
}

// NewRegistry creates a registry admitting at most maxSessions concurrent
// connections (0 means unlimited).
func NewRegistry(policy Policy, maxSessions int, logger *zap.SugaredLogger) *Registry {
	if policy != Replace {
		policy = Reject
	}
	return &Registry{
		sessions:    make(map[string]*Session),
		policy:      policy,
		maxSessions: maxSessions,
		logger:      logger,
	}
}

// SetBanChecker installs the function consulted by Add.
func (r *Registry) SetBanChecker(fn func(username string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.banned = fn
}

// OnChange registers a hook called with the online list after every
// membership change. It runs outside the registry lock.
func (r *Registry) OnChange(fn func(online []string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// Acquire reserves a connection slot. It returns false when the registry
// is full.
func (r *Registry) Acquire() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxSessions > 0 && r.active >= r.maxSessions {
		return false
	}
	r.active++
	return true
}

// Release frees a slot taken by Acquire.
func (r *Registry) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active > 0 {
		r.active--
	}
}

// Active returns the number of reserved connection slots.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Add binds s to username.
func (r *Registry) Add(username string, s *Session) error {
	r.mu.Lock()
	if r.banned != nil && r.banned(username) {
		r.mu.Unlock()
		return apperror.Session(ErrBanned, "user is banned")
	}

	prev, exists := r.sessions[username]
	if exists && prev != s {
		if r.policy == Reject {
			r.mu.Unlock()
			return apperror.Session(ErrAlreadyConnected, "user already connected")
		}
		r.removeOrderLocked(username)
	}
	if !exists || prev != s {
		r.order = append(r.order, username)
	}
	r.sessions[username] = s
	s.Bind(username)
	online, hook := r.snapshotLocked()
	r.mu.Unlock()

	if exists && prev != s {
		r.logger.Infof("User %s logged in again from %s; closing session %s", username, s.Remote, prev.ID)
		prev.Send(protocol.System("logged in from another location"))
		prev.Close("replaced")
	}
	if hook != nil {
		hook(online)
	}
	return nil
}

// Remove drops username from the registry. It is a no-op if absent.
func (r *Registry) Remove(username string) {
	r.mu.Lock()
	if _, ok := r.sessions[username]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, username)
	r.removeOrderLocked(username)
	online, hook := r.snapshotLocked()
	r.mu.Unlock()

	if hook != nil {
		hook(online)
	}
}

// RemoveSession drops s only if it is still the session registered for its
// username. It reports whether anything was removed.
func (r *Registry) RemoveSession(s *Session) bool {
	username := s.Username()
	if username == "" {
		return false
	}

	r.mu.Lock()
	if cur, ok := r.sessions[username]; !ok || cur != s {
		r.mu.Unlock()
		return false
	}
	delete(r.sessions, username)
	r.removeOrderLocked(username)
	online, hook := r.snapshotLocked()
	r.mu.Unlock()

	if hook != nil {
		hook(online)
	}
	return true
}

func (r *Registry) removeOrderLocked(username string) {
	for i, name := range r.order {
		if name == username {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) snapshotLocked() ([]string, func([]string)) {
	online := make([]string, len(r.order))
	copy(online, r.order)
	return online, r.onChange
}

// ListOnline returns online usernames in login order.
func (r *Registry) ListOnline() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	online, _ := r.snapshotLocked()
	return online
}

// IsOnline reports whether username has a live session.
func (r *Registry) IsOnline(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[username]
	return ok
}

// Get returns the session bound to username, or nil.
func (r *Registry) Get(username string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[username]
}

// Count returns the number of authenticated sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the authenticated sessions in login order.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.sessions[name])
	}
	return out
}

// Broadcast delivers m to every session except the one owned by except.
func (r *Registry) Broadcast(except string, m chat.Message) int {
	return r.BroadcastFrame(except, protocol.Msg(m))
}

// Unicast delivers m to username's session.
func (r *Registry) Unicast(username string, m chat.Message) error {
	return r.SendTo(username, protocol.Msg(m))
}

// BroadcastFrame queues frame on every session except the one owned by
// except and returns the number of sessions reached. Sessions whose queue
// is full are closed as slow consumers.
func (r *Registry) BroadcastFrame(except string, frame string) int {
	r.mu.RLock()
	targets := make([]*Session, 0, len(r.order))
	for _, name := range r.order {
		if name == except {
			continue
		}
		targets = append(targets, r.sessions[name])
	}
	r.mu.RUnlock()

	sent := 0
	for _, s := range targets {
		if r.deliver(s, frame) {
			sent++
		}
	}
	return sent
}

// SendTo queues frame on username's session.
func (r *Registry) SendTo(username, frame string) error {
	s := r.Get(username)
	if s == nil {
		return apperror.Session(ErrNotConnected, username+" is not connected")
	}
	if !r.deliver(s, frame) {
		return apperror.Session(ErrNotConnected, username+" is not connected")
	}
	return nil
}

func (r *Registry) deliver(s *Session, frame string) bool {
	if s.Send(frame) {
		return true
	}
	if s.State() < Closing {
		r.logger.Warnf("Session %s (%s) is not keeping up; disconnecting", s.ID, s.Username())
		s.Close("slow consumer")
	}
	return false
}

// Kick notifies and closes username's session.
func (r *Registry) Kick(username, reason string) bool {
	s := r.Get(username)
	if s == nil {
		return false
	}
	s.Send(protocol.System("disconnected: " + reason))
	s.Close(reason)
	r.logger.Infof("Kicked %s: %s", username, reason)
	return true
}

// CloseAll closes every authenticated session with a final SYSTEM notice.
func (r *Registry) CloseAll(reason string) {
	for _, s := range r.Sessions() {
		s.Send(protocol.System(reason))
		s.Close(reason)
	}
}
