package user

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/apperror"
)

// Credential errors. Callers match them with errors.Is; the wrapped
// apperror carries the text shown to clients.
var (
	ErrInvalidUsername = errors.New("invalid username")
	ErrUserExists      = errors.New("user already exists")
	ErrWeakPassword    = errors.New("weak password")
	ErrNotFound        = errors.New("user not found")
	ErrBadPassword     = errors.New("bad password")
)

// credentialsReason is shared by ErrNotFound and ErrBadPassword so a
// client cannot tell which usernames exist.
const credentialsReason = "invalid username or password"

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// dummySalt keeps the cost of authenticating an unknown user the same as
// a known one.
var dummySalt = strings.Repeat("00", saltLen)

// Backend persists the full set of users.
type Backend interface {
	Load() ([]User, error)
	Save(users []User) error
}

// Store is the in-memory credential store with write-through persistence.
type Store struct {
	mu      sync.Mutex
	backend Backend
	hasher  *Hasher
	logger  *zap.SugaredLogger
	users   map[string]*User
	dirty   bool

	now func() time.Time
}

// NewStore loads every user from backend.
func NewStore(backend Backend, hasher *Hasher, logger *zap.SugaredLogger) (*Store, error) {
	loaded, err := backend.Load()
	if err != nil {
		return nil, apperror.Persistence(err, "load credential store")
	}

	s := &Store{
		backend: backend,
		hasher:  hasher,
		logger:  logger,
		users:   make(map[string]*User, len(loaded)),
		now:     time.Now,
	}
	for i := range loaded {
		u := loaded[i]
		u.Online = false
		s.users[u.Username] = &u
	}
	logger.Infof("Credential store loaded %d users", len(s.users))
	return s, nil
}

// ValidateUsername checks the length, charset and reserved-name rules.
func ValidateUsername(username string) error {
	if len(username) < MinUsernameLen || len(username) > MaxUsernameLen ||
		!usernamePattern.MatchString(username) {
		return apperror.Auth(ErrInvalidUsername, "username must be 3-20 letters, digits or underscores")
	}
	if _, ok := reservedNames[strings.ToLower(username)]; ok {
		return apperror.Auth(ErrInvalidUsername, "username is reserved")
	}
	return nil
}

func validatePassword(password string) error {
	if len(password) < MinPasswordLen {
		return apperror.Auth(ErrWeakPassword, "password must be at least 6 characters")
	}
	if len(password) > MaxPasswordLen {
		return apperror.Auth(ErrWeakPassword, "password too long")
	}
	return nil
}

// Register creates a new user with a fresh salt.
func (s *Store) Register(username, password string) error {
	if err := ValidateUsername(username); err != nil {
		s.logger.Infof("Registration rejected for %q: %v", username, err)
		return err
	}
	if s.Exists(username) {
		s.logger.Infof("Registration rejected for %q: already exists", username)
		return apperror.Auth(ErrUserExists, "username already taken")
	}
	if err := validatePassword(password); err != nil {
		s.logger.Infof("Registration rejected for %q: weak password", username)
		return err
	}

	// Derive outside the lock; argon2 is deliberately slow.
	salt, hash, err := s.hasher.HashPassword(password)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[username]; ok {
		return apperror.Auth(ErrUserExists, "username already taken")
	}
	now := s.now().UTC()
	s.users[username] = &User{
		Username:     username,
		Salt:         salt,
		Hash:         hash,
		RegisteredAt: now,
		LastActiveAt: now,
	}
	s.flushLocked()

	s.logger.Infof("User %s registered", username)
	return nil
}

// Authenticate verifies the password and returns a copy of the user.
func (s *Store) Authenticate(username, password string) (User, error) {
	s.mu.Lock()
	u, ok := s.users[username]
	var salt, hash string
	if ok {
		salt, hash = u.Salt, u.Hash
	}
	s.mu.Unlock()

	if !ok {
		s.hasher.CheckPassword(password, dummySalt, dummySalt)
		s.logger.Infof("Authentication failed for %q: user not found", username)
		return User{}, apperror.Auth(ErrNotFound, credentialsReason)
	}
	if !s.hasher.CheckPassword(password, salt, hash) {
		s.logger.Infof("Authentication failed for %q: bad password", username)
		return User{}, apperror.Auth(ErrBadPassword, credentialsReason)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u.LastActiveAt = s.now().UTC()
	return *u, nil
}

// Exists reports whether username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[username]
	return ok
}

// Get returns a copy of the named user.
func (s *Store) Get(username string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return User{}, false
	}
	return *u, true
}

// List returns all users ordered by username.
func (s *Store) List() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out
}

// Count returns the number of registered users.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.users)
}

// SetBanned sets or clears the ban flag. Users are never deleted.
func (s *Store) SetBanned(username string, banned bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return apperror.Auth(ErrNotFound, "no such user")
	}
	if u.Banned == banned {
		return nil
	}
	u.Banned = banned
	s.flushLocked()
	return nil
}

// IsBanned reports whether username carries the ban flag.
func (s *Store) IsBanned(username string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	return ok && u.Banned
}

// SetOnline records connection state. Not persisted.
func (s *Store) SetOnline(username string, online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.Online = online
		u.LastActiveAt = s.now().UTC()
	}
}

// Touch updates the last-activity time. It reaches the backend with the
// next flush.
func (s *Store) Touch(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u, ok := s.users[username]; ok {
		u.LastActiveAt = s.now().UTC()
	}
}

// Flush writes the store to the backend.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dirty = true
	return s.flushLocked()
}

// flushLocked persists the store. On failure the store stays dirty and the
// write is retried with the next mutation.
func (s *Store) flushLocked() error {
	snapshot := make([]User, 0, len(s.users))
	for _, u := range s.users {
		snapshot = append(snapshot, *u)
	}
	sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Username < snapshot[j].Username })

	if err := s.backend.Save(snapshot); err != nil {
		s.dirty = true
		s.logger.Errorf("Failed to save credential store (will retry): %v", err)
		return apperror.Persistence(err, "save credential store")
	}
	s.dirty = false
	return nil
}

// Dirty reports whether the last flush failed.
func (s *Store) Dirty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dirty
}
