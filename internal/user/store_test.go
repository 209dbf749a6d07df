package user

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/db"
)

func newTestStore(t *testing.T, backend Backend) *Store {
	t.Helper()
	s, err := NewStore(backend, newTestHasher(), zap.NewNop().Sugar())
	require.NoError(t, err)
	return s
}

func newFileStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.dat")
	return newTestStore(t, NewFileBackend(path)), path
}

func TestStore_RegisterAuthenticate(t *testing.T) {
	s, _ := newFileStore(t)

	require.NoError(t, s.Register("alice", "secret1"))

	u, err := s.Authenticate("alice", "secret1")
	require.NoError(t, err)
	require.Equal(t, "alice", u.Username)
	require.False(t, u.LastActiveAt.IsZero())

	_, err = s.Authenticate("alice", "wrong12")
	require.ErrorIs(t, err, ErrBadPassword)
	require.ErrorIs(t, err, apperror.ErrAuth)
}

func TestStore_AuthenticateUnknownUser(t *testing.T) {
	s, _ := newFileStore(t)

	_, err := s.Authenticate("nobody", "secret1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Register("alice", "secret1"))
	_, errBad := s.Authenticate("alice", "wrong12")

	// Unknown users and wrong passwords look the same on the wire.
	require.Equal(t, apperror.Reason(err), apperror.Reason(errBad))
}

func TestStore_RegisterValidation(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, s.Register("alice", "secret1"))

	tests := []struct {
		name     string
		username string
		password string
		want     error
	}{
		{"duplicate", "alice", "secret1", ErrUserExists},
		{"too short name", "al", "secret1", ErrInvalidUsername},
		{"too long name", "abcdefghijklmnopqrstu", "secret1", ErrInvalidUsername},
		{"bad charset", "al ice", "secret1", ErrInvalidUsername},
		{"punctuation", "al-ice", "secret1", ErrInvalidUsername},
		{"reserved all", "all", "secret1", ErrInvalidUsername},
		{"reserved system", "System", "secret1", ErrInvalidUsername},
		{"weak password", "bob", "12345", ErrWeakPassword},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.Register(tt.username, tt.password)
			require.ErrorIs(t, err, tt.want)
			require.ErrorIs(t, err, apperror.ErrAuth)
		})
	}

	require.NoError(t, s.Register("bob_2", "123456"))
	require.Equal(t, 2, s.Count())
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	s, path := newFileStore(t)
	for _, name := range []string{"alice", "bob", "carol"} {
		require.NoError(t, s.Register(name, "secret-"+name))
	}
	require.NoError(t, s.SetBanned("bob", true))

	reloaded := newTestStore(t, NewFileBackend(path))

	before := s.List()
	after := reloaded.List()
	require.Len(t, after, len(before))
	for i := range before {
		require.Equal(t, before[i].Username, after[i].Username)
		require.Equal(t, before[i].Salt, after[i].Salt)
		require.Equal(t, before[i].Hash, after[i].Hash)
		require.Equal(t, before[i].Banned, after[i].Banned)
		require.Equal(t, before[i].RegisteredAt.Unix(), after[i].RegisteredAt.Unix())
	}

	_, err := reloaded.Authenticate("carol", "secret-carol")
	require.NoError(t, err)
	require.True(t, reloaded.IsBanned("bob"))
}

func TestStore_NoPlaintextOnDisk(t *testing.T) {
	s, path := newFileStore(t)
	require.NoError(t, s.Register("alice", "hunter22"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotContains(t, string(data), "hunter22")
}

func TestFileBackend_LegacyThreeFieldLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.dat")
	h := newTestHasher()
	salt, hash, err := h.HashPassword("secret1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, []byte("alice:"+salt+":"+hash+"\n\n"), 0o600))

	s := newTestStore(t, NewFileBackend(path))
	u, err := s.Authenticate("alice", "secret1")
	require.NoError(t, err)
	require.False(t, u.Banned)
	require.True(t, u.RegisteredAt.IsZero())
}

func TestFileBackend_MalformedLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.dat")
	require.NoError(t, os.WriteFile(path, []byte("alice:only-two\n"), 0o600))

	_, err := NewStore(NewFileBackend(path), newTestHasher(), zap.NewNop().Sugar())
	require.ErrorIs(t, err, apperror.ErrPersistence)
}

type flakyBackend struct {
	fail  bool
	saves int
	last  []User
}

func (b *flakyBackend) Load() ([]User, error) { return nil, nil }

func (b *flakyBackend) Save(users []User) error {
	b.saves++
	if b.fail {
		return errors.New("disk full")
	}
	b.last = users
	return nil
}

func TestStore_FlushFailureRetries(t *testing.T) {
	backend := &flakyBackend{fail: true}
	s := newTestStore(t, backend)

	// The mutation succeeds in memory even though the write failed.
	require.NoError(t, s.Register("alice", "secret1"))
	require.True(t, s.Exists("alice"))
	require.True(t, s.Dirty())

	err := s.Flush()
	require.ErrorIs(t, err, apperror.ErrPersistence)

	backend.fail = false
	require.NoError(t, s.Flush())
	require.False(t, s.Dirty())
	require.Len(t, backend.last, 1)
	require.Equal(t, "alice", backend.last[0].Username)
}

func TestStore_BanAndOnline(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, s.Register("alice", "secret1"))

	err := s.SetBanned("ghost", true)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SetBanned("alice", true))
	require.True(t, s.IsBanned("alice"))
	require.NoError(t, s.SetBanned("alice", false))
	require.False(t, s.IsBanned("alice"))

	s.SetOnline("alice", true)
	u, ok := s.Get("alice")
	require.True(t, ok)
	require.True(t, u.Online)

	s.SetOnline("alice", false)
	u, _ = s.Get("alice")
	require.False(t, u.Online)
}

func TestSSHAuthenticator(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, s.Register("alice", "secret1"))
	auth := NewSSHAuthenticator(s)

	require.True(t, auth.Authenticate("alice", "secret1"))
	require.False(t, auth.Authenticate("alice", "nope123"))

	require.NoError(t, s.SetBanned("alice", true))
	require.False(t, auth.Authenticate("alice", "secret1"))
}

func TestSQLBackend_RoundTrip(t *testing.T) {
	database, err := db.Open(filepath.Join(t.TempDir(), "chat.db"), zap.NewNop().Sugar())
	require.NoError(t, err)
	defer database.Close()

	s := newTestStore(t, NewSQLBackend(database.DB))
	require.NoError(t, s.Register("alice", "secret1"))
	require.NoError(t, s.Register("bob", "secret2"))
	require.NoError(t, s.SetBanned("bob", true))

	reloaded := newTestStore(t, NewSQLBackend(database.DB))
	require.Equal(t, s.List()[0].Hash, reloaded.List()[0].Hash)
	require.True(t, reloaded.IsBanned("bob"))

	_, err = reloaded.Authenticate("alice", "secret1")
	require.NoError(t, err)

	// Records missing from a save are removed.
	require.NoError(t, NewSQLBackend(database.DB).Save(reloaded.List()[:1]))
	users, err := NewSQLBackend(database.DB).Load()
	require.NoError(t, err)
	require.Len(t, users, 1)
	require.Equal(t, "alice", users[0].Username)
}
