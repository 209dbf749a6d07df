package ui

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/twilight_chat/internal/admin/api"
	"github.com/notepid/twilight_chat/internal/admin/app"
)

// fakeAdmin serves a tiny in-memory version of the admin API.
type fakeAdmin struct {
	mu     sync.Mutex
	users  []api.User
	kicked []string
}

func (f *fakeAdmin) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/users", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		json.NewEncoder(w).Encode(f.users)
	})
	mux.HandleFunc("GET /admin/online", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		var out api.Online
		for _, u := range f.users {
			if u.Online {
				out.Users = append(out.Users, u.Username)
			}
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("POST /admin/users/{name}/ban", func(w http.ResponseWriter, r *http.Request) {
		f.setBanned(r.PathValue("name"), true)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /admin/users/{name}/unban", func(w http.ResponseWriter, r *http.Request) {
		f.setBanned(r.PathValue("name"), false)
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /admin/users/{name}/kick", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.kicked = append(f.kicked, r.PathValue("name"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}

func (f *fakeAdmin) setBanned(name string, banned bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.users {
		if f.users[i].Username == name {
			f.users[i].Banned = banned
			if banned {
				f.users[i].Online = false
			}
		}
	}
}

func newTestApp(t *testing.T) (*app.App, *fakeAdmin) {
	t.Helper()
	fake := &fakeAdmin{users: []api.User{
		{Username: "alice", Online: true, RegisteredAt: time.Now()},
		{Username: "bob"},
	}}
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)
	return &app.App{
		BaseURL:        srv.URL,
		Client:         api.NewClient(srv.URL, "tok"),
		RequestTimeout: 2 * time.Second,
	}, fake
}

func TestRoot_ActivatesScreens(t *testing.T) {
	a, _ := newTestApp(t)
	root := NewRootModel(a).(*rootModel)
	root.Update(tea.WindowSizeMsg{Width: 80, Height: 24})

	root.activate(screenUsers)
	users, ok := root.current.(*usersModel)
	require.True(t, ok)
	require.NoError(t, users.err)
	// The create entry plus one per account.
	assert.Len(t, users.list.Items(), 3)

	root.activate(screenOnline)
	online, ok := root.current.(*onlineModel)
	require.True(t, ok)
	require.NoError(t, online.err)
	require.Len(t, online.list.Items(), 1)
	assert.Equal(t, onlineItem("alice"), online.list.Items()[0])

	online.Done = true
	root.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, screenHome, root.active)
	assert.Nil(t, root.current)
}

func TestUsers_BanAndUnban(t *testing.T) {
	a, fake := newTestApp(t)
	m := newUsersModel(a)
	m.SetSize(80, 24)

	m.selectUser("alice")
	require.NoError(t, m.err)
	require.True(t, m.selected.Online)

	m.runAction("ban")
	require.NoError(t, m.err)
	assert.True(t, m.selected.Banned)
	assert.True(t, fake.users[0].Banned)

	m.runAction("unban")
	require.NoError(t, m.err)
	assert.False(t, m.selected.Banned)

	m.selectUser("ghost")
	assert.Error(t, m.err)
}

func TestUsers_ActionListFollowsState(t *testing.T) {
	kinds := func(u *api.User) []string {
		var out []string
		for _, it := range newActionList(u, 80, 24).Items() {
			out = append(out, it.(userItem).kind)
		}
		return out
	}

	assert.Equal(t, []string{"ban", "kick", "back"}, kinds(&api.User{Username: "a", Online: true}))
	assert.Equal(t, []string{"unban", "back"}, kinds(&api.User{Username: "a", Banned: true}))
}

func TestHelpers(t *testing.T) {
	assert.Equal(t, "never", formatTime(time.Time{}))
	assert.NoError(t, nonEmpty("x")("value"))
	assert.Error(t, nonEmpty("x")("   "))
	assert.Contains(t, userStatus(api.User{Banned: true}), "banned")
}

func TestOnline_ReportsErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(api.Error{Error: "unauthorized"})
	}))
	defer srv.Close()

	a := &app.App{BaseURL: srv.URL, Client: api.NewClient(srv.URL, ""), RequestTimeout: time.Second}
	m := newOnlineModel(a)
	var se *api.StatusError
	require.True(t, errors.As(m.err, &se))
	assert.Contains(t, m.View(), "unauthorized")
}
