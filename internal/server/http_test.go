package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notepid/twilight_chat/internal/admin/api"
	"github.com/notepid/twilight_chat/internal/config"
)

const testToken = "s3cret-token"

func newHTTPServer(t *testing.T) *Server {
	return newTestServer(t, func(cfg *config.Config) {
		cfg.Server.HTTPListen = "127.0.0.1:0"
		cfg.Admin.Token = testToken
	})
}

func adminClient(srv *Server, token string) *api.Client {
	return api.NewClient("http://"+srv.HTTPAddr().String(), token)
}

func TestHTTP_Healthz(t *testing.T) {
	srv := newHTTPServer(t)

	resp, err := http.Get("http://" + srv.HTTPAddr().String() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestHTTP_AdminRequiresToken(t *testing.T) {
	srv := newHTTPServer(t)
	ctx := context.Background()

	_, err := adminClient(srv, "").Users(ctx)
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Status)

	_, err = adminClient(srv, "wrong").Online(ctx)
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Status)
}

func TestHTTP_AdminDisabledWithoutToken(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.HTTPListen = "127.0.0.1:0"
	})

	resp, err := http.Get("http://" + srv.HTTPAddr().String() + "/admin/users")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHTTP_AdminUsers(t *testing.T) {
	srv := newHTTPServer(t)
	ctx := context.Background()
	c := adminClient(srv, testToken)
	login(t, srv, "bob", "secret2")

	users, err := c.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 3)
	assert.Equal(t, "alice", users[0].Username)
	assert.False(t, users[0].Online)
	assert.Equal(t, "bob", users[1].Username)
	assert.True(t, users[1].Online)

	require.NoError(t, c.Register(ctx, "dave", "hunter22"))
	assert.True(t, srv.Store().Exists("dave"))

	err = c.Register(ctx, "dave", "hunter22")
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusConflict, se.Status)
	assert.Equal(t, "username already taken", se.Reason)

	err = c.Register(ctx, "x", "hunter22")
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)

	online, err := c.Online(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"bob"}, online)
}

func TestHTTP_AdminBanKick(t *testing.T) {
	srv := newHTTPServer(t)
	ctx := context.Background()
	c := adminClient(srv, testToken)

	alice := login(t, srv, "alice", "secret1")
	bob := login(t, srv, "bob", "secret2")

	require.NoError(t, c.Kick(ctx, "bob", "take a break"))
	bob.expect("SYSTEM disconnected: take a break")
	bob.expectClosed()

	var se *api.StatusError
	require.True(t, errors.As(c.Kick(ctx, "bob", ""), &se))
	assert.Equal(t, http.StatusNotFound, se.Status)

	require.NoError(t, c.Ban(ctx, "alice"))
	alice.expect("SYSTEM disconnected: banned")
	alice.expectClosed()
	assert.True(t, srv.Store().IsBanned("alice"))

	require.NoError(t, c.Unban(ctx, "alice"))
	assert.False(t, srv.Store().IsBanned("alice"))

	require.True(t, errors.As(c.Ban(ctx, "ghost"), &se))
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestHTTP_AdminAnnounceAndHistory(t *testing.T) {
	srv := newHTTPServer(t)
	ctx := context.Background()
	c := adminClient(srv, testToken)

	alice := login(t, srv, "alice", "secret1")
	bob := login(t, srv, "bob", "secret2")

	res, err := c.Announce(ctx, "maintenance at noon")
	require.NoError(t, err)
	assert.Equal(t, 2, res.Delivered)
	assert.NotEmpty(t, res.ID)

	for _, cl := range []*testClient{alice, bob} {
		fields := strings.SplitN(cl.expect("MSG "+res.ID), " ", 6)
		assert.Equal(t, "system", fields[2])
		assert.Equal(t, "maintenance at noon", fields[5])
	}

	alice.send("SEND bob just us")
	alice.expect("OK ")

	all, err := c.History(ctx, "")
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "system", all[0].Type)
	assert.Equal(t, "private", all[1].Type)

	mine, err := c.History(ctx, "carol")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, "maintenance at noon", mine[0].Content)

	_, err = c.Announce(ctx, "   ")
	var se *api.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.Status)
}

func TestHTTP_WebSocketSession(t *testing.T) {
	srv := newHTTPServer(t)
	bob := login(t, srv, "bob", "secret2")

	ws, _, err := websocket.DefaultDialer.Dial("ws://"+srv.HTTPAddr().String()+"/ws", nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func(prefix string) string {
		t.Helper()
		for {
			ws.SetReadDeadline(time.Now().Add(testTimeout))
			_, data, err := ws.ReadMessage()
			require.NoError(t, err)
			if strings.HasPrefix(string(data), prefix) {
				return string(data)
			}
		}
	}
	write := func(frame string) {
		t.Helper()
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	read("SYSTEM welcome")
	write("LOGIN alice secret1")
	read("OK welcome alice")

	write("SEND bob over websocket")
	read("OK ")
	fields := strings.SplitN(bob.expect("MSG "), " ", 6)
	assert.Equal(t, "alice", fields[2])
	assert.Equal(t, "over websocket", fields[5])

	write(strings.Repeat("z", 600))
	read("ERR frame too long")
	write("PING")
	read("PONG")

	bob.send("SEND alice back at you")
	msg := read("MSG ")
	assert.True(t, strings.HasSuffix(msg, " back at you"))

	write("QUIT")
	read("OK bye")
	require.Eventually(t, func() bool { return !srv.Registry().IsOnline("alice") }, testTimeout, 5*time.Millisecond)
}
