package session

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/chat"
)

func newTestRegistry(policy Policy, max int) *Registry {
	return NewRegistry(policy, max, zap.NewNop().Sugar())
}

func TestRegistry_AcquireCapacityAndReuse(t *testing.T) {
	reg := newTestRegistry(Reject, 2)

	if !reg.Acquire() {
		t.Fatal("expected first slot")
	}
	if !reg.Acquire() {
		t.Fatal("expected second slot")
	}
	if reg.Acquire() {
		t.Fatal("expected registry to be full")
	}

	reg.Release()
	if !reg.Acquire() {
		t.Fatal("expected released slot to be reusable")
	}
	if got := reg.Active(); got != 2 {
		t.Fatalf("expected 2 active slots, got %d", got)
	}
}

func TestRegistry_Unlimited(t *testing.T) {
	reg := newTestRegistry(Reject, 0)
	for i := 0; i < 100; i++ {
		if !reg.Acquire() {
			t.Fatalf("acquire %d failed with no limit", i)
		}
	}
}

func TestRegistry_AddRemoveOrder(t *testing.T) {
	reg := newTestRegistry(Reject, 0)
	a, _ := newTestSession(t, 8)
	b, _ := newTestSession(t, 8)
	c, _ := newTestSession(t, 8)

	require.NoError(t, reg.Add("carol", c))
	require.NoError(t, reg.Add("alice", a))
	require.NoError(t, reg.Add("bob", b))
	require.Equal(t, []string{"carol", "alice", "bob"}, reg.ListOnline())
	require.Equal(t, "alice", a.Username())
	require.Equal(t, Authenticated, a.State())

	reg.Remove("alice")
	reg.Remove("alice")
	require.Equal(t, []string{"carol", "bob"}, reg.ListOnline())
	require.False(t, reg.IsOnline("alice"))
	require.Nil(t, reg.Get("alice"))
	require.Equal(t, 2, reg.Count())
}

func TestRegistry_DuplicateReject(t *testing.T) {
	reg := newTestRegistry(Reject, 0)
	first, _ := newTestSession(t, 8)
	second, _ := newTestSession(t, 8)

	require.NoError(t, reg.Add("alice", first))
	err := reg.Add("alice", second)
	require.ErrorIs(t, err, ErrAlreadyConnected)
	require.Same(t, first, reg.Get("alice"))
	require.Equal(t, "", second.Username())
}

func TestRegistry_DuplicateReplace(t *testing.T) {
	reg := newTestRegistry(Replace, 0)
	first, firstConn := newTestSession(t, 8)
	second, _ := newTestSession(t, 8)

	require.NoError(t, reg.Add("alice", first))
	require.NoError(t, reg.Add("alice", second))
	require.Same(t, second, reg.Get("alice"))
	require.Equal(t, []string{"alice"}, reg.ListOnline())

	waitDone(t, first)
	require.Equal(t, "replaced", first.CloseReason())
	require.Contains(t, firstConn.frames()[0], "SYSTEM")

	// The replaced session cannot evict its successor.
	require.False(t, reg.RemoveSession(first))
	require.True(t, reg.IsOnline("alice"))
	require.True(t, reg.RemoveSession(second))
	require.False(t, reg.IsOnline("alice"))
}

func TestRegistry_Banned(t *testing.T) {
	reg := newTestRegistry(Reject, 0)
	reg.SetBanChecker(func(u string) bool { return u == "mallory" })
	s, _ := newTestSession(t, 8)

	err := reg.Add("mallory", s)
	require.ErrorIs(t, err, ErrBanned)
	require.False(t, reg.IsOnline("mallory"))
}

func TestRegistry_BroadcastUnicast(t *testing.T) {
	reg := newTestRegistry(Reject, 0)
	a, aConn := newTestSession(t, 8)
	b, bConn := newTestSession(t, 8)
	require.NoError(t, reg.Add("alice", a))
	require.NoError(t, reg.Add("bob", b))

	m := chat.NewMessage("alice", chat.Everyone, "hello")
	require.Equal(t, 1, reg.Broadcast("alice", m))
	require.Equal(t, 2, reg.Broadcast("", m))

	require.NoError(t, reg.Unicast("bob", chat.NewMessage("alice", "bob", "psst")))
	require.ErrorIs(t, reg.Unicast("carol", m), ErrNotConnected)

	require.Eventually(t, func() bool {
		return len(aConn.frames()) == 1 && len(bConn.frames()) == 3
	}, time.Second, 5*time.Millisecond)
	require.True(t, strings.HasPrefix(bConn.frames()[0], "MSG "))
	require.True(t, strings.HasSuffix(bConn.frames()[2], " psst"))
}

func TestRegistry_SlowConsumerClosed(t *testing.T) {
	reg := newTestRegistry(Reject, 0)
	conn := &fakeConn{block: make(chan struct{})}
	slow := New(conn, "tcp", 1, zap.NewNop().Sugar())
	slow.Start()
	fast, _ := newTestSession(t, 8)
	require.NoError(t, reg.Add("slow", slow))
	require.NoError(t, reg.Add("fast", fast))

	sent := 0
	for i := 0; i < 5; i++ {
		sent += reg.BroadcastFrame("", "SYSTEM tick")
	}
	require.Less(t, sent, 10)
	require.GreaterOrEqual(t, slow.State(), Closing)
	require.Equal(t, "slow consumer", slow.CloseReason())

	close(conn.block)
	waitDone(t, slow)
}

func TestRegistry_KickAndCloseAll(t *testing.T) {
	reg := newTestRegistry(Reject, 0)
	a, aConn := newTestSession(t, 8)
	b, _ := newTestSession(t, 8)
	require.NoError(t, reg.Add("alice", a))
	require.NoError(t, reg.Add("bob", b))

	require.False(t, reg.Kick("carol", "nope"))
	require.True(t, reg.Kick("alice", "spamming"))
	waitDone(t, a)
	require.Equal(t, []string{"SYSTEM disconnected: spamming"}, aConn.frames())

	reg.CloseAll("server shutting down")
	waitDone(t, b)
}

func TestRegistry_OnChange(t *testing.T) {
	reg := newTestRegistry(Reject, 0)

	var mu sync.Mutex
	var seen [][]string
	reg.OnChange(func(online []string) {
		// Calling back into the registry must not deadlock.
		_ = reg.Count()
		mu.Lock()
		seen = append(seen, online)
		mu.Unlock()
	})

	a, _ := newTestSession(t, 8)
	b, _ := newTestSession(t, 8)
	require.NoError(t, reg.Add("alice", a))
	require.NoError(t, reg.Add("bob", b))
	reg.Remove("alice")

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, [][]string{{"alice"}, {"alice", "bob"}, {"bob"}}, seen)
}
