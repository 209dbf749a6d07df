package session

import (
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeConn records written frames. A non-nil block channel stalls writes
// until it is closed.
type fakeConn struct {
	mu      sync.Mutex
	written []string
	closed  bool
	block   chan struct{}
	failOn  int
}

func (c *fakeConn) ReadFrame() (string, error) { return "", io.EOF }

func (c *fakeConn) WriteFrame(frame string) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("closed")
	}
	if c.failOn > 0 && len(c.written)+1 >= c.failOn {
		return errors.New("broken pipe")
	}
	c.written = append(c.written, frame)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) RemoteAddr() string { return "test" }

func (c *fakeConn) frames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestSession(t *testing.T, queue int) (*Session, *fakeConn) {
	t.Helper()
	conn := &fakeConn{}
	s := New(conn, "tcp", queue, zap.NewNop().Sugar())
	s.Start()
	t.Cleanup(func() { s.Close("test done") })
	return s, conn
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not close")
	}
}

func TestSession_SendAndDrainOnClose(t *testing.T) {
	s, conn := newTestSession(t, 8)
	require.Equal(t, Connecting, s.State())
	require.NotEmpty(t, s.ID)

	require.True(t, s.Send("one"))
	require.True(t, s.Send("two"))
	s.Close("bye")
	waitDone(t, s)

	require.Equal(t, []string{"one", "two"}, conn.frames())
	require.True(t, conn.isClosed())
	require.Equal(t, Closed, s.State())
	require.Equal(t, "bye", s.CloseReason())

	require.False(t, s.Send("three"))
	s.Close("again")
	require.Equal(t, "bye", s.CloseReason())
}

func TestSession_QueueFull(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	s := New(conn, "tcp", 2, zap.NewNop().Sugar())
	s.Start()

	// The writer takes one frame and blocks on it; two more fill the queue.
	require.True(t, s.Send("a"))
	require.Eventually(t, func() bool { return len(s.out) == 0 }, time.Second, time.Millisecond)
	require.True(t, s.Send("b"))
	require.True(t, s.Send("c"))
	require.False(t, s.Send("d"))

	close(conn.block)
	s.Close("done")
	waitDone(t, s)
}

func TestSession_WriteErrorCloses(t *testing.T) {
	conn := &fakeConn{failOn: 2}
	s := New(conn, "tcp", 8, zap.NewNop().Sugar())
	s.Start()

	s.Send("ok")
	s.Send("fails")
	waitDone(t, s)
	require.Equal(t, "write error", s.CloseReason())
	require.Equal(t, []string{"ok"}, conn.frames())
}

func TestSession_CloseBeforeStart(t *testing.T) {
	conn := &fakeConn{}
	s := New(conn, "tcp", 1, zap.NewNop().Sugar())
	s.Close("never started")
	waitDone(t, s)
	s.Start()
	require.True(t, conn.isClosed())
}

func TestSession_StateNeverRewinds(t *testing.T) {
	s, _ := newTestSession(t, 1)
	s.SetState(Authenticating)
	s.Bind("alice")
	require.Equal(t, Authenticated, s.State())
	require.Equal(t, "alice", s.Username())

	s.Close("bye")
	s.SetState(Authenticating)
	require.GreaterOrEqual(t, s.State(), Closing)
}

func TestSession_SendWait(t *testing.T) {
	conn := &fakeConn{block: make(chan struct{})}
	s := New(conn, "tcp", 1, zap.NewNop().Sugar())
	s.Start()

	require.True(t, s.Send("a"))
	require.Eventually(t, func() bool { return len(s.out) == 0 }, time.Second, time.Millisecond)
	require.True(t, s.Send("b"))

	// Queue is full; SendWait times out.
	require.False(t, s.SendWait("c", 20*time.Millisecond))

	// Once the writer is unblocked there is room again.
	close(conn.block)
	require.True(t, s.SendWait("c", time.Second))

	s.Close("done")
	waitDone(t, s)
	require.Equal(t, []string{"a", "b", "c"}, conn.frames())
}

// stuckConn blocks every write until it is closed.
type stuckConn struct {
	once   sync.Once
	closed chan struct{}
}

func (c *stuckConn) ReadFrame() (string, error) {
	<-c.closed
	return "", io.EOF
}

func (c *stuckConn) WriteFrame(string) error {
	<-c.closed
	return errors.New("closed")
}

func (c *stuckConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *stuckConn) RemoteAddr() string { return "stuck" }

func TestSession_CloseUnblocksStuckWriter(t *testing.T) {
	conn := &stuckConn{closed: make(chan struct{})}
	s := New(conn, "ssh", 4, zap.NewNop().Sugar())
	s.SetCloseTimeout(50 * time.Millisecond)
	closed := 0
	s.OnClose(func() { closed++ })
	s.Start()

	require.True(t, s.Send("USERS bob"))
	s.Close("kicked")
	require.Equal(t, 1, closed)
	waitDone(t, s)

	s.Close("again")
	require.Equal(t, 1, closed)
	require.Equal(t, "kicked", s.CloseReason())
}
