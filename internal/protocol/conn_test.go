package protocol

import (
	"io"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, maxFrame int) (*LineConn, net.Conn) {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return NewLineConn(server, "pipe", maxFrame, time.Second), client
}

func TestLineConn_ReadFrames(t *testing.T) {
	c, peer := pipeConn(t, 64)

	go func() {
		io.WriteString(peer, "LOGIN alice secret1\r\nSEND all hi\n")
	}()

	frame, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "LOGIN alice secret1", frame)

	frame, err = c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "SEND all hi", frame)
}

func TestLineConn_SplitWrites(t *testing.T) {
	c, peer := pipeConn(t, 64)

	go func() {
		io.WriteString(peer, "SEND a")
		io.WriteString(peer, "ll hel")
		io.WriteString(peer, "lo\n")
	}()

	frame, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "SEND all hello", frame)
}

func TestLineConn_FrameTooLong(t *testing.T) {
	c, peer := pipeConn(t, 32)

	go func() {
		io.WriteString(peer, strings.Repeat("x", 200)+"\n")
		io.WriteString(peer, strings.Repeat("y", 33)+"\n")
		io.WriteString(peer, "PING\n")
	}()

	_, err := c.ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLong)
	require.True(t, IsFrameError(err))

	_, err = c.ReadFrame()
	require.ErrorIs(t, err, ErrFrameTooLong)

	// The connection is still usable after an oversized frame.
	frame, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "PING", frame)
}

func TestLineConn_InvalidUTF8(t *testing.T) {
	c, peer := pipeConn(t, 32)

	go func() {
		peer.Write([]byte("SEND all \xff\xfe\n"))
		io.WriteString(peer, "PING\n")
	}()

	_, err := c.ReadFrame()
	require.ErrorIs(t, err, ErrInvalidFrame)

	frame, err := c.ReadFrame()
	require.NoError(t, err)
	require.Equal(t, "PING", frame)
}

func TestLineConn_EOF(t *testing.T) {
	c, peer := pipeConn(t, 32)

	go func() {
		io.WriteString(peer, "PING\n")
		peer.Close()
	}()

	_, err := c.ReadFrame()
	require.NoError(t, err)

	_, err = c.ReadFrame()
	require.ErrorIs(t, err, io.EOF)
}

func TestLineConn_WriteFrame(t *testing.T) {
	c, peer := pipeConn(t, 32)

	done := make(chan string, 1)
	go func() {
		buf := make([]byte, 64)
		n, _ := io.ReadAtLeast(peer, buf, len("OK x1\n"))
		done <- string(buf[:n])
	}()

	require.NoError(t, c.WriteFrame(OK("x1")))
	require.Equal(t, "OK x1\n", <-done)
}

// stream hides the net.Conn methods so LineConn cannot set deadlines.
type stream struct {
	io.ReadWriteCloser
}

func TestLineConn_WriteTimeoutWithoutDeadlines(t *testing.T) {
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })
	c := NewLineConn(stream{server}, "pipe", 64, 50*time.Millisecond)

	start := time.Now()
	err := c.WriteFrame("nobody is reading this")
	require.ErrorIs(t, err, os.ErrDeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)

	_, err = c.ReadFrame()
	require.Error(t, err)
}
