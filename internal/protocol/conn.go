package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/notepid/twilight_chat/internal/apperror"
)

// ErrFrameTooLong is returned by ReadFrame when a frame exceeds the
// connection's maximum size. The oversized frame has been discarded and
// the connection can still be read.
var ErrFrameTooLong = errors.New("frame too long")

// ErrInvalidFrame is returned for a frame that is not valid UTF-8.
var ErrInvalidFrame = errors.New("invalid frame")

// Conn is a framed, bidirectional chat transport.
type Conn interface {
	// ReadFrame blocks until one complete frame arrives.
	ReadFrame() (string, error)
	// WriteFrame sends one frame. It is safe for concurrent use.
	WriteFrame(frame string) error
	Close() error
	RemoteAddr() string
}

// LineConn frames a byte stream by newlines. A trailing carriage return is
// stripped, so both "\n" and "\r\n" terminate a frame.
type LineConn struct {
	rwc          io.ReadWriteCloser
	r            *bufio.Reader
	maxFrame     int
	writeTimeout time.Duration
	remote       string

	wmu sync.Mutex
}

// NewLineConn wraps rwc. maxFrame bounds the frame length in bytes,
// excluding the terminator. writeTimeout applies only when rwc supports
// write deadlines.
func NewLineConn(rwc io.ReadWriteCloser, remote string, maxFrame int, writeTimeout time.Duration) *LineConn {
	return &LineConn{
		rwc:          rwc,
		r:            bufio.NewReaderSize(rwc, maxFrame+2),
		maxFrame:     maxFrame,
		writeTimeout: writeTimeout,
		remote:       remote,
	}
}

// ReadFrame returns the next line without its terminator. Oversized lines
// are consumed up to the next newline and reported as ErrFrameTooLong.
func (c *LineConn) ReadFrame() (string, error) {
	line, err := c.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) {
		if err := c.discardLine(); err != nil {
			return "", err
		}
		return "", apperror.Transport(ErrFrameTooLong, "frame too long")
	}
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			// Peer closed mid-frame; the partial frame is dropped.
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}

	line = bytes.TrimSuffix(line, []byte{'\n'})
	line = bytes.TrimSuffix(line, []byte{'\r'})
	if len(line) > c.maxFrame {
		return "", apperror.Transport(ErrFrameTooLong, "frame too long")
	}
	if !utf8.Valid(line) {
		return "", apperror.Transport(ErrInvalidFrame, "frame is not valid UTF-8")
	}
	return string(line), nil
}

func (c *LineConn) discardLine() error {
	for {
		_, err := c.r.ReadSlice('\n')
		if err == nil {
			return nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return err
		}
	}
}

// WriteFrame writes frame followed by a newline. With a write timeout set,
// streams without deadline support are closed when a write overruns it.
func (c *LineConn) WriteFrame(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	var expired atomic.Bool
	if c.writeTimeout > 0 {
		if nc, ok := c.rwc.(net.Conn); ok {
			nc.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			defer nc.SetWriteDeadline(time.Time{})
		} else {
			t := time.AfterFunc(c.writeTimeout, func() {
				expired.Store(true)
				c.rwc.Close()
			})
			defer t.Stop()
		}
	}

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	_, err := c.rwc.Write(buf)
	if err != nil && expired.Load() {
		return os.ErrDeadlineExceeded
	}
	return err
}

// Close closes the underlying stream.
func (c *LineConn) Close() error {
	return c.rwc.Close()
}

// RemoteAddr returns the peer address given at construction.
func (c *LineConn) RemoteAddr() string {
	return c.remote
}

// IsFrameError reports whether err rejected a single frame but left the
// connection usable.
func IsFrameError(err error) bool {
	return errors.Is(err, ErrFrameTooLong) || errors.Is(err, ErrInvalidFrame)
}
