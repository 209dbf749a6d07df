// Package session tracks live chat connections.
package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/protocol"
)

// State is the connection lifecycle state.
type State int

const (
	Connecting State = iota
	Authenticating
	Authenticated
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is one client connection. Outbound frames go through a FIFO
// queue drained by a dedicated writer goroutine.
type Session struct {
	ID        string
	Transport string // tcp, ssh, ws
	Remote    string
	ConnectAt time.Time

	conn   protocol.Conn
	out    chan string
	logger *zap.SugaredLogger

	mu          sync.Mutex
	username    string
	state       State
	closeReason string

	closing      chan struct{}
	done         chan struct{}
	started      bool
	closeTimeout time.Duration
	onClose      func()
}

// DefaultCloseTimeout bounds how long Close waits for queued frames to
// flush before the transport is closed under a stuck writer.
const DefaultCloseTimeout = 5 * time.Second

// New creates a session over conn with an outbound queue of queueSize
// frames. Call Start to run the writer.
func New(conn protocol.Conn, transport string, queueSize int, logger *zap.SugaredLogger) *Session {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Session{
		ID:           uuid.NewString(),
		Transport:    transport,
		Remote:       conn.RemoteAddr(),
		ConnectAt:    time.Now(),
		conn:         conn,
		out:          make(chan string, queueSize),
		logger:       logger,
		state:        Connecting,
		closing:      make(chan struct{}),
		done:         make(chan struct{}),
		closeTimeout: DefaultCloseTimeout,
	}
}

// SetCloseTimeout changes the flush deadline used by Close. Zero or
// negative keeps the current value.
func (s *Session) SetCloseTimeout(d time.Duration) {
	if d <= 0 {
		return
	}
	s.mu.Lock()
	s.closeTimeout = d
	s.mu.Unlock()
}

// OnClose sets fn to run once, from the first Close call.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

// Conn returns the session transport.
func (s *Session) Conn() protocol.Conn {
	return s.conn
}

// Start launches the writer goroutine. It is a no-op after the first call
// or once the session is closing.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started || s.state >= Closing {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.writeLoop()
}

// Username returns the bound username, or "" before authentication.
func (s *Session) Username() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.username
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetState moves the session to state. A closing or closed session never
// moves back.
func (s *Session) SetState(state State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= Closing && state < s.state {
		return
	}
	s.state = state
}

// Bind attaches an authenticated username and enters Authenticated.
func (s *Session) Bind(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= Closing {
		return
	}
	s.username = username
	s.state = Authenticated
}

// Send queues a frame without blocking. It returns false when the queue
// is full or the session is closing.
func (s *Session) Send(frame string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state >= Closing {
		return false
	}
	select {
	case s.out <- frame:
		return true
	default:
		return false
	}
}

// SendWait queues a frame, waiting up to timeout for room in the queue.
// Used for multi-frame replies to the session's own requests.
func (s *Session) SendWait(frame string, timeout time.Duration) bool {
	if s.State() >= Closing {
		return false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s.out <- frame:
		return true
	case <-s.closing:
		return false
	case <-timer.C:
		return false
	}
}

// Close starts an orderly shutdown. Frames already queued are flushed
// before the transport is released; a writer still blocked after the
// close timeout has its transport closed underneath it. Safe to call more
// than once.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state >= Closing {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	s.closeReason = reason
	started := s.started
	timeout := s.closeTimeout
	hook := s.onClose
	s.mu.Unlock()

	close(s.closing)
	if hook != nil {
		hook()
	}
	if !started {
		s.finish()
		return
	}
	time.AfterFunc(timeout, func() {
		select {
		case <-s.done:
		default:
			s.logger.Debugf("Session %s writer stuck after %s; closing transport", s.ID, timeout)
			s.conn.Close()
		}
	})
}

// CloseReason returns the reason passed to Close.
func (s *Session) CloseReason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeReason
}

// Closing is closed once Close has been called.
func (s *Session) Closing() <-chan struct{} {
	return s.closing
}

// Done is closed after the transport has been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session is fully closed.
func (s *Session) Wait() {
	<-s.done
}

func (s *Session) writeLoop() {
	failed := false
	write := func(frame string) {
		if failed {
			return
		}
		if err := s.conn.WriteFrame(frame); err != nil {
			failed = true
			s.logger.Debugf("Session %s write error: %v", s.ID, err)
			go s.Close("write error")
		}
	}

	for {
		select {
		case frame := <-s.out:
			write(frame)
		case <-s.closing:
			for {
				select {
				case frame := <-s.out:
					write(frame)
				default:
					s.finish()
					return
				}
			}
		}
	}
}

func (s *Session) finish() {
	s.conn.Close()
	s.mu.Lock()
	s.state = Closed
	s.mu.Unlock()
	close(s.done)
}
