package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/protocol"
)

// wsConn carries one frame per WebSocket text message.
type wsConn struct {
	ws           *websocket.Conn
	remote       string
	maxFrame     int
	writeTimeout time.Duration

	wmu sync.Mutex
}

func newWSConn(ws *websocket.Conn, remote string, maxFrame int, writeTimeout time.Duration) *wsConn {
	// Frames up to four times the limit are read and rejected; anything
	// larger closes the connection.
	ws.SetReadLimit(int64(maxFrame) * 4)
	return &wsConn{ws: ws, remote: remote, maxFrame: maxFrame, writeTimeout: writeTimeout}
}

func (c *wsConn) ReadFrame() (string, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		return "", err
	}
	if mt != websocket.TextMessage {
		return "", apperror.Transport(protocol.ErrInvalidFrame, "binary frames are not supported")
	}
	if len(data) > c.maxFrame {
		return "", apperror.Transport(protocol.ErrFrameTooLong, "frame too long")
	}
	return string(data), nil
}

func (c *wsConn) WriteFrame(frame string) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if c.writeTimeout > 0 {
		c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (c *wsConn) Close() error {
	c.wmu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.wmu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.remote
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// handleWebSocket upgrades the request and runs a chat session on it.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if delay, ok := s.throttle.allow(hostOf(r.RemoteAddr)); !ok {
		http.Error(w, "too many connections", http.StatusTooManyRequests)
		return
	} else if delay > 0 {
		time.Sleep(delay)
	}

	if !s.beginConn() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}
	defer s.wg.Done()

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Infof("WebSocket upgrade failed from %s: %v", r.RemoteAddr, err)
		return
	}

	s.serve(newWSConn(ws, r.RemoteAddr, s.cfg.Server.MaxFrame, s.cfg.Server.WriteTimeout), "ws", "")
}
