// Package client is a Go client for the chat server's line protocol. It
// keeps a local message log and the current online list, and publishes
// server pushes on channels.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/chat"
	"github.com/notepid/twilight_chat/internal/protocol"
)

var (
	ErrNotConnected     = errors.New("client: not connected")
	ErrAlreadyConnected = errors.New("client: already connected")
	ErrConnectionClosed = errors.New("client: connection closed")
	ErrInvalidArgument  = errors.New("client: argument contains a line break")
)

// ReplyError is an ERR reply from the server.
type ReplyError struct {
	Reason string
}

func (e *ReplyError) Error() string {
	return "server: " + e.Reason
}

// link is one TCP connection. A Client opens a new link per Connect.
type link struct {
	conn      *protocol.LineConn
	closed    chan struct{}
	closeOnce sync.Once
}

type callResult struct {
	resp protocol.Response
	hist []chat.Message
	err  error
}

type pendingCall struct {
	hist []chat.Message
	done chan callResult
}

// Client is safe for concurrent use. Requests are serialized; the
// protocol answers them in order.
type Client struct {
	addr string
	cfg  config
	log  *zap.SugaredLogger

	reqMu sync.Mutex

	mu       sync.Mutex
	link     *link
	pending  *pendingCall
	username string
	loggedIn bool
	online   []string
	history  []chat.Message
	byID     map[string]int

	messages chan chat.Message
	users    chan []string
	status   chan bool

	wg sync.WaitGroup
}

// New returns a client for the server at addr. Nothing is dialed until
// Connect or Register.
func New(addr string, opts ...Option) *Client {
	cfg := defaultConfig()
	for _, o := range opts {
		o.apply(&cfg)
	}
	return &Client{
		addr:     addr,
		cfg:      cfg,
		log:      cfg.logger,
		byID:     make(map[string]int),
		messages: make(chan chat.Message, cfg.bufferSize),
		users:    make(chan []string, 1),
		status:   make(chan bool, cfg.bufferSize),
	}
}

// Messages delivers pushed chat messages and server notices. A message
// whose ID was seen before is an edit; empty content means it was deleted.
// Notices have an empty ID and System as sender. The channel is never
// closed.
func (c *Client) Messages() <-chan chat.Message { return c.messages }

// UserList delivers the latest online list. Stale lists are dropped if
// the reader falls behind.
func (c *Client) UserList() <-chan []string { return c.users }

// Status reports true on login and false when the connection ends.
func (c *Client) Status() <-chan bool { return c.status }

// Connect dials the server and logs in.
func (c *Client) Connect(ctx context.Context, username, password string) error {
	return c.open(ctx, protocol.VerbLogin, username, password)
}

// Register dials the server and creates an account. The server logs the
// new account in.
func (c *Client) Register(ctx context.Context, username, password string) error {
	return c.open(ctx, protocol.VerbRegister, username, password)
}

func (c *Client) open(ctx context.Context, verb, username, password string) error {
	if hasLineBreak(username) || hasLineBreak(password) {
		return ErrInvalidArgument
	}

	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		return ErrAlreadyConnected
	}
	c.mu.Unlock()

	d := net.Dialer{Timeout: c.cfg.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.addr, err)
	}

	l := &link{
		conn:   protocol.NewLineConn(conn, c.addr, c.cfg.maxFrame, c.cfg.writeTimeout),
		closed: make(chan struct{}),
	}
	c.mu.Lock()
	if c.link != nil {
		c.mu.Unlock()
		conn.Close()
		return ErrAlreadyConnected
	}
	c.link = l
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(l)

	if _, _, err := c.call(ctx, verb+" "+username+" "+password); err != nil {
		c.teardown(l)
		c.wg.Wait()
		return err
	}

	c.mu.Lock()
	c.username = username
	c.loggedIn = true
	c.mu.Unlock()
	c.log.Infof("Logged in to %s as %s", c.addr, username)
	c.notifyStatus(true)

	if c.cfg.heartbeat > 0 {
		c.wg.Add(1)
		go c.heartbeat(l)
	}
	return nil
}

// Disconnect says QUIT and closes the connection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	l := c.link
	c.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.replyTimeout)
	if _, _, err := c.call(ctx, protocol.VerbQuit); err != nil {
		c.log.Debugf("QUIT: %v", err)
	}
	cancel()

	c.teardown(l)
	c.wg.Wait()
	return nil
}

// Connected reports whether the client is logged in.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedIn
}

// Username returns the logged in user, or "" before Connect.
func (c *Client) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

// Send sends content to recipient, or to everyone when recipient is
// chat.Everyone. It returns the server-assigned message ID.
func (c *Client) Send(recipient, content string) (string, error) {
	if hasLineBreak(recipient) || hasLineBreak(content) {
		return "", ErrInvalidArgument
	}
	ctx, cancel := c.replyContext()
	defer cancel()

	resp, _, err := c.loggedInCall(ctx, protocol.VerbSend+" "+recipient+" "+content)
	if err != nil {
		return "", err
	}
	id, _, _ := strings.Cut(resp.Info, " ")

	c.mu.Lock()
	if _, seen := c.byID[id]; !seen {
		m := chat.Message{
			ID:        id,
			Sender:    c.username,
			Recipient: recipient,
			Content:   content,
			Timestamp: time.Now().UTC(),
			Type:      chat.TypeFor(c.username, recipient),
		}
		c.recordLocked(m)
	}
	c.mu.Unlock()
	return id, nil
}

// Edit replaces the content of a message this user sent.
func (c *Client) Edit(id, content string) error {
	if hasLineBreak(id) || hasLineBreak(content) {
		return ErrInvalidArgument
	}
	ctx, cancel := c.replyContext()
	defer cancel()
	_, _, err := c.loggedInCall(ctx, protocol.VerbEdit+" "+id+" "+content)
	return err
}

// Delete deletes a message this user sent.
func (c *Client) Delete(id string) error {
	if hasLineBreak(id) {
		return ErrInvalidArgument
	}
	ctx, cancel := c.replyContext()
	defer cancel()
	_, _, err := c.loggedInCall(ctx, protocol.VerbDelete+" "+id)
	return err
}

// MarkRead marks a received message read.
func (c *Client) MarkRead(id string) error {
	if hasLineBreak(id) {
		return ErrInvalidArgument
	}
	ctx, cancel := c.replyContext()
	defer cancel()
	_, _, err := c.loggedInCall(ctx, protocol.VerbRead+" "+id)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if i, ok := c.byID[id]; ok {
		c.history[i].Read = true
	}
	c.mu.Unlock()
	return nil
}

// History returns the local message log, oldest first.
func (c *Client) History() []chat.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]chat.Message, len(c.history))
	copy(out, c.history)
	return out
}

// FetchHistory asks the server for this user's conversation and merges it
// into the local log.
func (c *Client) FetchHistory(ctx context.Context) ([]chat.Message, error) {
	_, hist, err := c.loggedInCall(ctx, protocol.VerbHistory)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	for _, m := range hist {
		c.recordLocked(m)
	}
	c.mu.Unlock()
	return hist, nil
}

// OnlineUsers returns the last online list the server pushed.
func (c *Client) OnlineUsers() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.online))
	copy(out, c.online)
	return out
}

// Who refreshes the online list from the server.
func (c *Client) Who(ctx context.Context) ([]string, error) {
	if _, _, err := c.loggedInCall(ctx, protocol.VerbWho); err != nil {
		return nil, err
	}
	return c.OnlineUsers(), nil
}

// Ping round-trips a PING.
func (c *Client) Ping(ctx context.Context) error {
	_, _, err := c.call(ctx, protocol.VerbPing)
	return err
}

func (c *Client) replyContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), c.cfg.replyTimeout)
}

func (c *Client) loggedInCall(ctx context.Context, frame string) (protocol.Response, []chat.Message, error) {
	if !c.Connected() {
		return protocol.Response{}, nil, ErrNotConnected
	}
	return c.call(ctx, frame)
}

// call writes one request and waits for its OK, ERR or PONG. HIST frames
// that arrive in between are collected.
func (c *Client) call(ctx context.Context, frame string) (protocol.Response, []chat.Message, error) {
	c.reqMu.Lock()
	defer c.reqMu.Unlock()

	c.mu.Lock()
	l := c.link
	if l == nil {
		c.mu.Unlock()
		return protocol.Response{}, nil, ErrNotConnected
	}
	p := &pendingCall{done: make(chan callResult, 1)}
	c.pending = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
	}()

	if err := l.conn.WriteFrame(frame); err != nil {
		c.teardown(l)
		return protocol.Response{}, nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case r := <-p.done:
		if r.err != nil {
			return protocol.Response{}, nil, r.err
		}
		if r.resp.Kind == protocol.KindErr {
			return r.resp, nil, &ReplyError{Reason: r.resp.Info}
		}
		return r.resp, r.hist, nil
	case <-ctx.Done():
		// A late reply would be matched to the next request.
		c.log.Warnf("No reply from %s: %v", c.addr, ctx.Err())
		c.teardown(l)
		return protocol.Response{}, nil, ctx.Err()
	}
}

func (c *Client) readLoop(l *link) {
	defer c.wg.Done()
	for {
		frame, err := l.conn.ReadFrame()
		if err != nil {
			if protocol.IsFrameError(err) {
				c.log.Warnf("Dropped frame from %s: %v", c.addr, err)
				continue
			}
			select {
			case <-l.closed:
			default:
				c.log.Infof("Connection to %s lost: %v", c.addr, err)
			}
			c.teardown(l)
			return
		}

		resp, err := protocol.ParseResponse(frame)
		if err != nil {
			c.log.Warnf("Unparseable frame from %s: %v", c.addr, err)
			continue
		}
		c.handle(resp)
	}
}

func (c *Client) handle(resp protocol.Response) {
	switch resp.Kind {
	case protocol.KindOK, protocol.KindErr, protocol.KindPong:
		c.mu.Lock()
		p := c.pending
		c.pending = nil
		c.mu.Unlock()
		if p == nil {
			if resp.Kind == protocol.KindErr {
				c.log.Warnf("Server error: %s", resp.Info)
			}
			return
		}
		p.done <- callResult{resp: resp, hist: p.hist}
	case protocol.KindHist:
		c.mu.Lock()
		if c.pending != nil {
			c.pending.hist = append(c.pending.hist, resp.Message)
		}
		c.mu.Unlock()
	case protocol.KindMsg:
		c.mu.Lock()
		c.recordLocked(resp.Message)
		c.mu.Unlock()
		c.notifyMessage(resp.Message)
	case protocol.KindUsers:
		c.mu.Lock()
		c.online = resp.Users
		c.mu.Unlock()
		c.notifyUsers(resp.Users)
	case protocol.KindSystem:
		c.notifyMessage(chat.Message{
			Sender:    chat.System,
			Recipient: c.Username(),
			Content:   resp.Info,
			Timestamp: time.Now().UTC(),
			Type:      chat.SystemNotice,
		})
	}
}

// recordLocked inserts m into the local log, replacing an earlier copy
// with the same ID.
func (c *Client) recordLocked(m chat.Message) {
	if i, ok := c.byID[m.ID]; ok {
		read := c.history[i].Read
		c.history[i] = m
		c.history[i].Read = c.history[i].Read || read
		return
	}
	c.byID[m.ID] = len(c.history)
	c.history = append(c.history, m)

	if over := len(c.history) - c.cfg.historyLimit; over > 0 {
		c.history = append(c.history[:0:0], c.history[over:]...)
		c.byID = make(map[string]int, len(c.history))
		for i, h := range c.history {
			c.byID[h.ID] = i
		}
	}
}

func (c *Client) notifyMessage(m chat.Message) {
	select {
	case c.messages <- m:
	default:
		c.log.Warnf("Message channel full, dropping %s from %s", m.ID, m.Sender)
	}
}

func (c *Client) notifyUsers(names []string) {
	list := append([]string(nil), names...)
	for {
		select {
		case c.users <- list:
			return
		default:
		}
		// Replace the stale list the reader has not taken yet.
		select {
		case <-c.users:
		default:
		}
	}
}

func (c *Client) notifyStatus(up bool) {
	select {
	case c.status <- up:
	default:
	}
}

// teardown closes l once and resets connection state.
func (c *Client) teardown(l *link) {
	first := false
	l.closeOnce.Do(func() {
		first = true
		close(l.closed)
		l.conn.Close()
	})
	if !first {
		return
	}

	c.mu.Lock()
	if c.link != l {
		c.mu.Unlock()
		return
	}
	wasLoggedIn := c.loggedIn
	c.link = nil
	c.loggedIn = false
	c.online = nil
	p := c.pending
	c.pending = nil
	c.mu.Unlock()

	if p != nil {
		p.done <- callResult{err: ErrConnectionClosed}
	}
	if wasLoggedIn {
		c.log.Infof("Disconnected from %s", c.addr)
		c.notifyStatus(false)
	}
}

func (c *Client) heartbeat(l *link) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-l.closed:
			return
		case <-ticker.C:
			ctx, cancel := c.replyContext()
			err := c.Ping(ctx)
			cancel()
			if err != nil {
				c.log.Warnf("Heartbeat to %s failed: %v", c.addr, err)
				c.teardown(l)
				return
			}
		}
	}
}

func hasLineBreak(s string) bool {
	return strings.ContainsAny(s, "\r\n")
}
