package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/chat"
	"github.com/notepid/twilight_chat/internal/protocol"
	"github.com/notepid/twilight_chat/internal/session"
)

// maxHistoryReply caps the number of HIST lines sent for one request.
const maxHistoryReply = 500

// connHandler drives one session through the protocol state machine.
type connHandler struct {
	srv      *Server
	sess     *session.Session
	failures int
}

// serve runs a connection until it closes. If username is non-empty the
// transport has already authenticated the peer.
func (s *Server) serve(conn protocol.Conn, transport, username string) {
	if !s.registry.Acquire() {
		s.logger.Warnf("Refusing %s connection from %s: server full", transport, conn.RemoteAddr())
		conn.WriteFrame(protocol.Err("server full"))
		conn.Close()
		return
	}
	defer s.registry.Release()

	sess := session.New(conn, transport, s.cfg.Server.SendQueue, s.logger)
	sess.SetCloseTimeout(s.cfg.Server.WriteTimeout)
	sess.OnClose(func() { s.drop(sess) })
	sess.Start()
	if !s.track(sess) {
		sess.Close("server shutdown")
		sess.Wait()
		return
	}
	defer s.untrack(sess)

	s.logger.Infof("Session %s connected via %s from %s", sess.ID, transport, sess.Remote)

	idle := s.cfg.Server.IdleTimeout
	var timer *time.Timer
	if idle > 0 {
		timer = time.AfterFunc(idle, func() {
			sess.Send(protocol.System("idle timeout"))
			sess.Close("idle timeout")
		})
		defer timer.Stop()
	}

	h := &connHandler{srv: s, sess: sess}
	sess.SetState(session.Authenticating)
	if username != "" {
		if err := h.admit(username); err != nil {
			sess.Send(protocol.ErrFrom(err))
			sess.Close("admission refused")
		}
	} else {
		sess.Send(protocol.System("welcome to twilight chat; LOGIN or REGISTER to continue"))
	}

	for sess.State() < session.Closing {
		frame, err := conn.ReadFrame()
		if err != nil {
			if protocol.IsFrameError(err) {
				sess.Send(protocol.ErrFrom(err))
				if sess.State() == session.Authenticating && !h.fail() {
					break
				}
				continue
			}
			break
		}
		if timer != nil {
			timer.Reset(idle)
		}
		if !h.dispatch(frame) {
			break
		}
	}

	h.close()
}

// close tears the session down and waits for the writer to flush.
func (h *connHandler) close() {
	s, sess := h.srv, h.sess
	sess.Close("disconnected")
	s.drop(sess)
	<-sess.Done()

	reason := sess.CloseReason()
	if reason == "" {
		reason = "disconnected"
	}
	s.logger.Infof("Session %s closed (%s)", sess.ID, reason)
}

// drop deregisters sess as soon as it starts closing, so kicked and banned
// users leave the online list even while their writer is still flushing.
func (s *Server) drop(sess *session.Session) {
	name := sess.Username()
	if name == "" || !s.registry.RemoveSession(sess) {
		return
	}
	s.store.SetOnline(name, false)
	reason := sess.CloseReason()
	if reason == "" {
		reason = "disconnected"
	}
	s.logger.Infof("User %s left (%s)", name, reason)
}

// fail counts an authentication failure. It returns false once the cap
// is reached and the session has been told to go away.
func (h *connHandler) fail() bool {
	h.failures++
	if h.failures < h.srv.cfg.Server.AuthAttempts {
		return true
	}
	h.srv.logger.Warnf("Session %s from %s: too many failed attempts", h.sess.ID, h.sess.Remote)
	h.sess.Send(protocol.Err("too many failed attempts"))
	h.sess.Close("too many failed attempts")
	return false
}

func (h *connHandler) reply(frame string) {
	h.sess.Send(frame)
}

// dispatch handles one frame. It returns false when the session should
// close.
func (h *connHandler) dispatch(frame string) bool {
	req, err := protocol.ParseRequest(frame)
	if err != nil {
		h.reply(protocol.ErrFrom(err))
		if h.sess.State() == session.Authenticating {
			return h.fail()
		}
		return true
	}

	if h.sess.State() == session.Authenticating {
		return h.dispatchAuth(req)
	}
	h.srv.store.Touch(h.sess.Username())
	return h.dispatchChat(req)
}

func (h *connHandler) dispatchAuth(req protocol.Request) bool {
	s := h.srv
	switch req.Verb {
	case protocol.VerbPing:
		h.reply(protocol.Pong)
		return true
	case protocol.VerbQuit:
		h.reply(protocol.OK("bye"))
		return false
	case protocol.VerbLogin:
		u, err := s.store.Authenticate(req.Username, req.Password)
		if err == nil {
			err = h.admit(u.Username)
		}
		if err != nil {
			h.reply(protocol.ErrFrom(err))
			return h.fail()
		}
		h.reply(protocol.OK("welcome " + u.Username))
		return true
	case protocol.VerbRegister:
		err := s.store.Register(req.Username, req.Password)
		if err == nil {
			err = h.admit(req.Username)
		}
		if err != nil {
			h.reply(protocol.ErrFrom(err))
			return h.fail()
		}
		h.reply(protocol.OK("registered " + req.Username))
		return true
	default:
		h.reply(protocol.Err("not logged in"))
		return h.fail()
	}
}

// admit binds username to the session and marks the user online.
func (h *connHandler) admit(username string) error {
	s := h.srv
	if err := s.registry.Add(username, h.sess); err != nil {
		s.logger.Infof("Session %s refused for %s: %v", h.sess.ID, username, err)
		return err
	}
	s.store.SetOnline(username, true)
	s.logger.Infof("User %s logged in via %s from %s", username, h.sess.Transport, h.sess.Remote)
	return nil
}

func (h *connHandler) dispatchChat(req protocol.Request) bool {
	s := h.srv
	me := h.sess.Username()

	switch req.Verb {
	case protocol.VerbSend:
		receipt, err := s.router.Route(me, req.Recipient, req.Content)
		if err != nil {
			h.reply(protocol.ErrFrom(err))
			return true
		}
		if receipt.Offline {
			h.reply(protocol.OK(receipt.ID + " offline"))
		} else {
			h.reply(protocol.OK(receipt.ID))
		}
	case protocol.VerbEdit:
		m, err := s.router.Edit(me, req.ID, req.Content)
		if err != nil {
			h.reply(protocol.ErrFrom(err))
			return true
		}
		h.reply(protocol.OK(m.ID))
	case protocol.VerbDelete:
		m, err := s.router.Delete(me, req.ID)
		if err != nil {
			h.reply(protocol.ErrFrom(err))
			return true
		}
		h.reply(protocol.OK(m.ID))
	case protocol.VerbRead:
		if err := s.router.MarkRead(me, req.ID); err != nil {
			h.reply(protocol.ErrFrom(err))
			return true
		}
		h.reply(protocol.OK(req.ID))
	case protocol.VerbWho:
		h.reply(protocol.Users(s.registry.ListOnline()))
		h.reply(protocol.OK(""))
	case protocol.VerbHistory:
		h.sendHistory(me)
	case protocol.VerbPing:
		h.reply(protocol.Pong)
	case protocol.VerbQuit:
		h.reply(protocol.OK("bye"))
		return false
	case protocol.VerbLogin, protocol.VerbRegister:
		h.reply(protocol.ErrFrom(apperror.Session(errAlreadyLoggedIn, "already logged in")))
	default:
		h.reply(protocol.Err("unsupported command"))
	}
	return true
}

var errAlreadyLoggedIn = errors.New("already logged in")

func (h *connHandler) sendHistory(username string) {
	msgs := h.srv.history.Conversation(username)
	if len(msgs) > maxHistoryReply {
		msgs = msgs[len(msgs)-maxHistoryReply:]
	}
	wait := h.srv.cfg.Server.WriteTimeout
	sent := 0
	for _, m := range msgs {
		if m.Deleted {
			continue
		}
		if !h.sess.SendWait(protocol.Hist(m), wait) {
			return
		}
		sent++
	}
	h.sess.SendWait(protocol.OK(fmt.Sprint(sent)), wait)
}

// historyFor is used by the admin API.
func (s *Server) historyFor(username string) []chat.Message {
	if username == "" {
		return s.history.All()
	}
	return s.history.Conversation(username)
}
