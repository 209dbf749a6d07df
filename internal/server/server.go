// Package server runs the chat listeners and the per-connection protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/notepid/twilight_chat/internal/apperror"
	"github.com/notepid/twilight_chat/internal/chat"
	"github.com/notepid/twilight_chat/internal/config"
	"github.com/notepid/twilight_chat/internal/protocol"
	"github.com/notepid/twilight_chat/internal/session"
	"github.com/notepid/twilight_chat/internal/user"
)

// Server owns the listeners and wires the credential store, session
// registry, router and history together.
type Server struct {
	cfg      *config.Config
	store    *user.Store
	history  *chat.History
	registry *session.Registry
	router   *chat.Router
	throttle *throttle
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	conns    map[*session.Session]struct{}
	tcpLn    net.Listener
	ssh      *SSHListener
	httpLn   net.Listener
	httpSrv  *http.Server
	stopping bool

	wg     sync.WaitGroup // connection goroutines
	bg     sync.WaitGroup // accept loops and housekeeping
	cancel context.CancelFunc
}

// New builds a server from its collaborators. Nothing listens until Start.
func New(cfg *config.Config, store *user.Store, history *chat.History, logger *zap.SugaredLogger) *Server {
	registry := session.NewRegistry(session.Policy(cfg.Chat.DuplicateLogin), cfg.Server.MaxSessions, logger)
	registry.SetBanChecker(store.IsBanned)

	router := chat.NewRouter(registry, history, chat.Options{
		MaxMessageLength: cfg.Chat.MaxMessageLength,
		EchoBroadcast:    cfg.Chat.EchoBroadcast,
		EditWindow:       cfg.Chat.EditWindow,
		DeleteWindow:     cfg.Chat.DeleteWindow,
		ValidName:        user.ValidateUsername,
	}, logger)

	s := &Server{
		cfg:      cfg,
		store:    store,
		history:  history,
		registry: registry,
		router:   router,
		throttle: newThrottle(),
		logger:   logger,
		conns:    make(map[*session.Session]struct{}),
	}

	registry.OnChange(func(online []string) {
		registry.BroadcastFrame("", protocol.Users(online))
	})

	return s
}

// SetFilter installs a content filter on the router.
func (s *Server) SetFilter(f chat.Filter) {
	s.router.SetFilter(f)
}

// Registry returns the session registry.
func (s *Server) Registry() *session.Registry { return s.registry }

// Router returns the message router.
func (s *Server) Router() *chat.Router { return s.router }

// Store returns the credential store.
func (s *Server) Store() *user.Store { return s.store }

// Start binds every configured listener and begins accepting. A bind
// failure is returned and nothing is left listening.
func (s *Server) Start() error {
	tcpLn, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return apperror.Transport(fmt.Errorf("listen %s: %w", s.cfg.Server.Listen, err), "cannot bind chat listener")
	}

	var sshL *SSHListener
	if s.cfg.Server.SSHListen != "" {
		sshL, err = NewSSHListener(s.cfg.Server.SSHListen, s.cfg.Paths.HostKey,
			user.NewSSHAuthenticator(s.store), s.throttle, s.logger, s.handleSSH)
		if err == nil {
			sshL.SetMaxFrame(s.cfg.Server.MaxFrame)
			sshL.SetWriteTimeout(s.cfg.Server.WriteTimeout)
			err = sshL.Listen()
		}
		if err != nil {
			tcpLn.Close()
			return fmt.Errorf("ssh: %w", err)
		}
	}

	var httpLn net.Listener
	if s.cfg.Server.HTTPListen != "" {
		httpLn, err = net.Listen("tcp", s.cfg.Server.HTTPListen)
		if err != nil {
			tcpLn.Close()
			if sshL != nil {
				sshL.Close()
			}
			return fmt.Errorf("listen %s: %w", s.cfg.Server.HTTPListen, err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())

	s.mu.Lock()
	s.tcpLn = tcpLn
	s.ssh = sshL
	s.httpLn = httpLn
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Infof("Chat server listening on %s", tcpLn.Addr())
	s.bg.Add(1)
	go s.acceptLoop(tcpLn)

	if sshL != nil {
		s.logger.Infof("SSH server listening on %s", sshL.Addr())
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			sshL.Serve()
		}()
	}

	if httpLn != nil {
		s.httpSrv = &http.Server{
			Handler:           s.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.logger.Infof("HTTP server listening on %s", httpLn.Addr())
		s.bg.Add(1)
		go func() {
			defer s.bg.Done()
			if err := s.httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Errorf("HTTP server error: %v", err)
			}
		}()
	}

	s.bg.Add(1)
	go s.housekeeping(ctx)

	return nil
}

// Addr returns the chat listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return nil
	}
	return s.tcpLn.Addr()
}

// HTTPAddr returns the HTTP listener address, or nil if disabled.
func (s *Server) HTTPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.httpLn == nil {
		return nil
	}
	return s.httpLn.Addr()
}

// SSHAddr returns the SSH listener address, or nil if disabled.
func (s *Server) SSHAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ssh == nil {
		return nil
	}
	return s.ssh.Addr()
}

func (s *Server) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer s.bg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isStopping() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warnf("Accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		if !s.beginConn() {
			conn.Close()
			return
		}
		go func() {
			defer s.wg.Done()
			remote := conn.RemoteAddr().String()
			if delay, ok := s.throttle.allow(hostOf(remote)); !ok {
				s.logger.Warnf("Refusing connection from %s: too many attempts", remote)
				conn.Close()
				return
			} else if delay > 0 {
				time.Sleep(delay)
			}
			lc := protocol.NewLineConn(conn, remote, s.cfg.Server.MaxFrame, s.cfg.Server.WriteTimeout)
			s.serve(lc, "tcp", "")
		}()
	}
}

// beginConn registers a connection goroutine unless the server is
// stopping.
func (s *Server) beginConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Server) handleSSH(conn protocol.Conn, username string) {
	if !s.beginConn() {
		conn.Close()
		return
	}
	defer s.wg.Done()
	s.serve(conn, "ssh", username)
}

func (s *Server) track(sess *session.Session) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[sess] = struct{}{}
	return true
}

func (s *Server) untrack(sess *session.Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, sess)
}

// housekeeping autosaves history and retries failed credential flushes.
func (s *Server) housekeeping(ctx context.Context) {
	defer s.bg.Done()

	interval := s.cfg.Chat.AutosaveInterval
	if interval <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.saveHistory()
			if s.store.Dirty() {
				if err := s.store.Flush(); err != nil {
					s.logger.Warnf("Credential store still dirty: %v", err)
				}
			}
			s.throttle.prune()
		}
	}
}

func (s *Server) saveHistory() {
	if s.cfg.Paths.History == "" {
		return
	}
	if err := s.history.Save(s.cfg.Paths.History); err != nil {
		s.logger.Errorf("Failed to save history (will retry): %v", err)
	}
}

// Stop shuts the server down: it stops accepting, notifies and closes
// every session, waits for them (or ctx), then persists state.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	tcpLn, sshL, cancel := s.tcpLn, s.ssh, s.cancel
	conns := make([]*session.Session, 0, len(s.conns))
	for sess := range s.conns {
		conns = append(conns, sess)
	}
	s.mu.Unlock()

	s.logger.Info("Shutting down chat server")

	if tcpLn != nil {
		tcpLn.Close()
	}
	if sshL != nil {
		sshL.Close()
	}

	for _, sess := range conns {
		sess.Send(protocol.System("server shutting down"))
		sess.Close("server shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var waitErr error
	select {
	case <-done:
	case <-ctx.Done():
		waitErr = fmt.Errorf("waiting for sessions: %w", ctx.Err())
		s.logger.Warnf("Shutdown deadline reached with sessions still open")
	}

	s.saveHistory()
	if err := s.store.Flush(); err != nil {
		s.logger.Errorf("Failed to flush credential store: %v", err)
	}

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Errorf("HTTP shutdown: %v", err)
		}
	}
	if cancel != nil {
		cancel()
	}
	s.bg.Wait()

	s.logger.Info("Chat server stopped")
	return waitErr
}

// Kick disconnects username. It reports whether the user was online.
func (s *Server) Kick(username, reason string) bool {
	if reason == "" {
		reason = "kicked by operator"
	}
	return s.registry.Kick(username, reason)
}

// Ban marks username banned and disconnects it.
func (s *Server) Ban(username string) error {
	if err := s.store.SetBanned(username, true); err != nil {
		return err
	}
	s.registry.Kick(username, "banned")
	s.logger.Infof("User %s banned", username)
	return nil
}

// Unban clears the ban flag.
func (s *Server) Unban(username string) error {
	if err := s.store.SetBanned(username, false); err != nil {
		return err
	}
	s.logger.Infof("User %s unbanned", username)
	return nil
}

// Announce sends a system notice to every session.
func (s *Server) Announce(text string) (chat.Receipt, error) {
	return s.router.Announce(text)
}
