package server

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"github.com/notepid/twilight_chat/internal/protocol"
)

const sshUserExtension = "chat-user"

// PasswordAuthenticator checks SSH password credentials.
// *user.SSHAuthenticator satisfies it.
type PasswordAuthenticator interface {
	Authenticate(username, password string) bool
}

// SSHHandler runs a chat session over an authenticated SSH channel.
type SSHHandler func(conn protocol.Conn, username string)

// sshChannelConn adapts an SSH channel to io.ReadWriteCloser.
type sshChannelConn struct {
	channel ssh.Channel
	conn    ssh.Conn // closed with the channel so blocked writes return
	mu      sync.Mutex
}

func (sc *sshChannelConn) Read(p []byte) (int, error) {
	return sc.channel.Read(p)
}

func (sc *sshChannelConn) Write(p []byte) (int, error) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.channel.Write(p)
}

func (sc *sshChannelConn) Close() error {
	err := sc.channel.Close()
	if sc.conn != nil {
		sc.conn.Close()
	}
	return err
}

var _ io.ReadWriteCloser = (*sshChannelConn)(nil)

// SSHListener accepts SSH connections. Users authenticate with their chat
// password, so sessions start out logged in.
type SSHListener struct {
	addr         string
	config       *ssh.ServerConfig
	handler      SSHHandler
	hostKeyPath  string
	throttle     *throttle
	logger       *zap.SugaredLogger
	maxFrame     int
	writeTimeout time.Duration

	mu     sync.Mutex
	ln     net.Listener
	closed bool
}

// NewSSHListener creates an SSH listener. The host key at hostKeyPath is
// generated on first use.
func NewSSHListener(addr, hostKeyPath string, auth PasswordAuthenticator, th *throttle,
	logger *zap.SugaredLogger, handler SSHHandler) (*SSHListener, error) {
	config := &ssh.ServerConfig{
		Config: ssh.Config{
			KeyExchanges: []string{
				"curve25519-sha256",
				"curve25519-sha256@libssh.org",
				"ecdh-sha2-nistp256",
				"ecdh-sha2-nistp384",
				"ecdh-sha2-nistp521",
				"diffie-hellman-group-exchange-sha256",
				"diffie-hellman-group14-sha256",
				"diffie-hellman-group16-sha512",
			},
			Ciphers: []string{
				"chacha20-poly1305@openssh.com",
				"aes128-gcm@openssh.com",
				"aes256-gcm@openssh.com",
				"aes128-ctr",
				"aes192-ctr",
				"aes256-ctr",
			},
			MACs: []string{
				"hmac-sha2-256-etm@openssh.com",
				"hmac-sha2-512-etm@openssh.com",
				"hmac-sha2-256",
				"hmac-sha2-512",
			},
		},
		ServerVersion: "SSH-2.0-TwilightChat",
		MaxAuthTries:  3,
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if !auth.Authenticate(c.User(), string(pass)) {
				logger.Infof("SSH password rejected for %q from %s", c.User(), c.RemoteAddr())
				return nil, errors.New("invalid username or password")
			}
			return &ssh.Permissions{
				Extensions: map[string]string{sshUserExtension: c.User()},
			}, nil
		},
	}

	l := &SSHListener{
		addr:         addr,
		config:       config,
		handler:      handler,
		hostKeyPath:  hostKeyPath,
		throttle:     th,
		logger:       logger,
		maxFrame:     16448,
		writeTimeout: 10 * time.Second,
	}

	if err := l.loadOrGenerateHostKey(); err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}

	return l, nil
}

// SetMaxFrame sets the frame size limit for SSH sessions.
func (l *SSHListener) SetMaxFrame(n int) {
	l.maxFrame = n
}

// SetWriteTimeout bounds a single frame write. A peer that stops reading
// has its connection closed once the timeout passes.
func (l *SSHListener) SetWriteTimeout(d time.Duration) {
	l.writeTimeout = d
}

// loadOrGenerateHostKey loads the ed25519 host key, creating it if it does
// not exist. An optional RSA key at <path>_rsa is added when present.
func (l *SSHListener) loadOrGenerateHostKey() error {
	loadKey := func(path string) (ssh.Signer, bool, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, false, nil
			}
			return nil, false, err
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, false, fmt.Errorf("parse host key %s: %w", path, err)
		}
		return signer, true, nil
	}

	signer, ok, err := loadKey(l.hostKeyPath)
	if err != nil {
		return err
	}
	if !ok {
		_, priv, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return fmt.Errorf("generate ed25519 key: %w", err)
		}
		privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
		if err != nil {
			return fmt.Errorf("marshal ed25519 key: %w", err)
		}
		pemData := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})

		if err := os.MkdirAll(filepath.Dir(l.hostKeyPath), 0700); err != nil {
			return fmt.Errorf("create key dir: %w", err)
		}
		if err := os.WriteFile(l.hostKeyPath, pemData, 0600); err != nil {
			return fmt.Errorf("write host key: %w", err)
		}
		signer, err = ssh.ParsePrivateKey(pemData)
		if err != nil {
			return fmt.Errorf("parse new ed25519 key: %w", err)
		}
		l.logger.Infof("SSH: generated new host key at %s (%s)", l.hostKeyPath, signer.PublicKey().Type())
	} else {
		l.logger.Infof("SSH: loaded host key from %s (%s)", l.hostKeyPath, signer.PublicKey().Type())
	}
	l.config.AddHostKey(signer)

	rsaSigner, ok, err := loadKey(l.hostKeyPath + "_rsa")
	if err != nil {
		return err
	}
	if ok {
		l.config.AddHostKey(rsaSigner)
		l.logger.Infof("SSH: loaded additional host key (%s)", rsaSigner.PublicKey().Type())
	}
	return nil
}

// Listen binds the listener address.
func (l *SSHListener) Listen() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.addr, err)
	}
	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *SSHListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close stops accepting connections.
func (l *SSHListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Serve accepts connections until Close.
func (l *SSHListener) Serve() {
	l.mu.Lock()
	ln := l.ln
	l.mu.Unlock()
	if ln == nil {
		return
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			closed := l.closed
			l.mu.Unlock()
			if closed || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warnf("SSH accept error: %v", err)
			time.Sleep(50 * time.Millisecond)
			continue
		}

		go l.handleConnection(conn)
	}
}

// handleConnection processes a single SSH connection.
func (l *SSHListener) handleConnection(conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	if delay, ok := l.throttle.allow(hostOf(remoteAddr)); !ok {
		conn.Close()
		return
	} else if delay > 0 {
		time.Sleep(delay)
	}

	_ = conn.SetDeadline(time.Now().Add(20 * time.Second))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, l.config)
	if err != nil {
		l.logger.Infof("SSH handshake failed from %s: %v", remoteAddr, err)
		conn.Close()
		return
	}
	defer sshConn.Close()
	_ = conn.SetDeadline(time.Time{})

	username := sshConn.Permissions.Extensions[sshUserExtension]
	l.logger.Infof("SSH connection from %s (user: %s)", remoteAddr, username)

	go ssh.DiscardRequests(reqs)

	// One chat session per SSH connection; extra channels are refused.
	served := false
	for newChannel := range chans {
		if newChannel.ChannelType() != "session" || served {
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel")
			continue
		}

		channel, requests, err := newChannel.Accept()
		if err != nil {
			l.logger.Warnf("SSH channel accept error: %v", err)
			continue
		}
		served = true

		go func() {
			// Chat frames are plain lines: only a single shell request is
			// accepted, pty and exec are refused.
			started := false
			for req := range requests {
				ok := req.Type == "shell" && !started
				if req.WantReply {
					req.Reply(ok, nil)
				}
				if !ok {
					continue
				}
				started = true
				go func() {
					lc := protocol.NewLineConn(&sshChannelConn{channel: channel, conn: sshConn},
						remoteAddr, l.maxFrame, l.writeTimeout)
					l.handler(lc, username)
					channel.Close()
					sshConn.Close()
				}()
			}
		}()
	}
}
