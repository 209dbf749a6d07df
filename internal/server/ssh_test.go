package server

import (
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"github.com/notepid/twilight_chat/internal/config"
)

func newSSHServer(t *testing.T) *Server {
	return newTestServer(t, func(cfg *config.Config) {
		cfg.Server.SSHListen = "127.0.0.1:0"
	})
}

func sshDial(srv *Server, user, pass string) (*ssh.Client, error) {
	return ssh.Dial("tcp", srv.SSHAddr().String(), &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(pass)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	})
}

func TestSSH_SessionStartsLoggedIn(t *testing.T) {
	srv := newSSHServer(t)
	bob := login(t, srv, "bob", "secret2")

	client, err := sshDial(srv, "alice", "secret1")
	require.NoError(t, err)
	defer client.Close()

	sess, err := client.NewSession()
	require.NoError(t, err)
	stdin, err := sess.StdinPipe()
	require.NoError(t, err)
	stdout, err := sess.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, sess.Shell())

	alice := newTestClient(t, stdout, stdin, sess)
	alice.expect("USERS bob alice")
	waitOnline(t, srv, "alice")

	alice.send("SEND bob from ssh")
	alice.expect("OK ")
	bob.expect("MSG ")

	alice.send("LOGIN alice secret1")
	alice.expect("ERR already logged in")

	alice.send("QUIT")
	alice.expect("OK bye")
	alice.expectClosed()
}

func TestSSH_RejectsBadPassword(t *testing.T) {
	srv := newSSHServer(t)

	_, err := sshDial(srv, "alice", "nope")
	require.Error(t, err)

	require.NoError(t, srv.Ban("bob"))
	_, err = sshDial(srv, "bob", "secret2")
	require.Error(t, err)
}

func TestSSH_HostKeyPersisted(t *testing.T) {
	srv := newSSHServer(t)
	client, err := sshDial(srv, "alice", "secret1")
	require.NoError(t, err)
	client.Close()

	require.FileExists(t, srv.cfg.Paths.HostKey)
}
