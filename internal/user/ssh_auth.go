package user

// SSHAuthenticator adapts Store to be used as an SSH password authenticator.
type SSHAuthenticator struct {
	store *Store
}

// NewSSHAuthenticator creates an SSH authenticator from a credential store.
func NewSSHAuthenticator(store *Store) *SSHAuthenticator {
	return &SSHAuthenticator{store: store}
}

// Authenticate validates username/password during the SSH handshake.
// Banned users are refused here so they never reach the session layer.
func (a *SSHAuthenticator) Authenticate(username, password string) bool {
	u, err := a.store.Authenticate(username, password)
	if err != nil {
		return false
	}
	return !u.Banned
}
