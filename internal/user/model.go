package user

import "time"

// User represents a registered chat account.
type User struct {
	Username     string
	Salt         string // hex
	Hash         string // hex argon2id digest of password under Salt
	RegisteredAt time.Time
	LastActiveAt time.Time
	Banned       bool

	// Online is maintained by the server core and never persisted.
	Online bool
}

// Validation limits.
const (
	MinUsernameLen = 3
	MaxUsernameLen = 20
	MinPasswordLen = 6
	MaxPasswordLen = 128
)

// Reserved names that cannot be registered.
var reservedNames = map[string]struct{}{
	"all":    {},
	"system": {},
}
