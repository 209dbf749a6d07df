package user

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	saltLen = 16
	keyLen  = 32
)

// Hasher derives password hashes with argon2id and a per-user salt.
type Hasher struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
}

// NewHasher creates a Hasher with the given argon2id cost parameters.
func NewHasher(time, memoryKiB uint32, threads uint8) *Hasher {
	return &Hasher{time: time, memory: memoryKiB, threads: threads}
}

// NewSalt returns a fresh random salt.
func (h *Hasher) NewSalt() ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Derive hashes password under salt.
func (h *Hasher) Derive(password string, salt []byte) []byte {
	return argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, keyLen)
}

// HashPassword returns hex-encoded salt and hash for a new password.
func (h *Hasher) HashPassword(password string) (salt, hash string, err error) {
	s, err := h.NewSalt()
	if err != nil {
		return "", "", err
	}
	return hex.EncodeToString(s), hex.EncodeToString(h.Derive(password, s)), nil
}

// CheckPassword verifies password against hex-encoded salt and hash.
// The comparison runs in constant time.
func (h *Hasher) CheckPassword(password, salt, hash string) bool {
	s, err := hex.DecodeString(salt)
	if err != nil {
		return false
	}
	want, err := hex.DecodeString(hash)
	if err != nil {
		return false
	}
	got := h.Derive(password, s)
	return subtle.ConstantTimeCompare(got, want) == 1
}
