// Package auth verifies API credentials and keeps bearer sessions.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/pbkdf2"

	"filmarchive/internal/config"
)

// ErrInvalidCredentials is returned for an unknown user or a wrong password.
var ErrInvalidCredentials = errors.New("invalid credentials")

const (
	iterations = 100000
	keyLength  = 32
)

// HashPassword derives the hex PBKDF2-HMAC-SHA256 digest. The salt is used as
// the bytes of its hex string, not decoded.
func HashPassword(password, salt string) string {
	key := pbkdf2.Key([]byte(password), []byte(salt), iterations, keyLength, sha256.New)
	return hex.EncodeToString(key)
}

// NewSalt returns 16 random bytes as hex.
func NewSalt() (string, error) {
	return randomHex(16)
}

// NewToken returns a 256-bit random bearer token as hex.
func NewToken() (string, error) {
	return randomHex(32)
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Verify checks password against a stored salt and hash in constant time.
func Verify(password, salt, hash string) bool {
	got := HashPassword(password, salt)
	return subtle.ConstantTimeCompare([]byte(got), []byte(hash)) == 1
}

// Verifier checks credentials against the configured users.
type Verifier struct {
	users map[string]config.User
}

// NewVerifier indexes users by name.
func NewVerifier(users []config.User) *Verifier {
	v := &Verifier{users: make(map[string]config.User, len(users))}
	for _, u := range users {
		v.users[u.Username] = u
	}
	return v
}

// Check returns ErrInvalidCredentials unless username exists and password
// matches. Unknown users still pay for one derivation.
func (v *Verifier) Check(username, password string) error {
	u, ok := v.users[username]
	if !ok {
		Verify(password, "unknown-user", "")
		return ErrInvalidCredentials
	}
	if !Verify(password, u.Salt, u.Hash) {
		return ErrInvalidCredentials
	}
	return nil
}
