// Package auth holds the vendor session: the rotating key/IV/token triple
// every API call is authenticated with.
package auth

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/trymwestin/neakasa/internal/core/codec"
)

// Default key material, active before login and after every Reset.
const (
	DefaultKey = "3J74PRUE5TKPJP32"
	DefaultIV  = "QB8GC2X6WK39FF93"
)

// Identity is the user identity carried in a login token.
type Identity struct {
	UserID     string `json:"user_id"`
	EncodedUID string `json:"encoded_uid"`
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used for request tokens.
func WithClock(now func() time.Time) Option {
	return func(s *Session) {
		s.now = now
	}
}

// Session owns the credential material. All reads happen at call time under
// the lock; nothing derived from the material is cached.
type Session struct {
	mu       sync.RWMutex
	key      []byte
	iv       []byte
	token    string
	identity Identity
	hasID    bool
	authed   bool

	now func() time.Time
}

// NewSession returns a session holding the default key material.
func NewSession(opts ...Option) *Session {
	s := &Session{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.Reset()
	return s
}

// Reset restores the default key material and drops token and identity.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resetLocked()
}

func (s *Session) resetLocked() {
	s.key = []byte(DefaultKey)
	s.iv = []byte(DefaultIV)
	s.token = ""
	s.identity = Identity{}
	s.hasID = false
	s.authed = false
}

// AdoptLoginToken replaces the credential material with the contents of a
// vendor login token. The token decrypts under the default material to
// "token[@userId[@key[@iv]]]"; fields are applied in that order, and the
// encoded uid is computed before any key or IV substitution.
func (s *Session) AdoptLoginToken(raw string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.resetLocked()

	plain, err := codec.Decrypt(raw, s.key, s.iv)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrSessionDecode, err)
	}

	// Fields past the fourth are ignored.
	fields := strings.Split(plain, "@")
	if len(fields) > 4 {
		fields = fields[:4]
	}

	token := fields[0]
	var (
		identity Identity
		hasID    bool
	)
	if len(fields) >= 2 {
		uid, err := codec.Encrypt(fields[1], s.key, s.iv)
		if err != nil {
			return fmt.Errorf("%w: encode uid: %w", ErrSessionDecode, err)
		}
		identity = Identity{UserID: fields[1], EncodedUID: uid}
		hasID = true
	}

	key, iv := s.key, s.iv
	if len(fields) >= 3 {
		key = []byte(fields[2])
		if len(key) != codec.KeySize {
			return fmt.Errorf("%w: %w", ErrSessionDecode, codec.ErrKeySize)
		}
	}
	if len(fields) >= 4 {
		iv = []byte(fields[3])
		if len(iv) != codec.BlockSize {
			return fmt.Errorf("%w: %w", ErrSessionDecode, codec.ErrIVSize)
		}
	}

	s.token = token
	s.identity = identity
	s.hasID = hasID
	s.key = key
	s.iv = iv
	s.authed = true
	return nil
}

// CurrentToken returns a fresh request token: "<token>@<unix>.<micros>"
// encrypted under the active material.
func (s *Session) CurrentToken() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t := s.now()
	stamp := fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
	return codec.Encrypt(s.token+"@"+stamp, s.key, s.iv)
}

// Encrypt encrypts plaintext under the active material.
func (s *Session) Encrypt(plaintext string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return codec.Encrypt(plaintext, s.key, s.iv)
}

// Decrypt decrypts ciphertext under the active material.
func (s *Session) Decrypt(ciphertext string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return codec.Decrypt(ciphertext, s.key, s.iv)
}

// Identity returns the identity from the last adopted login token.
func (s *Session) Identity() (Identity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.hasID
}

// Authenticated reports whether a login token has been adopted.
func (s *Session) Authenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authed
}

// Material returns copies of the active key and IV.
func (s *Session) Material() (key, iv []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]byte(nil), s.key...), append([]byte(nil), s.iv...)
}
