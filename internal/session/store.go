// Package session keeps authenticated sessions in process memory.
//
// Sessions use sliding expiration: every successful Validate pushes the
// deadline forward by the expiry window. Nothing is persisted; a restart
// logs everyone out.
package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultExpiry is the inactivity window after which a session is dead.
const DefaultExpiry = time.Hour

// tokenBytes is the entropy of a token; the encoded token is twice as long.
const tokenBytes = 32

var (
	// ErrSessionNotFound means the token was never issued or was removed.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrSessionExpired means the token existed but was idle too long.
	ErrSessionExpired = errors.New("session: expired")
)

// Session is one authenticated identity.
type Session struct {
	Token        string
	UserID       string
	CreatedAt    time.Time
	LastActivity time.Time
}

// Store maps tokens to sessions. The zero value is not usable; call NewStore.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*Session
	expiry   time.Duration
	now      func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// NewStore creates an empty store. A non-positive expiry selects DefaultExpiry.
func NewStore(expiry time.Duration, opts ...Option) *Store {
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	s := &Store{
		sessions: make(map[string]*Session),
		expiry:   expiry,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Expiry returns the sliding window length.
func (s *Store) Expiry() time.Duration {
	return s.expiry
}

// Create issues a new token for userID.
func (s *Store) Create(userID string) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sessions[token] = &Session{
		Token:        token,
		UserID:       userID,
		CreatedAt:    now,
		LastActivity: now,
	}
	return token, nil
}

// Validate returns the user bound to token and refreshes its activity.
func (s *Store) Validate(token string) (string, bool) {
	sess, err := s.Lookup(token)
	if err != nil {
		return "", false
	}
	return sess.UserID, true
}

// Lookup is Validate with the failure reason. Expired entries are deleted
// on the spot. The returned Session is a copy.
func (s *Store) Lookup(token string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return Session{}, ErrSessionNotFound
	}

	now := s.now()
	if s.expiredAt(sess, now) {
		delete(s.sessions, token)
		return Session{}, ErrSessionExpired
	}

	sess.LastActivity = now
	return *sess, nil
}

// Remove deletes token if present.
func (s *Store) Remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
}

// CleanupExpired deletes every expired session and reports how many went.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, sess := range s.sessions {
		if s.expiredAt(sess, now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Count returns the number of stored sessions, including ones that have
// expired but not yet been swept.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

func (s *Store) expiredAt(sess *Session, now time.Time) bool {
	return now.Sub(sess.LastActivity) >= s.expiry
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
