// lockout.go - Per-account lockout after repeated failed logins.
package server

import (
	"strings"
	"sync"
	"time"
)

// loginAttempt tracks failures for one account.
type loginAttempt struct {
	Count       int
	LastAttempt time.Time
	LockedUntil time.Time
}

// AccountLockout locks an email address after too many failed logins within
// a window. Keys are case-folded, matching the case-insensitive user lookup.
type AccountLockout struct {
	mu              sync.Mutex
	attempts        map[string]*loginAttempt
	maxAttempts     int
	lockoutDuration time.Duration
	windowDuration  time.Duration
	now             func() time.Time
}

// NewAccountLockout creates a lockout tracker.
// maxAttempts: failures before lockout (e.g., 5)
// lockoutDuration: how long the account stays locked (e.g., 15 minutes)
// windowDuration: window in which failures are counted (e.g., 10 minutes)
func NewAccountLockout(maxAttempts int, lockoutDuration, windowDuration time.Duration) *AccountLockout {
	return &AccountLockout{
		attempts:        make(map[string]*loginAttempt),
		maxAttempts:     maxAttempts,
		lockoutDuration: lockoutDuration,
		windowDuration:  windowDuration,
		now:             time.Now,
	}
}

func lockoutKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// RecordFailedAttempt counts a failure and reports whether the account is
// now locked.
func (al *AccountLockout) RecordFailedAttempt(email string) (locked bool, lockedUntil time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()

	key := lockoutKey(email)
	now := al.now()

	attempt, ok := al.attempts[key]
	if !ok {
		attempt = &loginAttempt{}
		al.attempts[key] = attempt
	}

	if now.Sub(attempt.LastAttempt) > al.windowDuration {
		attempt.Count = 0
	}
	attempt.Count++
	attempt.LastAttempt = now

	if attempt.Count >= al.maxAttempts {
		attempt.LockedUntil = now.Add(al.lockoutDuration)
		return true, attempt.LockedUntil
	}
	return false, time.Time{}
}

// RecordSuccessfulLogin forgets every failure for email.
func (al *AccountLockout) RecordSuccessfulLogin(email string) {
	al.mu.Lock()
	defer al.mu.Unlock()
	delete(al.attempts, lockoutKey(email))
}

// IsLocked reports whether email is locked and until when.
func (al *AccountLockout) IsLocked(email string) (bool, time.Time) {
	al.mu.Lock()
	defer al.mu.Unlock()

	attempt, ok := al.attempts[lockoutKey(email)]
	if !ok {
		return false, time.Time{}
	}
	if !attempt.LockedUntil.IsZero() && al.now().Before(attempt.LockedUntil) {
		return true, attempt.LockedUntil
	}
	return false, time.Time{}
}

// Sweep drops entries whose lockout has lapsed and whose last failure is
// older than twice the window. It returns how many were removed.
func (al *AccountLockout) Sweep() int {
	al.mu.Lock()
	defer al.mu.Unlock()

	now := al.now()
	removed := 0
	for key, attempt := range al.attempts {
		if (attempt.LockedUntil.IsZero() || now.After(attempt.LockedUntil)) &&
			now.Sub(attempt.LastAttempt) > 2*al.windowDuration {
			delete(al.attempts, key)
			removed++
		}
	}
	return removed
}

// Len reports how many accounts are tracked.
func (al *AccountLockout) Len() int {
	al.mu.Lock()
	defer al.mu.Unlock()
	return len(al.attempts)
}
