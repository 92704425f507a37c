package server

import (
	"errors"
	"regexp"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BcryptCost is the work factor for new password hashes.
const BcryptCost = 12

var (
	emailRegex  = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)
	hasNumber   = regexp.MustCompile(`[0-9]`)
	hasLetter   = regexp.MustCompile(`[a-zA-Z]`)
	accessLevel = map[string]bool{"user": true, "staff": true, "admin": true}
)

// ValidateEmail checks the address shape.
func ValidateEmail(email string) bool {
	return emailRegex.MatchString(email)
}

// ValidatePassword checks password strength requirements.
func ValidatePassword(password string) error {
	switch {
	case len(password) < 8:
		return errors.New("password must be at least 8 characters long")
	case len(password) > 72:
		return errors.New("password must be at most 72 bytes")
	case !hasNumber.MatchString(password) || !hasLetter.MatchString(password):
		return errors.New("password must contain both letters and numbers")
	}
	return nil
}

// ValidateAccessLevel accepts user, staff or admin.
func ValidateAccessLevel(level string) bool {
	return accessLevel[strings.ToLower(level)]
}

// HashPassword returns a bcrypt hash of password.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func verifyPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
