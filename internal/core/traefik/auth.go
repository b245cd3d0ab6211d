package traefik

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// =============================================================================
// Basic Auth Credentials
// =============================================================================

var ErrEmptyCredentials = errors.New("username and password are required")

// BasicAuthUser produces an htpasswd-format entry ("user:hash") with a
// bcrypt password hash, suitable for the basicAuth middleware users list.
func BasicAuthUser(username, password string) (string, error) {
	if username == "" || password == "" {
		return "", ErrEmptyCredentials
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}

	return fmt.Sprintf("%s:%s", username, string(hash)), nil
}

// VerifyBasicAuthUser checks a password against an htpasswd-format entry.
func VerifyBasicAuthUser(entry, username, password string) bool {
	prefix := username + ":"
	if len(entry) <= len(prefix) || entry[:len(prefix)] != prefix {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(entry[len(prefix):]), []byte(password)) == nil
}
