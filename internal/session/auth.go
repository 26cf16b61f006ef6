package session

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// User is a configured account.
type User struct {
	Name         string
	PasswordHash string
	Identity     Identity
}

// Authenticator checks credentials against configured users.
type Authenticator struct {
	users     map[string]User
	anonymous Identity
}

// NewAuthenticator builds an authenticator. Logins without a user name
// receive the anonymous identity; IdentityNone disables them.
func NewAuthenticator(users []User, anonymous Identity) *Authenticator {
	a := &Authenticator{users: make(map[string]User, len(users)), anonymous: anonymous}
	for _, u := range users {
		a.users[u.Name] = u
	}
	return a
}

// Authenticate returns the identity granted to the credentials.
func (a *Authenticator) Authenticate(name, password string) (Identity, error) {
	if name == "" {
		if a.anonymous == IdentityNone {
			return IdentityNone, &AuthError{Reason: "anonymous access disabled"}
		}
		return a.anonymous, nil
	}
	u, ok := a.users[name]
	if !ok {
		// Compare against a fixed hash so unknown users cost the same.
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return IdentityNone, &AuthError{User: name, Reason: "invalid credentials"}
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return IdentityNone, &AuthError{User: name, Reason: "invalid credentials"}
	}
	return u.Identity, nil
}

// HashPassword produces a bcrypt hash for configuration files.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", fmt.Errorf("password is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

var dummyHash = []byte("$2a$10$7EqJtq98hPqEX7fNZaFWoOhi5BWX4Z3nAZ2eYgGBp0Vl9kSGkUf0a")
