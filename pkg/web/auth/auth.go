// SPDX-License-Identifier: GPL-2.0-or-later

package auth

import (
	"net/http"
	"strings"

	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/storage"
)

// Account contains user information.
type Account struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Password []byte `json:"password"` // Hashed password.
	IsAdmin  bool   `json:"isAdmin"`
	Token    string `json:"-"` // CSRF token.
}

// AccountObfuscated Account without sensitive information.
type AccountObfuscated struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	IsAdmin  bool   `json:"isAdmin"`
}

// ValidateResponse ValidateRequest response.
type ValidateResponse struct {
	IsValid bool
	User    Account
}

// SetUserRequest set user details request.
type SetUserRequest struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	PlainPassword string `json:"plainPassword,omitempty"`
	IsAdmin       bool   `json:"isAdmin"`
}

// NewAuthenticatorFunc function to create authenticator.
type NewAuthenticatorFunc func(storage.ConfigEnv, *log.Logger) (Authenticator, error)

// Authenticator blocks unauthenticated requests and stores accounts.
type Authenticator interface {
	// ValidateRequest validates raw http requests.
	ValidateRequest(*http.Request) ValidateResponse

	// UsersList returns a obfuscated user list.
	UsersList() map[string]AccountObfuscated
	// UserSet sets the information of a user.
	UserSet(SetUserRequest) error
	// UserDelete deletes a user by id.
	UserDelete(string) error

	// User blocks unauthenticated requests.
	User(http.Handler) http.Handler
	// Admin only allows authenticated requests from users with admin privileges.
	Admin(http.Handler) http.Handler
	// CSRF requires the "X-CSRF-TOKEN" header to match the token of the user.
	CSRF(http.Handler) http.Handler

	// MyToken responds with the CSRF token of the requesting user.
	MyToken() http.Handler
}

// ClientAddr returns the addresses a request came from.
func ClientAddr(r *http.Request) string {
	var addr []string
	realIP := r.Header.Get("X-Real-Ip")
	if realIP != "" {
		addr = append(addr, "real:"+realIP)
	}
	forwarded := r.Header.Get("X-Forwarded-For")
	if forwarded != "" && forwarded != realIP {
		addr = append(addr, "forwarded:"+forwarded)
	}
	if r.RemoteAddr != "" && r.RemoteAddr != forwarded {
		addr = append(addr, "addr:"+r.RemoteAddr)
	}
	return strings.Join(addr, " ")
}

// LogFailedLogin logs the username and client address.
func LogFailedLogin(logger *log.Logger, r *http.Request, username string) {
	logger.Warn().Src("auth").Msgf("failed login: username: %q %v", username, ClientAddr(r))
}

// DefaultBcryptHashCost bcrypt hash cost.
const DefaultBcryptHashCost = 10
