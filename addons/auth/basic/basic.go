// SPDX-License-Identifier: GPL-2.0-or-later

package basic

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/andrew-shulgin/nvr"
	"github.com/andrew-shulgin/nvr/pkg/log"
	"github.com/andrew-shulgin/nvr/pkg/storage"
	"github.com/andrew-shulgin/nvr/pkg/web/auth"

	"golang.org/x/crypto/bcrypt"
)

func init() {
	nvr.SetAuthenticator(NewBasicAuthenticator)
}

// Authenticator implements auth.Authenticator using HTTP basic auth.
type Authenticator struct {
	path      string // Path to save user information.
	accounts  map[string]auth.Account
	authCache map[string]auth.ValidateResponse

	hashCost int
	logger   *log.Logger
	mu       sync.Mutex
}

// NewBasicAuthenticator loads accounts from "users.json" in the config directory.
func NewBasicAuthenticator(env storage.ConfigEnv, logger *log.Logger) (auth.Authenticator, error) {
	path := filepath.Join(env.ConfigDir, "users.json")
	a := &Authenticator{
		path:      path,
		accounts:  make(map[string]auth.Account),
		authCache: make(map[string]auth.ValidateResponse),

		hashCost: auth.DefaultBcryptHashCost,
		logger:   logger,
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}

	if err := json.Unmarshal(file, &a.accounts); err != nil {
		return nil, fmt.Errorf("unmarshal users file: %w", err)
	}

	for id, user := range a.accounts {
		if user.Token, err = genToken(); err != nil {
			return nil, err
		}
		a.accounts[id] = user
	}

	return a, nil
}

// ValidateRequest takes the same amount of time to
// run, even when the username is unknown.
func (a *Authenticator) ValidateRequest(r *http.Request) auth.ValidateResponse {
	header := r.Header.Get("Authorization")

	a.mu.Lock()
	res, cached := a.authCache[header]
	a.mu.Unlock()
	if cached {
		return res
	}

	name, pass := parseBasicAuth(header)
	user, found := a.userByName(name)

	res = auth.ValidateResponse{}
	if !found {
		// Generate fake hash to prevent timing based attacks.
		bcrypt.GenerateFromPassword([]byte(name), a.hashCost) //nolint:errcheck
	} else if bcrypt.CompareHashAndPassword(user.Password, []byte(pass)) == nil {
		res = auth.ValidateResponse{IsValid: true, User: user}
	}

	a.mu.Lock()
	a.authCache[header] = res
	a.mu.Unlock()
	return res
}

func (a *Authenticator) userByName(name string) (auth.Account, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, u := range a.accounts {
		if u.Username == name {
			return u, true
		}
	}
	return auth.Account{}, false
}

// Modified from net/http Request.BasicAuth.
func parseBasicAuth(str string) (username, password string) {
	const prefix = "Basic "
	if len(str) < len(prefix) || !strings.EqualFold(str[:len(prefix)], prefix) {
		return "", ""
	}
	c, err := base64.StdEncoding.DecodeString(str[len(prefix):])
	if err != nil {
		return "", ""
	}
	username, password, ok := strings.Cut(string(c), ":")
	if !ok {
		return "", ""
	}
	return username, password
}

func genToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// UsersList returns a obfuscated user list.
func (a *Authenticator) UsersList() map[string]auth.AccountObfuscated {
	a.mu.Lock()
	defer a.mu.Unlock()

	list := make(map[string]auth.AccountObfuscated)
	for id, user := range a.accounts {
		list[id] = auth.AccountObfuscated{
			ID:       user.ID,
			Username: user.Username,
			IsAdmin:  user.IsAdmin,
		}
	}
	return list
}

// Errors.
var (
	ErrIDMissing       = errors.New("missing ID")
	ErrUsernameMissing = errors.New("missing username")
	ErrUsernameTaken   = errors.New("username is taken")
	ErrPasswordMissing = errors.New("password is required for new users")
	ErrUserNotExist    = errors.New("user does not exist")
)

// UserSet creates or updates a user.
func (a *Authenticator) UserSet(req auth.SetUserRequest) error {
	if req.ID == "" {
		return ErrIDMissing
	}
	if req.Username == "" {
		return ErrUsernameMissing
	}

	a.mu.Lock()
	user, exists := a.accounts[req.ID]
	if !exists && req.PlainPassword == "" {
		a.mu.Unlock()
		return ErrPasswordMissing
	}
	for id, u := range a.accounts {
		if id != req.ID && u.Username == req.Username {
			a.mu.Unlock()
			return ErrUsernameTaken
		}
	}
	a.mu.Unlock()

	user.ID = req.ID
	user.Username = req.Username
	user.IsAdmin = req.IsAdmin
	if req.PlainPassword != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(req.PlainPassword), a.hashCost)
		if err != nil {
			return fmt.Errorf("hash password: %w", err)
		}
		user.Password = hash
	}

	token, err := genToken()
	if err != nil {
		return err
	}
	user.Token = token

	a.mu.Lock()
	defer a.mu.Unlock()

	a.accounts[user.ID] = user
	a.authCache = make(map[string]auth.ValidateResponse)

	if err := a.saveUsersToFile(); err != nil {
		return fmt.Errorf("save users to file: %w", err)
	}
	return nil
}

// UserDelete deletes user by id.
func (a *Authenticator) UserDelete(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.accounts[id]; !exists {
		return ErrUserNotExist
	}
	delete(a.accounts, id)
	a.authCache = make(map[string]auth.ValidateResponse)

	if err := a.saveUsersToFile(); err != nil {
		return fmt.Errorf("save users to file: %w", err)
	}
	return nil
}

func (a *Authenticator) saveUsersToFile() error {
	users, err := json.MarshalIndent(a.accounts, "", "    ")
	if err != nil {
		return err
	}
	return os.WriteFile(a.path, users, 0o600)
}

func (a *Authenticator) logFailure(r *http.Request) {
	if header := r.Header.Get("Authorization"); header != "" {
		username, _ := parseBasicAuth(header)
		auth.LogFailedLogin(a.logger, r, username)
	}
}

// User blocks unauthorized requests and prompts for login.
func (a *Authenticator) User(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.ValidateRequest(r).IsValid {
			a.logFailure(r)
			w.Header().Set("WWW-Authenticate", `Basic realm="NVR"`)
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Admin blocks requests from non-admin users.
func (a *Authenticator) Admin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		if !res.IsValid || !res.User.IsAdmin {
			a.logFailure(r)
			w.Header().Set("WWW-Authenticate", `Basic realm="NVR"`)
			http.Error(w, "Unauthorized.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CSRF blocks requests without the token of the user.
func (a *Authenticator) CSRF(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := a.ValidateRequest(r)
		token := r.Header.Get("X-CSRF-TOKEN")
		if !res.IsValid || token == "" || token != res.User.Token {
			http.Error(w, "Invalid CSRF-token.", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// MyToken return CSRF token for requesting user.
func (a *Authenticator) MyToken() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := a.ValidateRequest(r).User.Token
		if token == "" {
			http.Error(w, "token does not exist", http.StatusInternalServerError)
			return
		}
		if _, err := w.Write([]byte(token)); err != nil {
			http.Error(w, "could not write", http.StatusInternalServerError)
			return
		}
	})
}
