// Package auth implements the session/auth layer: password set/verify,
// token issue and verification, and per-connection authenticated state.
package auth

import (
	"fmt"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/fieldlink/ctrld/internal/domain/session"
)

const (
	minPasswordLen = 8
	bcryptCost     = 10
)

// ConfigStore is the C1 surface the auth layer reads/writes the password
// hash and persistent token set through.
type ConfigStore interface {
	Config() session.Config
	SaveConfig(session.Config) error
	AddToken(token string) error
	RemoveToken(token string) error
	HasToken(token string) bool
}

// Manager implements C7 against a ConfigStore, plus an in-memory
// transient token set that does not survive a restart.
type Manager struct {
	log   *zap.Logger
	store ConfigStore

	mu        sync.Mutex
	transient map[string]bool
}

func New(log *zap.Logger, store ConfigStore) *Manager {
	return &Manager{
		log:       log.Named("auth"),
		store:     store,
		transient: map[string]bool{},
	}
}

// CanSetPassword reports whether a password-set request from a
// connection with state authenticated/viaRemote is allowed: either the
// connection is already authenticated, or no password is configured yet
// and the request did not arrive via the remote tunnel.
func (m *Manager) CanSetPassword(authenticated, viaRemote bool) bool {
	if authenticated {
		return true
	}
	return !viaRemote && m.store.Config().PasswordHash == ""
}

// SetPassword hashes and persists password. Callers must have already
// checked CanSetPassword.
func (m *Manager) SetPassword(password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("Minimum password length: %d characters", minPasswordLen)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return errors.Annotate(err, "hash password")
	}

	cfg := m.store.Config()
	cfg.PasswordHash = string(hash)
	return m.store.SaveConfig(cfg)
}

// VerifyPassword reports whether password matches the configured hash.
// A daemon with no password configured rejects every password.
func (m *Manager) VerifyPassword(password string) bool {
	hash := m.store.Config().PasswordHash
	if hash == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IssueToken mints a fresh token and adds it to the persistent set if
// persistent is true, or to the transient set otherwise.
func (m *Manager) IssueToken(persistent bool) (string, error) {
	token, err := session.NewToken()
	if err != nil {
		return "", err
	}

	if persistent {
		if err := m.store.AddToken(token); err != nil {
			return "", err
		}
	} else {
		m.mu.Lock()
		m.transient[token] = true
		m.mu.Unlock()
	}
	return token, nil
}

// VerifyToken reports whether token is present in either set.
func (m *Manager) VerifyToken(token string) bool {
	m.mu.Lock()
	inTransient := m.transient[token]
	m.mu.Unlock()
	return inTransient || m.store.HasToken(token)
}

// Logout removes token from both sets.
func (m *Manager) Logout(token string) {
	m.mu.Lock()
	delete(m.transient, token)
	m.mu.Unlock()
	if err := m.store.RemoveToken(token); err != nil {
		m.log.Warn("remove persistent token failed", zap.Error(err))
	}
}

// HasPassword reports whether a password has been configured.
func (m *Manager) HasPassword() bool {
	return m.store.Config().PasswordHash != ""
}
