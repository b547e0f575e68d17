package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/domain/session"
)

type fakeStore struct {
	cfg       session.Config
	persisted map[string]bool
}

func newFakeStore() *fakeStore { return &fakeStore{persisted: map[string]bool{}} }

func (f *fakeStore) Config() session.Config            { return f.cfg }
func (f *fakeStore) SaveConfig(c session.Config) error { f.cfg = c; return nil }
func (f *fakeStore) AddToken(t string) error            { f.persisted[t] = true; return nil }
func (f *fakeStore) RemoveToken(t string) error         { delete(f.persisted, t); return nil }
func (f *fakeStore) HasToken(t string) bool             { return f.persisted[t] }

func TestSetPassword_RejectsShort(t *testing.T) {
	m := New(zap.NewNop(), newFakeStore())
	err := m.SetPassword("short")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Minimum password length")
}

func TestSetPasswordThenVerify(t *testing.T) {
	m := New(zap.NewNop(), newFakeStore())
	require.NoError(t, m.SetPassword("hunter2x"))

	assert.True(t, m.VerifyPassword("hunter2x"))
	assert.False(t, m.VerifyPassword("wrong"))
}

func TestVerifyPassword_NoneConfigured(t *testing.T) {
	m := New(zap.NewNop(), newFakeStore())
	assert.False(t, m.VerifyPassword("anything"))
}

func TestCanSetPassword(t *testing.T) {
	m := New(zap.NewNop(), newFakeStore())
	assert.True(t, m.CanSetPassword(false, false), "no password yet, local connection")
	assert.False(t, m.CanSetPassword(false, true), "no password yet, but via remote tunnel")

	require.NoError(t, m.SetPassword("hunter2x"))
	assert.False(t, m.CanSetPassword(false, false), "password configured, unauthenticated")
	assert.True(t, m.CanSetPassword(true, false), "already authenticated")
	assert.True(t, m.CanSetPassword(true, true), "already authenticated, even via remote")
}

func TestIssueToken_TransientNotInStore(t *testing.T) {
	store := newFakeStore()
	m := New(zap.NewNop(), store)

	tok, err := m.IssueToken(false)
	require.NoError(t, err)
	assert.False(t, store.persisted[tok])
	assert.True(t, m.VerifyToken(tok))
}

func TestIssueToken_PersistentInStore(t *testing.T) {
	store := newFakeStore()
	m := New(zap.NewNop(), store)

	tok, err := m.IssueToken(true)
	require.NoError(t, err)
	assert.True(t, store.persisted[tok])
	assert.True(t, m.VerifyToken(tok))
}

func TestLogout_RemovesFromBothSets(t *testing.T) {
	store := newFakeStore()
	m := New(zap.NewNop(), store)

	transient, err := m.IssueToken(false)
	require.NoError(t, err)
	persistent, err := m.IssueToken(true)
	require.NoError(t, err)

	m.Logout(transient)
	m.Logout(persistent)

	assert.False(t, m.VerifyToken(transient))
	assert.False(t, m.VerifyToken(persistent))
}

func TestVerifyToken_UnknownRejected(t *testing.T) {
	m := New(zap.NewNop(), newFakeStore())
	assert.False(t, m.VerifyToken("bogus"))
}
