package sshctl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/domain/session"
)

type fakeStore struct{ cfg session.Config }

func (f *fakeStore) Config() session.Config            { return f.cfg }
func (f *fakeStore) SaveConfig(c session.Config) error { f.cfg = c; return nil }

func newTestController(t *testing.T) (*Controller, *fakeStore) {
	store := &fakeStore{}
	c := New(zap.NewNop(), "fieldlink", store, nil)
	require.NotNil(t, c)
	var applied string
	c.runPasswd = func(username, password string) error {
		assert.Equal(t, "fieldlink", username)
		applied = password
		return nil
	}
	c.readShadowHash = func(username string) (string, error) {
		return "hash-of-" + applied, nil
	}
	return c, store
}

func TestNew_NilWhenUsernameEmpty(t *testing.T) {
	c := New(zap.NewNop(), "", &fakeStore{}, nil)
	assert.Nil(t, c)
}

func TestResetPassword_PersistsPlaintextAndHash(t *testing.T) {
	c, store := newTestController(t)

	password, err := c.ResetPassword()
	require.NoError(t, err)
	assert.Len(t, password, 20)
	assert.Equal(t, password, store.cfg.SSHPass)
	assert.Equal(t, "hash-of-"+password, store.cfg.SSHPassHash)
}

func TestPoll_DetectsOutOfBandChange(t *testing.T) {
	c, store := newTestController(t)
	_, err := c.ResetPassword()
	require.NoError(t, err)

	status, changed := c.Poll()
	assert.True(t, changed, "first poll after reset always reports a transition")
	assert.False(t, status.UserPass)

	store.cfg.SSHPassHash = "some-other-hash"
	c.readShadowHash = func(string) (string, error) { return "changed-hash", nil }

	status, changed = c.Poll()
	assert.True(t, changed)
	assert.True(t, status.UserPass)
}

func TestPoll_NoChangeReportsFalse(t *testing.T) {
	c, store := newTestController(t)
	store.cfg.SSHPassHash = "stable-hash"
	c.readShadowHash = func(string) (string, error) { return "stable-hash", nil }

	_, changed := c.Poll()
	assert.True(t, changed, "first poll transitions from the zero value")

	_, changed = c.Poll()
	assert.False(t, changed)
}

func TestStartSSH_ResetsPasswordIfNoneRecorded(t *testing.T) {
	c, store := newTestController(t)
	require.Empty(t, store.cfg.SSHPass)

	require.NoError(t, c.StartSSH())
	assert.NotEmpty(t, store.cfg.SSHPass)
}
