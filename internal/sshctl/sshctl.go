// Package sshctl implements C11: start/stop the SSH service, randomize
// the managed account's password, and detect an out-of-band password
// change by comparing /etc/shadow hashes.
package sshctl

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/elgs/gostrgen"
	"github.com/godbus/dbus/v5"
	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/domain/session"
)

const sshUnit = "ssh.service"

// ConfigStore is the C1 surface sshctl reads/persists ssh_pass and
// ssh_pass_hash through.
type ConfigStore interface {
	Config() session.Config
	SaveConfig(session.Config) error
}

// Status mirrors the wire `status.ssh` object.
type Status struct {
	Username string
	Active   bool
	UserPass bool // true once /etc/shadow diverges from what the daemon last set
}

// Controller implements C11 for one managed Linux account.
type Controller struct {
	log      *zap.Logger
	username string
	store    ConfigStore
	systemd  *systemdManager

	runPasswd func(username, password string) error
	readShadowHash func(username string) (string, error)

	lastStatus Status
}

// New returns a Controller managing username, or nil if username is
// empty (SSH control disabled per setup.ssh_username).
func New(log *zap.Logger, username string, store ConfigStore, dbusConn *dbus.Conn) *Controller {
	if username == "" {
		return nil
	}
	c := &Controller{
		log:      log.Named("sshctl"),
		username: username,
		store:    store,
	}
	if dbusConn != nil {
		c.systemd = newSystemdManager(dbusConn)
	}
	c.runPasswd = c.defaultRunPasswd
	c.readShadowHash = defaultReadShadowHash
	return c
}

// StartSSH resets the password first if none has been recorded in
// config, then enables the service.
func (c *Controller) StartSSH() error {
	cfg := c.store.Config()
	if cfg.SSHPass == "" {
		if _, err := c.ResetPassword(); err != nil {
			return fmt.Errorf("reset password before start: %w", err)
		}
	}
	if c.systemd == nil {
		return nil
	}
	_, err := c.systemd.StartUnit(sshUnit)
	return err
}

// StopSSH disables the service.
func (c *Controller) StopSSH() error {
	if c.systemd == nil {
		return nil
	}
	_, err := c.systemd.StopUnit(sshUnit)
	return err
}

// ResetPassword generates a fresh 20-character alphanumeric password,
// applies it via chpasswd, and records both the plaintext and the new
// shadow hash in config.
func (c *Controller) ResetPassword() (string, error) {
	password, err := gostrgen.RandGen(20, gostrgen.Lower|gostrgen.Upper|gostrgen.Digit, "", "")
	if err != nil {
		return "", fmt.Errorf("generate ssh password: %w", err)
	}

	if err := c.runPasswd(c.username, password); err != nil {
		return "", fmt.Errorf("apply ssh password: %w", err)
	}

	hash, err := c.readShadowHash(c.username)
	if err != nil {
		c.log.Warn("read shadow hash after reset failed", zap.Error(err))
	}

	cfg := c.store.Config()
	cfg.SSHPass = password
	cfg.SSHPassHash = hash
	if err := c.store.SaveConfig(cfg); err != nil {
		return "", fmt.Errorf("persist ssh password: %w", err)
	}
	return password, nil
}

// Poll recomputes Status and reports it plus whether it differs from
// the last call, so the caller only broadcasts on change.
func (c *Controller) Poll() (Status, bool) {
	cfg := c.store.Config()

	active := false
	if c.systemd != nil {
		if a, err := c.systemd.IsActive(sshUnit); err == nil {
			active = a
		} else {
			c.log.Debug("ssh active-state check failed", zap.Error(err))
		}
	}

	userPass := false
	if cfg.SSHPassHash != "" {
		if hash, err := c.readShadowHash(c.username); err == nil {
			userPass = hash != cfg.SSHPassHash
		}
	}

	status := Status{Username: c.username, Active: active, UserPass: userPass}
	changed := status != c.lastStatus
	c.lastStatus = status
	return status, changed
}

func (c *Controller) defaultRunPasswd(username, password string) error {
	cmd := exec.Command("chpasswd")
	cmd.Stdin = strings.NewReader(fmt.Sprintf("%s:%s\n", username, password))
	return cmd.Run()
}

func defaultReadShadowHash(username string) (string, error) {
	f, err := os.Open("/etc/shadow")
	if err != nil {
		return "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.SplitN(scanner.Text(), ":", 3)
		if len(fields) >= 2 && fields[0] == username {
			return fields[1], nil
		}
	}
	return "", fmt.Errorf("user %q not found in /etc/shadow", username)
}
