// Package store implements C1: read/write of the three on-disk documents
// — setup (read-only), config, and auth tokens.
//
// The config file and the auth-tokens file are mutated by the session
// controller only, and every write is a whole-file replacement rather
// than an incremental update.
package store

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/juju/errors"
	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/domain/session"
	"github.com/fieldlink/ctrld/internal/domain/setup"
)

// Store owns the on-disk documents. All writes are whole-file replacements
// guarded by mu; reads return defensive copies so callers (the router's
// single event-loop task) can hold the returned value across a suspension
// point without the store racing underneath them.
type Store struct {
	log *zap.Logger

	setupPath  string
	configPath string
	tokensPath string

	mu     sync.Mutex
	setup  *setup.Setup
	config session.Config
	tokens session.AuthTokens
}

// Open loads setup, config, and auth tokens from disk. A missing config or
// tokens file is treated as an empty document (first-run); a missing setup
// file is fatal — the daemon cannot run without it.
func Open(log *zap.Logger, setupPath, configPath, tokensPath string) (*Store, error) {
	st := &Store{
		log:        log.Named("store"),
		setupPath:  setupPath,
		configPath: configPath,
		tokensPath: tokensPath,
		tokens:     session.AuthTokens{},
	}

	su, err := setup.Load(setupPath)
	if err != nil {
		return nil, errors.Annotate(err, "load setup")
	}
	st.setup = su

	if data, err := os.ReadFile(configPath); err == nil {
		if err := json.Unmarshal(data, &st.config); err != nil {
			return nil, errors.Annotate(err, "decode config document")
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "read config document")
	}

	if data, err := os.ReadFile(tokensPath); err == nil {
		if err := json.Unmarshal(data, &st.tokens); err != nil {
			return nil, errors.Annotate(err, "decode auth tokens document")
		}
	} else if !os.IsNotExist(err) {
		return nil, errors.Annotate(err, "read auth tokens document")
	}

	return st, nil
}

// Setup returns the read-only setup document. It is never mutated after
// Open, so no lock is needed.
func (st *Store) Setup() *setup.Setup { return st.setup }

// Config returns a copy of the current config document.
func (st *Store) Config() session.Config {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.config.Clone()
}

// SaveConfig persists cfg as the new config document (whole-file
// replacement) and updates the in-memory copy.
func (st *Store) SaveConfig(cfg session.Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return errors.Annotate(err, "encode config document")
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if err := os.WriteFile(st.configPath, data, 0o600); err != nil {
		return errors.Annotate(err, "write config document")
	}
	st.config = cfg
	return nil
}

// Tokens returns a copy of the persistent token set.
func (st *Store) Tokens() session.AuthTokens {
	st.mu.Lock()
	defer st.mu.Unlock()
	out := make(session.AuthTokens, len(st.tokens))
	for k, v := range st.tokens {
		out[k] = v
	}
	return out
}

// AddToken adds token to the persistent set and flushes it to disk.
func (st *Store) AddToken(token string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.tokens[token] = true
	return st.flushTokensLocked()
}

// RemoveToken removes token from the persistent set (no-op if absent) and,
// if it was present, flushes the set to disk.
func (st *Store) RemoveToken(token string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, ok := st.tokens[token]; !ok {
		return nil
	}
	delete(st.tokens, token)
	return st.flushTokensLocked()
}

// HasToken reports whether token is in the persistent set.
func (st *Store) HasToken(token string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.tokens[token]
}

func (st *Store) flushTokensLocked() error {
	data, err := json.Marshal(st.tokens)
	if err != nil {
		return errors.Annotate(err, "encode auth tokens document")
	}
	if err := os.WriteFile(st.tokensPath, data, 0o600); err != nil {
		return errors.Annotate(err, "write auth tokens document")
	}
	return nil
}
