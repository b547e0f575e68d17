// Package pipelines implements pipeline directory discovery; Refresh
// re-scans the tree on demand.
package pipelines

import (
	"crypto/sha1"
	"encoding/hex"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// Entry is one discovered pipeline file.
type Entry struct {
	ID   string // hex-encoded 160-bit hash of "<dir-basename>/<filename>"
	Name string
	Path string
}

// Catalog is the in-memory index of discovered pipelines. The router
// refreshes it once at startup; it is not re-scanned after an OS package
// upgrade.
type Catalog struct {
	log      *zap.Logger
	root     string
	platform string

	mu      sync.RWMutex
	entries map[string]Entry // id -> entry
}

func New(log *zap.Logger, root, platform string) *Catalog {
	return &Catalog{
		log:      log.Named("pipelines"),
		root:     root,
		platform: platform,
		entries:  make(map[string]Entry),
	}
}

// Refresh re-scans the pipeline tree. Returns true if the set of ids
// changed since the last refresh, so the caller knows whether to
// re-broadcast `pipelines`.
func (c *Catalog) Refresh() bool {
	next := make(map[string]Entry)

	scanDir(next, filepath.Join(c.root, "generic"))
	if c.platform != "" {
		scanDir(next, filepath.Join(c.root, c.platform))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	changed := !sameIDSet(c.entries, next)
	c.entries = next
	return changed
}

// Resolve returns the filesystem path for id, or ("", false) if unknown.
func (c *Catalog) Resolve(id string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[id]
	return e.Path, ok
}

// Snapshot returns id -> name, for the `pipelines` broadcast.
func (c *Catalog) Snapshot() map[string]string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]string, len(c.entries))
	for id, e := range c.entries {
		out[id] = e.Name
	}
	return out
}

func scanDir(into map[string]Entry, dir string) {
	base := filepath.Base(dir)
	files, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, f := range files {
		if f.IsDir() {
			continue
		}
		id := hashID(base, f.Name())
		into[id] = Entry{ID: id, Name: f.Name(), Path: filepath.Join(dir, f.Name())}
	}
}

// hashID computes the hex-encoded 160-bit (SHA-1) hash of
// "<dir-basename>/<filename>".
func hashID(base, name string) string {
	sum := sha1.Sum([]byte(base + "/" + name))
	return hex.EncodeToString(sum[:])
}

func sameIDSet(a, b map[string]Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
