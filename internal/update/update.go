// Package update implements C10: package-catalog refresh and the
// non-interactive OS upgrade run, gated behind setup.UpgradesEnabled.
package update

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	refreshInterval    = time.Hour
	refreshMinInterval = 24 * time.Hour

	lastRefreshKey = "ctrld:update:last_refresh"
)

// StatusBroadcaster is the C8 surface progress and catalog-size changes
// are announced through.
type StatusBroadcaster interface {
	Broadcast(msgType string, payload any, activeMin int64)
}

// StreamingState reports whether C6 is currently streaming; doUpdate and
// the periodic refresh both defer to it.
type StreamingState interface {
	IsStreaming() bool
}

// CatalogInfo is the last-refreshed simulated-upgrade summary.
type CatalogInfo struct {
	PackageCount int
	DownloadSize int64
}

// Orchestrator owns catalog refresh and upgrade-run state. enabled is
// fixed at construction from setup.UpgradesEnabled; when false every
// method is a no-op and AvailableUpdates always reports false.
type Orchestrator struct {
	log       *zap.Logger
	enabled   bool
	restartOnSuccess bool
	hub       StatusBroadcaster
	streaming StreamingState
	rdb       *redis.Client
	sf        singleflight.Group
	exit      func(code int)

	mu       sync.Mutex
	updating bool
	progress Progress
	catalog  CatalogInfo

	runSimulate func(ctx context.Context) (string, error)
	runUpgrade  func(ctx context.Context) (*exec.Cmd, error)
}

// Progress mirrors the wire `status.updating` counters.
type Progress struct {
	Downloading int `json:"downloading"`
	Unpacking   int `json:"unpacking"`
	SettingUp   int `json:"setting_up"`
	Total       int `json:"total"`
	Result      any `json:"result,omitempty"`
}

func New(log *zap.Logger, enabled, restartOnSuccess bool, hub StatusBroadcaster, streaming StreamingState, rdb *redis.Client, exit func(int)) *Orchestrator {
	o := &Orchestrator{
		log:              log.Named("update"),
		enabled:          enabled,
		restartOnSuccess: restartOnSuccess,
		hub:              hub,
		streaming:        streaming,
		rdb:              rdb,
		exit:             exit,
	}
	o.runSimulate = o.defaultRunSimulate
	o.runUpgrade = o.defaultRunUpgrade
	return o
}

func (o *Orchestrator) Enabled() bool { return o.enabled }

func (o *Orchestrator) AvailableUpdates() (CatalogInfo, bool) {
	if !o.enabled {
		return CatalogInfo{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.catalog, true
}

func (o *Orchestrator) IsUpdating() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.updating
}

// MaybeRefresh refreshes the package catalog if due: not streaming, not
// updating, and the last successful refresh (persisted in Redis so it
// survives a daemon restart) was at least refreshMinInterval ago.
func (o *Orchestrator) MaybeRefresh(ctx context.Context) {
	if !o.enabled || o.streaming.IsStreaming() || o.IsUpdating() {
		return
	}

	last := o.lastRefresh(ctx)
	if time.Since(last) < refreshMinInterval {
		return
	}

	if _, err, _ := o.sf.Do("refresh", func() (any, error) {
		return nil, o.refresh(ctx)
	}); err != nil {
		o.log.Warn("catalog refresh failed, retrying in an hour", zap.Error(err))
	}
}

func (o *Orchestrator) refresh(ctx context.Context) error {
	output, err := o.runSimulate(ctx)
	if err != nil {
		return fmt.Errorf("simulate upgrade: %w", err)
	}

	count, size := ParseSimulateOutput(output)

	o.mu.Lock()
	o.catalog = CatalogInfo{PackageCount: count, DownloadSize: size}
	o.mu.Unlock()

	o.setLastRefresh(ctx, time.Now())
	o.hub.Broadcast("status", map[string]any{
		"available_updates": map[string]any{"package_count": count, "download_size": size},
	}, 0)
	return nil
}

// DoUpdate spawns the upgrader and streams its progress. Rejected while
// streaming or already updating.
func (o *Orchestrator) DoUpdate(ctx context.Context) error {
	if !o.enabled {
		return fmt.Errorf("updates disabled")
	}
	if o.streaming.IsStreaming() {
		return fmt.Errorf("cannot update while streaming")
	}

	o.mu.Lock()
	if o.updating {
		o.mu.Unlock()
		return fmt.Errorf("update already in progress")
	}
	o.updating = true
	o.progress = Progress{Total: o.catalog.PackageCount}
	o.mu.Unlock()

	go o.runUpdate(ctx)
	return nil
}

func (o *Orchestrator) runUpdate(ctx context.Context) {
	defer func() {
		o.mu.Lock()
		o.updating = false
		o.mu.Unlock()
	}()

	cmd, err := o.runUpgrade(ctx)
	if err != nil {
		o.finishUpdate(fmt.Sprintf("spawn upgrader: %v", err))
		return
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		o.finishUpdate(fmt.Sprintf("stdout pipe: %v", err))
		return
	}
	stderrBuf := &lineCapture{}
	cmd.Stderr = stderrBuf

	if err := cmd.Start(); err != nil {
		o.finishUpdate(fmt.Sprintf("start upgrader: %v", err))
		return
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		o.observeLine(scanner.Text())
	}

	if err := cmd.Wait(); err != nil {
		o.finishUpdate(stderrBuf.String())
		return
	}

	o.finishUpdate(nil)
}

func (o *Orchestrator) observeLine(line string) {
	kind, ok := ParseProgressLine(line)
	if !ok {
		return
	}

	o.mu.Lock()
	switch kind {
	case Downloading:
		o.progress.Downloading = clamp(o.progress.Downloading+1, o.progress.Total)
	case Unpacking:
		o.progress.Unpacking = clamp(o.progress.Unpacking+1, o.progress.Total)
	case SettingUp:
		o.progress.SettingUp = clamp(o.progress.SettingUp+1, o.progress.Total)
	}
	snapshot := o.progress
	o.mu.Unlock()

	o.hub.Broadcast("status", map[string]any{"updating": snapshot}, 0)
}

func (o *Orchestrator) finishUpdate(result any) {
	o.mu.Lock()
	o.progress.Result = result
	if result == nil {
		o.progress.Result = 0
	}
	snapshot := o.progress
	o.mu.Unlock()

	o.hub.Broadcast("status", map[string]any{"updating": snapshot}, 0)

	if result == nil && o.restartOnSuccess && o.exit != nil {
		o.exit(0)
	}
}

func (o *Orchestrator) lastRefresh(ctx context.Context) time.Time {
	if o.rdb == nil {
		return time.Time{}
	}
	val, err := o.rdb.Get(ctx, lastRefreshKey).Result()
	if err != nil {
		return time.Time{}
	}
	sec, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

func (o *Orchestrator) setLastRefresh(ctx context.Context, t time.Time) {
	if o.rdb == nil {
		return
	}
	if err := o.rdb.Set(ctx, lastRefreshKey, strconv.FormatInt(t.Unix(), 10), 0).Err(); err != nil {
		o.log.Warn("persist last-refresh timestamp failed", zap.Error(err))
	}
}

func (o *Orchestrator) defaultRunSimulate(ctx context.Context) (string, error) {
	out, err := exec.CommandContext(ctx, "apt-get", "--simulate", "dist-upgrade").CombinedOutput()
	return string(out), err
}

func (o *Orchestrator) defaultRunUpgrade(ctx context.Context) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, "apt-get", "-y", "-o", "Dpkg::Options::=--force-confold", "dist-upgrade"), nil
}

func clamp(v, max int) int {
	if max > 0 && v > max {
		return max
	}
	return v
}

type lineCapture struct {
	buf []byte
}

func (l *lineCapture) Write(p []byte) (int, error) {
	l.buf = append(l.buf, p...)
	return len(p), nil
}

func (l *lineCapture) String() string { return string(l.buf) }
