// Package wifimgr implements C4: drive the OS network-manager CLI
// (nmcli) to list/scan/connect/forget wireless networks keyed by hardware
// address.
//
// The refresh/exec shape follows the usual exec.Command-plus-pure-function
// output-parser pattern used elsewhere under internal/infrastructure; the
// device-id lifecycle lives in device_id.go.
package wifimgr

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/ordered"
)

// Network is one visible SSID for a device.
type Network struct {
	Active   bool
	Signal   int
	Security string
	Freq     int
}

// Device is one wireless device, keyed by MAC.
type Device struct {
	ID         int
	IfName     string
	ActiveUUID string
	Networks   map[string]Network // SSID -> Network
	Saved      map[string]string  // SSID -> UUID
}

// NewResult is the outcome of the `new` operation: success, or a
// classified failure.
type NewResult struct {
	OK        bool
	AuthError bool // "secrets required" — bad/missing password
}

// Manager owns the wireless device index. Mutated only by Refresh and the
// operation methods, all called from the router's single event-loop task.
type Manager struct {
	log *zap.Logger

	mu      sync.RWMutex
	devices *ordered.Store[string, *Device] // keyed by MAC
	ids     *deviceIDAllocator

	run func(ctx context.Context, name string, args ...string) (stdout, stderr string, err error)
}

func New(log *zap.Logger) *Manager {
	return &Manager{
		log:     log.Named("wifimgr"),
		devices: ordered.New[string, *Device](func(a, b string) bool { return a < b }),
		ids:     newDeviceIDAllocator(),
		run:     runNmcli,
	}
}

func runNmcli(ctx context.Context, name string, args ...string) (string, string, error) {
	var out, errOut strings.Builder
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	err := cmd.Run()
	return out.String(), errOut.String(), err
}

// Refresh rebuilds the device index in three phases: saved connections,
// scan results, devices.
func (m *Manager) Refresh(ctx context.Context) {
	saved := m.fetchSaved(ctx)
	scans := m.fetchScans(ctx)
	devs := m.fetchDevices(ctx)

	m.mu.Lock()
	defer m.mu.Unlock()

	seen := make(map[string]bool, len(devs))
	for _, d := range devs {
		seen[d.MAC] = true

		dev, ok := m.devices.Get(d.MAC)
		if !ok {
			dev = &Device{ID: m.ids.alloc(), Networks: map[string]Network{}, Saved: map[string]string{}}
			m.devices.Upsert(d.MAC, dev)
		}
		dev.IfName = d.IfName
		dev.ActiveUUID = d.ActiveUUID
	}

	for _, mac := range append([]string{}, m.devices.Keys()...) {
		if !seen[mac] {
			dev, _ := m.devices.Get(mac)
			m.ids.release(dev.ID)
			m.devices.Delete(mac)
		}
	}

	for _, s := range saved {
		dev, ok := m.devices.Get(s.MAC)
		if !ok {
			continue
		}
		dev.Saved[s.SSID] = s.UUID
	}

	for _, mac := range m.devices.Keys() {
		dev, _ := m.devices.Get(mac)
		dev.Networks = make(map[string]Network, len(scans))
	}
	for _, s := range scans {
		for _, mac := range m.devices.Keys() {
			dev, _ := m.devices.Get(mac)
			existing, dup := dev.Networks[s.SSID]
			if dup && existing.Active && !s.Active {
				continue // prefer the entry marked active
			}
			dev.Networks[s.SSID] = Network{Active: s.Active, Signal: s.Signal, Security: s.Security, Freq: s.Freq}
		}
	}
}

func (m *Manager) fetchSaved(ctx context.Context) []savedEntry {
	out, _, err := m.run(ctx, "nmcli", "-t", "-f",
		"name,uuid,type,802-11-wireless.mac-address,802-11-wireless.ssid,timestamp", "con", "show")
	if err != nil {
		m.log.Warn("list saved connections failed", zap.Error(err))
		return nil
	}
	return parseSavedConnections(out)
}

func (m *Manager) fetchScans(ctx context.Context) []scanEntry {
	out, _, err := m.run(ctx, "nmcli", "-t", "-f", "active,ssid,signal,security,freq", "dev", "wifi", "list")
	if err != nil {
		m.log.Warn("wifi scan list failed", zap.Error(err))
		return nil
	}
	return parseScanResults(out)
}

func (m *Manager) fetchDevices(ctx context.Context) []deviceEntry {
	out, _, err := m.run(ctx, "nmcli", "-t", "-f", "device,type,general.hwaddr,general.connection-uuid", "dev", "show")
	if err != nil {
		m.log.Warn("list devices failed", zap.Error(err))
		return nil
	}
	return parseDevices(out)
}

// Snapshot returns a defensive copy keyed by numeric device id.
func (m *Manager) Snapshot() map[int]Device {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[int]Device, m.devices.Len())
	m.devices.Each(func(_ string, d *Device) {
		nets := make(map[string]Network, len(d.Networks))
		for k, v := range d.Networks {
			nets[k] = v
		}
		saved := make(map[string]string, len(d.Saved))
		for k, v := range d.Saved {
			saved[k] = v
		}
		out[d.ID] = Device{ID: d.ID, IfName: d.IfName, ActiveUUID: d.ActiveUUID, Networks: nets, Saved: saved}
	})
	return out
}

// Scan issues a rescan, then schedules follow-up Refresh calls at 1, 3, 5,
// and 10 seconds, since the OS network manager populates results
// asynchronously.
func (m *Manager) Scan(ctx context.Context) {
	_, _, err := m.run(ctx, "nmcli", "dev", "wifi", "rescan")
	if err != nil {
		m.log.Warn("rescan request failed", zap.Error(err))
	}
	m.scheduleFollowups(ctx)
}

func (m *Manager) scheduleFollowups(ctx context.Context) {
	for _, d := range []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second, 10 * time.Second} {
		d := d
		go func() {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-t.C:
				m.Refresh(ctx)
			case <-ctx.Done():
			}
		}()
	}
}

// Connect activates a saved connection by UUID.
func (m *Manager) Connect(ctx context.Context, uuid string) error {
	_, stderr, err := m.run(ctx, "nmcli", "con", "up", "uuid", uuid)
	if err != nil {
		return errf("connect %s: %s", uuid, stderr)
	}
	return nil
}

// Disconnect deactivates a connection by UUID.
func (m *Manager) Disconnect(ctx context.Context, uuid string) error {
	_, stderr, err := m.run(ctx, "nmcli", "con", "down", "uuid", uuid)
	if err != nil {
		return errf("disconnect %s: %s", uuid, stderr)
	}
	return nil
}

// Forget deletes a saved connection profile by UUID.
func (m *Manager) Forget(ctx context.Context, uuid string) error {
	_, stderr, err := m.run(ctx, "nmcli", "con", "delete", "uuid", uuid)
	if err != nil {
		return errf("forget %s: %s", uuid, stderr)
	}
	return nil
}

// New connects to ssid, optionally with password, under a 15s timeout.
// On failure it classifies auth vs generic and garbage-collects
// never-successful profiles (timestamp 0).
func (m *Manager) New(ctx context.Context, deviceID int, ssid, password string) NewResult {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	args := []string{"dev", "wifi", "connect", ssid}
	if password != "" {
		args = append(args, "password", password)
	}

	_, stderr, err := m.run(ctx, "nmcli", args...)
	if err == nil {
		return NewResult{OK: true}
	}

	go m.gcNeverConnected(context.Background())
	return NewResult{OK: false, AuthError: secretsRequired(stderr)}
}

func (m *Manager) gcNeverConnected(ctx context.Context) {
	saved := m.fetchSaved(ctx)
	for _, s := range saved {
		if s.Timestamp == 0 {
			if _, stderr, err := m.run(ctx, "nmcli", "con", "delete", "uuid", s.UUID); err != nil {
				m.log.Debug("gc never-connected profile failed", zap.String("uuid", s.UUID), zap.String("stderr", stderr))
			}
		}
	}
}

func errf(format string, args ...any) error {
	return fmt.Errorf(format, args...)
}
