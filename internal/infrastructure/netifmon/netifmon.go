// Package netifmon implements C3: periodically enumerate local IPv4
// interfaces, compute transmit deltas, and maintain per-interface enable
// flags.
//
// Interface enumeration and IPv4/scope classification runs on a continuous
// 1s poll loop that tracks cumulative tx-bytes per interface and computes
// the per-tick delta.
package netifmon

import (
	"net"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/ordered"
)

// Entry is one interface's current state.
type Entry struct {
	Name    string
	Addr    string
	TxBytes uint64
	Delta   uint64
	Enabled bool
}

// excludedPrefixes are interface-name prefixes never surfaced to clients:
// loopback, docker-bridge, and veth. A reimplementation should make this a
// configurable allow/deny list; this is the fixed default set.
var excludedPrefixes = []string{"lo", "docker", "br-", "veth"}

// wirelessPrefixes names the interface naming convention netifmon uses to
// recognize a wireless device's MAC+IP pair worth feeding to the Wi-Fi
// device index.
var wirelessPrefixes = []string{"wlan", "wlp"}

// Monitor owns the interface table. It is mutated by Poll (once per second
// from Run) and by SetEnabled (from WS handlers); both take mu for writing,
// and the snapshot/read paths take it for reading.
type Monitor struct {
	log *zap.Logger

	mu      sync.RWMutex
	table   *ordered.Store[string, Entry]
	readTx  func() (map[string]ifaceSample, error)
	WifiObs func(name, mac, ip string) // optional hook into the Wi-Fi device index
}

type ifaceSample struct {
	addr string
	mac  string
	tx   uint64
}

func New(log *zap.Logger) *Monitor {
	return &Monitor{
		log:    log.Named("netifmon"),
		table:  ordered.New[string, Entry](func(a, b string) bool { return a < b }),
		readTx: readSamples,
	}
}

// Poll performs one scan: classify interfaces, compute deltas, preserve
// enable flags, and drop entries the OS no longer reports.
func (m *Monitor) Poll() (map[string]Entry, bool) {
	samples, err := m.readTx()
	if err != nil {
		m.log.Warn("interface enumeration failed", zap.Error(err))
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	changed := false
	seen := make(map[string]bool, len(samples))

	for name, s := range samples {
		if excluded(name) {
			continue
		}
		seen[name] = true

		prev, existed := m.table.Get(name)
		enabled := true
		if existed {
			enabled = prev.Enabled
		}

		delta := uint64(0)
		if existed && s.tx > prev.TxBytes {
			delta = s.tx - prev.TxBytes
		}

		if !existed || prev.Addr != s.addr {
			changed = true
		}

		m.table.Upsert(name, Entry{
			Name:    name,
			Addr:    s.addr,
			TxBytes: s.tx,
			Delta:   delta,
			Enabled: enabled,
		})

		if m.WifiObs != nil && isWireless(name) && s.mac != "" {
			m.WifiObs(name, s.mac, s.addr)
		}
	}

	for _, name := range append([]string{}, m.table.Keys()...) {
		if !seen[name] {
			m.table.Delete(name)
		}
	}

	return m.snapshotLocked(), changed
}

// Snapshot returns a defensive copy of the current table.
func (m *Monitor) Snapshot() map[string]Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshotLocked()
}

func (m *Monitor) snapshotLocked() map[string]Entry {
	out := make(map[string]Entry, m.table.Len())
	m.table.Each(func(k string, v Entry) { out[k] = v })
	return out
}

// SetEnabled is a no-op unless both name and ip match the current entry,
// and a rejected disable if it would leave zero enabled interfaces.
//
// Returns (applied, wouldDisableAll).
func (m *Monitor) SetEnabled(name, ip string, enabled bool) (applied bool, disablesAll bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.table.Get(name)
	if !ok || cur.Addr != ip {
		return false, false
	}

	if !enabled {
		othersEnabled := 0
		for _, k := range m.table.Keys() {
			e, _ := m.table.Get(k)
			if e.Name != name && e.Enabled {
				othersEnabled++
			}
		}
		if othersEnabled == 0 {
			return false, true
		}
	}

	cur.Enabled = enabled
	m.table.Upsert(name, cur)
	return true, false
}

// EnabledAddrs returns the IPv4 addresses of every currently-enabled
// interface, used by C6's updateUplinks() to rewrite the uplink-IP file.
func (m *Monitor) EnabledAddrs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, k := range m.table.Keys() {
		e, _ := m.table.Get(k)
		if e.Enabled && e.Addr != "" {
			out = append(out, e.Addr)
		}
	}
	sort.Strings(out)
	return out
}

func excluded(name string) bool {
	for _, p := range excludedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

func isWireless(name string) bool {
	for _, p := range wirelessPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// readSamples enumerates interfaces via net.Interfaces, classifying the
// first global-scope IPv4 address per interface, the same way the
// teacher's listInterfaces does. Cumulative tx-bytes come from
// /sys/class/net/<name>/statistics/tx_bytes (see sysfs.go) since the
// standard library exposes no counters.
func readSamples() (map[string]ifaceSample, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make(map[string]ifaceSample, len(ifaces))
	for _, ifc := range ifaces {
		addrs, _ := ifc.Addrs()
		var v4 string
		for _, a := range addrs {
			var ip net.IP
			switch v := a.(type) {
			case *net.IPNet:
				ip = v.IP
			case *net.IPAddr:
				ip = v.IP
			default:
				continue
			}
			if ip.IsLoopback() {
				continue
			}
			if ip4 := ip.To4(); ip4 != nil {
				if ip4[0] == 169 && ip4[1] == 254 {
					continue // link-local
				}
				v4 = ip4.String()
				break
			}
		}
		if v4 == "" {
			continue
		}

		tx, _ := readTxBytes(ifc.Name)
		out[ifc.Name] = ifaceSample{addr: v4, mac: ifc.HardwareAddr.String(), tx: tx}
	}
	return out, nil
}

// pollInterval is the fixed poll cadence.
const pollInterval = time.Second
