package netifmon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestMonitor(samples map[string]ifaceSample) *Monitor {
	m := New(zap.NewNop())
	m.readTx = func() (map[string]ifaceSample, error) { return samples, nil }
	return m
}

func TestPoll_ComputesDeltaAndPreservesEnabled(t *testing.T) {
	m := newTestMonitor(map[string]ifaceSample{
		"eth0": {addr: "10.0.0.1", tx: 1000},
	})

	table, _ := m.Poll()
	require.Contains(t, table, "eth0")
	assert.Equal(t, uint64(0), table["eth0"].Delta)
	assert.True(t, table["eth0"].Enabled)

	ok, disablesAll := m.SetEnabled("eth0", "10.0.0.1", false)
	assert.True(t, disablesAll)
	assert.False(t, ok)

	m.readTx = func() (map[string]ifaceSample, error) {
		return map[string]ifaceSample{"eth0": {addr: "10.0.0.1", tx: 1500}}, nil
	}
	table, _ = m.Poll()
	assert.Equal(t, uint64(500), table["eth0"].Delta)
	assert.True(t, table["eth0"].Enabled, "enabled flag must persist across polls")
}

func TestPoll_DropsDisappearedInterfaces(t *testing.T) {
	m := newTestMonitor(map[string]ifaceSample{
		"eth0": {addr: "10.0.0.1", tx: 100},
		"eth1": {addr: "10.0.0.2", tx: 200},
	})
	table, _ := m.Poll()
	require.Len(t, table, 2)

	m.readTx = func() (map[string]ifaceSample, error) {
		return map[string]ifaceSample{"eth0": {addr: "10.0.0.1", tx: 150}}, nil
	}
	table, _ = m.Poll()
	assert.Len(t, table, 1)
	assert.NotContains(t, table, "eth1")
}

func TestSetEnabled_RejectsDisablingLastInterface(t *testing.T) {
	m := newTestMonitor(map[string]ifaceSample{
		"eth0": {addr: "10.0.0.1", tx: 0},
	})
	m.Poll()

	ok, disablesAll := m.SetEnabled("eth0", "10.0.0.1", false)
	assert.False(t, ok)
	assert.True(t, disablesAll)
}

func TestSetEnabled_AcceptsWithSecondInterfaceEnabled(t *testing.T) {
	m := newTestMonitor(map[string]ifaceSample{
		"eth0": {addr: "10.0.0.1", tx: 0},
		"eth1": {addr: "10.0.0.2", tx: 0},
	})
	m.Poll()

	ok, disablesAll := m.SetEnabled("eth0", "10.0.0.1", false)
	assert.True(t, ok)
	assert.False(t, disablesAll)
}

func TestSetEnabled_NoopOnMismatchedAddr(t *testing.T) {
	m := newTestMonitor(map[string]ifaceSample{
		"eth0": {addr: "10.0.0.1", tx: 0},
	})
	m.Poll()

	ok, _ := m.SetEnabled("eth0", "10.0.0.99", false)
	assert.False(t, ok)
}

func TestExcludedPrefixes(t *testing.T) {
	m := newTestMonitor(map[string]ifaceSample{
		"lo":      {addr: "127.0.0.1", tx: 0},
		"docker0": {addr: "172.17.0.1", tx: 0},
		"eth0":    {addr: "10.0.0.1", tx: 0},
	})
	table, _ := m.Poll()
	assert.Len(t, table, 1)
	assert.Contains(t, table, "eth0")
}
