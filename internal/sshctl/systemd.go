package sshctl

import (
	"fmt"

	"github.com/godbus/dbus/v5"
)

// systemdManager is a client for the systemd Manager D-Bus interface: binds
// to the well-known bus name "org.freedesktop.systemd1" at the object path
// "/org/freedesktop/systemd1", which exports the
// org.freedesktop.systemd1.Manager interface for controlling and
// introspecting units.
type systemdManager struct {
	obj dbus.BusObject
}

func newSystemdManager(conn *dbus.Conn) *systemdManager {
	return &systemdManager{obj: conn.Object("org.freedesktop.systemd1", "/org/freedesktop/systemd1")}
}

// StartUnit requests systemd to start an active unit in "replace" mode.
// Asynchronous: it queues the job and returns the job's object path
// without waiting for the unit to actually become active.
func (m *systemdManager) StartUnit(unit string) (dbus.ObjectPath, error) {
	var jobPath dbus.ObjectPath
	call := m.obj.Call("org.freedesktop.systemd1.Manager.StartUnit", 0, unit, "replace")
	if call.Err != nil {
		return jobPath, fmt.Errorf("StartUnit %q call: %w", unit, call.Err)
	}
	if err := call.Store(&jobPath); err != nil {
		return jobPath, fmt.Errorf("StartUnit %q store: %w", unit, err)
	}
	return jobPath, nil
}

// StopUnit requests systemd to stop an active unit in "replace" mode.
func (m *systemdManager) StopUnit(unit string) (dbus.ObjectPath, error) {
	var jobPath dbus.ObjectPath
	call := m.obj.Call("org.freedesktop.systemd1.Manager.StopUnit", 0, unit, "replace")
	if call.Err != nil {
		return jobPath, fmt.Errorf("StopUnit %q call: %w", unit, call.Err)
	}
	if err := call.Store(&jobPath); err != nil {
		return jobPath, fmt.Errorf("StopUnit %q store: %w", unit, err)
	}
	return jobPath, nil
}

// unitStatus mirrors the tuple returned by Manager.ListUnits:
// (s name, s desc, s load, s active, s sub, s followed, o path, u jobId, s jobType, o jobPath)
type unitStatus struct {
	Name        string
	Description string
	LoadState   string
	ActiveState string
	SubState    string
	Followed    string
	Path        dbus.ObjectPath
	JobId       uint32
	JobType     string
	JobPath     dbus.ObjectPath
}

// IsActive reports whether the named unit's ActiveState is "active".
func (m *systemdManager) IsActive(unit string) (bool, error) {
	var units []unitStatus
	call := m.obj.Call("org.freedesktop.systemd1.Manager.ListUnits", 0)
	if call.Err != nil {
		return false, fmt.Errorf("ListUnits call: %w", call.Err)
	}
	if err := call.Store(&units); err != nil {
		return false, fmt.Errorf("ListUnits store: %w", err)
	}
	for _, u := range units {
		if u.Name == unit {
			return u.ActiveState == "active", nil
		}
	}
	return false, nil
}
