package netifmon

import (
	"context"
	"time"
)

// OnTick is invoked after each poll with the full table and whether any
// interface's IPv4 address changed (the trigger for §4.2's
// updateUplinks() call while streaming).
type OnTick func(table map[string]Entry, addrChanged bool)

// Run drives Poll on the fixed 1s cadence until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, onTick OnTick) {
	t := time.NewTicker(pollInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			table, changed := m.Poll()
			if table != nil && onTick != nil {
				onTick(table, changed)
			}
		}
	}
}
