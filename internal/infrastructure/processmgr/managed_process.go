package processmgr

import (
	"context"
	"sync/atomic"
	"time"
)

// managedProcess holds supervision state for one named child.
type managedProcess struct {
	name            string
	argv            []string
	restartCooldown time.Duration
	ctx             context.Context
	cancel          context.CancelFunc
	pid             atomic.Int64
}

func newManagedProcess(name string, argv []string, restartCooldown time.Duration) *managedProcess {
	ctx, cancel := context.WithCancel(context.Background())
	return &managedProcess{
		name:            name,
		argv:            argv,
		restartCooldown: restartCooldown,
		ctx:             ctx,
		cancel:          cancel,
	}
}
