package update

import (
	"context"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeHub struct {
	mu         sync.Mutex
	broadcasts []map[string]any
}

func (f *fakeHub) Broadcast(_ string, payload any, _ int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := payload.(map[string]any); ok {
		f.broadcasts = append(f.broadcasts, m)
	}
}

func (f *fakeHub) last() map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.broadcasts) == 0 {
		return nil
	}
	return f.broadcasts[len(f.broadcasts)-1]
}

type fakeStreaming struct{ streaming bool }

func (f *fakeStreaming) IsStreaming() bool { return f.streaming }

func TestMaybeRefresh_SkipsWhenDisabled(t *testing.T) {
	hub := &fakeHub{}
	o := New(zap.NewNop(), false, true, hub, &fakeStreaming{}, nil, nil)
	o.MaybeRefresh(context.Background())
	assert.Empty(t, hub.broadcasts)
}

func TestMaybeRefresh_SkipsWhileStreaming(t *testing.T) {
	hub := &fakeHub{}
	o := New(zap.NewNop(), true, true, hub, &fakeStreaming{streaming: true}, nil, nil)
	o.runSimulate = func(context.Context) (string, error) { t.Fatal("should not run"); return "", nil }
	o.MaybeRefresh(context.Background())
	assert.Empty(t, hub.broadcasts)
}

func TestMaybeRefresh_RunsAndBroadcastsWithNoRedis(t *testing.T) {
	hub := &fakeHub{}
	o := New(zap.NewNop(), true, true, hub, &fakeStreaming{}, nil, nil)
	o.runSimulate = func(context.Context) (string, error) {
		return "3 upgraded, 0 newly installed, 0 to remove and 0 not upgraded.\nNeed to get 1.0 MB of archives.\n", nil
	}
	o.MaybeRefresh(context.Background())

	info, ok := o.AvailableUpdates()
	require.True(t, ok)
	assert.Equal(t, 3, info.PackageCount)
	assert.Equal(t, int64(1000000), info.DownloadSize)
	require.NotEmpty(t, hub.broadcasts)
}

func TestDoUpdate_RejectsWhileStreaming(t *testing.T) {
	o := New(zap.NewNop(), true, true, &fakeHub{}, &fakeStreaming{streaming: true}, nil, nil)
	err := o.DoUpdate(context.Background())
	assert.Error(t, err)
}

func TestDoUpdate_RejectsWhenDisabled(t *testing.T) {
	o := New(zap.NewNop(), false, true, &fakeHub{}, &fakeStreaming{}, nil, nil)
	err := o.DoUpdate(context.Background())
	assert.Error(t, err)
}

func TestDoUpdate_RunsProgressAndExitsOnSuccess(t *testing.T) {
	hub := &fakeHub{}
	var exitCode int
	var exited bool
	var mu sync.Mutex

	o := New(zap.NewNop(), true, true, hub, &fakeStreaming{}, nil, func(code int) {
		mu.Lock()
		exited = true
		exitCode = code
		mu.Unlock()
	})
	o.catalog = CatalogInfo{PackageCount: 1}
	o.runUpgrade = func(ctx context.Context) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "printf", "Get:1 http://example test\nUnpacking test ...\nSetting up test ...\n"), nil
	}

	require.NoError(t, o.DoUpdate(context.Background()))

	deadline := time.Now().Add(2 * time.Second)
	for o.IsUpdating() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	assert.False(t, o.IsUpdating())

	mu.Lock()
	defer mu.Unlock()
	assert.True(t, exited)
	assert.Equal(t, 0, exitCode)
	assert.NotNil(t, hub.last())
}

func TestDoUpdate_RejectsConcurrent(t *testing.T) {
	o := New(zap.NewNop(), true, true, &fakeHub{}, &fakeStreaming{}, nil, nil)
	o.runUpgrade = func(ctx context.Context) (*exec.Cmd, error) {
		return exec.CommandContext(ctx, "sleep", "1"), nil
	}

	require.NoError(t, o.DoUpdate(context.Background()))
	err := o.DoUpdate(context.Background())
	assert.Error(t, err)
}
