package router

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/auth"
	"github.com/fieldlink/ctrld/internal/domain/session"
	"github.com/fieldlink/ctrld/internal/domain/setup"
	"github.com/fieldlink/ctrld/internal/infrastructure/netifmon"
	"github.com/fieldlink/ctrld/internal/infrastructure/wifimgr"
	"github.com/fieldlink/ctrld/internal/pipelines"
	"github.com/fieldlink/ctrld/internal/store"
	"github.com/fieldlink/ctrld/internal/streaming"
	"github.com/fieldlink/ctrld/internal/tunnel"
	"github.com/fieldlink/ctrld/internal/update"
	"github.com/fieldlink/ctrld/internal/wshub"
	"github.com/fieldlink/ctrld/pkg/wire"
)

const testPassword = "hunter2x"

type fakeRunner struct {
	mu       sync.Mutex
	started  []string
	stopped  []string
	signaled []syscall.Signal
}

func (f *fakeRunner) Start(name string, argv []string, cooldown time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, name)
}

func (f *fakeRunner) Stop(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, name)
}

func (f *fakeRunner) SignalByName(name string, sig syscall.Signal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signaled = append(f.signaled, sig)
}

type fakeUplinks struct{ addrs []string }

func (f fakeUplinks) EnabledAddrs() []string { return f.addrs }

// fakePipelines stands in for the pipeline catalog streaming.Validate
// resolves against, decoupled from the router's own internal/pipelines
// catalog so tests don't need real pipeline files on disk.
type fakePipelines struct{}

func (fakePipelines) Resolve(id string) (string, bool) {
	if id == "" {
		return "", false
	}
	return "/pipelines/" + id, true
}

type testHarness struct {
	router      *Router
	store       *store.Store
	runner      *fakeRunner
	bitrateFile string
	wsURL       string
}

func newTestHarness(t *testing.T) *testHarness {
	return newTestHarnessWithUplinks(t, []string{"127.0.0.1"})
}

func newTestHarnessWithUplinks(t *testing.T, addrs []string) *testHarness {
	t.Helper()
	log := zap.NewNop()
	dir := t.TempDir()

	bitrateFile := filepath.Join(dir, "bitrate")
	uplinkFile := filepath.Join(dir, "uplinks")

	setupDoc := setup.Setup{
		Platform:      "generic",
		EncoderPath:   "/usr/bin/encoder",
		BonderPath:    "/usr/bin/bonder",
		PipelineRoot:  dir,
		BitrateFile:   bitrateFile,
		UplinkIPsFile: uplinkFile,
	}
	data, err := json.Marshal(setupDoc)
	require.NoError(t, err)
	setupPath := filepath.Join(dir, "setup.json")
	require.NoError(t, os.WriteFile(setupPath, data, 0o600))

	st, err := store.Open(log, setupPath, filepath.Join(dir, "config.json"), filepath.Join(dir, "tokens.json"))
	require.NoError(t, err)

	runner := &fakeRunner{}
	uplinks := fakeUplinks{addrs: addrs}
	sup := streaming.New(log, st.Setup(), runner, st, uplinks, fakePipelines{})

	hub := wshub.New(log, nil)
	tun := tunnel.New(log, "", uplinks, nil, hub)

	up := update.New(log, false, true, hub, sup, nil, func(int) {})

	r := New(Deps{
		Log:       log,
		Store:     st,
		Netif:     netifmon.New(log),
		Wifi:      wifimgr.New(log),
		Pipelines: pipelines.New(log, dir, "generic"),
		Streaming: sup,
		Auth:      auth.New(log, st),
		Hub:       hub,
		Tunnel:    tun,
		Update:    up,
		SSH:       nil,
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		_ = hub.Serve(w, req, r.OnConnect, r.OnMessage, r.OnClose)
	}))
	t.Cleanup(srv.Close)

	return &testHarness{
		router:      r,
		store:       st,
		runner:      runner,
		bitrateFile: bitrateFile,
		wsURL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func (h *testHarness) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// setPassword drains the set_password status OnConnect sends to the first
// connection of a fresh daemon, then sets the password.
func (h *testHarness) setPassword(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	status := decode[wire.StatusResponse](t, readFrame(t, ws), "status")
	require.True(t, status.SetPassword)
	require.NoError(t, ws.WriteJSON(map[string]any{"config": wire.ConfigRequest{Password: testPassword}}))
}

// login authenticates an already-password-protected daemon and drains the
// auth response plus the four initial-state frames.
func (h *testHarness) login(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]any{"auth": wire.AuthRequest{Password: testPassword}}))
	resp := decode[wire.AuthResponse](t, readFrame(t, ws), "auth")
	require.True(t, resp.Success)
	for i := 0; i < 4; i++ {
		readFrame(t, ws) // status, config, pipelines, netif
	}
}

// authenticate is setPassword+login for a connection on a fresh daemon.
func (h *testHarness) authenticate(t *testing.T, ws *websocket.Conn) {
	t.Helper()
	h.setPassword(t, ws)
	h.login(t, ws)
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame map[string]json.RawMessage
	require.NoError(t, ws.ReadJSON(&frame))
	return frame
}

func decode[T any](t *testing.T, frame map[string]json.RawMessage, key string) T {
	t.Helper()
	var v T
	raw, ok := frame[key]
	require.True(t, ok, "frame missing key %q: %v", key, frame)
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func envelope(t *testing.T, key string, v any) wire.Envelope {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return wire.Envelope{key: raw}
}

func validStartRequest() wire.StartRequest {
	return wire.StartRequest{
		Delay:       0,
		Pipeline:    "p1",
		MaxBR:       3000,
		SRTLatency:  200,
		SRTStreamID: "stream1",
		SRTLAAddr:   "localhost",
		SRTLAPort:   5000,
	}
}

func TestFirstRunSetsPasswordThenAuthenticates(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t)

	h.setPassword(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{"auth": wire.AuthRequest{Password: testPassword}}))

	authResp := decode[wire.AuthResponse](t, readFrame(t, ws), "auth")
	assert.True(t, authResp.Success, "the password set just before this must already be processed: frames on one connection are handled strictly in order")
	assert.NotEmpty(t, h.store.Config().PasswordHash)
	tokenBytes, err := base64.StdEncoding.DecodeString(authResp.AuthToken)
	require.NoError(t, err)
	assert.Len(t, tokenBytes, 32)

	status := decode[wire.StatusResponse](t, readFrame(t, ws), "status")
	assert.False(t, status.SetPassword)

	cfg := decode[session.Config](t, readFrame(t, ws), "config")
	assert.Empty(t, cfg.PasswordHash, "sanitized config omits the password hash")

	readFrame(t, ws) // pipelines
	readFrame(t, ws) // netif
}

func TestConfigPasswordTooShortIsRejected(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t)
	readFrame(t, ws) // initial set_password status

	require.NoError(t, ws.WriteJSON(map[string]any{"config": wire.ConfigRequest{Password: "short"}}))

	notif := decode[wire.NotificationResponse](t, readFrame(t, ws), "notification")
	require.Len(t, notif.Show, 1)
	assert.Equal(t, "Minimum password length: 8 characters", notif.Show[0].Message)
	assert.Empty(t, h.store.Config().PasswordHash)
}

func TestStartRejectsOutOfRangeBitrate(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t)
	h.authenticate(t, ws)

	req := validStartRequest()
	req.MaxBR = 50
	require.NoError(t, ws.WriteJSON(map[string]any{"start": req}))

	notif := decode[wire.NotificationResponse](t, readFrame(t, ws), "notification")
	require.Len(t, notif.Show, 1)
	assert.Equal(t, "invalid bitrate range: 50", notif.Show[0].Message)

	status := decode[wire.StatusResponse](t, readFrame(t, ws), "status")
	assert.False(t, status.IsStreaming)

	assert.Equal(t, streaming.Idle, h.router.streaming.State())
	assert.Empty(t, h.runner.started)
}

// TestStartRejectsNoEnabledUplinks exercises the same rejection a
// disable-every-interface netif request ultimately produces: with zero
// enabled uplinks, Start must refuse and leave the supervisor Idle.
func TestStartRejectsNoEnabledUplinks(t *testing.T) {
	h := newTestHarnessWithUplinks(t, nil)
	ws := h.dial(t)
	h.authenticate(t, ws)

	require.NoError(t, ws.WriteJSON(map[string]any{"start": validStartRequest()}))

	notif := decode[wire.NotificationResponse](t, readFrame(t, ws), "notification")
	require.Len(t, notif.Show, 1)
	assert.Equal(t, "no enabled uplinks", notif.Show[0].Message)

	status := decode[wire.StatusResponse](t, readFrame(t, ws), "status")
	assert.False(t, status.IsStreaming)

	assert.Equal(t, streaming.Idle, h.router.streaming.State())
	assert.Empty(t, h.runner.started)
}

func TestBitrateChangeExcludesSender(t *testing.T) {
	h := newTestHarness(t)

	wsA := h.dial(t)
	h.authenticate(t, wsA)

	wsB := h.dial(t)
	h.login(t, wsB)

	require.NoError(t, wsA.WriteJSON(map[string]any{"start": validStartRequest()}))

	cfgB := decode[session.Config](t, readFrame(t, wsB), "config")
	assert.Equal(t, 3000, cfgB.MaxBR)
	statusB := decode[wire.StatusResponse](t, readFrame(t, wsB), "status")
	assert.True(t, statusB.IsStreaming)

	statusA := decode[wire.StatusResponse](t, readFrame(t, wsA), "status")
	assert.True(t, statusA.IsStreaming)

	require.NoError(t, wsA.WriteJSON(map[string]any{"bitrate": wire.BitrateRequest{MaxBR: 6000}}))

	br := decode[wire.BitrateResponse](t, readFrame(t, wsB), "bitrate")
	assert.Equal(t, 6000, br.MaxBR)

	_ = wsA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	_, _, err := wsA.ReadMessage()
	assert.Error(t, err, "the sender of a bitrate change should not receive its own broadcast")

	data, err := os.ReadFile(h.bitrateFile)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "6000000", lines[1])
}

func TestDispatch_PersistsRemoteAuthAcrossCalls(t *testing.T) {
	h := newTestHarness(t)
	require.NoError(t, h.router.auth.SetPassword(testPassword))

	const sender = "relay-client-1"
	h.router.Dispatch(sender, envelope(t, "auth", wire.AuthRequest{Password: testPassword}), true)

	h.router.remoteMu.Lock()
	token, ok := h.router.remoteTokens[sender]
	h.router.remoteMu.Unlock()
	require.True(t, ok)
	assert.NotEmpty(t, token)

	h.router.Dispatch(sender, envelope(t, "logout", wire.LogoutRequest{}), true)

	h.router.remoteMu.Lock()
	_, ok = h.router.remoteTokens[sender]
	h.router.remoteMu.Unlock()
	assert.False(t, ok, "logout should clear the remembered remote token")
}

func TestRequireAuthenticated_SilentlyDropsUnauthenticatedCommand(t *testing.T) {
	h := newTestHarness(t)
	ws := h.dial(t)
	readFrame(t, ws) // initial set_password status

	require.NoError(t, ws.WriteJSON(map[string]any{"stop": wire.StopRequest{}}))

	// No response is expected; a subsequent keepalive round-trip proves
	// the connection is still alive and the stop frame was simply ignored.
	require.NoError(t, ws.WriteJSON(map[string]any{"keepalive": wire.KeepaliveRequest{}}))
	frame := readFrame(t, ws)
	_, ok := frame["keepalive"]
	assert.True(t, ok)
}
