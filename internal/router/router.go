// Package router implements C12: top-level message dispatch and the
// daemon's periodic tickers, wiring every other component together on a
// single serial executor (see concurrency model).
package router

import (
	"context"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/auth"
	"github.com/fieldlink/ctrld/internal/infrastructure/netifmon"
	"github.com/fieldlink/ctrld/internal/infrastructure/processmgr"
	"github.com/fieldlink/ctrld/internal/infrastructure/wifimgr"
	"github.com/fieldlink/ctrld/internal/notify"
	"github.com/fieldlink/ctrld/internal/pipelines"
	"github.com/fieldlink/ctrld/internal/sshctl"
	"github.com/fieldlink/ctrld/internal/store"
	"github.com/fieldlink/ctrld/internal/streaming"
	"github.com/fieldlink/ctrld/internal/tunnel"
	"github.com/fieldlink/ctrld/internal/update"
	"github.com/fieldlink/ctrld/internal/wshub"
	"github.com/fieldlink/ctrld/pkg/wire"
)

const activeTimeout = 15 * time.Second

// Router wires every other component together and dispatches wire
// messages to them. Each component guards its own state with its own
// mutex (the preemptive-runtime substitute for a single serial executor);
// Router itself owns no shared state beyond the per-remote-sender
// authentication table below.
type Router struct {
	log *zap.Logger

	store     *store.Store
	logSink   *processmgr.RedisLogSink
	netif     *netifmon.Monitor
	wifi      *wifimgr.Manager
	notify    *notify.Bus
	pipelines *pipelines.Catalog
	streaming *streaming.Supervisor
	auth      *auth.Manager
	hub       *wshub.Hub
	tunnel    *tunnel.Client
	update    *update.Orchestrator
	ssh       *sshctl.Controller

	remoteMu     sync.Mutex
	remoteTokens map[string]string // senderId -> token, for senders authenticated via the tunnel
}

// Deps bundles the constructed C1-C11 components; New wires them into a
// Router and installs itself as C5's sender. Installing it as C9's
// dispatcher is left to the caller (tunnel.Client.SetDispatcher).
type Deps struct {
	Log       *zap.Logger
	Store     *store.Store
	LogSink   *processmgr.RedisLogSink
	Netif     *netifmon.Monitor
	Wifi      *wifimgr.Manager
	Pipelines *pipelines.Catalog
	Streaming *streaming.Supervisor
	Auth      *auth.Manager
	Hub       *wshub.Hub
	Tunnel    *tunnel.Client
	Update    *update.Orchestrator
	SSH       *sshctl.Controller // nil if setup.ssh_username is empty
}

func New(d Deps) *Router {
	r := &Router{
		log:          d.Log.Named("router"),
		store:        d.Store,
		logSink:      d.LogSink,
		netif:        d.Netif,
		wifi:         d.Wifi,
		pipelines:    d.Pipelines,
		streaming:    d.Streaming,
		auth:         d.Auth,
		hub:          d.Hub,
		tunnel:       d.Tunnel,
		update:       d.Update,
		ssh:          d.SSH,
		remoteTokens: make(map[string]string),
	}
	r.notify = notify.New(d.Log, r)
	return r
}

// Start calls streaming.Stop, performs the initial pipeline catalog and
// Wi-Fi refresh, and launches the background tickers (the update catalog
// refresh runs first thing in its own loop). streaming.Stop is a no-op
// while the supervisor is Idle, so children left running by a prior
// daemon instance are not killed here. Start returns once everything is
// running; it does not block.
func (r *Router) Start(ctx context.Context) {
	r.streaming.Stop()
	r.pipelines.Refresh()
	r.wifi.Refresh(ctx)

	go r.tunnel.Run(ctx)
	go r.netif.Run(ctx, r.onNetifTick)
	go r.updateRefreshLoop(ctx)
}

func (r *Router) onNetifTick(table map[string]netifmon.Entry, addrChanged bool) {
	if addrChanged && r.streaming.IsStreaming() {
		if err := r.streaming.UpdateUplinks(); err != nil {
			r.log.Warn("update uplinks after interface change failed", zap.Error(err))
		}
	}

	r.hub.Broadcast("netif", netifResponse(table), nowMillis()-activeTimeout.Milliseconds())
}

func (r *Router) updateRefreshLoop(ctx context.Context) {
	r.update.MaybeRefresh(ctx)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.update.MaybeRefresh(ctx)
		}
	}
}

// OnConnect implements wshub.Hub's onConnect callback.
func (r *Router) OnConnect(conn *wshub.Conn) {
	if !r.auth.HasPassword() {
		r.hub.Send(conn, "status", wire.StatusResponse{SetPassword: true})
	}
}

// OnClose implements wshub.Hub's onClose callback. There is no
// per-connection state to release beyond what wshub.Conn already owns.
func (r *Router) OnClose(conn *wshub.Conn) {}

// OnMessage implements wshub.Hub's onMessage callback for a locally
// originated frame.
func (r *Router) OnMessage(conn *wshub.Conn, env wire.Envelope) {
	r.handle(conn, env, false)
}

// Dispatch implements tunnel.Dispatcher for a frame forwarded from the
// remote tunnel: it is handled as if it came from a pseudo-connection
// tagged with senderID so replies route back through the relay. Each
// remote sender's authenticated state is tracked by senderID across
// calls, since a fresh pseudo-connection is built per message.
func (r *Router) Dispatch(senderID string, env wire.Envelope, isRemote bool) {
	conn := wshub.NewRemoteConn(senderID, func(msgType string, payload any) {
		r.tunnel.Send(msgType, payload, senderID)
	})

	r.remoteMu.Lock()
	if token := r.remoteTokens[senderID]; token != "" {
		conn.SetAuthenticated(token)
	}
	r.remoteMu.Unlock()

	r.handle(conn, env, isRemote)

	r.remoteMu.Lock()
	if conn.Authenticated() {
		r.remoteTokens[senderID] = conn.Token()
	} else {
		delete(r.remoteTokens, senderID)
	}
	r.remoteMu.Unlock()
}

// RemoteAuthenticated implements tunnel.Dispatcher: once the relay
// handshake succeeds, push the full initial state set down the tunnel
// exactly as a newly attached local client would receive it on auth.
func (r *Router) RemoteAuthenticated() {
	conn := wshub.NewRemoteConn("", func(msgType string, payload any) {
		r.tunnel.Send(msgType, payload, "")
	})
	r.sendInitialState(conn)
}

func (r *Router) handle(conn *wshub.Conn, env wire.Envelope, isRemote bool) {
	if id := env.ID(); id != "" {
		conn.SetSenderID(id)
	}

	switch {
	case has(env, "auth"):
		r.handleAuth(conn, env)
	case has(env, "config"):
		r.handleConfig(conn, env, isRemote)
	case has(env, "keepalive"):
		r.hub.Send(conn, "keepalive", struct{}{})
	case has(env, "logout"):
		r.handleLogout(conn)
	case has(env, "start"):
		r.handleStart(conn, env)
	case has(env, "stop"):
		r.handleStop(conn)
	case has(env, "bitrate"):
		r.handleBitrate(conn, env)
	case has(env, "command"):
		r.handleCommand(conn, env)
	case has(env, "netif"):
		r.handleNetif(conn, env)
	case has(env, "wifi"):
		r.handleWifi(conn, env)
	case has(env, "logs"):
		r.handleLogs(conn, env)
	default:
		r.log.Debug("ignoring unrecognized frame type")
	}
}

func has(env wire.Envelope, key string) bool {
	_, ok := env[key]
	return ok
}

func (r *Router) requireAuthenticated(conn *wshub.Conn) bool {
	return conn.Authenticated()
}

// --- auth ---

func (r *Router) handleAuth(conn *wshub.Conn, env wire.Envelope) {
	req, _, err := wire.Payload[wire.AuthRequest](env, "auth")
	if err != nil {
		r.log.Debug("invalid auth frame", zap.Error(err))
		return
	}

	if req.Token != "" {
		if r.auth.VerifyToken(req.Token) {
			conn.SetAuthenticated(req.Token)
			r.hub.Send(conn, "auth", wire.AuthResponse{Success: true})
			r.sendInitialState(conn)
		} else {
			r.hub.Send(conn, "auth", wire.AuthResponse{Success: false})
		}
		return
	}

	if !r.auth.VerifyPassword(req.Password) {
		r.hub.Send(conn, "auth", wire.AuthResponse{Success: false})
		return
	}

	token, err := r.auth.IssueToken(req.PersistentToken)
	if err != nil {
		r.log.Warn("issue token failed", zap.Error(err))
		r.hub.Send(conn, "auth", wire.AuthResponse{Success: false})
		return
	}

	conn.SetAuthenticated(token)
	r.hub.Send(conn, "auth", wire.AuthResponse{Success: true, AuthToken: token})
	r.sendInitialState(conn)
}

func (r *Router) sendInitialState(conn *wshub.Conn) {
	r.hub.Send(conn, "status", r.statusResponse())
	r.hub.Send(conn, "config", r.store.Config().Sanitized())
	r.hub.Send(conn, "pipelines", wire.PipelinesResponse(r.pipelines.Snapshot()))
	r.hub.Send(conn, "netif", netifResponse(r.netif.Snapshot()))
	r.notify.ReplayTo(conn)
}

func (r *Router) handleLogout(conn *wshub.Conn) {
	r.auth.Logout(conn.Token())
	conn.ClearAuthenticated()
}

// --- config / password / remote key ---

func (r *Router) handleConfig(conn *wshub.Conn, env wire.Envelope, isRemote bool) {
	req, _, err := wire.Payload[wire.ConfigRequest](env, "config")
	if err != nil {
		r.log.Debug("invalid config frame", zap.Error(err))
		return
	}

	if req.Password != "" {
		if !r.auth.CanSetPassword(conn.Authenticated(), isRemote) {
			return
		}
		if err := r.auth.SetPassword(req.Password); err != nil {
			r.notify.Send(conn, "set_password", notify.Error, err.Error(), 10*time.Second, false, true)
			return
		}
	}

	if req.RemoteKey != "" {
		cfg := r.store.Config()
		cfg.RemoteKey = req.RemoteKey
		if err := r.store.SaveConfig(cfg); err != nil {
			r.log.Warn("persist remote key failed", zap.Error(err))
			return
		}
		r.tunnel.SetKey(req.RemoteKey)
	}

	r.hub.Broadcast("config", r.store.Config().Sanitized(), 0)
}

// --- streaming ---

func (r *Router) handleStart(conn *wshub.Conn, env wire.Envelope) {
	if !r.requireAuthenticated(conn) {
		return
	}
	req, present, err := wire.Payload[wire.StartRequest](env, "start")
	if !present || err != nil {
		r.log.Debug("invalid start frame", zap.Error(err))
		return
	}

	if r.update.IsUpdating() {
		r.notify.Send(conn, "start_error", notify.Error, "update in progress", 10*time.Second, false, true)
		r.hub.Send(conn, "status", wire.StatusResponse{IsStreaming: false})
		return
	}

	params := streaming.Params{
		Delay:       req.Delay,
		Pipeline:    req.Pipeline,
		MaxBR:       req.MaxBR,
		SRTLatency:  req.SRTLatency,
		SRTStreamID: req.SRTStreamID,
		SRTLAAddr:   req.SRTLAAddr,
		SRTLAPort:   req.SRTLAPort,
	}

	result := r.streaming.Start(context.Background(), params)
	if !result.OK {
		r.notify.Send(conn, "start_error", notify.Error, result.Err.Error(), 10*time.Second, false, true)
		r.hub.Send(conn, "status", wire.StatusResponse{IsStreaming: false})
		return
	}

	r.hub.BroadcastExcept(conn, "config", result.Config.Sanitized())
	r.hub.Broadcast("status", wire.StatusResponse{IsStreaming: true}, 0)
}

func (r *Router) handleStop(conn *wshub.Conn) {
	if !r.requireAuthenticated(conn) {
		return
	}
	r.streaming.Stop()
	r.hub.Broadcast("status", wire.StatusResponse{IsStreaming: false}, 0)
}

func (r *Router) handleBitrate(conn *wshub.Conn, env wire.Envelope) {
	if !r.requireAuthenticated(conn) {
		return
	}
	req, present, err := wire.Payload[wire.BitrateRequest](env, "bitrate")
	if !present || err != nil {
		r.log.Debug("invalid bitrate frame", zap.Error(err))
		return
	}

	value, ok := r.streaming.SetBitrate(req.MaxBR)
	if !ok {
		return
	}
	r.hub.BroadcastExcept(conn, "bitrate", wire.BitrateResponse{MaxBR: value})
}

// --- command: poweroff/reboot/update/start_ssh/stop_ssh/reset_ssh_pass ---

func (r *Router) handleCommand(conn *wshub.Conn, env wire.Envelope) {
	if !r.requireAuthenticated(conn) {
		return
	}
	cmd, present, err := wire.Payload[wire.CommandRequest](env, "command")
	if !present || err != nil {
		r.log.Debug("invalid command frame", zap.Error(err))
		return
	}

	switch cmd {
	case "poweroff":
		r.runSystemCommand(conn, "poweroff")
	case "reboot":
		r.runSystemCommand(conn, "reboot")
	case "update":
		if err := r.update.DoUpdate(context.Background()); err != nil {
			r.notify.Send(conn, "update_error", notify.Error, err.Error(), 10*time.Second, false, true)
		}
	case "start_ssh":
		r.runSSH(conn, r.ssh.StartSSH)
	case "stop_ssh":
		r.runSSH(conn, r.ssh.StopSSH)
	case "reset_ssh_pass":
		if r.ssh == nil {
			return
		}
		if _, err := r.ssh.ResetPassword(); err != nil {
			r.notify.Send(conn, "ssh_error", notify.Error, err.Error(), 10*time.Second, false, true)
			return
		}
		r.broadcastSSHStatus()
	default:
		r.log.Debug("unrecognized command", zap.String("command", string(cmd)))
	}
}

func (r *Router) runSystemCommand(conn *wshub.Conn, name string) {
	if err := exec.Command(name).Run(); err != nil {
		r.log.Warn("system command failed", zap.String("command", name), zap.Error(err))
		r.notify.Send(conn, name+"_error", notify.Error, err.Error(), 10*time.Second, false, true)
	}
}

func (r *Router) runSSH(conn *wshub.Conn, op func() error) {
	if r.ssh == nil {
		return
	}
	if err := op(); err != nil {
		r.notify.Send(conn, "ssh_error", notify.Error, err.Error(), 10*time.Second, false, true)
		return
	}
	r.broadcastSSHStatus()
}

func (r *Router) broadcastSSHStatus() {
	if r.ssh == nil {
		return
	}
	status, changed := r.ssh.Poll()
	if !changed {
		return
	}
	r.hub.Broadcast("status", wire.StatusResponse{SSH: &wire.SSHStatus{
		Username: status.Username, Active: status.Active, UserPass: status.UserPass,
	}}, 0)
}

// --- netif ---

func (r *Router) handleNetif(conn *wshub.Conn, env wire.Envelope) {
	if !r.requireAuthenticated(conn) {
		return
	}
	req, present, err := wire.Payload[wire.NetifRequest](env, "netif")
	if !present || err != nil {
		r.log.Debug("invalid netif frame", zap.Error(err))
		return
	}

	applied, disablesAll := r.netif.SetEnabled(req.Name, req.IP, req.Enabled)
	if disablesAll {
		r.notify.Send(conn, "netif_disable_all", notify.Error, "cannot disable every interface", 10*time.Second, false, true)
		return
	}
	if !applied {
		return
	}

	if r.streaming.IsStreaming() {
		if err := r.streaming.UpdateUplinks(); err != nil {
			r.log.Warn("update uplinks after netif change failed", zap.Error(err))
		}
	}
	r.hub.Broadcast("netif", netifResponse(r.netif.Snapshot()), 0)
}

// --- wifi ---

func (r *Router) handleWifi(conn *wshub.Conn, env wire.Envelope) {
	if !r.requireAuthenticated(conn) {
		return
	}
	req, present, err := wire.Payload[wire.WifiRequest](env, "wifi")
	if !present || err != nil {
		r.log.Debug("invalid wifi frame", zap.Error(err))
		return
	}

	ctx := context.Background()
	switch {
	case req.Scan != nil:
		r.wifi.Scan(ctx)
	case req.Connect != "":
		err := r.wifi.Connect(ctx, req.Connect)
		r.wifi.Refresh(ctx)
		r.hub.Send(conn, "wifi", wire.WifiConnectResponse{Connect: &wire.WifiConnectResult{UUID: req.Connect, OK: err == nil}})
	case req.Disconnect != "":
		_ = r.wifi.Disconnect(ctx, req.Disconnect)
		r.wifi.Refresh(ctx)
	case req.Forget != "":
		_ = r.wifi.Forget(ctx, req.Forget)
		r.wifi.Refresh(ctx)
	case req.New != nil:
		result := r.wifi.New(ctx, req.New.DeviceID, req.New.SSID, req.New.Password)
		r.wifi.Refresh(ctx)
		r.hub.Send(conn, "wifi", wire.WifiNewResponse{New: &wire.WifiNewResult{OK: result.OK, AuthError: result.AuthError}})
	default:
		return
	}
	r.hub.Broadcast("status", r.statusResponse(), 0)
}

// --- process log retrieval ---

func (r *Router) handleLogs(conn *wshub.Conn, env wire.Envelope) {
	if !r.requireAuthenticated(conn) || r.logSink == nil {
		return
	}
	name, present, err := wire.Payload[wire.LogsRequest](env, "logs")
	if !present || err != nil {
		r.log.Debug("invalid logs frame", zap.Error(err))
		return
	}

	lines, err := r.logSink.GetLogs(context.Background(), string(name), 0)
	if err != nil {
		r.log.Warn("fetch process logs failed", zap.String("name", string(name)), zap.Error(err))
		return
	}
	r.hub.Send(conn, "logs", wire.LogsResponse{Name: string(name), Lines: lines})
}

// --- snapshots ---

func (r *Router) statusResponse() wire.StatusResponse {
	catalog, enabled := r.update.AvailableUpdates()
	resp := wire.StatusResponse{
		IsStreaming:      r.streaming.IsStreaming(),
		AvailableUpdates: availableUpdatesField(catalog, enabled),
		Updating:         r.update.IsUpdating(),
	}
	resp.Wifi = r.wifi.Snapshot()
	if r.ssh != nil {
		status, _ := r.ssh.Poll()
		resp.SSH = &wire.SSHStatus{Username: status.Username, Active: status.Active, UserPass: status.UserPass}
	}
	if r.tunnel.Authenticated() {
		resp.Remote = true
	}
	return resp
}

// availableUpdatesField mirrors the shape update.refresh broadcasts:
// {package_count, download_size} when there is a refreshed catalog with
// updates pending, bare false otherwise.
func availableUpdatesField(catalog update.CatalogInfo, enabled bool) any {
	if !enabled || catalog.PackageCount == 0 {
		return false
	}
	return map[string]any{"package_count": catalog.PackageCount, "download_size": catalog.DownloadSize}
}

func netifResponse(table map[string]netifmon.Entry) wire.NetifResponse {
	out := make(wire.NetifResponse, len(table))
	for name, e := range table {
		out[name] = wire.NetifEntry{IP: e.Addr, TxBytes: e.TxBytes, Throughput: e.Delta, Enabled: e.Enabled}
	}
	return out
}

// Send implements notify.Sender, translating a notify.Outbound into a
// wire `notification` frame unicast to conn, or broadcast if conn is nil.
func (r *Router) Send(conn any, out notify.Outbound) {
	frame := wire.NotificationResponse{Show: []wire.NotificationFrame{{
		Name: out.Name, Kind: string(out.Kind), Message: out.Message,
		RemainingMs: out.RemainingMs, Dismissable: out.Dismissable, Persistent: out.Persistent,
	}}}
	if conn == nil {
		r.hub.Broadcast("notification", frame, 0)
		return
	}
	c, ok := conn.(*wshub.Conn)
	if !ok {
		return
	}
	r.hub.Send(c, "notification", frame)
}

// Remove implements notify.Sender's removal half.
func (r *Router) Remove(name string) {
	r.hub.Broadcast("notification", wire.NotificationResponse{Remove: []string{name}}, 0)
}

func nowMillis() int64 { return time.Now().UnixMilli() }
