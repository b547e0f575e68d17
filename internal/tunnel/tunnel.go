// Package tunnel implements C9: a single reconnecting outbound
// WebSocket to a cloud relay, source-bound round-robin over the
// currently-enabled local uplinks.
package tunnel

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/pkg/wire"
)

const (
	handshakeVersion = 6

	remoteTimeout        = 5 * time.Second
	remoteConnectTimeout = 10 * time.Second
	keepaliveInterval    = time.Second
	reconnectDelay       = time.Second
)

// UplinkSource supplies the currently-enabled interface addresses.
type UplinkSource interface {
	EnabledAddrs() []string
}

// Dispatcher receives frames forwarded from the remote tunnel, tagged
// isRemote=true, for C12 to handle identically to a local frame, and is
// told once the relay handshake succeeds so it can push the initial
// state set over the tunnel the way it would to a newly attached local
// client.
type Dispatcher interface {
	Dispatch(senderID string, env wire.Envelope, isRemote bool)
	RemoteAuthenticated()
}

// StatusBroadcaster is the C8 surface the tunnel announces connectivity
// status changes through.
type StatusBroadcaster interface {
	Broadcast(msgType string, payload any, activeMin int64)
}

// remoteAuthRequest is the outbound relay handshake: {remote:{"auth/encoder":{key,version}}}.
type remoteAuthRequest struct {
	Remote remoteAuthRequestSub `json:"remote"`
}

type remoteAuthRequestSub struct {
	AuthEncoder remoteAuthCredentials `json:"auth/encoder"`
}

type remoteAuthCredentials struct {
	Key     string `json:"key"`
	Version int    `json:"version"`
}

// remoteAuthReply is the inbound relay handshake result: {remote:{"auth/encoder":true|false}}.
type remoteAuthReply struct {
	AuthEncoder *bool `json:"auth/encoder"`
}

// Client owns the remote tunnel's connection lifecycle.
type Client struct {
	log     *zap.Logger
	url     string
	uplinks UplinkSource
	dispatch Dispatcher
	hub     StatusBroadcaster

	mu                   sync.Mutex
	key                  string
	ws                   *websocket.Conn
	authenticated        bool
	lastActive           time.Time
	suppressNetworkError bool
	rrIndex              int

	now func() time.Time
}

func New(log *zap.Logger, url string, uplinks UplinkSource, dispatch Dispatcher, hub StatusBroadcaster) *Client {
	return &Client{
		log:      log.Named("tunnel"),
		url:      url,
		uplinks:  uplinks,
		dispatch: dispatch,
		hub:      hub,
		now:      time.Now,
	}
}

// SetDispatcher wires the router in after construction, breaking the
// tunnel.Client/Router construction cycle (each needs the other as a dep).
func (c *Client) SetDispatcher(dispatch Dispatcher) {
	c.mu.Lock()
	c.dispatch = dispatch
	c.mu.Unlock()
}

// SetKey updates the remote key (setRemoteKey). Persisting the new key to
// the config document is the caller's (C12's) responsibility; this just
// force-terminates the current connection, suppressing the resulting
// network-error broadcast, so Run's loop reconnects with the new key.
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	c.key = key
	c.suppressNetworkError = true
	ws := c.ws
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
}

func (c *Client) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// Send mirrors a server->client frame onto the tunnel, tagged with id if
// the original request came from this remote sender.
func (c *Client) Send(msgType string, payload any, id string) {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}

	data, err := wire.Encode(msgType, payload, id)
	if err != nil {
		c.log.Warn("encode frame failed", zap.Error(err))
		return
	}
	if err := ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.log.Debug("tunnel write failed", zap.Error(err))
	}
}

// Run drives the connect/keepalive/reconnect loop until ctx is done.
func (c *Client) Run(ctx context.Context) {
	firstConnect := true
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.mu.Lock()
		key := c.key
		c.mu.Unlock()
		if key == "" {
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		addr, ok := c.nextUplink()
		if !ok {
			if !sleepCtx(ctx, reconnectDelay) {
				return
			}
			continue
		}

		c.runOneConnection(ctx, key, addr, firstConnect)
		firstConnect = false

		if !sleepCtx(ctx, reconnectDelay) {
			return
		}
	}
}

func (c *Client) nextUplink() (string, bool) {
	addrs := c.uplinks.EnabledAddrs()
	if len(addrs) == 0 {
		return "", false
	}
	c.mu.Lock()
	idx := c.rrIndex % len(addrs)
	c.rrIndex++
	c.mu.Unlock()
	return addrs[idx], true
}

func (c *Client) runOneConnection(ctx context.Context, key, sourceAddr string, firstConnect bool) {
	dialer := websocket.Dialer{
		NetDialContext: (&net.Dialer{
			LocalAddr: &net.TCPAddr{IP: net.ParseIP(sourceAddr)},
			Timeout:   remoteConnectTimeout,
		}).DialContext,
		HandshakeTimeout: remoteConnectTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, c.url, http.Header{})
	if err != nil {
		c.log.Debug("tunnel dial failed", zap.Error(err), zap.String("source_addr", sourceAddr))
		c.announceNetworkError()
		return
	}
	defer ws.Close()

	authFrame := remoteAuthRequest{Remote: remoteAuthRequestSub{
		AuthEncoder: remoteAuthCredentials{Key: key, Version: handshakeVersion},
	}}
	if err := ws.WriteJSON(authFrame); err != nil {
		c.announceNetworkError()
		return
	}

	c.mu.Lock()
	c.ws = ws
	c.lastActive = c.now()
	connectedAt := c.lastActive
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.authenticated = false
		c.mu.Unlock()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go c.keepaliveLoop(connCtx, ws, firstConnect, connectedAt)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			c.announceNetworkError()
			return
		}
		c.touch()

		env, err := wire.Decode(raw)
		if err != nil {
			c.log.Debug("dropping invalid tunnel frame", zap.Error(err))
			continue
		}

		if remoteOK, handled := c.handleRemoteSub(env); handled {
			if !remoteOK {
				return // auth rejected: terminate; handleRemoteSub cleared the key, so Run idles until SetKey
			}
			continue
		}

		c.dispatch.Dispatch(env.ID(), env, true)
	}
}

// handleRemoteSub processes the `remote` sub-object locally, the two
// terminal outcomes of the relay handshake; ok reports the auth result
// when handled.
func (c *Client) handleRemoteSub(env wire.Envelope) (ok bool, handled bool) {
	payload, present, err := wire.Payload[remoteAuthReply](env, "remote")
	if !present || err != nil || payload.AuthEncoder == nil {
		return false, false
	}

	success := *payload.AuthEncoder
	if success {
		c.mu.Lock()
		c.authenticated = true
		c.mu.Unlock()
		c.hub.Broadcast("status", wire.StatusResponse{Remote: true}, 0)
		c.dispatch.RemoteAuthenticated()
	} else {
		c.mu.Lock()
		c.suppressNetworkError = true
		c.key = ""
		c.mu.Unlock()
		c.hub.Broadcast("status", wire.StatusResponse{Remote: &wire.RemoteStatus{Error: "key"}}, 0)
	}
	return success, true
}

// keepaliveLoop terminates the connection if no frame has been received
// for remoteTimeout. The very first connection gets extra grace to
// tolerate slow DNS before the relay's first frame arrives.
func (c *Client) keepaliveLoop(ctx context.Context, ws *websocket.Conn, firstConnect bool, connectedAt time.Time) {
	grace := time.Duration(0)
	if firstConnect {
		grace = remoteConnectTimeout - remoteTimeout
	}

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			last := c.lastActive
			c.mu.Unlock()

			timeout := remoteTimeout
			if last.Equal(connectedAt) {
				timeout += grace
			}
			if c.now().Sub(last) > timeout {
				_ = ws.Close()
				return
			}
		}
	}
}

func (c *Client) touch() {
	c.mu.Lock()
	c.lastActive = c.now()
	c.mu.Unlock()
}

func (c *Client) announceNetworkError() {
	c.mu.Lock()
	suppress := c.suppressNetworkError
	c.suppressNetworkError = false
	c.mu.Unlock()

	if suppress {
		return
	}
	c.hub.Broadcast("status", wire.StatusResponse{Remote: &wire.RemoteStatus{Error: "network"}}, 0)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
