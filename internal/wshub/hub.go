// Package wshub accepts local WebSocket clients, parses typed frames,
// and fans broadcasts out to authenticated, recently-active connections.
package wshub

import (
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/pkg/wire"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// RemoteMirror is the C9 surface broadcasts mirror to when the remote
// tunnel is authenticated.
type RemoteMirror interface {
	Authenticated() bool
	Send(msgType string, payload any, id string)
}

// Hub owns the set of live local connections.
type Hub struct {
	log *zap.Logger

	mu    sync.RWMutex
	conns map[*Conn]struct{}

	remote RemoteMirror
	now    func() time.Time
}

func New(log *zap.Logger, remote RemoteMirror) *Hub {
	return &Hub{
		log:    log.Named("wshub"),
		conns:  map[*Conn]struct{}{},
		remote: remote,
		now:    time.Now,
	}
}

// SetRemote wires the tunnel client in after construction, breaking the
// Hub/tunnel.Client construction cycle (each needs the other as a dep).
func (h *Hub) SetRemote(remote RemoteMirror) {
	h.mu.Lock()
	h.remote = remote
	h.mu.Unlock()
}

// Serve upgrades r into a WebSocket connection and drives its read loop
// until it closes. onConnect is invoked once, immediately after
// registration, with lastActive already touched. onMessage is invoked
// for every frame that parses as valid JSON; parse failures are logged
// and dropped per error-handling policy. onClose is invoked once the
// read loop exits, before the connection is unregistered.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, onConnect func(*Conn), onMessage func(*Conn, wire.Envelope), onClose func(*Conn)) error {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	conn := newConn(ws, r.RemoteAddr)
	conn.Touch(h.now())

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	h.log.Debug("client connected", zap.String("conn_id", conn.ID()), zap.String("remote_addr", conn.RemoteAddr))

	defer func() {
		if rec := recover(); rec != nil {
			h.log.Error("panic in connection handler", zap.Any("recover", rec), zap.ByteString("stack", debug.Stack()))
		}
		onClose(conn)
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
		h.log.Debug("client disconnected", zap.String("remote_addr", conn.RemoteAddr))
	}()

	onConnect(conn)

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return nil
		}

		conn.Touch(h.now())

		env, err := wire.Decode(raw)
		if err != nil {
			h.log.Debug("dropping frame with invalid json", zap.Error(err))
			continue
		}
		onMessage(conn, env)
	}
}

// Send writes a single frame to one connection, or routes it through the
// remote tunnel if conn is a pseudo-connection built by NewRemoteConn.
func (h *Hub) Send(conn *Conn, msgType string, payload any) {
	if conn.remoteSend != nil {
		conn.remoteSend(msgType, payload)
		return
	}

	data, err := wire.Encode(msgType, payload, "")
	if err != nil {
		h.log.Warn("encode frame failed", zap.String("type", msgType), zap.Error(err))
		return
	}
	if err := conn.writeJSON(rawFrame(data)); err != nil {
		h.log.Debug("write failed", zap.Error(err))
	}
}

// BroadcastLocal delivers to every local client that is authenticated
// and whose lastActive is at least activeMin, skipping except if set.
func (h *Hub) BroadcastLocal(msgType string, payload any, activeMin int64, except *Conn) {
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		if c == except {
			continue
		}
		if !c.Authenticated() || c.LastActive() < activeMin {
			continue
		}
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		h.Send(c, msgType, payload)
	}
}

// Broadcast is BroadcastLocal, plus a mirror to the remote tunnel if it
// is authenticated.
func (h *Hub) Broadcast(msgType string, payload any, activeMin int64) {
	h.BroadcastLocal(msgType, payload, activeMin, nil)
	if h.remote != nil && h.remote.Authenticated() {
		h.remote.Send(msgType, payload, "")
	}
}

// BroadcastExcept delivers to every local client except conn, and mirrors
// to the remote tunnel tagged with conn's senderId so the relay returns
// it only to the originating remote sender.
func (h *Hub) BroadcastExcept(conn *Conn, msgType string, payload any) {
	h.BroadcastLocal(msgType, payload, 0, conn)
	if h.remote != nil && h.remote.Authenticated() {
		h.remote.Send(msgType, payload, conn.SenderID())
	}
}

type rawFrame []byte

func (r rawFrame) MarshalJSON() ([]byte, error) { return r, nil }
