package wshub

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Conn wraps one local WebSocket client with the state named by
// the session-controller's connection model: authenticated flag, auth
// token, last-active timestamp, and an optional senderId set for the
// duration of handling a message that arrived via the remote tunnel.
type Conn struct {
	ws *websocket.Conn
	mu sync.Mutex // gorilla/websocket allows exactly one concurrent writer

	// id identifies this connection in logs; unrelated to senderID, which
	// only ever applies to pseudo-connections built by NewRemoteConn.
	id         string
	RemoteAddr string

	// remoteSend is set instead of ws for a pseudo-connection standing in
	// for a sender on the far side of the remote tunnel: Hub.Send routes
	// through it rather than writing to a (nonexistent) websocket.
	remoteSend func(msgType string, payload any)

	stateMu       sync.Mutex
	authenticated bool
	token         string
	lastActive    int64
	senderID      string
}

func newConn(ws *websocket.Conn, remoteAddr string) *Conn {
	return &Conn{ws: ws, RemoteAddr: remoteAddr, id: uuid.NewString()}
}

// ID returns this connection's log-correlation id, stable for its lifetime.
func (c *Conn) ID() string { return c.id }

// NewRemoteConn builds a pseudo-connection representing one sender
// forwarded over the remote tunnel, identified by senderID. send is
// invoked by Hub.Send/BroadcastLocal in place of a websocket write.
func NewRemoteConn(senderID string, send func(msgType string, payload any)) *Conn {
	c := &Conn{remoteSend: send}
	c.senderID = senderID
	return c
}

func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(3 * time.Second))
	return c.ws.WriteJSON(v)
}

func (c *Conn) Touch(now time.Time) {
	c.stateMu.Lock()
	c.lastActive = now.UnixMilli()
	c.stateMu.Unlock()
}

func (c *Conn) LastActive() int64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.lastActive
}

func (c *Conn) SetAuthenticated(token string) {
	c.stateMu.Lock()
	c.authenticated = true
	c.token = token
	c.stateMu.Unlock()
}

func (c *Conn) ClearAuthenticated() {
	c.stateMu.Lock()
	c.authenticated = false
	c.token = ""
	c.stateMu.Unlock()
}

func (c *Conn) Authenticated() bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.authenticated
}

func (c *Conn) Token() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.token
}

// SenderID is set while a message forwarded from the remote tunnel is
// being handled, so a reply can be tagged for the tunnel to route back.
func (c *Conn) SenderID() string {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.senderID
}

func (c *Conn) SetSenderID(id string) {
	c.stateMu.Lock()
	c.senderID = id
	c.stateMu.Unlock()
}
