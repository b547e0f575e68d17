// Package notify implements C5: in-memory pub/sub of transient and
// persistent user notifications with rate limiting and TTL.
//
// The persistent-entry map is built on internal/ordered, keyed by name
// (a string) rather than an int64 id.
package notify

import (
	"time"

	"go.uber.org/zap"

	"github.com/fieldlink/ctrld/internal/ordered"
)

// Kind is one of the three notification severities.
type Kind string

const (
	Success Kind = "success"
	Warning Kind = "warning"
	Error   Kind = "error"
)

// Notification is a persistent entry's stored state.
type Notification struct {
	Name        string
	Kind        Kind
	Message     string
	Duration    time.Duration // 0 = permanent
	Dismissable bool
	Persistent  bool
	Created     time.Time
	Updated     time.Time
	LastSent    time.Time
}

// Outbound is what gets sent over the wire for one emission.
type Outbound struct {
	Name        string
	Kind        Kind
	Message     string
	RemainingMs int64
	Dismissable bool
	Persistent  bool
}

// Sender delivers one emitted notification. conn is nil for a broadcast.
type Sender interface {
	Send(conn any, out Outbound)
	Remove(name string)
}

// rateLimitWindow is the "within 1 s" duplicate-send suppression window.
const rateLimitWindow = time.Second

// Bus owns the persistent-notification map. All methods are called from
// the router's single event-loop task; now is injectable for tests.
type Bus struct {
	log     *zap.Logger
	sender  Sender
	now     func() time.Time
	persist *ordered.Store[string, *Notification]
}

func New(log *zap.Logger, sender Sender) *Bus {
	return &Bus{
		log:     log.Named("notify"),
		sender:  sender,
		now:     time.Now,
		persist: ordered.New[string, *Notification](func(a, b string) bool { return a < b }),
	}
}

// Send delivers a notification: send(conn?, name, kind, msg, duration,
// persistent, dismissable).
//
// Persistent notifications require conn == nil; a unicast persistent send
// is rejected (returns false).
func (b *Bus) Send(conn any, name string, kind Kind, msg string, duration time.Duration, persistent, dismissable bool) bool {
	if persistent && conn != nil {
		return false
	}

	now := b.now()

	if !persistent {
		b.deliver(conn, Outbound{Name: name, Kind: kind, Message: msg, RemainingMs: duration.Milliseconds(), Dismissable: dismissable})
		return true
	}

	n, existed := b.persist.Get(name)
	if !existed {
		n = &Notification{Name: name, Created: now}
		b.persist.Upsert(name, n)
	}
	n.Kind = kind
	n.Message = msg
	n.Duration = duration
	n.Dismissable = dismissable
	n.Persistent = true
	n.Updated = now

	if existed && now.Sub(n.LastSent) < rateLimitWindow {
		return true // rate-limited: state updated, no outbound frame
	}

	n.LastSent = now
	b.deliver(nil, Outbound{
		Name: name, Kind: kind, Message: msg,
		RemainingMs: remainingMs(n, now), Dismissable: dismissable, Persistent: true,
	})
	return true
}

// Remove deletes the persistent entry and broadcasts a removal.
func (b *Bus) Remove(name string) {
	b.persist.Delete(name)
	b.sender.Remove(name)
}

// ReplayTo sends every persistent entry with positive remaining time to a
// newly-attached client, rewriting the remaining duration to what's left.
func (b *Bus) ReplayTo(conn any) {
	now := b.now()
	for _, name := range append([]string{}, b.persist.Keys()...) {
		n, _ := b.persist.Get(name)
		if n.Duration <= 0 {
			b.deliver(conn, Outbound{Name: n.Name, Kind: n.Kind, Message: n.Message, Dismissable: n.Dismissable, Persistent: true})
			continue
		}
		rem := remainingMs(n, now)
		if rem <= 0 {
			b.persist.Delete(n.Name)
			continue
		}
		b.deliver(conn, Outbound{Name: n.Name, Kind: n.Kind, Message: n.Message, RemainingMs: rem, Dismissable: n.Dismissable, Persistent: true})
	}
}

func remainingMs(n *Notification, now time.Time) int64 {
	if n.Duration <= 0 {
		return 0
	}
	rem := n.Duration - now.Sub(n.Updated)
	if rem < 0 {
		return 0
	}
	return rem.Milliseconds()
}

func (b *Bus) deliver(conn any, out Outbound) {
	if b.sender != nil {
		b.sender.Send(conn, out)
	}
}
