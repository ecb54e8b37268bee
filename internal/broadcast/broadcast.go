// Package broadcast fans out "a sync completed" notifications to every
// connected session of the same user, so their downstream state machines
// can pull the change without polling.
package broadcast

import (
	"log/slog"
	"sync"

	"github.com/driftfs/driftfs/internal/syncmsg"
)

// Update describes one finished upstream sync. ConnID identifies the
// session that produced it so subscribers can skip their own updates.
type Update struct {
	Username string
	ConnID   string
	Path     string
	Mode     syncmsg.SyncMode
	OldPath  string
}

// Broadcaster publishes sync updates to per-user subscribers.
type Broadcaster interface {
	Publish(u Update)
	Subscribe(username, connID string) <-chan Update
	Unsubscribe(username, connID string)
}

const subscriberBuffer = 16

// Channel is the in-process Broadcaster. A full subscriber buffer drops
// the update with a warning rather than blocking the publisher; a client
// that falls that far behind resyncs on its next request anyway.
type Channel struct {
	mu   sync.RWMutex
	subs map[string]map[string]chan Update // username -> connID -> ch
}

var _ Broadcaster = (*Channel)(nil)

func NewChannel() *Channel {
	return &Channel{subs: make(map[string]map[string]chan Update)}
}

func (c *Channel) Publish(u Update) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for connID, ch := range c.subs[u.Username] {
		if connID == u.ConnID {
			continue
		}
		select {
		case ch <- u:
		default:
			slog.Warn("broadcast subscriber full, dropping update",
				"user", u.Username, "conn", connID, "path", u.Path)
		}
	}
}

func (c *Channel) Subscribe(username, connID string) <-chan Update {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.subs[username] == nil {
		c.subs[username] = make(map[string]chan Update)
	}
	if old, ok := c.subs[username][connID]; ok {
		close(old)
	}
	ch := make(chan Update, subscriberBuffer)
	c.subs[username][connID] = ch
	return ch
}

func (c *Channel) Unsubscribe(username, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	conns := c.subs[username]
	ch, ok := conns[connID]
	if !ok {
		return
	}
	close(ch)
	delete(conns, connID)
	if len(conns) == 0 {
		delete(c.subs, username)
	}
}
