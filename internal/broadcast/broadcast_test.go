package broadcast

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/syncmsg"
)

func recvUpdate(t *testing.T, ch <-chan Update) Update {
	t.Helper()
	select {
	case u := <-ch:
		return u
	case <-time.After(time.Second):
		t.Fatal("no update received")
		return Update{}
	}
}

func TestPublishReachesOtherConnections(t *testing.T) {
	c := NewChannel()
	ch1 := c.Subscribe("alice", "c1")
	ch2 := c.Subscribe("alice", "c2")
	chBob := c.Subscribe("bob", "c3")

	c.Publish(Update{Username: "alice", ConnID: "c1", Path: "/a", Mode: syncmsg.ModeCreate})

	u := recvUpdate(t, ch2)
	assert.Equal(t, "/a", u.Path)

	// The publisher's own connection is skipped.
	select {
	case <-ch1:
		t.Fatal("update echoed to its own connection")
	default:
	}

	// Other users never see it.
	select {
	case <-chBob:
		t.Fatal("update crossed users")
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	c := NewChannel()
	ch := c.Subscribe("alice", "c1")
	c.Unsubscribe("alice", "c1")

	_, open := <-ch
	assert.False(t, open)

	// Publishing afterwards must not panic.
	c.Publish(Update{Username: "alice", ConnID: "c2", Path: "/a"})
	c.Unsubscribe("alice", "c1")
}

func TestFullSubscriberDropsInsteadOfBlocking(t *testing.T) {
	c := NewChannel()
	_ = c.Subscribe("alice", "slow")

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer+8; i++ {
			c.Publish(Update{Username: "alice", ConnID: "fast", Path: "/a"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestResubscribeReplacesChannel(t *testing.T) {
	c := NewChannel()
	old := c.Subscribe("alice", "c1")
	fresh := c.Subscribe("alice", "c1")

	_, open := <-old
	require.False(t, open, "old channel should be closed on resubscribe")

	c.Publish(Update{Username: "alice", ConnID: "c2", Path: "/a"})
	u := recvUpdate(t, fresh)
	assert.Equal(t, "/a", u.Path)
}
