package synclock

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestAndContention(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()

	l1, err := m.Request(ctx, "alice", "c1", "/docs/a.txt")
	require.NoError(t, err)
	require.NotNil(t, l1)

	// Same path, different connection: contended.
	l2, err := m.Request(ctx, "alice", "c2", "/docs/a.txt")
	require.NoError(t, err)
	assert.Nil(t, l2)

	// Ancestor and descendant paths contend too.
	l3, err := m.Request(ctx, "alice", "c2", "/docs")
	require.NoError(t, err)
	assert.Nil(t, l3)
	l4, err := m.Request(ctx, "alice", "c2", "/docs/a.txt/part")
	require.NoError(t, err)
	assert.Nil(t, l4)

	// Sibling path and other users do not contend.
	l5, err := m.Request(ctx, "alice", "c2", "/docs/b.txt")
	require.NoError(t, err)
	assert.NotNil(t, l5)
	l6, err := m.Request(ctx, "bob", "c3", "/docs/a.txt")
	require.NoError(t, err)
	assert.NotNil(t, l6)
}

func TestReleaseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()

	l, err := m.Request(ctx, "alice", "c1", "/a")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))
	require.NoError(t, l.Release(ctx))

	// Lock is free again.
	l2, err := m.Request(ctx, "alice", "c2", "/a")
	require.NoError(t, err)
	assert.NotNil(t, l2)
}

func TestNormalReleaseDoesNotSignal(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()

	l, err := m.Request(ctx, "alice", "c1", "/a")
	require.NoError(t, err)
	require.NoError(t, l.Release(ctx))

	select {
	case <-l.Unlocked():
		t.Fatal("Unlocked fired on normal release")
	default:
	}
}

func TestForceReleaseSignalsHolder(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()

	l, err := m.Request(ctx, "alice", "c1", "/docs/a.txt")
	require.NoError(t, err)

	n, err := m.ForceRelease(ctx, "alice", "/docs")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-l.Unlocked():
	case <-time.After(time.Second):
		t.Fatal("Unlocked did not fire on forced release")
	}

	// A release after eviction is a no-op and does not error.
	require.NoError(t, l.Release(ctx))

	// The path is available for the new holder.
	l2, err := m.Request(ctx, "alice", "c2", "/docs/a.txt")
	require.NoError(t, err)
	assert.NotNil(t, l2)
}

func TestIsUserLocked(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()

	locked, err := m.IsUserLocked(ctx, "alice", "/docs")
	require.NoError(t, err)
	assert.False(t, locked)

	_, err = m.Request(ctx, "alice", "c1", "/docs/a.txt")
	require.NoError(t, err)

	for _, p := range []string{"/docs/a.txt", "/docs", "/", "/docs/a.txt/x"} {
		locked, err = m.IsUserLocked(ctx, "alice", p)
		require.NoError(t, err)
		assert.True(t, locked, p)
	}
	locked, err = m.IsUserLocked(ctx, "alice", "/docs/b.txt")
	require.NoError(t, err)
	assert.False(t, locked)
	locked, err = m.IsUserLocked(ctx, "bob", "/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestExpireOlderThan(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()

	now := time.Now()
	m.clock = func() time.Time { return now }
	stale, err := m.Request(ctx, "alice", "c1", "/old")
	require.NoError(t, err)

	m.clock = func() time.Time { return now.Add(time.Hour) }
	fresh, err := m.Request(ctx, "alice", "c1", "/new")
	require.NoError(t, err)

	n, err := m.ExpireOlderThan(ctx, 30*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	select {
	case <-stale.Unlocked():
	default:
		t.Fatal("stale lock was not signalled")
	}
	select {
	case <-fresh.Unlocked():
		t.Fatal("fresh lock was expired")
	default:
	}
}

func TestAtMostOneHolderUnderContention(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryLocker()

	const attempts = 64
	var wg sync.WaitGroup
	granted := make(chan *Lock, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l, err := m.Request(ctx, "alice", "c", "/contended")
			assert.NoError(t, err)
			if l != nil {
				granted <- l
			}
		}()
	}
	wg.Wait()
	close(granted)

	var winners []*Lock
	for l := range granted {
		winners = append(winners, l)
	}
	require.Len(t, winners, 1)
	require.NoError(t, winners[0].Release(ctx))
}
