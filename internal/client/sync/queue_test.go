package sync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/vfs"
)

func newTestQueue(t *testing.T) *PendingQueue {
	t.Helper()
	fs := vfs.NewMemory()
	require.NoError(t, fs.MkdirAll("/home/alice", 0o755))
	q := NewPendingQueue(fs, "/home/alice")
	require.NoError(t, q.Load())
	return q
}

func TestQueueEnqueueDedupes(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/a.txt", Mode: syncmsg.ModeCreate}))
	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/b.txt", Mode: syncmsg.ModeCreate}))
	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/a.txt", Mode: syncmsg.ModeDelete}))

	assert.Equal(t, 2, q.Len())
	head, ok := q.Head()
	require.True(t, ok)
	// Later change wins for mode.
	assert.Equal(t, syncmsg.ModeDelete, head.Mode)

	assert.True(t, q.Contains("/home/alice/b.txt"))
	assert.False(t, q.Contains("/home/alice/c.txt"))
}

func TestQueueHeadModifiedResyncs(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/a.txt", Mode: syncmsg.ModeCreate}))
	// Written again while the head sync is in flight.
	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/a.txt", Mode: syncmsg.ModeCreate}))

	require.NoError(t, q.Dequeue())
	head, ok := q.Head()
	require.True(t, ok, "modified head stays queued")
	assert.False(t, head.Modified)

	require.NoError(t, q.Dequeue())
	assert.Equal(t, 0, q.Len())
}

func TestQueueDelayHeadIsFair(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/locked.txt", Mode: syncmsg.ModeCreate}))
	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/free.txt", Mode: syncmsg.ModeCreate}))

	require.NoError(t, q.DelayHead())
	head, ok := q.Head()
	require.True(t, ok)
	assert.Equal(t, "/home/alice/free.txt", head.Path)

	// Single-item queue is a no-op.
	require.NoError(t, q.Dequeue())
	require.NoError(t, q.DelayHead())
	head, _ = q.Head()
	assert.Equal(t, "/home/alice/locked.txt", head.Path)
}

func TestQueuePersistsAcrossReload(t *testing.T) {
	fs := vfs.NewMemory()
	require.NoError(t, fs.MkdirAll("/home/alice", 0o755))

	q := NewPendingQueue(fs, "/home/alice")
	require.NoError(t, q.Load())
	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/a.txt", Mode: syncmsg.ModeCreate}))
	require.NoError(t, q.Enqueue(Change{
		Path:    "/home/alice/new.txt",
		OldPath: "/home/alice/old.txt",
		Mode:    syncmsg.ModeRename,
	}))

	q2 := NewPendingQueue(fs, "/home/alice")
	require.NoError(t, q2.Load())
	assert.Equal(t, 2, q2.Len())

	require.NoError(t, q2.Dequeue())
	head, ok := q2.Head()
	require.True(t, ok)
	assert.Equal(t, syncmsg.ModeRename, head.Mode)
	assert.Equal(t, "/home/alice/old.txt", head.OldPath)
}

func TestQueueCorruptAttrResets(t *testing.T) {
	fs := vfs.NewMemory()
	require.NoError(t, fs.MkdirAll("/home/alice", 0o755))
	require.NoError(t, fs.SetAttr("/home/alice", vfs.AttrPendingQueue, []byte("not json")))

	q := NewPendingQueue(fs, "/home/alice")
	require.NoError(t, q.Load())
	assert.Equal(t, 0, q.Len())
}

func TestQueueDropRemovesModifiedHead(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/big.bin", Mode: syncmsg.ModeCreate}))
	require.NoError(t, q.Enqueue(Change{Path: "/home/alice/big.bin", Mode: syncmsg.ModeCreate}))

	require.NoError(t, q.Drop())
	assert.Equal(t, 0, q.Len())
}
