package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftfs/driftfs/internal/broadcast"
	"github.com/driftfs/driftfs/internal/delta"
	"github.com/driftfs/driftfs/internal/synclock"
	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/vfs"
)

type harness struct {
	t      *testing.T
	fs     vfs.FS
	codec  delta.Codec
	locker *synclock.MemoryLocker
	bc     *broadcast.Channel
	in     chan *syncmsg.Message
	out    chan *syncmsg.Message
	cancel context.CancelFunc
	done   chan struct{}
}

func newHarness(t *testing.T, user, connID string, maxSize int64) *harness {
	return newHarnessRetry(t, user, connID, maxSize, 10*time.Millisecond)
}

func newHarnessRetry(t *testing.T, user, connID string, maxSize int64, retry time.Duration) *harness {
	t.Helper()
	h := &harness{
		t:      t,
		fs:     vfs.NewMemory(),
		codec:  delta.NewBlockCodec(),
		locker: synclock.NewMemoryLocker(),
		bc:     broadcast.NewChannel(),
		in:     make(chan *syncmsg.Message, 16),
		out:    make(chan *syncmsg.Message, 16),
		done:   make(chan struct{}),
	}
	h.start(t, user, connID, maxSize, retry)
	return h
}

func (h *harness) start(t *testing.T, user, connID string, maxSize int64, retry time.Duration) {
	handler := NewHandler(user, connID, Deps{
		FS:          h.fs,
		Codec:       h.codec,
		Locker:      h.locker,
		Broadcast:   h.bc,
		MaxSyncSize: maxSize,
		RetryDelay:  retry,
	}, h.out)

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	updates := h.bc.Subscribe(user, connID)
	go func() {
		defer close(h.done)
		_ = handler.Run(ctx, h.in, updates)
	}()
	t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) recv() *syncmsg.Message {
	h.t.Helper()
	select {
	case msg := <-h.out:
		return msg
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for server message")
		return nil
	}
}

func (h *harness) expect(typ syncmsg.MsgType, name syncmsg.MsgName) *syncmsg.Message {
	h.t.Helper()
	msg := h.recv()
	require.Equal(h.t, typ, msg.Type, "got %s", msg)
	require.Equal(h.t, name, msg.Name, "got %s", msg)
	return msg
}

// pushUpstream walks a full create-mode upstream sync from a scripted
// client filesystem into the server.
func (h *harness) pushUpstream(clientFS vfs.FS, path string) *syncmsg.Message {
	h.t.Helper()
	ctx := context.Background()

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: path, Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)

	srcList, err := h.codec.SourceList(ctx, clientFS, path)
	require.NoError(h.t, err)
	h.in <- syncmsg.Request(syncmsg.NameChksum, &syncmsg.Content{Path: path, SourceList: srcList})
	cksMsg := h.expect(syncmsg.TypeResponse, syncmsg.NameChksum)

	diffs, err := h.codec.Diff(ctx, clientFS, path, cksMsg.Content.Checksums)
	require.NoError(h.t, err)
	h.in <- syncmsg.Response(syncmsg.NameDiffs, &syncmsg.Content{Path: path, Diffs: diffs})
	return h.expect(syncmsg.TypeResponse, syncmsg.NamePatch)
}

// pullDownstream answers one server-initiated checksum request against the
// scripted client filesystem, applies the diffs and reports verification.
func (h *harness) pullDownstream(clientFS vfs.FS) {
	h.t.Helper()
	ctx := context.Background()

	req := h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
	path := req.Content.Path

	cks, err := h.codec.Checksums(ctx, clientFS, path, req.Content.SourceList)
	require.NoError(h.t, err)
	h.in <- syncmsg.Request(syncmsg.NameDiffs, &syncmsg.Content{Path: path, Checksums: cks})

	diffsMsg := h.expect(syncmsg.TypeResponse, syncmsg.NameDiffs)
	_, err = h.codec.Patch(ctx, clientFS, path, diffsMsg.Content.Diffs)
	require.NoError(h.t, err)

	// Verification checksums run against the server's manifest, the same
	// way the real engine reports them.
	verify, err := h.codec.Checksums(ctx, clientFS, path, req.Content.SourceList)
	require.NoError(h.t, err)
	h.in <- syncmsg.Response(syncmsg.NamePatch, &syncmsg.Content{Path: path, Checksums: verify})

	h.expect(syncmsg.TypeResponse, syncmsg.NameVerification)
}

func writeFile(t *testing.T, fs vfs.FS, path, content string) {
	t.Helper()
	require.NoError(t, fs.MkdirAll("/docs", 0o755))
	require.NoError(t, fs.WriteFile(path, []byte(content), 0o644))
}

func TestUpstreamCreateSync(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)
	clientFS := vfs.NewMemory()
	writeFile(t, clientFS, "/docs/a.txt", "hello world")

	otherConn := h.bc.Subscribe("alice", "c2")

	patch := h.pushUpstream(clientFS, "/docs/a.txt")
	assert.Contains(t, patch.Content.SyncedPaths, "/docs/a.txt")

	got, err := h.fs.ReadFile("/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))

	// The finished sync was broadcast to the user's other connections.
	select {
	case u := <-otherConn:
		assert.Equal(t, "/docs/a.txt", u.Path)
		assert.Equal(t, "c1", u.ConnID)
	case <-time.After(time.Second):
		t.Fatal("no broadcast update")
	}

	// The lock is released after the patch lands.
	locked, err := h.locker.IsUserLocked(context.Background(), "alice", "/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestUpstreamLockContention(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	// Another connection already holds an overlapping lock.
	other, err := h.locker.Request(context.Background(), "alice", "c9", "/docs")
	require.NoError(t, err)
	require.NotNil(t, other)

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/a.txt", Mode: syncmsg.ModeCreate})
	errMsg := h.expect(syncmsg.TypeError, syncmsg.NameLocked)
	assert.Equal(t, "/docs/a.txt", errMsg.Content.Path)

	// Once the holder releases, the sync is granted.
	require.NoError(t, other.Release(context.Background()))
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/a.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)
}

func TestUpstreamMaxSizeBoundary(t *testing.T) {
	h := newHarness(t, "alice", "c1", 10)
	clientFS := vfs.NewMemory()
	writeFile(t, clientFS, "/docs/a.txt", "exactly10b")

	// A source list totalling exactly the limit is allowed.
	patch := h.pushUpstream(clientFS, "/docs/a.txt")
	assert.Contains(t, patch.Content.SyncedPaths, "/docs/a.txt")

	// One byte over is rejected and the lock is freed again.
	require.NoError(t, clientFS.WriteFile("/docs/a.txt", []byte("11 bytes!!!"), 0o644))
	ctx := context.Background()
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/a.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)

	srcList, err := h.codec.SourceList(ctx, clientFS, "/docs/a.txt")
	require.NoError(t, err)
	h.in <- syncmsg.Request(syncmsg.NameChksum, &syncmsg.Content{Path: "/docs/a.txt", SourceList: srcList})
	errMsg := h.expect(syncmsg.TypeError, syncmsg.NameMaxsizeExceeded)
	assert.Contains(t, errMsg.Content.Error, "exceeds limit")

	locked, err := h.locker.IsUserLocked(ctx, "alice", "/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestUpstreamRenameShortCircuits(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)
	writeFile(t, h.fs, "/docs/old.txt", "content")

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{
		Path: "/docs/new.txt", OldPath: "/docs/old.txt", Mode: syncmsg.ModeRename,
	})
	patch := h.expect(syncmsg.TypeResponse, syncmsg.NamePatch)
	assert.Equal(t, []string{"/docs/new.txt"}, patch.Content.SyncedPaths)

	exists, err := h.fs.Exists("/docs/old.txt")
	require.NoError(t, err)
	assert.False(t, exists)
	got, err := h.fs.ReadFile("/docs/new.txt")
	require.NoError(t, err)
	assert.Equal(t, "content", string(got))
}

func TestUpstreamDeleteShortCircuits(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)
	writeFile(t, h.fs, "/docs/a.txt", "content")

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{
		Path: "/docs/a.txt", Mode: syncmsg.ModeDelete,
	})
	h.expect(syncmsg.TypeResponse, syncmsg.NamePatch)
	exists, err := h.fs.Exists("/docs/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestOutOfOrderMessageGetsImplError(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	// Diffs without a granted sync.
	h.in <- syncmsg.Response(syncmsg.NameDiffs, &syncmsg.Content{Path: "/a", Diffs: []delta.Diff{}})
	h.expect(syncmsg.TypeError, syncmsg.NameImpl)
}

func TestInvalidContentGetsContentError(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/a", Mode: "truncate"})
	h.expect(syncmsg.TypeError, syncmsg.NameContent)
}

func TestAuthzTriggersFullDownstream(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)
	writeFile(t, h.fs, "/docs/a.txt", "server copy")

	clientFS := vfs.NewMemory()
	require.NoError(t, clientFS.MkdirAll("/", 0o755))

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)

	h.pullDownstream(clientFS)

	got, err := clientFS.ReadFile("/docs/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "server copy", string(got))
}

func TestSyncRequestWhilePendingDownstream(t *testing.T) {
	// Long retry delay keeps the delayed downstream parked in the pending
	// queue for the duration of the test.
	h := newHarnessRetry(t, "alice", "c1", 0, time.Hour)

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	// The initial full downstream is now in flight; delay it so the
	// session returns to listening with work still queued.
	h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
	h.in <- syncmsg.Request(syncmsg.NameDelay, nil)

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/a", Mode: syncmsg.ModeCreate})
	msg := h.recv()
	require.Equal(t, syncmsg.TypeError, msg.Type)
	assert.Equal(t, syncmsg.NameNeedsDownstream, msg.Name)
}

func TestDownstreamLockedDefersAndRetries(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)
	writeFile(t, h.fs, "/docs/a.txt", "server copy")

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	req := h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)

	// Another connection starts an upstream on an overlapping path.
	lock, err := h.locker.Request(context.Background(), "alice", "c9", "/docs")
	require.NoError(t, err)
	require.NotNil(t, lock)

	cks, err := h.codec.Checksums(context.Background(), vfs.NewMemory(), req.Content.Path, req.Content.SourceList)
	require.NoError(t, err)
	h.in <- syncmsg.Request(syncmsg.NameDiffs, &syncmsg.Content{Path: req.Content.Path, Checksums: cks})
	h.expect(syncmsg.TypeError, syncmsg.NameDownstreamLocked)

	// After the holder releases, the deferred downstream comes back.
	require.NoError(t, lock.Release(context.Background()))
	h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
}

func TestBroadcastUpdateStartsDownstream(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	h.pullDownstream(vfs.NewMemory())

	writeFile(t, h.fs, "/docs/a.txt", "fresh")
	h.bc.Publish(broadcast.Update{
		Username: "alice", ConnID: "c2",
		Path: "/docs/a.txt", Mode: syncmsg.ModeCreate,
	})

	req := h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
	assert.Equal(t, "/docs/a.txt", req.Content.Path)
}

func TestBroadcastDeleteSyncsParent(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	h.pullDownstream(vfs.NewMemory())

	// A sibling keeps the parent directory alive after the delete.
	writeFile(t, h.fs, "/docs/keep.txt", "kept")
	h.bc.Publish(broadcast.Update{
		Username: "alice", ConnID: "c2",
		Path: "/docs/a.txt", Mode: syncmsg.ModeDelete,
	})

	req := h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
	assert.Equal(t, "/docs", req.Content.Path)
}

func TestDownstreamMissingPathClimbsToAncestor(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	h.pullDownstream(vfs.NewMemory())

	// The deleted subtree is gone server-side; the delivery climbs to an
	// ancestor that exists instead of being dropped.
	h.bc.Publish(broadcast.Update{
		Username: "alice", ConnID: "c2",
		Path: "/docs/a.txt", Mode: syncmsg.ModeDelete,
	})

	req := h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
	assert.Equal(t, "/", req.Content.Path)
}

func TestSyncOutsidePendingDownstreamGranted(t *testing.T) {
	// Long retry delay keeps the delayed downstream parked for the test.
	h := newHarnessRetry(t, "alice", "c1", 0, time.Hour)
	writeFile(t, h.fs, "/docs/a.txt", "server copy")

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/docs"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
	h.in <- syncmsg.Request(syncmsg.NameDelay, nil)

	// A path under the parked downstream is still fenced off, and the
	// rejection retries the downstream right away.
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/b.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeError, syncmsg.NameNeedsDownstream)
	h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
	h.in <- syncmsg.Request(syncmsg.NameDelay, nil)

	// A path elsewhere in the tree is granted.
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/notes/todo.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)
}

func TestDownstreamQueueMergesOverlapsToAncestor(t *testing.T) {
	h := NewHandler("alice", "c1", Deps{
		FS:     vfs.NewMemory(),
		Codec:  delta.NewBlockCodec(),
		Locker: synclock.NewMemoryLocker(),
	}, make(chan *syncmsg.Message, 16))

	h.enqueueDownstream(downstream{path: "/docs/b/x.txt", mode: syncmsg.ModeCreate})
	h.enqueueDownstream(downstream{path: "/docs/a.txt", mode: syncmsg.ModeCreate})

	require.Len(t, h.pending, 1)
	assert.Equal(t, "/docs", h.pending[0].path)
	assert.Equal(t, syncmsg.ModeCreate, h.pending[0].mode)

	// Renames queue alongside and never merge.
	h.enqueueDownstream(downstream{path: "/pics/new.jpg", oldPath: "/pics/old.jpg", mode: syncmsg.ModeRename})
	h.enqueueDownstream(downstream{path: "/pics/new.jpg", oldPath: "/pics/old.jpg", mode: syncmsg.ModeRename})
	require.Len(t, h.pending, 2)
	assert.Equal(t, syncmsg.ModeRename, h.pending[1].mode)
}

func TestBroadcastRenameSendsRenameRequest(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	h.pullDownstream(vfs.NewMemory())

	h.bc.Publish(broadcast.Update{
		Username: "alice", ConnID: "c2",
		Path: "/docs/new.txt", OldPath: "/docs/old.txt", Mode: syncmsg.ModeRename,
	})

	req := h.expect(syncmsg.TypeRequest, syncmsg.NameRename)
	assert.Equal(t, "/docs/new.txt", req.Content.Path)
	assert.Equal(t, "/docs/old.txt", req.Content.OldPath)

	h.in <- syncmsg.Response(syncmsg.NameRename, &syncmsg.Content{Path: "/docs/new.txt"})
	// Session is listening again: an upstream sync is granted.
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/x", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)
}

func TestForcedUnlockInterruptsUpstream(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/a.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)

	n, err := h.locker.ForceRelease(context.Background(), "alice", "/docs/a.txt")
	require.NoError(t, err)
	require.Equal(t, 1, n)

	errMsg := h.expect(syncmsg.TypeError, syncmsg.NameInterrupted)
	assert.Equal(t, "/docs/a.txt", errMsg.Content.Path)

	// Session recovered to listening.
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/a.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)
}

func TestResetReleasesUpstream(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)

	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/a.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)

	h.in <- syncmsg.Request(syncmsg.NameReset, nil)

	// Lock freed; a fresh sync request succeeds.
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/docs/a.txt", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)
}

func TestRootResponseDropsDownstream(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)
	writeFile(t, h.fs, "/docs/a.txt", "x")

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)

	h.in <- syncmsg.Response(syncmsg.NameRoot, &syncmsg.Content{Path: "/"})

	// Session is listening; upstream is granted immediately.
	h.in <- syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{Path: "/x", Mode: syncmsg.ModeCreate})
	h.expect(syncmsg.TypeResponse, syncmsg.NameSync)
}

func TestDownstreamVerificationFailureRetries(t *testing.T) {
	h := newHarness(t, "alice", "c1", 0)
	writeFile(t, h.fs, "/docs/a.txt", "server copy")

	h.in <- syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: "/"})
	h.expect(syncmsg.TypeResponse, syncmsg.NameAuthz)
	req := h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)

	// Report verification checksums that do not match the server copy.
	bogus := []delta.Checksum{{
		Path: "/docs/a.txt", Type: delta.EntryFile, Size: 5,
		Blocks: []string{"deadbeef"},
	}}
	h.in <- syncmsg.Response(syncmsg.NamePatch, &syncmsg.Content{Path: req.Content.Path, Checksums: bogus})
	h.expect(syncmsg.TypeError, syncmsg.NameVerification)

	// The downstream is retried from the top.
	h.expect(syncmsg.TypeRequest, syncmsg.NameChksum)
}
