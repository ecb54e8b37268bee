package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/driftfs/driftfs/internal/broadcast"
	"github.com/driftfs/driftfs/internal/delta"
	"github.com/driftfs/driftfs/internal/synclock"
	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/vfs"
)

const defaultRetryDelay = 2 * time.Second

// Deps are the shared services a session handler works against.
type Deps struct {
	FS        vfs.FS
	Codec     delta.Codec
	Locker    synclock.Locker
	Broadcast broadcast.Broadcaster

	// MaxSyncSize rejects upstream syncs whose source list exceeds it.
	// Zero means unlimited.
	MaxSyncSize int64

	// RetryDelay is how long a delayed or locked-out downstream waits
	// before it is retried.
	RetryDelay time.Duration
}

// Handler runs the sync protocol for one connection. All state is owned by
// the Run goroutine; the only way in is the inbound message channel, the
// broadcast updates channel and the lock eviction signal.
type Handler struct {
	user   string
	connID string
	deps   Deps
	out    chan<- *syncmsg.Message
	log    *slog.Logger

	state    State
	lock     *synclock.Lock
	upPath   string
	upMode   syncmsg.SyncMode
	pending  []downstream
	cur      *downstream
	retryC   chan struct{}
	root     string
	authzed  bool
	counters Counters
}

func NewHandler(user, connID string, deps Deps, out chan<- *syncmsg.Message) *Handler {
	if deps.RetryDelay <= 0 {
		deps.RetryDelay = defaultRetryDelay
	}
	return &Handler{
		user:   user,
		connID: connID,
		deps:   deps,
		out:    out,
		log:    slog.With("user", user, "conn", connID),
		state:  StateListening,
		retryC: make(chan struct{}, 1),
	}
}

// Run drives the session until ctx is cancelled or inbound closes. A patch
// in flight always finishes before teardown; cancellation is only observed
// between messages.
func (h *Handler) Run(ctx context.Context, inbound <-chan *syncmsg.Message, updates <-chan broadcast.Update) error {
	defer h.teardown()

	for {
		var unlocked <-chan struct{}
		if h.lock != nil {
			unlocked = h.lock.Unlocked()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			h.dispatch(ctx, msg)

		case u, ok := <-updates:
			if !ok {
				updates = nil
				continue
			}
			h.onUpdate(ctx, u)

		case <-unlocked:
			h.onForcedUnlock(ctx)

		case <-h.retryC:
			h.maybeStartDownstream(ctx)
		}
	}
}

func (h *Handler) dispatch(ctx context.Context, msg *syncmsg.Message) {
	h.log.Debug("sync recv", "msg", msg.String(), "state", h.state)

	if h.state == StateClosing {
		return
	}
	if msg.IsError() {
		h.onClientError(ctx, msg)
		return
	}

	switch {
	case msg.IsRequest() && msg.Name == syncmsg.NameAuthz:
		h.handleAuthz(ctx, msg)
	case msg.IsRequest() && msg.Name == syncmsg.NameSync:
		h.handleSyncRequest(ctx, msg)
	case msg.IsRequest() && msg.Name == syncmsg.NameChksum:
		h.handleChecksumRequest(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NameDiffs:
		h.handleDiffsResponse(ctx, msg)
	case msg.IsRequest() && msg.Name == syncmsg.NameDiffs:
		h.handleDiffsRequest(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NamePatch:
		h.handlePatchResponse(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NameRename:
		h.handleRenameResponse(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NameRoot:
		h.handleRootResponse(ctx, msg)
	case msg.IsRequest() && msg.Name == syncmsg.NameDelay:
		h.handleDelayRequest(ctx, msg)
	case msg.IsRequest() && msg.Name == syncmsg.NameReset:
		h.handleReset(ctx)
	default:
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("unexpected %s in state %s", msg, h.state)))
	}
}

// handleAuthz records the client's sync root and kicks off the initial full
// downstream so a fresh connection converges without waiting for traffic.
func (h *Handler) handleAuthz(ctx context.Context, msg *syncmsg.Message) {
	root := "/"
	if msg.Content != nil && msg.Content.Path != "" {
		root = utils.CleanSyncPath(msg.Content.Path)
	}
	h.root = root
	h.authzed = true
	h.send(ctx, syncmsg.Response(syncmsg.NameAuthz, &syncmsg.Content{Path: root}))

	h.enqueueDownstream(downstream{path: root, mode: syncmsg.ModeCreate})
	h.maybeStartDownstream(ctx)
}

func (h *Handler) handleSyncRequest(ctx context.Context, msg *syncmsg.Message) {
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldMode); err != nil {
		h.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}
	if h.state != StateListening {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("sync request in state %s", h.state)))
		return
	}
	path := utils.CleanSyncPath(msg.Content.Path)

	// A client holding unapplied server changes for this path must pull
	// them before it may push; otherwise its patch would clobber what it
	// never saw. Downstreams elsewhere in the tree do not block the push.
	if h.downstreamPendingFor(path) {
		h.send(ctx, syncmsg.Error(syncmsg.NameNeedsDownstream, &syncmsg.Content{Path: path}))
		h.kickRetry()
		return
	}

	lock, err := h.deps.Locker.Request(ctx, h.user, h.connID, path)
	if err != nil {
		h.log.Error("sync lock request", "path", path, "error", err)
		h.send(ctx, syncmsg.ImplError("lock backend failure"))
		return
	}
	if lock == nil {
		h.send(ctx, syncmsg.Error(syncmsg.NameLocked, &syncmsg.Content{Path: path}))
		return
	}
	h.lock = lock

	switch msg.Content.Mode {
	case syncmsg.ModeCreate:
		h.state = StateInit
		h.upPath = path
		h.upMode = msg.Content.Mode
		h.send(ctx, syncmsg.Response(syncmsg.NameSync, &syncmsg.Content{Path: path, Mode: msg.Content.Mode}))

	case syncmsg.ModeRename:
		h.finishUpstreamRename(ctx, msg, path)

	case syncmsg.ModeDelete:
		h.finishUpstreamDelete(ctx, path)
	}
}

// Renames and deletes carry no content, so they complete inside the initial
// request instead of walking the checksum and diff steps.
func (h *Handler) finishUpstreamRename(ctx context.Context, msg *syncmsg.Message, path string) {
	if err := msg.Validate(syncmsg.FieldOldPath); err != nil {
		h.releaseLock(ctx)
		h.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}
	oldPath := utils.CleanSyncPath(msg.Content.OldPath)

	if err := h.deps.FS.MkdirAll(utils.ParentPath(path), 0o755); err == nil {
		err = h.deps.FS.Rename(oldPath, path)
		if err != nil {
			h.log.Warn("upstream rename", "old", oldPath, "new", path, "error", err)
		}
	}
	h.releaseLock(ctx)
	h.counters.UpstreamSynced++
	h.send(ctx, syncmsg.Response(syncmsg.NamePatch, &syncmsg.Content{
		Path:        path,
		SyncedPaths: []string{path},
	}))
	h.deps.Broadcast.Publish(broadcast.Update{
		Username: h.user, ConnID: h.connID,
		Path: path, Mode: syncmsg.ModeRename, OldPath: oldPath,
	})
	h.kickRetry()
}

func (h *Handler) finishUpstreamDelete(ctx context.Context, path string) {
	if err := h.deps.FS.RemoveAll(path); err != nil {
		h.log.Warn("upstream delete", "path", path, "error", err)
	}
	h.releaseLock(ctx)
	h.counters.UpstreamSynced++
	h.send(ctx, syncmsg.Response(syncmsg.NamePatch, &syncmsg.Content{
		Path:        path,
		SyncedPaths: []string{path},
	}))
	h.deps.Broadcast.Publish(broadcast.Update{
		Username: h.user, ConnID: h.connID,
		Path: path, Mode: syncmsg.ModeDelete,
	})
	h.kickRetry()
}

func (h *Handler) handleChecksumRequest(ctx context.Context, msg *syncmsg.Message) {
	if h.state != StateInit {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("checksum request in state %s", h.state)))
		return
	}
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldSourceList); err != nil {
		h.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}

	var total int64
	for _, e := range msg.Content.SourceList {
		total += e.Size
	}
	if h.deps.MaxSyncSize > 0 && total > h.deps.MaxSyncSize {
		h.log.Warn("upstream sync too large",
			"path", h.upPath, "size", humanize.Bytes(uint64(total)),
			"limit", humanize.Bytes(uint64(h.deps.MaxSyncSize)))
		h.send(ctx, syncmsg.Error(syncmsg.NameMaxsizeExceeded, &syncmsg.Content{
			Path: h.upPath,
			Error: fmt.Sprintf("sync of %s exceeds limit of %s",
				humanize.Bytes(uint64(total)), humanize.Bytes(uint64(h.deps.MaxSyncSize))),
		}))
		h.failUpstream(ctx)
		return
	}

	cks, err := h.deps.Codec.Checksums(ctx, h.deps.FS, h.upPath, msg.Content.SourceList)
	if err != nil {
		h.log.Error("upstream checksums", "path", h.upPath, "error", err)
		h.send(ctx, syncmsg.ImplError("checksum generation failed"))
		h.failUpstream(ctx)
		return
	}
	h.state = StateChksum
	h.send(ctx, syncmsg.Response(syncmsg.NameChksum, &syncmsg.Content{
		Path:      h.upPath,
		Checksums: cks,
	}))
}

func (h *Handler) handleDiffsResponse(ctx context.Context, msg *syncmsg.Message) {
	if h.state != StateChksum {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("diffs response in state %s", h.state)))
		return
	}
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldDiffs); err != nil {
		h.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}

	h.state = StatePatch
	res, err := h.deps.Codec.Patch(ctx, h.deps.FS, h.upPath, msg.Content.Diffs)
	if err != nil {
		h.log.Error("upstream patch", "path", h.upPath, "error", err)
		h.send(ctx, syncmsg.ImplError("patch failed"))
		h.failUpstream(ctx)
		return
	}

	path, mode := h.upPath, h.upMode
	h.releaseLock(ctx)
	h.state = StateListening
	h.upPath = ""
	h.counters.UpstreamSynced++

	h.log.Info("upstream synced", "path", path, "files", len(res.Synced))
	h.send(ctx, syncmsg.Response(syncmsg.NamePatch, &syncmsg.Content{
		Path:        path,
		SyncedPaths: res.Synced,
	}))
	h.deps.Broadcast.Publish(broadcast.Update{
		Username: h.user, ConnID: h.connID,
		Path: path, Mode: mode,
	})
	h.kickRetry()
}

// downstreamPendingFor reports whether an in-flight or queued downstream
// overlaps path.
func (h *Handler) downstreamPendingFor(path string) bool {
	overlaps := func(d *downstream) bool {
		if utils.PathsOverlap(d.path, path) {
			return true
		}
		return d.oldPath != "" && utils.PathsOverlap(d.oldPath, path)
	}
	if h.cur != nil && overlaps(h.cur) {
		return true
	}
	for i := range h.pending {
		if overlaps(&h.pending[i]) {
			return true
		}
	}
	return false
}

// enqueueDownstream queues one server-to-client sync. Content deliveries
// are merged with whatever is already queued to their common ancestor, so
// an interrupted subtree and a burst of fresh updates sync as one pass.
// Renames ride alongside untouched; they carry a path pair, not content.
func (h *Handler) enqueueDownstream(d downstream) {
	if d.mode != syncmsg.ModeRename {
		for i := range h.pending {
			if h.pending[i].mode == syncmsg.ModeRename {
				continue
			}
			h.pending[i].path = utils.CommonAncestor(h.pending[i].path, d.path)
			h.pending[i].mode = syncmsg.ModeCreate
			return
		}
	} else {
		for _, p := range h.pending {
			if p.path == d.path && p.mode == d.mode && p.oldPath == d.oldPath {
				return
			}
		}
	}
	h.pending = append(h.pending, d)
}

func (h *Handler) maybeStartDownstream(ctx context.Context) {
	if h.state != StateListening || !h.authzed || h.cur != nil || len(h.pending) == 0 {
		return
	}
	d := h.pending[0]
	h.pending = h.pending[1:]
	h.cur = &d
	h.state = StateOutOfDate

	if d.mode == syncmsg.ModeRename {
		h.send(ctx, syncmsg.Request(syncmsg.NameRename, &syncmsg.Content{
			Path:    d.path,
			OldPath: d.oldPath,
			Mode:    syncmsg.ModeRename,
		}))
		return
	}

	srcList, err := h.deps.Codec.SourceList(ctx, h.deps.FS, d.path)
	if err != nil {
		// The target may be gone entirely, a deleted subtree for instance.
		// Climb to an ancestor instead of dropping the delivery, so the
		// removal still reaches the client through the wider diff.
		h.log.Warn("downstream source list", "path", d.path, "error", err)
		h.cur = nil
		h.state = StateListening
		if d.path != "/" {
			h.enqueueDownstream(downstream{path: utils.ParentPath(d.path), mode: syncmsg.ModeCreate})
			h.kickRetry()
		} else {
			h.pending = append(h.pending, downstream{path: "/", mode: syncmsg.ModeCreate})
			h.scheduleRetry()
		}
		return
	}
	h.cur.sourceList = srcList
	h.send(ctx, syncmsg.Request(syncmsg.NameChksum, &syncmsg.Content{
		Path:       d.path,
		SourceList: srcList,
	}))
}

func (h *Handler) handleDiffsRequest(ctx context.Context, msg *syncmsg.Message) {
	if h.state != StateOutOfDate || h.cur == nil {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("diffs request in state %s", h.state)))
		return
	}
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldChecksums); err != nil {
		h.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}

	// An upstream sync on an overlapping path from another connection is
	// in flight; sending diffs now would hand out a half-written tree.
	locked, err := h.deps.Locker.IsUserLocked(ctx, h.user, h.cur.path)
	if err != nil {
		h.log.Error("downstream lock check", "path", h.cur.path, "error", err)
		locked = true
	}
	if locked {
		h.send(ctx, syncmsg.Error(syncmsg.NameDownstreamLocked, &syncmsg.Content{Path: h.cur.path}))
		h.requeueDownstream(ctx)
		return
	}

	diffs, err := h.deps.Codec.Diff(ctx, h.deps.FS, h.cur.path, msg.Content.Checksums)
	if err != nil {
		h.log.Error("downstream diff", "path", h.cur.path, "error", err)
		h.send(ctx, syncmsg.ImplError("diff generation failed"))
		h.requeueDownstream(ctx)
		return
	}
	h.send(ctx, syncmsg.Response(syncmsg.NameDiffs, &syncmsg.Content{
		Path:  h.cur.path,
		Diffs: diffs,
	}))
}

func (h *Handler) handlePatchResponse(ctx context.Context, msg *syncmsg.Message) {
	if h.state != StateOutOfDate || h.cur == nil {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("patch response in state %s", h.state)))
		return
	}
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldChecksums); err != nil {
		h.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}

	ok, err := h.deps.Codec.CompareContents(ctx, h.deps.FS, msg.Content.Checksums)
	if err != nil || !ok {
		// Indeterminate comparisons count as failures; the downstream is
		// retried from scratch rather than trusted.
		h.log.Warn("downstream verification failed", "path", h.cur.path, "error", err)
		h.counters.Failed++
		h.send(ctx, syncmsg.Error(syncmsg.NameVerification, &syncmsg.Content{Path: h.cur.path}))
		h.requeueDownstream(ctx)
		return
	}

	h.log.Info("downstream synced", "path", h.cur.path)
	h.counters.DownstreamSynced++
	h.send(ctx, syncmsg.Response(syncmsg.NameVerification, &syncmsg.Content{Path: h.cur.path}))
	h.cur = nil
	h.state = StateListening
	h.kickRetry()
}

func (h *Handler) handleRenameResponse(ctx context.Context, msg *syncmsg.Message) {
	if h.state != StateOutOfDate || h.cur == nil || h.cur.mode != syncmsg.ModeRename {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("rename response in state %s", h.state)))
		return
	}
	h.log.Info("downstream rename applied", "old", h.cur.oldPath, "new", h.cur.path)
	h.counters.DownstreamSynced++
	h.cur = nil
	h.state = StateListening
	h.kickRetry()
}

// handleRootResponse drops the in-flight downstream: the client told us its
// target lies outside the client's sync root.
func (h *Handler) handleRootResponse(ctx context.Context, msg *syncmsg.Message) {
	if h.state != StateOutOfDate || h.cur == nil {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("root response in state %s", h.state)))
		return
	}
	h.log.Debug("downstream outside client root", "path", h.cur.path)
	h.dropDownstream(ctx)
}

func (h *Handler) handleDelayRequest(ctx context.Context, msg *syncmsg.Message) {
	if h.state != StateOutOfDate || h.cur == nil {
		h.send(ctx, syncmsg.ImplError(fmt.Sprintf("delay request in state %s", h.state)))
		return
	}
	h.log.Debug("downstream delayed by client", "path", h.cur.path)
	h.requeueDownstream(ctx)
}

func (h *Handler) handleReset(ctx context.Context) {
	switch h.state {
	case StateInit, StateChksum:
		h.log.Debug("upstream reset by client", "path", h.upPath)
		h.failUpstream(ctx)
	case StateOutOfDate:
		h.requeueDownstream(ctx)
	}
}

func (h *Handler) onUpdate(ctx context.Context, u broadcast.Update) {
	d := downstream{path: u.Path, mode: u.Mode, oldPath: u.OldPath}
	if u.Mode == syncmsg.ModeDelete {
		// Deletions sync through the parent so the diff carries the
		// removal instead of pointing at a path that no longer exists.
		d = downstream{path: utils.ParentPath(u.Path), mode: syncmsg.ModeCreate}
	}
	h.enqueueDownstream(d)
	h.maybeStartDownstream(ctx)
}

// onForcedUnlock fires when the janitor or another force evicted our
// upstream lock mid-sync.
func (h *Handler) onForcedUnlock(ctx context.Context) {
	h.log.Warn("upstream interrupted, lock evicted", "path", h.upPath)
	h.counters.Interrupted++
	h.send(ctx, syncmsg.Error(syncmsg.NameInterrupted, &syncmsg.Content{Path: h.upPath}))
	h.lock = nil
	h.state = StateListening
	h.upPath = ""
	h.kickRetry()
}

func (h *Handler) onClientError(ctx context.Context, msg *syncmsg.Message) {
	h.log.Warn("client reported error", "msg", msg.String(), "state", h.state)
	switch h.state {
	case StateInit, StateChksum, StatePatch:
		h.failUpstream(ctx)
	case StateOutOfDate:
		h.requeueDownstream(ctx)
	}
}

func (h *Handler) failUpstream(ctx context.Context) {
	h.releaseLock(ctx)
	h.counters.Failed++
	h.state = StateListening
	h.upPath = ""
	h.kickRetry()
}

// requeueDownstream puts the in-flight downstream back, merging it with
// anything queued meanwhile.
func (h *Handler) requeueDownstream(ctx context.Context) {
	d := *h.cur
	d.sourceList = nil
	h.cur = nil
	h.state = StateListening
	h.enqueueDownstream(d)
	h.scheduleRetry()
}

func (h *Handler) dropDownstream(ctx context.Context) {
	h.cur = nil
	h.state = StateListening
	h.kickRetry()
}

func (h *Handler) releaseLock(ctx context.Context) {
	if h.lock == nil {
		return
	}
	if err := h.lock.Release(ctx); err != nil {
		h.log.Error("sync lock release", "error", err)
	}
	h.lock = nil
}

func (h *Handler) kickRetry() {
	select {
	case h.retryC <- struct{}{}:
	default:
	}
}

func (h *Handler) scheduleRetry() {
	time.AfterFunc(h.deps.RetryDelay, h.kickRetry)
}

func (h *Handler) send(ctx context.Context, msg *syncmsg.Message) {
	select {
	case h.out <- msg:
	case <-ctx.Done():
	}
}

func (h *Handler) teardown() {
	h.state = StateClosing
	if h.lock != nil {
		// Run's context is gone by now; release must still happen.
		h.releaseLock(context.Background())
	}
	h.log.Info("sync session closed",
		"upstream", h.counters.UpstreamSynced,
		"downstream", h.counters.DownstreamSynced,
		"failed", h.counters.Failed,
		"interrupted", h.counters.Interrupted)
}
