package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftfs/driftfs/internal/delta"
	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/vfs"
)

const (
	defaultRetryDelay   = 2 * time.Second
	defaultSyncInterval = 15 * time.Second
)

// Options tune the engine's timers.
type Options struct {
	// RetryDelay is how long a delayed or locked-out upstream waits before
	// the queue head is retried.
	RetryDelay time.Duration

	// SyncInterval is the cadence of the periodic kick that retries any
	// queued work the event flow missed.
	SyncInterval time.Duration
}

// downstreamState is the server-initiated sync currently being applied.
type downstreamState struct {
	path       string
	sourceList []delta.SourceEntry
}

// Engine runs the client half of the sync protocol for one connection. All
// state is owned by the Run goroutine; inputs are the inbound message
// channel, the filesystem change feed and the retry timer.
type Engine struct {
	fs    *SyncFS
	codec delta.Codec
	queue *PendingQueue
	out   chan<- *syncmsg.Message
	opts  Options
	log   *slog.Logger

	status   Status
	step     upStep
	upPath   string
	down     *downstreamState
	retryC   chan struct{}
	counters Counters
}

func NewEngine(fs *SyncFS, codec delta.Codec, out chan<- *syncmsg.Message, opts Options) *Engine {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = defaultRetryDelay
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}
	return &Engine{
		fs:     fs,
		codec:  codec,
		queue:  NewPendingQueue(fs.FS, fs.Root()),
		out:    out,
		opts:   opts,
		log:    slog.With("root", fs.Root()),
		status: StatusConnecting,
		retryC: make(chan struct{}, 1),
	}
}

func (e *Engine) Status() Status { return e.status }

// Run drives the session until ctx is cancelled or inbound closes. It opens
// with the authorization handshake and then reacts to server messages and
// local filesystem changes.
func (e *Engine) Run(ctx context.Context, inbound <-chan *syncmsg.Message) error {
	defer e.teardown()

	if err := e.queue.Load(); err != nil {
		return err
	}
	e.send(ctx, syncmsg.Request(syncmsg.NameAuthz, &syncmsg.Content{Path: e.fs.Root()}))

	ticker := time.NewTicker(e.opts.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			e.dispatch(ctx, msg)

		case c := <-e.fs.Changes():
			if err := e.queue.Enqueue(c); err != nil {
				e.log.Error("enqueue change", "path", c.Path, "error", err)
			}
			e.maybeStartUpstream(ctx)

		case <-e.retryC:
			e.maybeStartUpstream(ctx)

		case <-ticker.C:
			e.rescanUnsynced()
			e.maybeStartUpstream(ctx)
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, msg *syncmsg.Message) {
	e.log.Debug("sync recv", "msg", msg.String(), "status", e.status)

	if msg.IsError() {
		e.onServerError(ctx, msg)
		return
	}

	switch {
	case msg.IsResponse() && msg.Name == syncmsg.NameAuthz:
		e.onAuthzed(ctx)
	case msg.IsResponse() && msg.Name == syncmsg.NameSync:
		e.onSyncAccepted(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NameChksum:
		e.onServerChecksums(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NamePatch:
		e.onUpstreamPatched(ctx, msg)
	case msg.IsRequest() && msg.Name == syncmsg.NameChksum:
		e.onDownstreamStart(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NameDiffs:
		e.onDownstreamDiffs(ctx, msg)
	case msg.IsResponse() && msg.Name == syncmsg.NameVerification:
		e.onDownstreamVerified(ctx, msg)
	case msg.IsRequest() && msg.Name == syncmsg.NameRename:
		e.onDownstreamRename(ctx, msg)
	default:
		e.log.Warn("unexpected server message", "msg", msg.String(), "status", e.status)
		e.reset(ctx, "unexpected message")
	}
}

func (e *Engine) onAuthzed(ctx context.Context) {
	if e.status != StatusConnecting {
		return
	}
	e.log.Info("sync session authorized")
	e.status = StatusReady
	e.maybeStartUpstream(ctx)
}

// maybeStartUpstream pushes the queue head if nothing else is in flight.
// Renames and deletes complete within the initial request on the server
// side, so for those the engine waits straight for the patch response.
func (e *Engine) maybeStartUpstream(ctx context.Context) {
	if e.status != StatusReady {
		return
	}
	head, ok := e.queue.Head()
	if !ok {
		return
	}

	e.status = StatusSyncing
	e.step = stepInit
	e.upPath = head.Path
	e.send(ctx, syncmsg.Request(syncmsg.NameSync, &syncmsg.Content{
		Path:    head.Path,
		OldPath: head.OldPath,
		Mode:    head.Mode,
	}))
}

func (e *Engine) onSyncAccepted(ctx context.Context, msg *syncmsg.Message) {
	if e.status != StatusSyncing || e.step != stepInit {
		e.reset(ctx, "sync response while not initiating")
		return
	}

	srcList, err := e.codec.SourceList(ctx, e.fs.FS, e.upPath)
	if err != nil {
		e.log.Warn("upstream source list", "path", e.upPath, "error", err)
		e.abortUpstream(ctx, false)
		return
	}
	e.step = stepChksum
	e.send(ctx, syncmsg.Request(syncmsg.NameChksum, &syncmsg.Content{
		Path:       e.upPath,
		SourceList: srcList,
	}))
}

func (e *Engine) onServerChecksums(ctx context.Context, msg *syncmsg.Message) {
	if e.status != StatusSyncing || e.step != stepChksum {
		e.reset(ctx, "checksum response while not expecting one")
		return
	}
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldChecksums); err != nil {
		e.log.Warn("bad checksum response", "error", err)
		e.abortUpstream(ctx, true)
		return
	}

	diffs, err := e.codec.Diff(ctx, e.fs.FS, e.upPath, msg.Content.Checksums)
	if err != nil {
		e.log.Warn("upstream diff", "path", e.upPath, "error", err)
		e.abortUpstream(ctx, true)
		return
	}
	e.step = stepPatch
	e.send(ctx, syncmsg.Response(syncmsg.NameDiffs, &syncmsg.Content{
		Path:  e.upPath,
		Diffs: diffs,
	}))
}

// onUpstreamPatched finishes an upstream sync: the server applied our diffs,
// so the pushed paths are stamped with their synced checksum and unmarked.
func (e *Engine) onUpstreamPatched(ctx context.Context, msg *syncmsg.Message) {
	if e.status != StatusSyncing {
		e.reset(ctx, "patch response while not syncing")
		return
	}

	if msg.Content != nil {
		for _, p := range msg.Content.SyncedPaths {
			e.stampSynced(ctx, p)
		}
	}

	path := e.upPath
	e.status = StatusReady
	e.step = stepNone
	e.upPath = ""
	e.counters.UpstreamSynced++
	if err := e.queue.Dequeue(); err != nil {
		e.log.Error("dequeue", "path", path, "error", err)
	}
	e.log.Info("upstream synced", "path", path)
	e.kickRetry()
}

// stampSynced records a path's post-sync content checksum and clears its
// unsynced mark. Directories and paths deleted since the push are skipped.
func (e *Engine) stampSynced(ctx context.Context, path string) {
	info, err := e.fs.FS.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	ck, err := delta.ContentChecksum(ctx, e.fs.FS, path)
	if err != nil {
		e.log.Warn("stamp synced checksum", "path", path, "error", err)
		return
	}
	if err := vfs.SetChecksum(e.fs.FS, path, ck); err != nil {
		e.log.Warn("stamp synced checksum", "path", path, "error", err)
		return
	}
	if err := vfs.ClearUnsynced(e.fs.FS, path); err != nil && !errors.Is(err, vfs.ErrAttrNotExist) {
		e.log.Warn("clear unsynced", "path", path, "error", err)
	}
}

// onDownstreamStart answers a server-initiated checksum request. The server
// may open a downstream at any time; if an upstream is mid-flight the
// downstream is pushed back rather than interleaved.
func (e *Engine) onDownstreamStart(ctx context.Context, msg *syncmsg.Message) {
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldSourceList); err != nil {
		e.log.Warn("bad downstream request", "error", err)
		e.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}
	path := utils.CleanSyncPath(msg.Content.Path)

	if !utils.PathsOverlap(e.fs.Root(), path) {
		e.send(ctx, syncmsg.Response(syncmsg.NameRoot, &syncmsg.Content{Path: path}))
		return
	}
	if e.status != StatusReady {
		e.send(ctx, syncmsg.Request(syncmsg.NameDelay, &syncmsg.Content{Path: path}))
		return
	}

	e.status = StatusOutOfDate
	e.down = &downstreamState{path: path, sourceList: msg.Content.SourceList}
	e.sendDownstreamChecksums(ctx)
}

// sendDownstreamChecksums snapshots local writes from here on and reports
// the local state of the downstream target. Re-entered when the target
// changed under an in-flight downstream.
func (e *Engine) sendDownstreamChecksums(ctx context.Context) {
	e.fs.StartRecording()
	cks, err := e.codec.Checksums(ctx, e.fs.FS, e.down.path, e.down.sourceList)
	if err != nil {
		e.log.Warn("downstream checksums", "path", e.down.path, "error", err)
		e.send(ctx, syncmsg.Request(syncmsg.NameDelay, &syncmsg.Content{Path: e.down.path}))
		e.down = nil
		e.status = StatusReady
		return
	}
	e.send(ctx, syncmsg.Request(syncmsg.NameDiffs, &syncmsg.Content{
		Path:      e.down.path,
		Checksums: cks,
	}))
}

func (e *Engine) onDownstreamDiffs(ctx context.Context, msg *syncmsg.Message) {
	if e.status != StatusOutOfDate || e.down == nil {
		e.reset(ctx, "diffs response with no downstream in flight")
		return
	}
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldDiffs); err != nil {
		e.log.Warn("bad diffs response", "error", err)
		e.send(ctx, syncmsg.ContentError(err.Error()))
		e.down = nil
		e.status = StatusReady
		return
	}

	// The diffs were computed against checksums that predate any write made
	// since; applying them would clobber those writes. Re-report and let the
	// server cut fresh diffs.
	if e.fs.ChangedUnder(e.down.path) {
		e.log.Debug("downstream target changed locally, rechecking", "path", e.down.path)
		e.sendDownstreamChecksums(ctx)
		return
	}

	res, err := e.codec.Patch(ctx, e.fs.FS, e.down.path, msg.Content.Diffs)
	if err != nil {
		e.log.Error("downstream patch", "path", e.down.path, "error", err)
		e.send(ctx, syncmsg.Error(syncmsg.NamePatch, &syncmsg.Content{
			Path:  e.down.path,
			Error: "patch failed",
		}))
		e.down = nil
		e.status = StatusReady
		e.counters.Failed++
		return
	}

	// Paths where the local copy won stay ours and are pushed back.
	for _, p := range res.NeedsUpstream {
		if err := e.queue.Enqueue(Change{Path: p, Mode: syncmsg.ModeCreate}); err != nil {
			e.log.Error("enqueue upstream winner", "path", p, "error", err)
		}
	}

	// Verification runs against the server's manifest, never a fresh local
	// source list: files that exist only here show up as LocalOnly entries
	// the server knows to skip, instead of phantom mismatches it would fail
	// the downstream on forever.
	verify, err := e.codec.Checksums(ctx, e.fs.FS, e.down.path, e.down.sourceList)
	if err == nil {
		e.send(ctx, syncmsg.Response(syncmsg.NamePatch, &syncmsg.Content{
			Path:      e.down.path,
			Checksums: verify,
		}))
		return
	}
	e.log.Error("downstream verification checksums", "path", e.down.path, "error", err)
	e.send(ctx, syncmsg.Error(syncmsg.NamePatch, &syncmsg.Content{
		Path:  e.down.path,
		Error: "verification checksums failed",
	}))
	e.down = nil
	e.status = StatusReady
	e.counters.Failed++
}

func (e *Engine) onDownstreamVerified(ctx context.Context, msg *syncmsg.Message) {
	if e.status != StatusOutOfDate || e.down == nil {
		e.reset(ctx, "verification with no downstream in flight")
		return
	}
	e.log.Info("downstream synced", "path", e.down.path)
	e.counters.DownstreamSynced++
	e.down = nil
	e.status = StatusReady
	e.kickRetry()
}

// onDownstreamRename applies a rename another client pushed. It goes through
// the raw filesystem so it is not reported back as a local change.
func (e *Engine) onDownstreamRename(ctx context.Context, msg *syncmsg.Message) {
	if err := msg.Validate(syncmsg.FieldPath, syncmsg.FieldOldPath); err != nil {
		e.log.Warn("bad rename request", "error", err)
		e.send(ctx, syncmsg.ContentError(err.Error()))
		return
	}
	if e.status != StatusReady {
		e.send(ctx, syncmsg.Request(syncmsg.NameDelay, &syncmsg.Content{Path: msg.Content.Path}))
		return
	}
	oldPath := utils.CleanSyncPath(msg.Content.OldPath)
	newPath := utils.CleanSyncPath(msg.Content.Path)

	if err := e.fs.FS.MkdirAll(utils.ParentPath(newPath), 0o755); err == nil {
		if err := e.fs.FS.Rename(oldPath, newPath); err != nil {
			e.log.Warn("downstream rename", "old", oldPath, "new", newPath, "error", err)
		}
	}
	e.counters.DownstreamSynced++
	e.send(ctx, syncmsg.Response(syncmsg.NameRename, &syncmsg.Content{Path: newPath}))
}

func (e *Engine) onServerError(ctx context.Context, msg *syncmsg.Message) {
	e.log.Warn("server reported error", "msg", msg.String(), "status", e.status)

	switch msg.Name {
	case syncmsg.NameLocked, syncmsg.NameNeedsDownstream:
		// Another connection holds the path, or server changes must land
		// first. Push the head back and try the rest of the queue.
		e.abortUpstream(ctx, false)

	case syncmsg.NameMaxsizeExceeded:
		reason := ""
		if msg.Content != nil {
			reason = msg.Content.Error
		}
		e.log.Error("upstream rejected, too large", "path", e.upPath, "reason", reason)
		e.clearUpstream()
		e.counters.Failed++
		if err := e.queue.Drop(); err != nil {
			e.log.Error("drop queue head", "error", err)
		}
		e.kickRetry()

	case syncmsg.NameInterrupted:
		// Our lock was evicted mid-sync; the head stays queued and retries.
		e.clearUpstream()
		e.counters.Failed++
		e.scheduleRetry()

	case syncmsg.NameDownstreamLocked:
		// The server parked the downstream and will reopen it.
		e.down = nil
		if e.status == StatusOutOfDate {
			e.status = StatusReady
		}
		e.kickRetry()

	case syncmsg.NameVerification:
		// The server rejected our patched state and requeued the
		// downstream; it restarts from scratch.
		e.down = nil
		if e.status == StatusOutOfDate {
			e.status = StatusReady
		}
		e.counters.Failed++

	default:
		e.reset(ctx, fmt.Sprintf("server error %s", msg.Name))
	}
}

// abortUpstream backs out of an in-flight upstream. The head moves to the
// tail so one path that cannot sync right now does not starve the rest of
// the queue. notify tells the server to release its lock when it still
// holds one.
func (e *Engine) abortUpstream(ctx context.Context, notify bool) {
	if notify {
		e.send(ctx, syncmsg.Request(syncmsg.NameReset, nil))
	}
	e.clearUpstream()
	if err := e.queue.DelayHead(); err != nil {
		e.log.Error("delay queue head", "error", err)
	}
	e.scheduleRetry()
}

func (e *Engine) clearUpstream() {
	if e.status == StatusSyncing {
		e.status = StatusReady
	}
	e.step = stepNone
	e.upPath = ""
}

// reset abandons all in-flight work on both sides after a protocol fault.
func (e *Engine) reset(ctx context.Context, reason string) {
	e.log.Warn("resetting sync session", "reason", reason)
	e.send(ctx, syncmsg.Request(syncmsg.NameReset, nil))
	e.step = stepNone
	e.upPath = ""
	e.down = nil
	if e.status != StatusConnecting {
		e.status = StatusReady
	}
	e.counters.Failed++
	e.scheduleRetry()
}

// rescanUnsynced requeues paths whose unsynced mark survived outside the
// queue. It is the safety net behind the change feed: a change dropped on a
// full buffer or lost with a corrupt persisted queue is found again here.
func (e *Engine) rescanUnsynced() {
	paths, err := e.fs.UnsyncedPaths()
	if err != nil {
		e.log.Warn("unsynced rescan", "error", err)
		return
	}
	for _, p := range paths {
		if e.queue.Contains(p) {
			continue
		}
		e.log.Debug("unsynced path not queued, requeueing", "path", p)
		if err := e.queue.Enqueue(Change{Path: p, Mode: syncmsg.ModeCreate}); err != nil {
			e.log.Error("requeue unsynced path", "path", p, "error", err)
		}
	}
}

func (e *Engine) kickRetry() {
	select {
	case e.retryC <- struct{}{}:
	default:
	}
}

func (e *Engine) scheduleRetry() {
	time.AfterFunc(e.opts.RetryDelay, e.kickRetry)
}

func (e *Engine) send(ctx context.Context, msg *syncmsg.Message) {
	select {
	case e.out <- msg:
	case <-ctx.Done():
	}
}

func (e *Engine) teardown() {
	e.log.Info("sync engine stopped",
		"upstream", e.counters.UpstreamSynced,
		"downstream", e.counters.DownstreamSynced,
		"failed", e.counters.Failed,
		"queued", e.queue.Len())
}
