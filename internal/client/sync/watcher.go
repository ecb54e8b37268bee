package sync

import (
	"context"
	"log/slog"
	"path/filepath"
	gosync "sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/driftfs/driftfs/internal/delta"
	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/vfs"
)

const (
	watchBufferSize        = 64
	defaultDebounceTimeout = 100 * time.Millisecond
)

// Watcher feeds external mutations of an OS-backed sync root into the
// change feed. Editors fire bursts of events per save, so events are
// debounced per path and classified by a stat after the burst settles.
type Watcher struct {
	fs      *SyncFS
	baseDir string
	raw     chan notify.EventInfo

	mu       gosync.Mutex
	timers   map[string]*time.Timer
	debounce time.Duration

	done chan struct{}
	wg   gosync.WaitGroup
}

// NewWatcher watches baseDir, the OS directory the SyncFS is rooted at.
func NewWatcher(fs *SyncFS, baseDir string) *Watcher {
	return &Watcher{
		fs:       fs,
		baseDir:  filepath.Clean(baseDir),
		raw:      make(chan notify.EventInfo, watchBufferSize),
		timers:   make(map[string]*time.Timer),
		debounce: defaultDebounceTimeout,
		done:     make(chan struct{}),
	}
}

func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", w.baseDir)

	if err := notify.Watch(filepath.Join(w.baseDir, "..."), w.raw,
		notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(1)
	go w.loop(ctx)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	notify.Stop(w.raw)
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = make(map[string]*time.Timer)
	w.mu.Unlock()

	slog.Info("file watcher stopped")
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			path := w.toSyncPath(ev.Path())
			if path == "" {
				continue
			}
			w.schedule(ctx, path)
		}
	}
}

// schedule arms (or rearms) the per-path debounce timer.
func (w *Watcher) schedule(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		default:
		}
		w.settle(ctx, path)
	})
}

// settle classifies a quiesced path by its state on disk. Renames surface
// as a delete of the old name and a create of the new one.
func (w *Watcher) settle(ctx context.Context, path string) {
	exists, err := w.fs.FS.Exists(path)
	if err != nil {
		slog.Warn("watcher stat", "path", path, "error", err)
		return
	}
	if !exists {
		w.fs.Notify(Change{Path: path, Mode: syncmsg.ModeDelete})
		return
	}

	// Writes made by the sync engine itself land with their synced
	// checksum already stamped; reporting those would echo every
	// downstream straight back upstream.
	if w.isSettled(ctx, path) {
		return
	}
	w.fs.Notify(Change{Path: path, Mode: syncmsg.ModeCreate})
}

func (w *Watcher) isSettled(ctx context.Context, path string) bool {
	info, err := w.fs.FS.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	last, err := vfs.GetChecksum(w.fs.FS, path)
	if err != nil || last == "" {
		return false
	}
	cur, err := delta.ContentChecksum(ctx, w.fs.FS, path)
	if err != nil {
		return false
	}
	return cur == last
}

// toSyncPath maps an absolute OS path to its slash-rooted sync path, or
// "" when the path lies outside the watched root.
func (w *Watcher) toSyncPath(osPath string) string {
	rel, err := filepath.Rel(w.baseDir, osPath)
	if err != nil || rel == ".." || filepath.IsAbs(rel) ||
		len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator) {
		return ""
	}
	if rel == "." {
		return "/"
	}
	return utils.CleanSyncPath(filepath.ToSlash(rel))
}
