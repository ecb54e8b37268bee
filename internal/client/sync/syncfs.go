package sync

import (
	"log/slog"
	"os"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/vfs"
)

// Change is one local mutation the sync engine should eventually push
// upstream.
type Change struct {
	Path    string
	OldPath string
	Mode    syncmsg.SyncMode
}

const changeBuffer = 256

// SyncFS decorates a filesystem so every mutation inside the sync root is
// tagged unsynced and reported to the engine. Ignored paths and conflicted
// copies mutate normally but are never reported; renaming a conflicted copy
// strips its conflict mark and turns it back into a syncable file.
type SyncFS struct {
	vfs.FS

	root    string
	ignore  *IgnoreList
	changes chan Change

	recording mapset.Set[string]
}

func NewSyncFS(fs vfs.FS, root string) *SyncFS {
	root = utils.CleanSyncPath(root)
	ignore := NewIgnoreList()
	ignore.Load(fs, root)
	return &SyncFS{
		FS:        fs,
		root:      root,
		ignore:    ignore,
		changes:   make(chan Change, changeBuffer),
		recording: mapset.NewSet[string](),
	}
}

func (s *SyncFS) Root() string { return s.root }

// Changes yields local mutations in occurrence order. The engine must
// drain it; when full, changes are dropped with a warning and the unsynced
// rescan finds the path again by its mark.
func (s *SyncFS) Changes() <-chan Change { return s.changes }

// UnsyncedPaths walks the sync root for nodes still carrying the unsynced
// mark. Ignored paths and conflicted copies are excluded the same way the
// change feed excludes them.
func (s *SyncFS) UnsyncedPaths() ([]string, error) {
	var out []string
	err := s.FS.Walk(s.root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		p = utils.CleanSyncPath(p)
		if s.ignore.Matches(p) {
			return nil
		}
		if conflict, _ := vfs.IsConflictedCopy(s.FS, p); conflict {
			return nil
		}
		unsynced, err := vfs.IsUnsynced(s.FS, p)
		if err != nil {
			return err
		}
		if unsynced {
			out = append(out, p)
		}
		return nil
	})
	return out, err
}

func (s *SyncFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	if err := s.FS.WriteFile(path, data, perm); err != nil {
		return err
	}
	s.track(Change{Path: path, Mode: syncmsg.ModeCreate})
	return nil
}

func (s *SyncFS) Truncate(path string, size int64) error {
	if err := s.FS.Truncate(path, size); err != nil {
		return err
	}
	s.track(Change{Path: path, Mode: syncmsg.ModeCreate})
	return nil
}

func (s *SyncFS) Chtimes(path string, atime, mtime time.Time) error {
	// Timestamp-only changes carry no content; nothing to sync.
	return s.FS.Chtimes(path, atime, mtime)
}

func (s *SyncFS) Mkdir(path string, perm os.FileMode) error {
	if err := s.FS.Mkdir(path, perm); err != nil {
		return err
	}
	s.track(Change{Path: path, Mode: syncmsg.ModeCreate})
	return nil
}

func (s *SyncFS) MkdirAll(path string, perm os.FileMode) error {
	if err := s.FS.MkdirAll(path, perm); err != nil {
		return err
	}
	s.track(Change{Path: path, Mode: syncmsg.ModeCreate})
	return nil
}

func (s *SyncFS) Symlink(target, link string) error {
	if err := s.FS.Symlink(target, link); err != nil {
		return err
	}
	s.track(Change{Path: link, Mode: syncmsg.ModeCreate})
	return nil
}

func (s *SyncFS) Remove(path string) error {
	if err := s.FS.Remove(path); err != nil {
		return err
	}
	s.track(Change{Path: path, Mode: syncmsg.ModeDelete})
	return nil
}

func (s *SyncFS) RemoveAll(path string) error {
	if err := s.FS.RemoveAll(path); err != nil {
		return err
	}
	s.track(Change{Path: path, Mode: syncmsg.ModeDelete})
	return nil
}

func (s *SyncFS) Rename(oldpath, newpath string) error {
	wasConflict, _ := vfs.IsConflictedCopy(s.FS, oldpath)

	if err := s.FS.Rename(oldpath, newpath); err != nil {
		return err
	}

	if wasConflict {
		// The user adopted the conflicted copy; it becomes a plain local
		// change to sync as new content.
		if err := vfs.RemoveConflict(s.FS, newpath); err != nil {
			slog.Warn("clear conflict mark", "path", newpath, "error", err)
		}
		s.track(Change{Path: newpath, Mode: syncmsg.ModeCreate})
		return nil
	}
	s.track(Change{Path: newpath, OldPath: oldpath, Mode: syncmsg.ModeRename})
	return nil
}

// StartRecording begins collecting mutated paths, used to detect local
// writes racing an in-flight downstream patch.
func (s *SyncFS) StartRecording() {
	s.recording.Clear()
}

// ChangedUnder reports whether any recorded mutation overlaps path.
func (s *SyncFS) ChangedUnder(path string) bool {
	path = utils.CleanSyncPath(path)
	for p := range s.recording.Iter() {
		if utils.PathsOverlap(p, path) {
			return true
		}
	}
	return false
}

// Notify reports a mutation observed outside this decorator, such as a
// write made by another process and picked up by the watcher.
func (s *SyncFS) Notify(c Change) {
	s.track(c)
}

func (s *SyncFS) track(c Change) {
	c.Path = utils.CleanSyncPath(c.Path)
	if c.OldPath != "" {
		c.OldPath = utils.CleanSyncPath(c.OldPath)
	}

	if !utils.IsWithin(s.root, c.Path) {
		return
	}
	if s.ignore.Matches(c.Path) {
		return
	}
	if conflict, _ := vfs.IsConflictedCopy(s.FS, c.Path); conflict {
		return
	}

	if c.Mode != syncmsg.ModeDelete {
		if err := vfs.SetUnsynced(s.FS, c.Path); err != nil {
			slog.Warn("tag unsynced", "path", c.Path, "error", err)
		}
	}
	s.recording.Add(c.Path)

	select {
	case s.changes <- c:
	default:
		slog.Warn("change buffer full, dropping", "path", c.Path, "mode", c.Mode)
	}
}
