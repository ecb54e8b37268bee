package sync

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/driftfs/driftfs/internal/syncmsg"
	"github.com/driftfs/driftfs/internal/vfs"
)

// PendingItem is one queued upstream sync.
type PendingItem struct {
	Path    string           `json:"path"`
	OldPath string           `json:"oldPath,omitempty"`
	Mode    syncmsg.SyncMode `json:"mode"`

	// Modified marks a head item that was written to again while its sync
	// was in flight; it is re-synced instead of dequeued.
	Modified bool `json:"modified,omitempty"`
}

// PendingQueue is the ordered set of local changes awaiting upstream sync.
// It is persisted as an attribute on the sync root so queued work survives
// a client restart.
type PendingQueue struct {
	fs    vfs.FS
	root  string
	items []PendingItem
}

func NewPendingQueue(fs vfs.FS, root string) *PendingQueue {
	return &PendingQueue{fs: fs, root: root}
}

// Load restores the persisted queue. A missing attribute is an empty queue.
func (q *PendingQueue) Load() error {
	data, err := q.fs.GetAttr(q.root, vfs.AttrPendingQueue)
	if err != nil {
		if errors.Is(err, vfs.ErrAttrNotExist) {
			return nil
		}
		return fmt.Errorf("load pending queue: %w", err)
	}
	if err := json.Unmarshal(data, &q.items); err != nil {
		// A corrupt queue is dropped; the unsynced rescan repopulates it
		// from the marks still on the files.
		slog.Warn("pending queue corrupt, resetting", "error", err)
		q.items = nil
		return q.persist()
	}
	return nil
}

func (q *PendingQueue) persist() error {
	if len(q.items) == 0 {
		err := q.fs.RemoveAttr(q.root, vfs.AttrPendingQueue)
		if errors.Is(err, vfs.ErrAttrNotExist) {
			return nil
		}
		return err
	}
	data, err := json.Marshal(q.items)
	if err != nil {
		return err
	}
	return q.fs.SetAttr(q.root, vfs.AttrPendingQueue, data)
}

func (q *PendingQueue) Len() int {
	return len(q.items)
}

// Enqueue adds a change, deduplicating by path. A change to the path at
// the head of the queue while it syncs marks the head modified instead.
func (q *PendingQueue) Enqueue(c Change) error {
	item := PendingItem{Path: c.Path, OldPath: c.OldPath, Mode: c.Mode}

	for i := range q.items {
		if q.items[i].Path != c.Path {
			continue
		}
		if i == 0 {
			q.items[0].Modified = true
		}
		// Later change wins for mode and rename source.
		q.items[i].Mode = item.Mode
		q.items[i].OldPath = item.OldPath
		return q.persist()
	}

	q.items = append(q.items, item)
	return q.persist()
}

// Contains reports whether a path is already queued.
func (q *PendingQueue) Contains(path string) bool {
	for i := range q.items {
		if q.items[i].Path == path {
			return true
		}
	}
	return false
}

// Head returns the next item to sync without removing it.
func (q *PendingQueue) Head() (PendingItem, bool) {
	if len(q.items) == 0 {
		return PendingItem{}, false
	}
	return q.items[0], true
}

// Dequeue drops the head. If the head was modified mid-sync it stays
// queued, cleared of the marker, so the fresh content syncs too.
func (q *PendingQueue) Dequeue() error {
	if len(q.items) == 0 {
		return nil
	}
	if q.items[0].Modified {
		q.items[0].Modified = false
		return q.persist()
	}
	q.items = q.items[1:]
	return q.persist()
}

// Drop removes the head unconditionally.
func (q *PendingQueue) Drop() error {
	if len(q.items) == 0 {
		return nil
	}
	q.items = q.items[1:]
	return q.persist()
}

// DelayHead moves the head to the back so the rest of the queue is not
// starved by a path that cannot sync right now.
func (q *PendingQueue) DelayHead() error {
	if len(q.items) < 2 {
		return nil
	}
	head := q.items[0]
	head.Modified = false
	q.items = append(q.items[1:], head)
	return q.persist()
}
