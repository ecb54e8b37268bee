package vfs

import (
	"errors"
)

// Attribute names used to persist sync metadata on nodes. The pending-sync
// queue attribute lives on the sync root; the rest are per-path.
const (
	AttrUnsynced     = "drift.unsynced"
	AttrChecksum     = "drift.checksum"
	AttrConflict     = "drift.conflict"
	AttrPendingQueue = "drift.pending"
)

// SetUnsynced marks a path as having local changes not yet upstreamed.
func SetUnsynced(fs FS, path string) error {
	return fs.SetAttr(path, AttrUnsynced, []byte("1"))
}

// ClearUnsynced removes the unsynced mark.
func ClearUnsynced(fs FS, path string) error {
	return fs.RemoveAttr(path, AttrUnsynced)
}

// IsUnsynced reports whether a path carries local changes not yet upstreamed.
func IsUnsynced(fs FS, path string) (bool, error) {
	_, err := fs.GetAttr(path, AttrUnsynced)
	if errors.Is(err, ErrAttrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetChecksum stamps a path's last-known-synced content checksum.
func SetChecksum(fs FS, path, checksum string) error {
	return fs.SetAttr(path, AttrChecksum, []byte(checksum))
}

// GetChecksum returns the last-known-synced content checksum for a path, or
// "" when none has been stamped.
func GetChecksum(fs FS, path string) (string, error) {
	v, err := fs.GetAttr(path, AttrChecksum)
	if errors.Is(err, ErrAttrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(v), nil
}
