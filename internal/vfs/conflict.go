package vfs

import (
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"time"
)

// A conflicted copy preserves local content that diverged from the server
// while a downstream patch overwrote the original. It is marked with an
// attribute so the sync wrapper excludes it from tracking; renaming it
// clears the mark and turns it back into a regular synced file.

// IsConflictedCopy reports whether a path is a conflicted-copy artifact.
// A missing path is not conflicted.
func IsConflictedCopy(fs FS, path string) (bool, error) {
	_, err := fs.GetAttr(path, AttrConflict)
	if errors.Is(err, ErrAttrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RemoveConflict clears the conflicted-copy mark from a path.
func RemoveConflict(fs FS, path string) error {
	return fs.RemoveAttr(path, AttrConflict)
}

// MakeConflictedCopy forks the current content of a path into a sibling
// marked as a conflicted copy, and returns the fork's path.
func MakeConflictedCopy(fs FS, p string) (string, error) {
	data, err := fs.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read original: %w", err)
	}

	copyPath := conflictedCopyName(p, time.Now())
	if err := fs.WriteFile(copyPath, data, os.FileMode(0644)); err != nil {
		return "", fmt.Errorf("write conflicted copy: %w", err)
	}
	if err := fs.SetAttr(copyPath, AttrConflict, []byte("1")); err != nil {
		return "", err
	}
	return copyPath, nil
}

func conflictedCopyName(p string, now time.Time) string {
	dir := path.Dir(p)
	base := path.Base(p)
	ext := path.Ext(base)
	name := strings.TrimSuffix(base, ext)
	stamp := now.Format("2006-01-02 15.04.05")
	return path.Join(dir, fmt.Sprintf("%s (conflicted copy %s)%s", name, stamp, ext))
}
