package utils

import (
	"path"
	"strings"
)

// Sync paths are slash-separated and rooted at "/", independent of the
// backing store's native separator.

// CleanSyncPath normalizes a sync path to an absolute, slash-separated form.
func CleanSyncPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return path.Clean(p)
}

// IsWithin reports whether p equals root or lies underneath it.
func IsWithin(root, p string) bool {
	root = CleanSyncPath(root)
	p = CleanSyncPath(p)
	if root == "/" {
		return true
	}
	return p == root || strings.HasPrefix(p, root+"/")
}

// PathsOverlap reports whether one path is the other or an ancestor of it.
func PathsOverlap(a, b string) bool {
	return IsWithin(a, b) || IsWithin(b, a)
}

// CommonAncestor returns the deepest path containing every given path.
// With no arguments it returns "/".
func CommonAncestor(paths ...string) string {
	if len(paths) == 0 {
		return "/"
	}
	common := strings.Split(CleanSyncPath(paths[0]), "/")
	for _, p := range paths[1:] {
		parts := strings.Split(CleanSyncPath(p), "/")
		n := len(common)
		if len(parts) < n {
			n = len(parts)
		}
		i := 0
		for i < n && common[i] == parts[i] {
			i++
		}
		common = common[:i]
	}
	joined := strings.Join(common, "/")
	if joined == "" {
		return "/"
	}
	return joined
}

// ParentPath returns the parent of a sync path ("/" is its own parent).
func ParentPath(p string) string {
	return path.Dir(CleanSyncPath(p))
}
