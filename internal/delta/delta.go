// Package delta is the content delta codec used by the sync protocol: it
// produces source lists (manifests) for a path, block checksums of a
// receiver's copy, binary diffs against those checksums, and applies the
// resulting patches. The protocol treats it as a stateless service; only the
// call contract matters to callers.
package delta

import (
	"context"

	"github.com/driftfs/driftfs/internal/vfs"
)

// EntryType identifies the kind of filesystem node an entry describes.
type EntryType string

const (
	EntryFile    EntryType = "file"
	EntryDir     EntryType = "dir"
	EntrySymlink EntryType = "symlink"
)

// SourceEntry describes one node of the sender's copy. A source list is the
// manifest of a path's current state, input to checksum generation.
type SourceEntry struct {
	Path    string    `json:"path"`
	Type    EntryType `json:"type"`
	Size    int64     `json:"size,omitempty"`
	ModTime int64     `json:"modTime,omitempty"` // unix millis
	Link    string    `json:"link,omitempty"`
}

// Checksum carries the receiver's per-block digests for one manifest entry,
// used by the sender to compute a minimal diff. LocalOnly entries describe
// nodes the receiver has that the manifest does not mention.
type Checksum struct {
	Path      string    `json:"path"`
	Type      EntryType `json:"type,omitempty"`
	Size      int64     `json:"size,omitempty"`
	Link      string    `json:"link,omitempty"`
	Blocks    []string  `json:"blocks,omitempty"`
	Absent    bool      `json:"absent,omitempty"`
	LocalOnly bool      `json:"localOnly,omitempty"`
}

// Block is a literal content block at a fixed block-size offset.
type Block struct {
	Index int64  `json:"index"`
	Data  []byte `json:"data"`
}

// Diff is one patch operation. An empty Blocks list with a smaller Size is a
// truncation; Remove drops the node entirely.
type Diff struct {
	Path    string    `json:"path"`
	Type    EntryType `json:"type,omitempty"`
	Size    int64     `json:"size,omitempty"`
	ModTime int64     `json:"modTime,omitempty"`
	Link    string    `json:"link,omitempty"`
	Blocks  []Block   `json:"blocks,omitempty"`
	Remove  bool      `json:"remove,omitempty"`
}

// PatchResult reports which paths a patch settled and which ones the
// receiver must upstream instead because its local copy won.
type PatchResult struct {
	Synced        []string
	NeedsUpstream []string
}

// Codec is the delta codec contract. Every call is stateless with respect
// to previous calls; all filesystem access goes through the supplied FS.
type Codec interface {
	SourceList(ctx context.Context, fs vfs.FS, path string) ([]SourceEntry, error)
	Checksums(ctx context.Context, fs vfs.FS, path string, srcList []SourceEntry) ([]Checksum, error)
	Diff(ctx context.Context, fs vfs.FS, path string, checksums []Checksum) ([]Diff, error)
	Patch(ctx context.Context, fs vfs.FS, path string, diffs []Diff) (*PatchResult, error)

	// CompareContents verifies the receiver's copy against the given
	// checksums. A nil error with false means a definite mismatch; a
	// non-nil error means the comparison was indeterminate, which callers
	// must treat as a verification failure, never as success.
	CompareContents(ctx context.Context, fs vfs.FS, checksums []Checksum) (bool, error)
}
