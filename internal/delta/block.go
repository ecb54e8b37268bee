package delta

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/vfs"
)

// DefaultBlockSize is the literal-block granularity of the codec. Small
// enough that single-block files dominate typical trees.
const DefaultBlockSize = 64 * 1024

// BlockCodec implements Codec with fixed-size block digests: the receiver
// digests its copy per block, the sender transmits only blocks whose digest
// differs. It is not a rolling-checksum rsync; the contract is the same.
type BlockCodec struct {
	BlockSize int64
}

func NewBlockCodec() *BlockCodec {
	return &BlockCodec{BlockSize: DefaultBlockSize}
}

func (c *BlockCodec) blockSize() int64 {
	if c.BlockSize > 0 {
		return c.BlockSize
	}
	return DefaultBlockSize
}

func (c *BlockCodec) SourceList(ctx context.Context, fs vfs.FS, path string) ([]SourceEntry, error) {
	path = utils.CleanSyncPath(path)
	info, err := fs.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("source list %s: %w", path, err)
	}

	if !info.IsDir() {
		entry, err := c.sourceEntry(fs, path, info)
		if err != nil {
			return nil, err
		}
		return []SourceEntry{entry}, nil
	}

	var list []SourceEntry
	err = fs.Walk(path, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		entry, err := c.sourceEntry(fs, p, info)
		if err != nil {
			return err
		}
		list = append(list, entry)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("source list %s: %w", path, err)
	}
	return list, nil
}

func (c *BlockCodec) sourceEntry(fs vfs.FS, path string, info os.FileInfo) (SourceEntry, error) {
	entry := SourceEntry{
		Path:    path,
		ModTime: info.ModTime().UnixMilli(),
	}
	switch {
	case info.IsDir():
		entry.Type = EntryDir
	case info.Mode()&os.ModeSymlink != 0:
		entry.Type = EntrySymlink
		target, err := fs.ReadLink(path)
		if err != nil {
			return entry, fmt.Errorf("readlink %s: %w", path, err)
		}
		entry.Link = target
	default:
		entry.Type = EntryFile
		entry.Size = info.Size()
	}
	return entry, nil
}

func (c *BlockCodec) Checksums(ctx context.Context, fs vfs.FS, path string, srcList []SourceEntry) ([]Checksum, error) {
	path = utils.CleanSyncPath(path)
	known := make(map[string]struct{}, len(srcList))
	checksums := make([]Checksum, 0, len(srcList))

	for _, entry := range srcList {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		known[entry.Path] = struct{}{}
		ck, err := c.localChecksum(fs, entry.Path)
		if err != nil {
			return nil, fmt.Errorf("checksums %s: %w", entry.Path, err)
		}
		checksums = append(checksums, ck)
	}

	// Nodes the receiver has under path that the manifest does not
	// mention: surfaced so the sender can decide about removals.
	exists, err := fs.Exists(path)
	if err != nil {
		return nil, err
	}
	if exists {
		if info, err := fs.Stat(path); err == nil && info.IsDir() {
			err = fs.Walk(path, func(p string, info os.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if _, ok := known[p]; !ok {
					checksums = append(checksums, Checksum{Path: p, LocalOnly: true})
				}
				return nil
			})
			if err != nil {
				return nil, fmt.Errorf("checksums walk %s: %w", path, err)
			}
		}
	}

	return checksums, nil
}

// localChecksum digests the receiver's current copy of one path.
func (c *BlockCodec) localChecksum(fs vfs.FS, path string) (Checksum, error) {
	ck := Checksum{Path: path}

	info, err := fs.Stat(path)
	if os.IsNotExist(err) {
		ck.Absent = true
		return ck, nil
	}
	if err != nil {
		return ck, err
	}

	switch {
	case info.IsDir():
		ck.Type = EntryDir
	case info.Mode()&os.ModeSymlink != 0:
		ck.Type = EntrySymlink
		target, err := fs.ReadLink(path)
		if err != nil {
			return ck, err
		}
		ck.Link = target
	default:
		ck.Type = EntryFile
		data, err := fs.ReadFile(path)
		if err != nil {
			return ck, err
		}
		ck.Size = int64(len(data))
		ck.Blocks = c.digestBlocks(data)
	}
	return ck, nil
}

func (c *BlockCodec) digestBlocks(data []byte) []string {
	size := c.blockSize()
	n := (int64(len(data)) + size - 1) / size
	blocks := make([]string, 0, n)
	for off := int64(0); off < int64(len(data)); off += size {
		end := off + size
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		sum := md5.Sum(data[off:end])
		blocks = append(blocks, hex.EncodeToString(sum[:]))
	}
	return blocks
}

func (c *BlockCodec) Diff(ctx context.Context, fs vfs.FS, path string, checksums []Checksum) ([]Diff, error) {
	var diffs []Diff
	for _, ck := range checksums {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		d, include, err := c.diffOne(fs, ck)
		if err != nil {
			return nil, fmt.Errorf("diff %s: %w", ck.Path, err)
		}
		if include {
			diffs = append(diffs, d)
		}
	}
	return diffs, nil
}

func (c *BlockCodec) diffOne(fs vfs.FS, ck Checksum) (Diff, bool, error) {
	d := Diff{Path: ck.Path}

	info, err := fs.Stat(ck.Path)
	if os.IsNotExist(err) {
		if ck.LocalOnly || !ck.Absent {
			// Receiver has a copy the sender no longer does.
			d.Remove = true
			return d, true, nil
		}
		return d, false, nil
	}
	if err != nil {
		return d, false, err
	}

	if ck.LocalOnly {
		// Appeared on the sender after the manifest was generated; a
		// later round picks it up.
		return d, false, nil
	}

	d.ModTime = info.ModTime().UnixMilli()

	switch {
	case info.IsDir():
		d.Type = EntryDir
		if ck.Absent || ck.Type != EntryDir {
			return d, true, nil
		}
		return d, false, nil

	case info.Mode()&os.ModeSymlink != 0:
		d.Type = EntrySymlink
		target, err := fs.ReadLink(ck.Path)
		if err != nil {
			return d, false, err
		}
		d.Link = target
		if ck.Absent || ck.Type != EntrySymlink || ck.Link != target {
			return d, true, nil
		}
		return d, false, nil

	default:
		d.Type = EntryFile
		data, err := fs.ReadFile(ck.Path)
		if err != nil {
			return d, false, err
		}
		d.Size = int64(len(data))

		local := c.digestBlocks(data)
		if !ck.Absent && ck.Type == EntryFile && ck.Size == d.Size && blocksEqual(local, ck.Blocks) {
			return d, false, nil
		}

		size := c.blockSize()
		for i, digest := range local {
			if !ck.Absent && ck.Type == EntryFile && i < len(ck.Blocks) && ck.Blocks[i] == digest {
				continue
			}
			off := int64(i) * size
			end := off + size
			if end > d.Size {
				end = d.Size
			}
			block := make([]byte, end-off)
			copy(block, data[off:end])
			d.Blocks = append(d.Blocks, Block{Index: int64(i), Data: block})
		}
		return d, true, nil
	}
}

func blocksEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (c *BlockCodec) Patch(ctx context.Context, fs vfs.FS, path string, diffs []Diff) (*PatchResult, error) {
	result := &PatchResult{}

	for _, d := range diffs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		if err := c.patchOne(fs, d, result); err != nil {
			return result, fmt.Errorf("patch %s: %w", d.Path, err)
		}
	}
	return result, nil
}

func (c *BlockCodec) patchOne(fs vfs.FS, d Diff, result *PatchResult) error {
	if d.Remove {
		// Never drop a copy that carries unsynced local changes or a
		// conflicted-copy artifact; the receiver upstreams it instead.
		unsynced, err := vfs.IsUnsynced(fs, d.Path)
		if err != nil {
			return err
		}
		conflicted, err := vfs.IsConflictedCopy(fs, d.Path)
		if err != nil {
			return err
		}
		if conflicted {
			return nil
		}
		if unsynced {
			result.NeedsUpstream = append(result.NeedsUpstream, d.Path)
			return nil
		}
		if err := fs.RemoveAll(d.Path); err != nil && !os.IsNotExist(err) {
			return err
		}
		result.Synced = append(result.Synced, d.Path)
		return nil
	}

	switch d.Type {
	case EntryDir:
		if err := fs.MkdirAll(d.Path, 0755); err != nil {
			return err
		}

	case EntrySymlink:
		if exists, err := fs.Exists(d.Path); err != nil {
			return err
		} else if exists {
			if err := fs.Remove(d.Path); err != nil {
				return err
			}
		}
		if err := fs.MkdirAll(utils.ParentPath(d.Path), 0755); err != nil {
			return err
		}
		if err := fs.Symlink(d.Link, d.Path); err != nil {
			return err
		}

	case EntryFile:
		if err := c.patchFile(fs, d, result); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown diff entry type %q", d.Type)
	}

	result.Synced = append(result.Synced, d.Path)
	return nil
}

func (c *BlockCodec) patchFile(fs vfs.FS, d Diff, result *PatchResult) error {
	existing, err := fs.ReadFile(d.Path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	// Divergent local edits are preserved as a conflicted copy before the
	// incoming content overwrites the original.
	if len(existing) > 0 || err == nil {
		unsynced, aerr := vfs.IsUnsynced(fs, d.Path)
		if aerr != nil {
			return aerr
		}
		if unsynced {
			last, aerr := vfs.GetChecksum(fs, d.Path)
			if aerr != nil {
				return aerr
			}
			cur := contentDigest(existing)
			if last != cur {
				if _, err := vfs.MakeConflictedCopy(fs, d.Path); err != nil {
					return err
				}
			}
		}
	}

	size := c.blockSize()
	buf := make([]byte, d.Size)
	copy(buf, existing)
	for _, b := range d.Blocks {
		off := b.Index * size
		if off >= d.Size {
			continue
		}
		copy(buf[off:], b.Data)
	}

	if err := fs.MkdirAll(utils.ParentPath(d.Path), 0755); err != nil {
		return err
	}
	if err := fs.WriteFile(d.Path, buf, 0644); err != nil {
		return err
	}
	if d.ModTime > 0 {
		mt := time.UnixMilli(d.ModTime)
		if err := fs.Chtimes(d.Path, mt, mt); err != nil {
			return err
		}
	}

	// The copy now matches the sender: stamp it as the last synced version.
	if err := vfs.SetChecksum(fs, d.Path, contentDigest(buf)); err != nil {
		return err
	}
	return vfs.ClearUnsynced(fs, d.Path)
}

func (c *BlockCodec) CompareContents(ctx context.Context, fs vfs.FS, checksums []Checksum) (bool, error) {
	for _, ck := range checksums {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		if ck.LocalOnly {
			continue
		}
		local, err := c.localChecksum(fs, ck.Path)
		if err != nil {
			return false, fmt.Errorf("compare %s: %w", ck.Path, err)
		}
		if local.Absent != ck.Absent || local.Type != ck.Type || local.Size != ck.Size ||
			local.Link != ck.Link || !blocksEqual(local.Blocks, ck.Blocks) {
			return false, nil
		}
	}
	return true, nil
}

// ContentChecksum digests a file's full content, the value stamped as a
// path's last-known-synced checksum.
func ContentChecksum(ctx context.Context, fs vfs.FS, path string) (string, error) {
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	data, err := fs.ReadFile(path)
	if err != nil {
		return "", err
	}
	return contentDigest(data), nil
}

func contentDigest(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
