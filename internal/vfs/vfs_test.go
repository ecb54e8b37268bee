package vfs

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttrLifecycle(t *testing.T) {
	fs := NewMemory()
	require.NoError(t, fs.WriteFile("/a.txt", []byte("hi"), 0644))

	_, err := fs.GetAttr("/a.txt", "drift.test")
	assert.ErrorIs(t, err, ErrAttrNotExist)

	require.NoError(t, fs.SetAttr("/a.txt", "drift.test", []byte("v1")))
	v, err := fs.GetAttr("/a.txt", "drift.test")
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	require.NoError(t, fs.RemoveAttr("/a.txt", "drift.test"))
	_, err = fs.GetAttr("/a.txt", "drift.test")
	assert.ErrorIs(t, err, ErrAttrNotExist)
}

func TestAttrsFollowRename(t *testing.T) {
	fs := NewMemory()
	require.NoError(t, fs.MkdirAll("/dir/sub", 0755))
	require.NoError(t, fs.WriteFile("/dir/sub/f.txt", []byte("x"), 0644))
	require.NoError(t, SetUnsynced(fs, "/dir/sub/f.txt"))
	require.NoError(t, SetUnsynced(fs, "/dir"))

	require.NoError(t, fs.Rename("/dir", "/moved"))

	unsynced, err := IsUnsynced(fs, "/moved/sub/f.txt")
	require.NoError(t, err)
	assert.True(t, unsynced)

	unsynced, err = IsUnsynced(fs, "/dir")
	require.NoError(t, err)
	assert.False(t, unsynced)
}

func TestAttrsDropOnRemove(t *testing.T) {
	fs := NewMemory()
	require.NoError(t, fs.WriteFile("/f.txt", []byte("x"), 0644))
	require.NoError(t, SetChecksum(fs, "/f.txt", "abc"))

	require.NoError(t, fs.Remove("/f.txt"))
	require.NoError(t, fs.WriteFile("/f.txt", []byte("y"), 0644))

	sum, err := GetChecksum(fs, "/f.txt")
	require.NoError(t, err)
	assert.Empty(t, sum)
}

func TestConflictedCopy(t *testing.T) {
	fs := NewMemory()
	require.NoError(t, fs.WriteFile("/doc.txt", []byte("local"), 0644))

	copyPath, err := MakeConflictedCopy(fs, "/doc.txt")
	require.NoError(t, err)
	assert.True(t, strings.Contains(copyPath, "conflicted copy"))
	assert.True(t, strings.HasSuffix(copyPath, ".txt"))

	data, err := fs.ReadFile(copyPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("local"), data)

	conflicted, err := IsConflictedCopy(fs, copyPath)
	require.NoError(t, err)
	assert.True(t, conflicted)

	conflicted, err = IsConflictedCopy(fs, "/doc.txt")
	require.NoError(t, err)
	assert.False(t, conflicted)

	require.NoError(t, RemoveConflict(fs, copyPath))
	conflicted, err = IsConflictedCopy(fs, copyPath)
	require.NoError(t, err)
	assert.False(t, conflicted)
}

func TestWalk(t *testing.T) {
	fs := NewMemory()
	require.NoError(t, fs.MkdirAll("/a/b", 0755))
	require.NoError(t, fs.WriteFile("/a/b/c.txt", []byte("c"), 0644))

	var seen []string
	err := fs.Walk("/", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		seen = append(seen, path)
		return nil
	})
	require.NoError(t, err)
	assert.Contains(t, seen, "/a")
	assert.Contains(t, seen, "/a/b")
	assert.Contains(t, seen, "/a/b/c.txt")
}
