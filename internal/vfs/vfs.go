// Package vfs is the filesystem collaborator for sync: a path-oriented
// filesystem with extended-attribute storage used to persist sync metadata.
// Paths are slash-separated and rooted at "/". Attributes are local only and
// are never transmitted to the remote peer.
package vfs

import (
	"errors"
	"os"
	"time"

	"github.com/spf13/afero"

	"github.com/driftfs/driftfs/internal/utils"
)

var (
	ErrNotSupported = errors.New("vfs: operation not supported")
	ErrAttrNotExist = errors.New("vfs: attribute does not exist")
)

// FS is the filesystem contract both sync engines operate against.
type FS interface {
	Stat(path string) (os.FileInfo, error)
	Exists(path string) (bool, error)
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte, perm os.FileMode) error
	Truncate(path string, size int64) error
	ReadDir(path string) ([]os.FileInfo, error)
	Mkdir(path string, perm os.FileMode) error
	MkdirAll(path string, perm os.FileMode) error
	Remove(path string) error
	RemoveAll(path string) error
	Rename(oldpath, newpath string) error
	Chtimes(path string, atime, mtime time.Time) error
	Symlink(target, link string) error
	ReadLink(path string) (string, error)
	Walk(root string, fn func(path string, info os.FileInfo, err error) error) error

	// Extended attributes. GetAttr returns ErrAttrNotExist when the
	// attribute (or the path) has no value.
	GetAttr(path, name string) ([]byte, error)
	SetAttr(path, name string, value []byte) error
	RemoveAttr(path, name string) error
}

type aferoFS struct {
	fs    afero.Fs
	attrs *attrStore
}

// NewMemory returns an in-memory FS, used by tests and the dev server.
func NewMemory() FS {
	return &aferoFS{
		fs:    afero.NewMemMapFs(),
		attrs: newAttrStore(),
	}
}

// NewOS returns an FS rooted at base on the host filesystem. Attributes are
// kept in process memory; their persistence is a provider concern.
func NewOS(base string) FS {
	return &aferoFS{
		fs:    afero.NewBasePathFs(afero.NewOsFs(), base),
		attrs: newAttrStore(),
	}
}

func (a *aferoFS) Stat(path string) (os.FileInfo, error) {
	return a.fs.Stat(utils.CleanSyncPath(path))
}

func (a *aferoFS) Exists(path string) (bool, error) {
	return afero.Exists(a.fs, utils.CleanSyncPath(path))
}

func (a *aferoFS) ReadFile(path string) ([]byte, error) {
	return afero.ReadFile(a.fs, utils.CleanSyncPath(path))
}

func (a *aferoFS) WriteFile(path string, data []byte, perm os.FileMode) error {
	return afero.WriteFile(a.fs, utils.CleanSyncPath(path), data, perm)
}

func (a *aferoFS) Truncate(path string, size int64) error {
	f, err := a.fs.OpenFile(utils.CleanSyncPath(path), os.O_WRONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Truncate(size)
}

func (a *aferoFS) ReadDir(path string) ([]os.FileInfo, error) {
	return afero.ReadDir(a.fs, utils.CleanSyncPath(path))
}

func (a *aferoFS) Mkdir(path string, perm os.FileMode) error {
	return a.fs.Mkdir(utils.CleanSyncPath(path), perm)
}

func (a *aferoFS) MkdirAll(path string, perm os.FileMode) error {
	return a.fs.MkdirAll(utils.CleanSyncPath(path), perm)
}

func (a *aferoFS) Remove(path string) error {
	path = utils.CleanSyncPath(path)
	if err := a.fs.Remove(path); err != nil {
		return err
	}
	a.attrs.removePath(path)
	return nil
}

func (a *aferoFS) RemoveAll(path string) error {
	path = utils.CleanSyncPath(path)
	if err := a.fs.RemoveAll(path); err != nil {
		return err
	}
	a.attrs.removeTree(path)
	return nil
}

func (a *aferoFS) Rename(oldpath, newpath string) error {
	oldpath = utils.CleanSyncPath(oldpath)
	newpath = utils.CleanSyncPath(newpath)
	if err := a.fs.Rename(oldpath, newpath); err != nil {
		return err
	}
	a.attrs.renameTree(oldpath, newpath)
	return nil
}

func (a *aferoFS) Chtimes(path string, atime, mtime time.Time) error {
	return a.fs.Chtimes(utils.CleanSyncPath(path), atime, mtime)
}

func (a *aferoFS) Symlink(target, link string) error {
	if linker, ok := a.fs.(afero.Linker); ok {
		return linker.SymlinkIfPossible(target, utils.CleanSyncPath(link))
	}
	return ErrNotSupported
}

func (a *aferoFS) ReadLink(path string) (string, error) {
	if reader, ok := a.fs.(afero.LinkReader); ok {
		return reader.ReadlinkIfPossible(utils.CleanSyncPath(path))
	}
	return "", ErrNotSupported
}

func (a *aferoFS) Walk(root string, fn func(path string, info os.FileInfo, err error) error) error {
	return afero.Walk(a.fs, utils.CleanSyncPath(root), func(path string, info os.FileInfo, err error) error {
		return fn(utils.CleanSyncPath(path), info, err)
	})
}

func (a *aferoFS) GetAttr(path, name string) ([]byte, error) {
	return a.attrs.get(utils.CleanSyncPath(path), name)
}

func (a *aferoFS) SetAttr(path, name string, value []byte) error {
	a.attrs.set(utils.CleanSyncPath(path), name, value)
	return nil
}

func (a *aferoFS) RemoveAttr(path, name string) error {
	a.attrs.remove(utils.CleanSyncPath(path), name)
	return nil
}
