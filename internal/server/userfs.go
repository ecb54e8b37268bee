package server

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/vfs"
)

// UserFS hands out one filesystem per user, rooted under the server data
// directory. All sessions of a user share the same FS so their syncs see
// each other's writes.
type UserFS struct {
	baseDir string
	newFS   func(username string) (vfs.FS, error)

	mu  sync.Mutex
	fss map[string]vfs.FS
}

func NewUserFS(baseDir string) *UserFS {
	u := &UserFS{
		baseDir: baseDir,
		fss:     make(map[string]vfs.FS),
	}
	u.newFS = u.osFS
	return u
}

// NewMemoryUserFS backs every user with an in-memory filesystem. Test use.
func NewMemoryUserFS() *UserFS {
	return &UserFS{
		newFS: func(string) (vfs.FS, error) { return vfs.NewMemory(), nil },
		fss:   make(map[string]vfs.FS),
	}
}

func (u *UserFS) Get(username string) (vfs.FS, error) {
	if err := validUsername(username); err != nil {
		return nil, err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if fs, ok := u.fss[username]; ok {
		return fs, nil
	}
	fs, err := u.newFS(username)
	if err != nil {
		return nil, err
	}
	u.fss[username] = fs
	return fs, nil
}

func (u *UserFS) osFS(username string) (vfs.FS, error) {
	dir := filepath.Join(u.baseDir, username)
	if err := utils.EnsureDir(dir); err != nil {
		return nil, fmt.Errorf("user dir %s: %w", dir, err)
	}
	return vfs.NewOS(dir), nil
}

// validUsername rejects anything that could escape a user's directory.
func validUsername(username string) error {
	if username == "" {
		return fmt.Errorf("empty username")
	}
	if strings.ContainsAny(username, "/\\") || username == "." || username == ".." {
		return fmt.Errorf("invalid username %q", username)
	}
	return nil
}
