package synclock

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/driftfs/driftfs/internal/utils"
)

// MemoryLocker tracks locks in process memory. It is the default backend
// for single-node servers and for tests.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string][]*Lock // username -> held locks
	clock func() time.Time
}

var _ Locker = (*MemoryLocker)(nil)

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held:  make(map[string][]*Lock),
		clock: time.Now,
	}
}

func (m *MemoryLocker) Request(_ context.Context, username, connID, path string) (*Lock, error) {
	path = utils.CleanSyncPath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.compactLocked(username)
	for _, l := range m.held[username] {
		if utils.PathsOverlap(l.Path, path) {
			return nil, nil
		}
	}

	l := &Lock{
		Username:   username,
		ConnID:     connID,
		Path:       path,
		AcquiredAt: m.clock(),
		locker:     m,
		unlocked:   make(chan struct{}),
	}
	m.held[username] = append(m.held[username], l)
	return l, nil
}

func (m *MemoryLocker) IsUserLocked(_ context.Context, username, path string) (bool, error) {
	path = utils.CleanSyncPath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	m.compactLocked(username)
	for _, l := range m.held[username] {
		if utils.PathsOverlap(l.Path, path) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryLocker) ForceRelease(_ context.Context, username, path string) (int, error) {
	path = utils.CleanSyncPath(path)

	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Lock
	evicted := 0
	for _, l := range m.held[username] {
		if utils.PathsOverlap(l.Path, path) {
			slog.Warn("sync lock forced release",
				"user", username, "path", l.Path, "conn", l.ConnID)
			l.force()
			evicted++
			continue
		}
		kept = append(kept, l)
	}
	m.setLocked(username, kept)
	return evicted, nil
}

func (m *MemoryLocker) ExpireOlderThan(_ context.Context, age time.Duration) (int, error) {
	cutoff := m.clock().Add(-age)

	m.mu.Lock()
	defer m.mu.Unlock()

	expired := 0
	for username, locks := range m.held {
		var kept []*Lock
		for _, l := range locks {
			if l.AcquiredAt.Before(cutoff) {
				slog.Warn("sync lock expired",
					"user", username, "path", l.Path, "held", m.clock().Sub(l.AcquiredAt))
				l.force()
				expired++
				continue
			}
			kept = append(kept, l)
		}
		m.setLocked(username, kept)
	}
	return expired, nil
}

func (m *MemoryLocker) release(_ context.Context, lock *Lock) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var kept []*Lock
	for _, l := range m.held[lock.Username] {
		if l != lock {
			kept = append(kept, l)
		}
	}
	m.setLocked(lock.Username, kept)
	return nil
}

// compactLocked drops entries already released out of band.
func (m *MemoryLocker) compactLocked(username string) {
	locks := m.held[username]
	var kept []*Lock
	for _, l := range locks {
		if !l.isReleased() {
			kept = append(kept, l)
		}
	}
	m.setLocked(username, kept)
}

func (m *MemoryLocker) setLocked(username string, locks []*Lock) {
	if len(locks) == 0 {
		delete(m.held, username)
		return
	}
	m.held[username] = locks
}

// Janitor periodically expires stale locks until ctx is done.
func Janitor(ctx context.Context, locker Locker, ttl, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := locker.ExpireOlderThan(ctx, ttl)
			if err != nil {
				slog.Error("sync lock janitor", "error", err)
			} else if n > 0 {
				slog.Info("sync lock janitor expired locks", "count", n)
			}
		}
	}
}
