// Package synclock serializes sync sessions. At most one live sync may hold
// the lock for a given (username, path) at a time, where two paths contend
// when either is an ancestor of the other. Locks are normally released by
// the session that took them; a forced release (stale holder eviction)
// additionally signals the previous holder through its Unlocked channel.
package synclock

import (
	"context"
	"sync"
	"time"
)

// Lock is a held sync lock. It is returned by Locker.Request and must be
// released exactly once when the sync session ends; extra releases are
// no-ops.
type Lock struct {
	Username   string
	ConnID     string
	Path       string
	AcquiredAt time.Time

	locker   Locker
	unlocked chan struct{}

	mu       sync.Mutex
	released bool
	forced   bool
}

// Unlocked is closed only when the lock is forcibly taken away from its
// holder. A normal Release never closes it; holders select on it to learn
// they lost the lock mid-session.
func (l *Lock) Unlocked() <-chan struct{} {
	return l.unlocked
}

// Release gives the lock back. Idempotent, and a no-op after a forced
// release already evicted this holder.
func (l *Lock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	forced := l.forced
	l.mu.Unlock()

	if forced {
		return nil
	}
	return l.locker.release(ctx, l)
}

// force marks the lock as taken away and fires the one-shot signal.
// Called with the owning locker's registry lock held.
func (l *Lock) force() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released || l.forced {
		return
	}
	l.forced = true
	l.released = true
	close(l.unlocked)
}

func (l *Lock) isReleased() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.released
}

// Locker grants and tracks sync locks.
type Locker interface {
	// Request tries to take the lock for (username, path). It returns
	// (lock, nil) on success, (nil, nil) when a contending lock is held by
	// someone else, and (nil, err) on backend failure.
	Request(ctx context.Context, username, connID, path string) (*Lock, error)

	// IsUserLocked reports whether any held lock for username contends
	// with path.
	IsUserLocked(ctx context.Context, username, path string) (bool, error)

	// ForceRelease evicts every held lock for username that contends with
	// path, signalling each evicted holder. Returns how many were evicted.
	ForceRelease(ctx context.Context, username, path string) (int, error)

	// ExpireOlderThan evicts locks held longer than age. Used by the
	// janitor to recover from holders that died without releasing.
	ExpireOlderThan(ctx context.Context, age time.Duration) (int, error)

	release(ctx context.Context, l *Lock) error
}
