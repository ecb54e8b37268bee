package synclock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/driftfs/driftfs/internal/utils"
)

const lockPragmas = `
PRAGMA journal_mode=WAL;
PRAGMA busy_timeout=5000;
PRAGMA temp_store=MEMORY;
`

const lockSchema = `
CREATE TABLE IF NOT EXISTS sync_locks (
	username    TEXT NOT NULL,
	path        TEXT NOT NULL,
	conn_id     TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	PRIMARY KEY (username, path)
);
`

type lockRow struct {
	Username   string `db:"username"`
	Path       string `db:"path"`
	ConnID     string `db:"conn_id"`
	AcquiredAt int64  `db:"acquired_at"`
}

// SqliteLocker persists lock state in SQLite so a restarted server can see
// and expire locks left behind by its previous incarnation. Eviction
// signalling is in-process; only locks granted by this instance have a live
// Unlocked channel.
type SqliteLocker struct {
	db    *sqlx.DB
	clock func() time.Time

	mu   sync.Mutex
	live map[string][]*Lock
}

var _ Locker = (*SqliteLocker)(nil)

// NewSqliteLocker opens (or creates) the lock database at path. Use
// ":memory:" for tests.
func NewSqliteLocker(path string) (*SqliteLocker, error) {
	dsn := path
	if path != ":memory:" {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect lock db: %w", err)
	}
	if _, err := db.Exec(lockPragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(lockSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	slog.Info("sync lock db", "path", path)
	return &SqliteLocker{
		db:    db,
		clock: time.Now,
		live:  make(map[string][]*Lock),
	}, nil
}

func (s *SqliteLocker) Close() error {
	return s.db.Close()
}

func (s *SqliteLocker) Request(ctx context.Context, username, connID, path string) (*Lock, error) {
	path = utils.CleanSyncPath(path)
	now := s.clock()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var held []string
	if err := tx.SelectContext(ctx, &held,
		`SELECT path FROM sync_locks WHERE username = ?`, username); err != nil {
		return nil, fmt.Errorf("query locks: %w", err)
	}
	for _, p := range held {
		if utils.PathsOverlap(p, path) {
			return nil, nil
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO sync_locks (username, path, conn_id, acquired_at) VALUES (?, ?, ?, ?)`,
		username, path, connID, now.UnixMilli()); err != nil {
		return nil, fmt.Errorf("insert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	l := &Lock{
		Username:   username,
		ConnID:     connID,
		Path:       path,
		AcquiredAt: now,
		locker:     s,
		unlocked:   make(chan struct{}),
	}
	s.live[username] = append(s.live[username], l)
	return l, nil
}

func (s *SqliteLocker) IsUserLocked(ctx context.Context, username, path string) (bool, error) {
	path = utils.CleanSyncPath(path)

	var held []string
	if err := s.db.SelectContext(ctx, &held,
		`SELECT path FROM sync_locks WHERE username = ?`, username); err != nil {
		return false, fmt.Errorf("query locks: %w", err)
	}
	for _, p := range held {
		if utils.PathsOverlap(p, path) {
			return true, nil
		}
	}
	return false, nil
}

func (s *SqliteLocker) ForceRelease(ctx context.Context, username, path string) (int, error) {
	path = utils.CleanSyncPath(path)

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []lockRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT username, path, conn_id, acquired_at FROM sync_locks WHERE username = ?`,
		username); err != nil {
		return 0, fmt.Errorf("query locks: %w", err)
	}

	evicted := 0
	for _, r := range rows {
		if !utils.PathsOverlap(r.Path, path) {
			continue
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_locks WHERE username = ? AND path = ?`,
			r.Username, r.Path); err != nil {
			return evicted, fmt.Errorf("delete lock: %w", err)
		}
		slog.Warn("sync lock forced release",
			"user", r.Username, "path", r.Path, "conn", r.ConnID)
		s.forceLiveLocked(r.Username, r.Path)
		evicted++
	}
	return evicted, nil
}

func (s *SqliteLocker) ExpireOlderThan(ctx context.Context, age time.Duration) (int, error) {
	cutoff := s.clock().Add(-age).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()

	var rows []lockRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT username, path, conn_id, acquired_at FROM sync_locks WHERE acquired_at < ?`,
		cutoff); err != nil {
		return 0, fmt.Errorf("query stale locks: %w", err)
	}

	expired := 0
	for _, r := range rows {
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM sync_locks WHERE username = ? AND path = ?`,
			r.Username, r.Path); err != nil {
			return expired, fmt.Errorf("delete lock: %w", err)
		}
		slog.Warn("sync lock expired", "user", r.Username, "path", r.Path)
		s.forceLiveLocked(r.Username, r.Path)
		expired++
	}
	return expired, nil
}

func (s *SqliteLocker) release(ctx context.Context, lock *Lock) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM sync_locks WHERE username = ? AND path = ?`,
		lock.Username, lock.Path); err != nil {
		return fmt.Errorf("delete lock: %w", err)
	}

	var kept []*Lock
	for _, l := range s.live[lock.Username] {
		if l != lock {
			kept = append(kept, l)
		}
	}
	if len(kept) == 0 {
		delete(s.live, lock.Username)
	} else {
		s.live[lock.Username] = kept
	}
	return nil
}

func (s *SqliteLocker) forceLiveLocked(username, path string) {
	var kept []*Lock
	for _, l := range s.live[username] {
		if l.Path == path {
			l.force()
			continue
		}
		kept = append(kept, l)
	}
	if len(kept) == 0 {
		delete(s.live, username)
	} else {
		s.live[username] = kept
	}
}
