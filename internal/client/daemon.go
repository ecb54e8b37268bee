package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/errgroup"

	"github.com/driftfs/driftfs/internal/client/config"
	"github.com/driftfs/driftfs/internal/client/sync"
	"github.com/driftfs/driftfs/internal/delta"
	"github.com/driftfs/driftfs/internal/driftsdk"
	"github.com/driftfs/driftfs/internal/utils"
	"github.com/driftfs/driftfs/internal/vfs"
)

const (
	lockFileName     = "driftfs.lock"
	reconnectMin     = time.Second
	reconnectMax     = time.Minute
	stableConnection = 30 * time.Second
)

// Daemon keeps one sync root connected to the server: it watches the data
// directory for local changes and runs a sync engine per connection,
// reconnecting with backoff when the link drops.
type Daemon struct {
	cfg     *config.Config
	dataDir string
	fs      *sync.SyncFS
	watcher *sync.Watcher
	flock   *flock.Flock
}

func NewDaemon(cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dataDir, err := utils.ResolvePath(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("resolve data dir: %w", err)
	}
	if err := utils.EnsureDir(dataDir); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	fs := sync.NewSyncFS(vfs.NewOS(dataDir), "/")
	return &Daemon{
		cfg:     cfg,
		dataDir: dataDir,
		fs:      fs,
		watcher: sync.NewWatcher(fs, dataDir),
		flock:   flock.New(filepath.Join(dataDir, lockFileName)),
	}, nil
}

func (d *Daemon) Start(ctx context.Context) error {
	locked, err := d.flock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another daemon is already syncing %s", d.dataDir)
	}
	defer d.flock.Unlock() //nolint:errcheck

	slog.Info("daemon start", "dataDir", d.dataDir, "server", d.cfg.ServerURL)

	if err := d.watcher.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	defer d.watcher.Stop()

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return d.connectionLoop(egCtx)
	})

	if err := eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("daemon stopped")
	return nil
}

// connectionLoop dials, runs one engine per connection and backs off on
// failure. A connection that held for a while resets the backoff.
func (d *Daemon) connectionLoop(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := d.refreshTokens(ctx); err != nil {
			slog.Warn("token refresh", "error", err)
		}

		started := time.Now()
		if err := d.runSession(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("sync session ended", "error", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if time.Since(started) > stableConnection {
			backoff = reconnectMin
		}
		slog.Info("reconnecting", "in", backoff)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > reconnectMax {
			backoff = reconnectMax
		}
	}
}

func (d *Daemon) runSession(ctx context.Context) error {
	conn, err := DialSync(ctx, d.cfg.ServerURL, d.cfg.Email, d.cfg.AccessToken)
	if err != nil {
		return err
	}
	defer conn.Close()

	engine := sync.NewEngine(d.fs, delta.NewBlockCodec(), conn.Outbound, sync.Options{})
	return engine.Run(ctx, conn.Inbound)
}

// refreshTokens rotates the token pair ahead of each connection so a long
// run of reconnects never hits an expired access token.
func (d *Daemon) refreshTokens(ctx context.Context) error {
	if d.cfg.RefreshToken == "" {
		return nil
	}
	tokens, err := driftsdk.RefreshTokens(ctx, d.cfg.ServerURL, d.cfg.RefreshToken)
	if err != nil {
		return err
	}
	d.cfg.AccessToken = tokens.AccessToken
	d.cfg.RefreshToken = tokens.RefreshToken

	path := d.cfg.Path
	if path == "" {
		path = config.DefaultConfigPath
	}
	if err := d.cfg.Save(path); err != nil {
		return fmt.Errorf("persist rotated tokens: %w", err)
	}
	slog.Debug("tokens rotated", "refreshToken", utils.MaskSecret(tokens.RefreshToken))
	return nil
}
