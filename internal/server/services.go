package server

import (
	"fmt"

	"github.com/driftfs/driftfs/internal/broadcast"
	"github.com/driftfs/driftfs/internal/delta"
	"github.com/driftfs/driftfs/internal/server/auth"
	"github.com/driftfs/driftfs/internal/synclock"
)

type Services struct {
	Auth      *auth.Service
	Locker    synclock.Locker
	Broadcast broadcast.Broadcaster
	Codec     delta.Codec
	Users     *UserFS
}

func NewServices(config *Config) (*Services, error) {
	var locker synclock.Locker
	switch config.Lock.Backend {
	case "", "memory":
		locker = synclock.NewMemoryLocker()
	case "sqlite":
		l, err := synclock.NewSqliteLocker(config.Lock.DBPath)
		if err != nil {
			return nil, fmt.Errorf("sqlite locker: %w", err)
		}
		locker = l
	default:
		return nil, fmt.Errorf("unknown lock backend %q", config.Lock.Backend)
	}

	return &Services{
		Auth:      auth.NewService(&config.Auth),
		Locker:    locker,
		Broadcast: broadcast.NewChannel(),
		Codec:     delta.NewBlockCodec(),
		Users:     NewUserFS(config.DataDir),
	}, nil
}

func (s *Services) Shutdown() error {
	if closer, ok := s.Locker.(*synclock.SqliteLocker); ok {
		return closer.Close()
	}
	return nil
}
