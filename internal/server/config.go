package server

import (
	"fmt"
	"time"

	"github.com/driftfs/driftfs/internal/server/auth"
)

const DefaultAddr = "localhost:8890"

type Config struct {
	HTTP        HTTPConfig  `mapstructure:"http"`
	DataDir     string      `mapstructure:"data_dir"`
	MaxSyncSize int64       `mapstructure:"max_sync_size"`
	Lock        LockConfig  `mapstructure:"lock"`
	Auth        auth.Config `mapstructure:"auth"`
}

type HTTPConfig struct {
	Addr     string `mapstructure:"addr"`
	CertFile string `mapstructure:"cert_file"`
	KeyFile  string `mapstructure:"key_file"`
}

type LockConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `mapstructure:"backend"`
	DBPath  string `mapstructure:"db_path"`

	// TTL is how long a lock may be held before the janitor evicts it.
	TTL             time.Duration `mapstructure:"ttl"`
	JanitorInterval time.Duration `mapstructure:"janitor_interval"`
}

func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("server `http.addr` is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("server `data_dir` is required")
	}
	switch c.Lock.Backend {
	case "", "memory":
	case "sqlite":
		if c.Lock.DBPath == "" {
			return fmt.Errorf("server `lock.db_path` is required for the sqlite lock backend")
		}
	default:
		return fmt.Errorf("unknown lock backend %q", c.Lock.Backend)
	}
	return c.Auth.Validate()
}

func (c *Config) lockTTL() time.Duration {
	if c.Lock.TTL > 0 {
		return c.Lock.TTL
	}
	return 10 * time.Minute
}

func (c *Config) lockJanitorInterval() time.Duration {
	if c.Lock.JanitorInterval > 0 {
		return c.Lock.JanitorInterval
	}
	return time.Minute
}
