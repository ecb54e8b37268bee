// Package config holds the client-side configuration persisted at
// ~/.driftfs/config.json.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/driftfs/driftfs/internal/utils"
)

var (
	home, _           = os.UserHomeDir()
	DefaultConfigDir  = filepath.Join(home, ".driftfs")
	DefaultConfigPath = filepath.Join(DefaultConfigDir, "config.json")
	DefaultDataDir    = filepath.Join(home, "DriftFS")
	DefaultServerURL  = "http://localhost:8890"
)

type Config struct {
	DataDir      string `json:"data_dir"`
	Email        string `json:"email"`
	ServerURL    string `json:"server_url"`
	RefreshToken string `json:"refresh_token,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`

	// Path is where this config was loaded from. Not persisted.
	Path string `json:"-"`
}

func (c *Config) Validate() error {
	if c.Email == "" {
		return fmt.Errorf("config `email` is required")
	}
	if c.DataDir == "" {
		return fmt.Errorf("config `data_dir` is required")
	}
	if c.ServerURL == "" {
		return fmt.Errorf("config `server_url` is required")
	}
	return nil
}

func (c *Config) Save(path string) error {
	if err := utils.EnsureParent(path); err != nil {
		return err
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.Path = path
	return &cfg, nil
}
