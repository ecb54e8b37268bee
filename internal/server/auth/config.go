package auth

import (
	"fmt"
	"time"
)

const (
	defaultAccessTokenExpiry  = 24 * time.Hour
	defaultRefreshTokenExpiry = 7 * 24 * time.Hour
)

type Config struct {
	Enabled            bool          `mapstructure:"enabled"`
	TokenIssuer        string        `mapstructure:"token_issuer"`
	AccessTokenSecret  string        `mapstructure:"access_token_secret"`
	AccessTokenExpiry  time.Duration `mapstructure:"access_token_expiry"`
	RefreshTokenSecret string        `mapstructure:"refresh_token_secret"`
	RefreshTokenExpiry time.Duration `mapstructure:"refresh_token_expiry"`
}

func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.TokenIssuer == "" {
		return fmt.Errorf("auth `token_issuer` is required when auth is enabled")
	}
	if c.AccessTokenSecret == "" {
		return fmt.Errorf("auth `access_token_secret` is required when auth is enabled")
	}
	if c.RefreshTokenSecret == "" {
		return fmt.Errorf("auth `refresh_token_secret` is required when auth is enabled")
	}
	return nil
}

func (c *Config) accessTokenExpiry() time.Duration {
	if c.AccessTokenExpiry != 0 {
		return c.AccessTokenExpiry
	}
	return defaultAccessTokenExpiry
}

func (c *Config) refreshTokenExpiry() time.Duration {
	if c.RefreshTokenExpiry != 0 {
		return c.RefreshTokenExpiry
	}
	return defaultRefreshTokenExpiry
}
