// Package auth issues and validates the JWT pairs clients present on the
// sync endpoints. With auth disabled (dev mode) tokens are neither issued
// nor checked and the username comes from the request itself.
package auth

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken        = errors.New("invalid token")
	ErrInvalidAccessToken  = errors.New("invalid access token")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

type Service struct {
	config *Config
}

func NewService(config *Config) *Service {
	return &Service{config: config}
}

func (s *Service) IsEnabled() bool {
	return s.config.Enabled
}

// IssueTokens creates an access and refresh token pair for subject.
func (s *Service) IssueTokens(subject string) (accessToken, refreshToken string, err error) {
	if !s.IsEnabled() {
		slog.Debug("auth disabled, not issuing tokens")
		return "", "", nil
	}

	accessToken, err = s.newToken(subject, AccessToken, s.config.AccessTokenSecret, s.config.accessTokenExpiry())
	if err != nil {
		return "", "", fmt.Errorf("issue access token: %w", err)
	}
	refreshToken, err = s.newToken(subject, RefreshToken, s.config.RefreshTokenSecret, s.config.refreshTokenExpiry())
	if err != nil {
		return "", "", fmt.Errorf("issue refresh token: %w", err)
	}
	return accessToken, refreshToken, nil
}

// Refresh exchanges a valid refresh token for a fresh pair.
func (s *Service) Refresh(oldRefreshToken string) (accessToken, refreshToken string, err error) {
	claims, err := s.ValidateRefreshToken(oldRefreshToken)
	if err != nil {
		return "", "", err
	}
	return s.IssueTokens(claims.Subject)
}

func (s *Service) ValidateAccessToken(tokenString string) (*Claims, error) {
	claims, err := ParseClaims(tokenString, s.config.AccessTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccessToken, err)
	}
	if claims.Type != AccessToken {
		return nil, ErrInvalidAccessToken
	}
	return claims, nil
}

func (s *Service) ValidateRefreshToken(tokenString string) (*Claims, error) {
	claims, err := ParseClaims(tokenString, s.config.RefreshTokenSecret)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}
	if claims.Type != RefreshToken {
		return nil, ErrInvalidRefreshToken
	}
	return claims, nil
}

func (s *Service) newToken(subject string, typ TokenType, secret string, expiry time.Duration) (string, error) {
	claims := Claims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:      uuid.New().String(),
			Subject: subject,
			Issuer:  s.config.TokenIssuer,
			// Always set; a token without an exp claim never lapses.
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}
