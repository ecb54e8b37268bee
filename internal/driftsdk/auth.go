package driftsdk

import (
	"context"
	"fmt"
)

const authRefresh = "/auth/refresh"

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type AuthTokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type apiError struct {
	Error string `json:"error"`
}

// RefreshTokens swaps a refresh token for a fresh access and refresh pair.
func RefreshTokens(ctx context.Context, serverURL, refreshToken string) (*AuthTokenResponse, error) {
	var tokens AuthTokenResponse
	var apiErr apiError

	res, err := HTTPClient.R().
		SetContext(ctx).
		SetBody(&RefreshRequest{RefreshToken: refreshToken}).
		SetSuccessResult(&tokens).
		SetErrorResult(&apiErr).
		Post(serverURL + authRefresh)
	if err != nil {
		return nil, err
	}
	if res.IsErrorState() {
		if apiErr.Error != "" {
			return nil, fmt.Errorf("refresh tokens: %s", apiErr.Error)
		}
		return nil, fmt.Errorf("refresh tokens: %s", res.Status)
	}
	return &tokens, nil
}
