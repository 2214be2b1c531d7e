// Package claude refreshes OAuth tokens for accounts that speak the Messages API.
package claude

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

// tokenResponse is the token endpoint answer for a refresh_token grant.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope"`
	Account      struct {
		UUID         string `json:"uuid"`
		EmailAddress string `json:"email_address"`
	} `json:"account"`
}

// ClaudeAuth refreshes Anthropic OAuth tokens.
type ClaudeAuth struct {
	tokenURL string
	clientID string
}

// NewClaudeAuth returns a refresher posting to tokenURL as clientID.
func NewClaudeAuth(tokenURL, clientID string) *ClaudeAuth {
	return &ClaudeAuth{tokenURL: strings.TrimSpace(tokenURL), clientID: strings.TrimSpace(clientID)}
}

// RefreshTokens exchanges refreshToken for a new token pair.
// The returned token carries ExpiresIn as reported and Expiry computed from it;
// the account email is exposed through Extra("email").
func (o *ClaudeAuth) RefreshTokens(ctx context.Context, httpClient *http.Client, refreshToken string) (*oauth2.Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("claude token refresh: refresh token is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	reqBody := map[string]any{
		"client_id":     o.clientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
	}
	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("claude token refresh: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.tokenURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("claude token refresh: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("claude token refresh: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("claude token refresh: close response body error: %v", errClose)
		}
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("claude token refresh: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("claude token refresh failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("claude token refresh: parse response: %w", err)
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return nil, fmt.Errorf("claude token refresh: response has no access_token")
	}

	token := &oauth2.Token{
		AccessToken:  tokenResp.AccessToken,
		TokenType:    tokenResp.TokenType,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresIn:    tokenResp.ExpiresIn,
	}
	if tokenResp.ExpiresIn > 0 {
		token.Expiry = time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second)
	}
	return token.WithExtra(map[string]any{
		"email": tokenResp.Account.EmailAddress,
		"scope": tokenResp.Scope,
	}), nil
}
