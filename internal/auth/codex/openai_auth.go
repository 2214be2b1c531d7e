// Package codex refreshes OAuth tokens for accounts that speak the Responses API.
package codex

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

type tokenResponse struct {
	IDToken      string `json:"id_token"`
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// CodexAuth refreshes OpenAI OAuth tokens.
type CodexAuth struct {
	tokenURL string
	clientID string
}

// NewCodexAuth returns a refresher posting to tokenURL as clientID.
func NewCodexAuth(tokenURL, clientID string) *CodexAuth {
	return &CodexAuth{tokenURL: strings.TrimSpace(tokenURL), clientID: strings.TrimSpace(clientID)}
}

// RefreshTokens exchanges refreshToken for a new token set. The ChatGPT account id
// and email from the id_token are exposed via Extra("chatgpt_account_id") and Extra("email").
func (o *CodexAuth) RefreshTokens(ctx context.Context, httpClient *http.Client, refreshToken string) (*oauth2.Token, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, fmt.Errorf("codex token refresh: refresh token is required")
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	jsonBody, err := json.Marshal(map[string]string{
		"client_id":     o.clientID,
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"scope":         "openid profile email",
	})
	if err != nil {
		return nil, fmt.Errorf("codex token refresh: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.tokenURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("codex token refresh: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("codex token refresh: request failed: %w", err)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("codex token refresh: close response body error: %v", errClose)
		}
	}()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("codex token refresh: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("codex token refresh failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tokenResp tokenResponse
	if err = json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("codex token refresh: parse response: %w", err)
	}
	if strings.TrimSpace(tokenResp.AccessToken) == "" {
		return nil, fmt.Errorf("codex token refresh: response has no access_token")
	}

	extra := map[string]any{"id_token": tokenResp.IDToken}
	if tokenResp.IDToken != "" {
		claims, errClaims := ParseIDToken(tokenResp.IDToken)
		if errClaims != nil {
			log.Warnf("codex token refresh: %v", errClaims)
		} else {
			extra["chatgpt_account_id"] = claims.AccountID
			extra["email"] = claims.Email
		}
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
	return token.WithExtra(extra), nil
}
