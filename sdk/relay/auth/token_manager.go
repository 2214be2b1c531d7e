package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/queuehealth"
	"github.com/router-for-me/claude-relay/internal/util"
	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	DefaultRefreshMargin  = 60 * time.Second
	DefaultRefreshTimeout = 30 * time.Second
)

// Cipher encrypts and decrypts account secrets.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// TokenRefresher exchanges a refresh token at a provider's OAuth endpoint.
type TokenRefresher interface {
	RefreshTokens(ctx context.Context, httpClient *http.Client, refreshToken string) (*oauth2.Token, error)
}

// TokenManagerOptions tunes refresh behaviour.
type TokenManagerOptions struct {
	RefreshMargin  time.Duration
	RefreshTimeout time.Duration
	// DefaultProxyURL is used for accounts without their own proxy.
	DefaultProxyURL string
}

// TokenManager yields currently valid bearer tokens, refreshing them through
// the account's proxy when they are expired or close to expiry.
//
// Concurrent requests for the same account may both refresh; the last write wins.
type TokenManager struct {
	accounts   *Manager
	cipher     Cipher
	refreshers map[Protocol]TokenRefresher
	opts       TokenManagerOptions
	now        func() time.Time
}

// NewTokenManager wires the token lifecycle over accounts and cipher.
func NewTokenManager(accounts *Manager, cipher Cipher, opts TokenManagerOptions) *TokenManager {
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = DefaultRefreshMargin
	}
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = DefaultRefreshTimeout
	}
	return &TokenManager{
		accounts:   accounts,
		cipher:     cipher,
		refreshers: make(map[Protocol]TokenRefresher),
		opts:       opts,
		now:        time.Now,
	}
}

// RegisterRefresher installs the refresher used for accounts of protocol p.
func (tm *TokenManager) RegisterRefresher(p Protocol, refresher TokenRefresher) {
	tm.refreshers[p] = refresher
}

// GetValidToken returns a bearer token for accountID.
func (tm *TokenManager) GetValidToken(ctx context.Context, accountID string) (string, error) {
	_, token, err := tm.ResolveToken(ctx, accountID)
	return token, err
}

// ResolveToken returns the account together with a bearer token for it.
//
// A token that expires later than the refresh margin is returned as is and the
// last-used stamp is updated. Otherwise a refresh is attempted; if it fails the
// account is marked error and the last known access token is still served.
func (tm *TokenManager) ResolveToken(ctx context.Context, accountID string) (*Account, string, error) {
	account, err := tm.accounts.GetAccount(ctx, accountID)
	if err != nil {
		return nil, "", err
	}
	if !account.Active {
		return nil, "", interfaces.NewError(interfaces.ErrorKindAccountDisabled, "account %s is disabled", account.ID)
	}

	now := tm.now()
	if account.AccessToken != "" && !account.ExpiresAt.IsZero() && account.ExpiresAt.Sub(now) > tm.opts.RefreshMargin {
		accessToken, errDecrypt := tm.cipher.Decrypt(account.AccessToken)
		if errDecrypt == nil && accessToken != "" {
			if errTouch := tm.accounts.TouchAccount(ctx, account.ID); errTouch != nil {
				log.Warnf("%s: stamp last used: %v", account, errTouch)
			}
			return account, accessToken, nil
		}
		log.Warnf("%s: stored access token unreadable, refreshing: %v", account, errDecrypt)
	}

	accessToken, errRefresh := tm.refresh(ctx, account)
	if errRefresh == nil {
		return account, accessToken, nil
	}

	queuehealth.Inc(queuehealth.RefreshFailed)
	log.Errorf("%s: token refresh failed: %v", account, errRefresh)
	if errMark := tm.accounts.MarkAccountError(ctx, account.ID, errRefresh.Error()); errMark != nil {
		log.Errorf("%s: persist refresh failure: %v", account, errMark)
	}
	account.Status = StatusError
	account.ErrorMessage = errRefresh.Error()

	stale, errDecrypt := tm.cipher.Decrypt(account.AccessToken)
	if errDecrypt == nil && stale != "" {
		queuehealth.Inc(queuehealth.StaleTokenServed)
		log.Warnf("%s: serving last known access token after refresh failure", account)
		return account, stale, nil
	}
	return nil, "", &interfaces.RelayError{
		Kind:    interfaces.ErrorKindTokenUnavailable,
		Message: fmt.Sprintf("account %s has no usable access token", account.ID),
		Cause:   errRefresh,
	}
}

func (tm *TokenManager) refresh(ctx context.Context, account *Account) (string, error) {
	refresher, ok := tm.refreshers[account.EffectiveProtocol()]
	if !ok || refresher == nil {
		return "", fmt.Errorf("no token refresher for protocol %s", account.EffectiveProtocol())
	}
	refreshToken, err := tm.cipher.Decrypt(account.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("decrypt refresh token: %w", err)
	}
	if strings.TrimSpace(refreshToken) == "" {
		return "", fmt.Errorf("account has no refresh token")
	}

	proxyURL := account.ProxyURL()
	if proxyURL == "" {
		proxyURL = tm.opts.DefaultProxyURL
	}
	refreshCtx, cancel := context.WithTimeout(ctx, tm.opts.RefreshTimeout)
	defer cancel()
	httpClient := util.NewProxyAwareHTTPClient(proxyURL, tm.opts.RefreshTimeout)

	log.Debugf("%s: refreshing token via %s", account, util.MaskProxyURL(proxyURL))
	token, err := refresher.RefreshTokens(refreshCtx, httpClient, refreshToken)
	if err != nil {
		return "", err
	}

	now := tm.now()
	expiresAt := token.Expiry
	if token.ExpiresIn > 0 {
		expiresAt = now.Add(time.Duration(token.ExpiresIn) * time.Second)
	}

	encAccess, err := tm.cipher.Encrypt(token.AccessToken)
	if err != nil {
		return "", fmt.Errorf("encrypt access token: %w", err)
	}
	patch := accountPatch{}
	patch.setString(fieldAccessToken, encAccess)
	if token.RefreshToken != "" {
		encRefresh, errEnc := tm.cipher.Encrypt(token.RefreshToken)
		if errEnc != nil {
			return "", fmt.Errorf("encrypt refresh token: %w", errEnc)
		}
		patch.setString(fieldRefreshToken, encRefresh)
		account.RefreshToken = encRefresh
	}
	if accountID, ok := token.Extra("chatgpt_account_id").(string); ok && accountID != "" {
		patch.setString(fieldChatGPTAccountID, accountID)
		account.ChatGPTAccountID = accountID
	}
	if scope, ok := token.Extra("scope").(string); ok && strings.TrimSpace(scope) != "" {
		patch.setString(fieldScopes, scope)
		account.Scopes = strings.Fields(scope)
	}
	patch.setTime(fieldExpiresAt, expiresAt).
		setTime(fieldLastRefreshAt, now).
		setTime(fieldLastUsedAt, now).
		setString(fieldStatus, string(StatusActive)).
		setString(fieldErrorMessage, "")
	if err = tm.accounts.patchAccount(ctx, account.ID, patch); err != nil {
		return "", err
	}

	account.AccessToken = encAccess
	account.ExpiresAt = expiresAt
	account.LastRefreshAt = now
	account.LastUsedAt = now
	account.Status = StatusActive
	account.ErrorMessage = ""
	log.Infof("%s: token refreshed, expires at %s", account, expiresAt.Format(time.RFC3339))
	return token.AccessToken, nil
}
