// Package auth owns upstream account records: the pool manager that picks an
// account per request, the token lifecycle manager that keeps bearer tokens
// fresh, and the session affinity helper.
package auth

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Kind separates pooled accounts from accounts reserved for one API key.
type Kind string

const (
	KindShared    Kind = "shared"
	KindDedicated Kind = "dedicated"
)

// Protocol is the wire format an upstream account speaks.
type Protocol string

const (
	ProtocolMessages  Protocol = "messages"
	ProtocolResponses Protocol = "responses"
)

// Status is the lifecycle status of an account.
type Status string

const (
	StatusCreated Status = "created"
	StatusActive  Status = "active"
	StatusError   Status = "error"
)

// ProxyConfig describes the outbound proxy an account's traffic goes through.
type ProxyConfig struct {
	Type     string `json:"type"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// URL renders the proxy as scheme://[user:pass@]host:port.
func (p *ProxyConfig) URL() string {
	if p == nil || strings.TrimSpace(p.Host) == "" {
		return ""
	}
	scheme := strings.ToLower(strings.TrimSpace(p.Type))
	if scheme == "" {
		scheme = "socks5"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(p.Host, strconv.Itoa(p.Port))}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u.String()
}

// Account is an upstream credential record. Email, Password, RefreshToken and
// AccessToken hold vault ciphertext, never plaintext.
type Account struct {
	ID       string
	Name     string
	Kind     Kind
	Protocol Protocol

	Email        string
	Password     string
	RefreshToken string
	AccessToken  string

	ExpiresAt time.Time
	Scopes    []string
	Proxy     *ProxyConfig

	Status       Status
	Active       bool
	ErrorMessage string

	LastUsedAt    time.Time
	LastRefreshAt time.Time
	CreatedAt     time.Time

	// ChatGPTAccountID routes Responses requests; taken from the id_token on refresh.
	ChatGPTAccountID string
}

// String never includes secrets.
func (a *Account) String() string {
	if a == nil {
		return "account(nil)"
	}
	return fmt.Sprintf("account(%s %q)", a.ID, a.Name)
}

// EffectiveProtocol defaults an unset protocol to Messages.
func (a *Account) EffectiveProtocol() Protocol {
	if a == nil || a.Protocol == "" {
		return ProtocolMessages
	}
	return a.Protocol
}

// ProxyURL returns the account proxy URL, or "" when the account goes direct.
func (a *Account) ProxyURL() string {
	if a == nil {
		return ""
	}
	return a.Proxy.URL()
}

// Usable reports whether the account is switched on and not in error.
func (a *Account) Usable() bool {
	return a != nil && a.Active && a.Status != StatusError
}

// Pooled reports whether the account belongs to the shared pool.
func (a *Account) Pooled() bool {
	return a != nil && (a.Kind == KindShared || a.Kind == "")
}

// APIKey is the caller-scoped context passed into the core per request.
// The limits are carried for an external limiter and not enforced here.
type APIKey struct {
	ID               string
	Name             string
	BoundAccountID   string
	ConcurrencyLimit int
	TokenLimit       int64
}
