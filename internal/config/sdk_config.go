// Package config provides configuration management for the Claude relay server.
// It handles loading and parsing YAML configuration files, and provides structured
// access to server settings, the shared store, upstream endpoints, OAuth clients,
// caller API keys and seeded upstream accounts.
package config

// SDKConfig holds the settings consumed by request handlers and executors.
type SDKConfig struct {
	// ProxyURL is the URL of an optional proxy server used when an account has none.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// RequestLog enables debug logging of upstream request and response bodies.
	RequestLog bool `yaml:"request-log" json:"request-log"`

	// APIKeys is the table of caller keys accepted by the relay.
	APIKeys []APIKeyEntry `yaml:"api-keys" json:"api-keys"`

	// Streaming configures server-side streaming behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
}

// APIKeyEntry maps one caller key onto its API Key context.
type APIKeyEntry struct {
	// Key is the secret presented by the caller in x-api-key or Authorization.
	Key string `yaml:"key" json:"-"`

	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`

	// BoundAccountID pins the key to a dedicated upstream account.
	BoundAccountID string `yaml:"bound-account-id,omitempty" json:"bound-account-id,omitempty"`

	// ConcurrencyLimit and TokenLimit are carried for the external limiter.
	ConcurrencyLimit int   `yaml:"concurrency-limit,omitempty" json:"concurrency-limit,omitempty"`
	TokenLimit       int64 `yaml:"token-limit,omitempty" json:"token-limit,omitempty"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the server emits SSE heartbeats (": keep-alive\n\n")
	// while waiting on a bridged upstream. <= 0 disables keep-alives.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}
