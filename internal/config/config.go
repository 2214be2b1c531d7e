package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	DefaultPort                  = 8317
	DefaultSessionTTLSeconds     = 3600
	DefaultRefreshMarginSeconds  = 60
	DefaultRelayTimeoutSeconds   = 30
	DefaultRefreshTimeoutSeconds = 30

	DefaultMessagesURL      = "https://api.anthropic.com/v1/messages"
	DefaultCountTokensURL   = "https://api.anthropic.com/v1/messages/count_tokens"
	DefaultResponsesURL     = "https://chatgpt.com/backend-api/codex/responses"
	DefaultAnthropicVersion = "2023-06-01"
	DefaultAnthropicBeta    = "oauth-2025-04-20"
	DefaultUserAgent        = "claude-cli/1.0.83 (external, cli)"
	DefaultResponsesModel   = "gpt-5"

	DefaultClaudeTokenURL = "https://console.anthropic.com/v1/oauth/token"
	DefaultClaudeClientID = "9d1c250a-e61b-44d9-88ed-5944d1962f5e"
	DefaultCodexTokenURL  = "https://auth.openai.com/oauth/token"
	DefaultCodexClientID  = "app_EMoamEEZ73f0CkXaXp7hrann"

	EnvEncryptionKey = "RELAY_ENCRYPTION_KEY"
	EnvPostgresDSN   = "RELAY_PG_DSN"
)

// Store backend identifiers.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	SDKConfig `yaml:",inline"`

	// Host is the network host/interface on which the API server will bind.
	Host string `yaml:"host" json:"-"`
	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether application logs are written to rotating files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
	// LogDir is the directory used when LoggingToFile is set.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// EncryptionKey is the secret the vault derives its key from.
	EncryptionKey string `yaml:"encryption-key" json:"-"`

	Store StoreConfig `yaml:"store" json:"store"`

	SessionTTLSeconds     int `yaml:"session-ttl-seconds" json:"session-ttl-seconds"`
	RefreshMarginSeconds  int `yaml:"refresh-margin-seconds" json:"refresh-margin-seconds"`
	RelayTimeoutSeconds   int `yaml:"relay-timeout-seconds" json:"relay-timeout-seconds"`
	RefreshTimeoutSeconds int `yaml:"refresh-timeout-seconds" json:"refresh-timeout-seconds"`

	Upstream UpstreamConfig `yaml:"upstream" json:"upstream"`
	OAuth    OAuthConfig    `yaml:"oauth" json:"oauth"`

	// Accounts seeds the store on startup. Records whose id already exists are left alone.
	Accounts []AccountSeed `yaml:"accounts" json:"-"`

	// Models lists the model ids advertised by GET /v1/models.
	Models []string `yaml:"models" json:"models"`

	// UsageStatisticsFile persists usage statistics across restarts when set.
	UsageStatisticsFile string `yaml:"usage-statistics-file" json:"usage-statistics-file"`

	// RemoteManagement nests management-related options under 'remote-management'.
	RemoteManagement RemoteManagement `yaml:"remote-management" json:"-"`
}

// StoreConfig selects the shared key-value store backend.
type StoreConfig struct {
	// Type is one of memory, postgres, sqlite.
	Type string `yaml:"type" json:"type"`
	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn" json:"-"`
	// Path is the SQLite database file.
	Path string `yaml:"path" json:"path"`
}

// UpstreamConfig holds provider endpoints and default request headers.
type UpstreamConfig struct {
	MessagesURL      string `yaml:"messages-url" json:"messages-url"`
	CountTokensURL   string `yaml:"count-tokens-url" json:"count-tokens-url"`
	ResponsesURL     string `yaml:"responses-url" json:"responses-url"`
	AnthropicVersion string `yaml:"anthropic-version" json:"anthropic-version"`
	AnthropicBeta    string `yaml:"anthropic-beta" json:"anthropic-beta"`
	UserAgent        string `yaml:"user-agent" json:"user-agent"`

	// ResponsesModel is the upstream model used for Responses accounts when
	// ResponsesModelMap has no entry for the requested model.
	ResponsesModel    string            `yaml:"responses-model" json:"responses-model"`
	ResponsesModelMap map[string]string `yaml:"responses-model-map" json:"responses-model-map"`
}

// OAuthConfig holds the token endpoints used to refresh account tokens.
type OAuthConfig struct {
	ClaudeTokenURL string `yaml:"claude-token-url" json:"claude-token-url"`
	ClaudeClientID string `yaml:"claude-client-id" json:"claude-client-id"`
	CodexTokenURL  string `yaml:"codex-token-url" json:"codex-token-url"`
	CodexClientID  string `yaml:"codex-client-id" json:"codex-client-id"`
}

// RemoteManagement holds management API configuration under 'remote-management'.
type RemoteManagement struct {
	// SecretKey guards /v0/management; empty disables the management routes.
	SecretKey string `yaml:"secret-key"`
}

// AccountSeed is a plaintext account record imported into the store at startup.
type AccountSeed struct {
	ID           string     `yaml:"id"`
	Name         string     `yaml:"name"`
	Kind         string     `yaml:"kind"`
	Protocol     string     `yaml:"protocol"`
	Email        string     `yaml:"email"`
	Password     string     `yaml:"password"`
	RefreshToken string     `yaml:"refresh-token"`
	AccessToken  string     `yaml:"access-token"`
	ExpiresAt    string     `yaml:"expires-at"`
	Scopes       []string   `yaml:"scopes"`
	Proxy        *ProxySeed `yaml:"proxy"`
	Active       *bool      `yaml:"active"`
}

// ProxySeed describes an outbound proxy in an account seed.
type ProxySeed struct {
	Type     string `yaml:"type"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SessionTTL returns the session mapping lifetime.
func (c *Config) SessionTTL() time.Duration {
	return secondsOr(c.SessionTTLSeconds, DefaultSessionTTLSeconds)
}

// RefreshMargin returns the lead time before expiry that triggers a refresh.
func (c *Config) RefreshMargin() time.Duration {
	return secondsOr(c.RefreshMarginSeconds, DefaultRefreshMarginSeconds)
}

// RelayTimeout bounds non-streaming upstream calls.
func (c *Config) RelayTimeout() time.Duration {
	return secondsOr(c.RelayTimeoutSeconds, DefaultRelayTimeoutSeconds)
}

// RefreshTimeout bounds OAuth refresh calls.
func (c *Config) RefreshTimeout() time.Duration {
	return secondsOr(c.RefreshTimeoutSeconds, DefaultRefreshTimeoutSeconds)
}

func secondsOr(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * time.Second
}

// LoadConfig reads a YAML configuration file from the given path,
// unmarshals it into a Config struct, and applies environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional reads YAML from configFile.
// If optional is true and the file is missing, defaults are returned.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	loadDotEnv()

	cfg := defaultConfig()
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && (os.IsNotExist(err) || errors.Is(err, syscall.EISDIR)) {
			cfg.applyEnvOverrides()
			cfg.normalize()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnvOverrides()
	cfg.normalize()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Port:                  DefaultPort,
		LogDir:                "logs",
		Store:                 StoreConfig{Type: StoreMemory},
		SessionTTLSeconds:     DefaultSessionTTLSeconds,
		RefreshMarginSeconds:  DefaultRefreshMarginSeconds,
		RelayTimeoutSeconds:   DefaultRelayTimeoutSeconds,
		RefreshTimeoutSeconds: DefaultRefreshTimeoutSeconds,
		Upstream: UpstreamConfig{
			MessagesURL:      DefaultMessagesURL,
			CountTokensURL:   DefaultCountTokensURL,
			ResponsesURL:     DefaultResponsesURL,
			AnthropicVersion: DefaultAnthropicVersion,
			AnthropicBeta:    DefaultAnthropicBeta,
			UserAgent:        DefaultUserAgent,
			ResponsesModel:   DefaultResponsesModel,
		},
		OAuth: OAuthConfig{
			ClaudeTokenURL: DefaultClaudeTokenURL,
			ClaudeClientID: DefaultClaudeClientID,
			CodexTokenURL:  DefaultCodexTokenURL,
			CodexClientID:  DefaultCodexClientID,
		},
	}
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Debugf("config: .env not loaded: %v", err)
	}
}

func (c *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv(EnvEncryptionKey)); v != "" {
		c.EncryptionKey = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPostgresDSN)); v != "" {
		c.Store.DSN = v
		if c.Store.Type == "" || c.Store.Type == StoreMemory {
			c.Store.Type = StorePostgres
		}
	}
}

func (c *Config) normalize() {
	c.Store.Type = strings.ToLower(strings.TrimSpace(c.Store.Type))
	if c.Store.Type == "" {
		c.Store.Type = StoreMemory
	}
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if strings.TrimSpace(c.Upstream.AnthropicVersion) == "" {
		c.Upstream.AnthropicVersion = DefaultAnthropicVersion
	}
	if strings.TrimSpace(c.Upstream.UserAgent) == "" {
		c.Upstream.UserAgent = DefaultUserAgent
	}
	if strings.TrimSpace(c.Upstream.ResponsesModel) == "" {
		c.Upstream.ResponsesModel = DefaultResponsesModel
	}
	for i := range c.APIKeys {
		entry := &c.APIKeys[i]
		entry.Key = strings.TrimSpace(entry.Key)
		entry.ID = strings.TrimSpace(entry.ID)
		if entry.ID == "" {
			entry.ID = fmt.Sprintf("key-%d", i+1)
		}
		if entry.Name == "" {
			entry.Name = entry.ID
		}
		entry.BoundAccountID = strings.TrimSpace(entry.BoundAccountID)
	}
}

// Validate reports configuration that cannot start a relay.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.EncryptionKey) == "" {
		return fmt.Errorf("config: encryption-key is required (or set %s)", EnvEncryptionKey)
	}
	switch c.Store.Type {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("config: store.dsn is required for the postgres store")
		}
	case StoreSQLite:
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("config: store.path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("config: unknown store type %q", c.Store.Type)
	}
	seen := make(map[string]struct{}, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		if entry.Key == "" {
			return fmt.Errorf("config: api key %q has an empty key", entry.ID)
		}
		if _, dup := seen[entry.Key]; dup {
			return fmt.Errorf("config: api key %q is listed twice", entry.ID)
		}
		seen[entry.Key] = struct{}{}
	}
	return nil
}

// ResponsesModelFor maps a requested Messages model onto the Responses upstream model.
func (c *Config) ResponsesModelFor(model string) string {
	if mapped, ok := c.Upstream.ResponsesModelMap[model]; ok && strings.TrimSpace(mapped) != "" {
		return mapped
	}
	if c.Upstream.ResponsesModel != "" {
		return c.Upstream.ResponsesModel
	}
	return DefaultResponsesModel
}

// APIKeyIndex returns the caller key table keyed by secret.
func (c *Config) APIKeyIndex() map[string]APIKeyEntry {
	out := make(map[string]APIKeyEntry, len(c.APIKeys))
	for _, entry := range c.APIKeys {
		if entry.Key == "" {
			continue
		}
		out[entry.Key] = entry
	}
	return out
}
