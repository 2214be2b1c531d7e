package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "")
	t.Setenv(EnvPostgresDSN, "")
	path := writeConfig(t, `
encryption-key: "s3cret"
api-keys:
  - key: "cr_abc"
    name: "alice"
`)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port = %d, want %d", cfg.Port, DefaultPort)
	}
	if cfg.Store.Type != StoreMemory {
		t.Fatalf("Store.Type = %q, want memory", cfg.Store.Type)
	}
	if cfg.SessionTTL() != time.Hour {
		t.Fatalf("SessionTTL() = %v, want 1h", cfg.SessionTTL())
	}
	if cfg.RefreshMargin() != 60*time.Second {
		t.Fatalf("RefreshMargin() = %v, want 60s", cfg.RefreshMargin())
	}
	if cfg.Upstream.AnthropicVersion != DefaultAnthropicVersion {
		t.Fatalf("AnthropicVersion = %q", cfg.Upstream.AnthropicVersion)
	}
	if cfg.OAuth.ClaudeClientID != DefaultClaudeClientID {
		t.Fatalf("ClaudeClientID = %q", cfg.OAuth.ClaudeClientID)
	}
	entry, ok := cfg.APIKeyIndex()["cr_abc"]
	if !ok {
		t.Fatalf("api key not indexed")
	}
	if entry.ID != "key-1" || entry.Name != "alice" {
		t.Fatalf("entry = %+v, want generated id key-1 and name alice", entry)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "from-env")
	t.Setenv(EnvPostgresDSN, "postgres://relay@localhost/relay")
	path := writeConfig(t, "port: 9000\n")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.EncryptionKey != "from-env" {
		t.Fatalf("EncryptionKey = %q, want from-env", cfg.EncryptionKey)
	}
	if cfg.Store.Type != StorePostgres || cfg.Store.DSN == "" {
		t.Fatalf("Store = %+v, want postgres with dsn", cfg.Store)
	}
	if cfg.Port != 9000 {
		t.Fatalf("Port = %d, want 9000", cfg.Port)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "")
	t.Setenv(EnvPostgresDSN, "")

	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "missing key", body: "port: 1\n", want: "encryption-key"},
		{name: "sqlite without path", body: "encryption-key: k\nstore:\n  type: sqlite\n", want: "store.path"},
		{name: "unknown store", body: "encryption-key: k\nstore:\n  type: redis\n", want: "unknown store"},
		{name: "duplicate api key", body: "encryption-key: k\napi-keys:\n  - key: a\n  - key: a\n", want: "listed twice"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("LoadConfig() error = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestLoadConfigOptionalMissingFile(t *testing.T) {
	t.Setenv(EnvEncryptionKey, "")
	t.Setenv(EnvPostgresDSN, "")
	cfg, err := LoadConfigOptional(filepath.Join(t.TempDir(), "absent.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional() error = %v", err)
	}
	if cfg.Port != DefaultPort {
		t.Fatalf("Port = %d, want default", cfg.Port)
	}
}
