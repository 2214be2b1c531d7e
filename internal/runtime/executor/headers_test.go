package executor

import (
	"net/http"
	"testing"

	"github.com/router-for-me/claude-relay/internal/config"
)

func TestForwardableHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Authorization", "Bearer caller")
	src.Set("X-Api-Key", "caller")
	src.Set("Connection", "keep-alive, X-Hop")
	src.Set("X-Hop", "1")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Accept-Encoding", "gzip")
	src.Set("X-Stainless-Lang", "js")

	out := forwardableHeaders(src)
	for _, key := range []string{"Authorization", "X-Api-Key", "Connection", "X-Hop", "Transfer-Encoding", "Accept-Encoding"} {
		if out.Get(key) != "" {
			t.Fatalf("%s forwarded", key)
		}
	}
	if out.Get("X-Stainless-Lang") != "js" {
		t.Fatalf("regular header dropped")
	}
	if src.Get("Authorization") == "" {
		t.Fatalf("source headers mutated")
	}
}

func TestApplyClaudeHeadersPrefersCallerVersion(t *testing.T) {
	caller := http.Header{}
	caller.Set("Anthropic-Version", "2024-01-01")
	caller.Set("User-Agent", "my-sdk/1.0")
	req, _ := http.NewRequest(http.MethodPost, "http://upstream/v1/messages", nil)
	applyClaudeHeaders(req, caller, config.UpstreamConfig{AnthropicVersion: "2023-06-01", UserAgent: "default-ua"}, "tok", false)

	if got := req.Header.Get("Anthropic-Version"); got != "2024-01-01" {
		t.Fatalf("Anthropic-Version = %q", got)
	}
	if got := req.Header.Get("User-Agent"); got != "my-sdk/1.0" {
		t.Fatalf("User-Agent = %q", got)
	}
	if req.Header.Get("Anthropic-Beta") != "" {
		t.Fatalf("beta header set without any beta configured")
	}
	if got := req.Header.Get("Accept"); got != "application/json" {
		t.Fatalf("Accept = %q", got)
	}
}
