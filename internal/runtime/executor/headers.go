package executor

import (
	"net/http"
	"strings"

	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/misc"
)

// hopHeaders never travel from the caller to the upstream.
var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Authorization",
	"X-Api-Key",
	"Host",
	"Content-Length",
	"Accept-Encoding",
	"Cookie",
}

// forwardableHeaders copies caller headers minus hop-by-hop, auth, and any
// header named in the caller's Connection header.
func forwardableHeaders(src http.Header) http.Header {
	out := make(http.Header, len(src))
	for key, values := range src {
		out[key] = append([]string(nil), values...)
	}
	for _, field := range strings.Split(src.Get("Connection"), ",") {
		if field = strings.TrimSpace(field); field != "" {
			out.Del(field)
		}
	}
	for _, key := range hopHeaders {
		out.Del(key)
	}
	return out
}

func applyClaudeHeaders(r *http.Request, caller http.Header, upstream config.UpstreamConfig, token string, stream bool) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+token)

	misc.EnsureHeader(r.Header, caller, "Anthropic-Version", upstream.AnthropicVersion)
	if beta := misc.MergeCommaList(caller.Get("Anthropic-Beta"), upstream.AnthropicBeta); beta != "" {
		r.Header.Set("Anthropic-Beta", beta)
	}
	misc.EnsureHeader(r.Header, caller, "User-Agent", upstream.UserAgent)
	r.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	if stream {
		r.Header.Set("Accept", "text/event-stream")
	} else {
		r.Header.Set("Accept", "application/json")
	}
}

func applyCodexHeaders(r *http.Request, caller http.Header, chatgptAccountID, token, sessionID string) {
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Authorization", "Bearer "+token)

	misc.EnsureHeader(r.Header, caller, "Version", codexClientVersion)
	misc.EnsureHeader(r.Header, caller, "Openai-Beta", "responses=experimental")
	misc.EnsureHeader(r.Header, nil, "Session_id", sessionID)
	misc.EnsureHeader(r.Header, nil, "User-Agent", codexUserAgent)
	r.Header.Set("Originator", "codex_cli_rs")
	if chatgptAccountID != "" {
		r.Header.Set("Chatgpt-Account-Id", chatgptAccountID)
	}
	r.Header.Set("Accept-Encoding", "gzip, deflate, br, zstd")
	r.Header.Set("Accept", "text/event-stream")
	r.Header.Set("Connection", "Keep-Alive")
}
