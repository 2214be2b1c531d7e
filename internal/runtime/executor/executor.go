// Package executor forwards Messages requests to upstream accounts: directly
// for Messages accounts and through the Responses bridge for Responses accounts.
package executor

import (
	"context"
	"net/http"
	"time"

	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/logging"
	"github.com/router-for-me/claude-relay/internal/util"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	log "github.com/sirupsen/logrus"
)

// maxStreamLine bounds one buffered upstream line.
const maxStreamLine = 52_428_800 // 50MB

// RelayRequest is one caller request bound to an upstream account.
type RelayRequest struct {
	Account *relayauth.Account
	// Token is the plaintext bearer token resolved for Account.
	Token string
	// Model is the model the caller asked for.
	Model string
	// Body is the caller's Messages JSON.
	Body []byte
	// Headers are the caller's request headers.
	Headers http.Header
	// SessionHash is the session affinity key, used as a prompt cache key.
	SessionHash string
}

// RelayResponse is a complete upstream answer for a non-streaming call.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Usage is nil when the body carried no usage block.
	Usage *relayusage.Detail
}

// UsageFunc receives usage once per logical completion.
type UsageFunc func(relayusage.Detail)

// StreamSink receives a streamed response. WriteHeader commits the status;
// Write forwards bytes that form complete SSE lines or events.
type StreamSink interface {
	WriteHeader(status int, header http.Header)
	Write(p []byte) error
	Flush()
	Committed() bool
}

func proxyURLFor(cfg *config.Config, account *relayauth.Account) string {
	proxyURL := account.ProxyURL()
	if proxyURL == "" && cfg != nil {
		proxyURL = cfg.ProxyURL
	}
	return proxyURL
}

func httpClientFor(cfg *config.Config, account *relayauth.Account, timeout time.Duration) *http.Client {
	return util.NewProxyAwareHTTPClient(proxyURLFor(cfg, account), timeout)
}

// streamingClientFor bounds the wait for response headers instead of the whole exchange.
func streamingClientFor(cfg *config.Config, account *relayauth.Account, headerTimeout time.Duration) *http.Client {
	return util.NewStreamingHTTPClient(proxyURLFor(cfg, account), headerTimeout)
}

func logWithRequestID(ctx context.Context) *log.Entry {
	return logging.WithContext(ctx)
}

func relayTimeout(cfg *config.Config) time.Duration {
	if cfg == nil {
		return config.DefaultRelayTimeoutSeconds * time.Second
	}
	return cfg.RelayTimeout()
}
