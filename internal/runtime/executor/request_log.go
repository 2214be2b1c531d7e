package executor

import (
	"context"
	"net/http"
	"strings"

	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/util"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	log "github.com/sirupsen/logrus"
)

const maxLoggedBody = 4096

type upstreamRequestLog struct {
	URL      string
	Provider string
	Account  *relayauth.Account
	Headers  http.Header
	Body     []byte
}

func maskedHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for key := range h {
		value := h.Get(key)
		if strings.EqualFold(key, "Authorization") {
			value = "Bearer " + util.HideAPIKey(strings.TrimPrefix(value, "Bearer "))
		}
		out[key] = value
	}
	return out
}

func truncateBody(body []byte) string {
	if len(body) > maxLoggedBody {
		return string(body[:maxLoggedBody]) + "...(truncated)"
	}
	return string(body)
}

// recordAPIRequest logs the outbound request when request logging is enabled.
func recordAPIRequest(ctx context.Context, cfg *config.Config, info upstreamRequestLog) {
	if cfg == nil || !cfg.RequestLog {
		return
	}
	logWithRequestID(ctx).WithFields(log.Fields{
		"provider": info.Provider,
		"account":  info.Account.String(),
		"url":      info.URL,
		"headers":  maskedHeaders(info.Headers),
	}).Debugf("upstream request: %s", truncateBody(info.Body))
}

func recordAPIResponseMetadata(ctx context.Context, cfg *config.Config, status int, headers http.Header) {
	if cfg == nil || !cfg.RequestLog {
		return
	}
	logWithRequestID(ctx).WithField("headers", maskedHeaders(headers)).Debugf("upstream response status: %d", status)
}

func recordAPIResponseError(ctx context.Context, cfg *config.Config, err error) {
	if cfg == nil || !cfg.RequestLog || err == nil {
		return
	}
	logWithRequestID(ctx).Debugf("upstream response error: %v", err)
}

// summarizeErrorBody keeps error logs short for HTML and oversized bodies.
func summarizeErrorBody(contentType string, body []byte) string {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return "[html body omitted]"
	}
	return truncateBody(body)
}
