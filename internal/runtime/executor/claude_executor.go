package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/queuehealth"
	log "github.com/sirupsen/logrus"
)

var dataTag = []byte("data:")

// ClaudeExecutor forwards Messages requests to a Messages upstream unchanged,
// apart from header hygiene and cache ttl stripping.
type ClaudeExecutor struct {
	cfg *config.Config
}

func NewClaudeExecutor(cfg *config.Config) *ClaudeExecutor { return &ClaudeExecutor{cfg: cfg} }

func (e *ClaudeExecutor) Identifier() string { return "claude" }

func (e *ClaudeExecutor) newRequest(ctx context.Context, url string, req RelayRequest, stream bool) (*http.Request, error) {
	body := stripCacheControlTTL(req.Body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrorKindUpstreamUnreachable, err)
	}
	httpReq.Header = forwardableHeaders(req.Headers)
	applyClaudeHeaders(httpReq, req.Headers, e.cfg.Upstream, req.Token, stream)
	recordAPIRequest(ctx, e.cfg, upstreamRequestLog{
		URL:      url,
		Provider: e.Identifier(),
		Account:  req.Account,
		Headers:  httpReq.Header.Clone(),
		Body:     body,
	})
	return httpReq, nil
}

// Relay performs a non-streaming call. Upstream error answers are returned as
// responses, not errors; only transport failures produce an error.
func (e *ClaudeExecutor) Relay(ctx context.Context, req RelayRequest) (*RelayResponse, error) {
	return e.relay(ctx, e.cfg.Upstream.MessagesURL, req)
}

// CountTokens forwards a count_tokens request to the Messages upstream.
func (e *ClaudeExecutor) CountTokens(ctx context.Context, req RelayRequest) (*RelayResponse, error) {
	return e.relay(ctx, e.cfg.Upstream.CountTokensURL, req)
}

func (e *ClaudeExecutor) relay(ctx context.Context, url string, req RelayRequest) (*RelayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout(e.cfg))
	defer cancel()

	httpReq, err := e.newRequest(ctx, url, req, false)
	if err != nil {
		return nil, err
	}
	httpResp, err := httpClientFor(e.cfg, req.Account, 0).Do(httpReq)
	if err != nil {
		recordAPIResponseError(ctx, e.cfg, err)
		return nil, classifyNetworkError(err)
	}
	defer func() {
		if errClose := httpResp.Body.Close(); errClose != nil {
			log.Errorf("claude executor: close response body error: %v", errClose)
		}
	}()
	recordAPIResponseMetadata(ctx, e.cfg, httpResp.StatusCode, httpResp.Header.Clone())

	decoded, err := decodeResponseBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrorKindUpstreamReset, err)
	}
	data, err := io.ReadAll(decoded)
	_ = decoded.Close()
	if err != nil {
		recordAPIResponseError(ctx, e.cfg, err)
		return nil, classifyNetworkError(err)
	}

	resp := &RelayResponse{
		StatusCode: httpResp.StatusCode,
		Header:     responseHeaders(httpResp.Header),
		Body:       data,
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		logWithRequestID(ctx).Debugf("request error, error status: %d, error message: %s", httpResp.StatusCode, summarizeErrorBody(httpResp.Header.Get("Content-Type"), data))
		return resp, nil
	}
	if detail, ok := parseClaudeUsage(data); ok {
		resp.Usage = detail
	}
	return resp, nil
}

// RelayStream pipes the upstream SSE stream into sink line by line and reports
// usage through onUsage. A non-2xx answer is returned as a statusErr before
// anything is written to sink. Once sink is committed, a returned error means
// the stream broke and the caller owes the client an in-band error event,
// unless it is a *RelayedStreamError.
func (e *ClaudeExecutor) RelayStream(ctx context.Context, req RelayRequest, sink StreamSink, onUsage UsageFunc) error {
	httpReq, err := e.newRequest(ctx, e.cfg.Upstream.MessagesURL, req, true)
	if err != nil {
		return err
	}
	httpResp, err := streamingClientFor(e.cfg, req.Account, relayTimeout(e.cfg)).Do(httpReq)
	if err != nil {
		recordAPIResponseError(ctx, e.cfg, err)
		return classifyNetworkError(err)
	}
	recordAPIResponseMetadata(ctx, e.cfg, httpResp.StatusCode, httpResp.Header.Clone())

	decoded, err := decodeResponseBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return interfaces.WrapError(interfaces.ErrorKindUpstreamReset, err)
	}
	defer func() {
		if errClose := decoded.Close(); errClose != nil {
			log.Errorf("claude executor: close response body error: %v", errClose)
		}
	}()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, _ := io.ReadAll(decoded)
		logWithRequestID(ctx).Debugf("request error, error status: %d, error message: %s", httpResp.StatusCode, summarizeErrorBody(httpResp.Header.Get("Content-Type"), data))
		return statusErr{code: httpResp.StatusCode, msg: string(data)}
	}

	header := responseHeaders(httpResp.Header)
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	sink.WriteHeader(httpResp.StatusCode, header)
	sink.Flush()

	tracker := newClaudeUsageTracker(onUsage)
	lines := make(chan []byte, 64)
	trackerDone := make(chan struct{})
	go tracker.run(lines, trackerDone)

	midEvent := false
	var writeErr error
	scanner := newLineScanner(decoded)
	for scanner.Scan() {
		line := bytes.Clone(scanner.Bytes())
		if writeErr = sink.Write(line); writeErr != nil {
			break
		}
		sink.Flush()
		midEvent = len(bytes.TrimSpace(line)) != 0
		lines <- line
	}
	close(lines)
	<-trackerDone

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if writeErr != nil {
		return fmt.Errorf("claude executor: downstream write failed: %w", writeErr)
	}
	if errScan := scanner.Err(); errScan != nil {
		recordAPIResponseError(ctx, e.cfg, errScan)
		queuehealth.Inc(queuehealth.UpstreamStreamError)
		if midEvent {
			_ = sink.Write([]byte("\n"))
		}
		return classifyNetworkError(errScan)
	}
	if tracker.failure != nil {
		return tracker.failure
	}
	return nil
}

// responseHeaders keeps upstream headers worth showing to the caller.
func responseHeaders(src http.Header) http.Header {
	out := make(http.Header)
	for key, values := range src {
		switch http.CanonicalHeaderKey(key) {
		case "Content-Encoding", "Content-Length", "Transfer-Encoding", "Connection", "Keep-Alive", "Set-Cookie":
			continue
		}
		out[key] = append([]string(nil), values...)
	}
	return out
}
