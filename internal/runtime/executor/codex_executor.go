package executor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/queuehealth"
	"github.com/router-for-me/claude-relay/internal/translator/claude/responses"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/tiktoken-go/tokenizer"
)

const (
	codexClientVersion = "0.101.0"
	codexUserAgent     = "codex_cli_rs/0.101.0 (Mac OS 26.0.1; arm64) Apple_Terminal/464"
)

var codexRetryAfterPattern = regexp.MustCompile(`(?i)(?:try again in|in)\s*([0-9]+(?:\.[0-9]+)?)\s*(?:s|sec|secs|second|seconds)\b`)

// CodexExecutor serves Messages callers from a Responses upstream by
// transcoding the request and bridging the event stream back.
type CodexExecutor struct {
	cfg *config.Config
}

func NewCodexExecutor(cfg *config.Config) *CodexExecutor { return &CodexExecutor{cfg: cfg} }

func (e *CodexExecutor) Identifier() string { return "codex" }

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (e *CodexExecutor) buildBody(req RelayRequest) ([]byte, string, error) {
	model := e.cfg.ResponsesModelFor(req.Model)
	body, err := responses.ConvertClaudeRequestToResponses(model, req.Body)
	if err != nil {
		return nil, "", err
	}
	if req.SessionHash != "" {
		body, _ = sjson.SetBytes(body, "prompt_cache_key", req.SessionHash)
	}
	return body, model, nil
}

// open sends the transcoded request and returns the decoded event stream.
// Non-2xx answers come back as statusErr.
func (e *CodexExecutor) open(ctx context.Context, req RelayRequest, client *http.Client) (io.ReadCloser, error) {
	body, _, err := e.buildBody(req)
	if err != nil {
		return nil, err
	}
	url := e.cfg.Upstream.ResponsesURL
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrorKindUpstreamUnreachable, err)
	}
	httpReq.Header = forwardableHeaders(req.Headers)
	sessionID := req.SessionHash
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	chatgptAccountID := ""
	if req.Account != nil {
		chatgptAccountID = req.Account.ChatGPTAccountID
	}
	applyCodexHeaders(httpReq, req.Headers, chatgptAccountID, req.Token, sessionID)
	recordAPIRequest(ctx, e.cfg, upstreamRequestLog{
		URL:      url,
		Provider: e.Identifier(),
		Account:  req.Account,
		Headers:  httpReq.Header.Clone(),
		Body:     body,
	})

	httpResp, err := client.Do(httpReq)
	if err != nil {
		recordAPIResponseError(ctx, e.cfg, err)
		return nil, classifyNetworkError(err)
	}
	recordAPIResponseMetadata(ctx, e.cfg, httpResp.StatusCode, httpResp.Header.Clone())
	decoded, err := decodeResponseBody(httpResp.Body, httpResp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrorKindUpstreamReset, err)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		data, readErr := io.ReadAll(decoded)
		if errClose := decoded.Close(); errClose != nil {
			log.Errorf("codex executor: close response body error: %v", errClose)
		}
		if readErr != nil {
			recordAPIResponseError(ctx, e.cfg, readErr)
			return nil, classifyNetworkError(readErr)
		}
		logWithRequestID(ctx).Debugf("request error, error status: %d, error message: %s", httpResp.StatusCode, summarizeErrorBody(httpResp.Header.Get("Content-Type"), data))
		return nil, statusErr{code: httpResp.StatusCode, msg: string(data)}
	}
	return decoded, nil
}

// upstreamPayload is one data payload or the error that ended the stream.
type upstreamPayload struct {
	data []byte
	err  error
}

// streamPayloads reads data payloads off body until it ends or ctx is done.
func streamPayloads(ctx context.Context, body io.Reader) <-chan upstreamPayload {
	out := make(chan upstreamPayload, 16)
	go func() {
		defer close(out)
		scanner := newLineScanner(body)
		for scanner.Scan() {
			data, ok := sseData(scanner.Bytes())
			if !ok {
				continue
			}
			select {
			case out <- upstreamPayload{data: bytes.Clone(data)}:
			case <-ctx.Done():
				return
			}
		}
		if errScan := scanner.Err(); errScan != nil {
			select {
			case out <- upstreamPayload{err: errScan}:
			case <-ctx.Done():
			}
		}
	}()
	return out
}

// Relay drains the bridged stream and answers with one assembled Messages body.
// Upstream error answers are rewritten into Messages error bodies.
func (e *CodexExecutor) Relay(ctx context.Context, req RelayRequest) (*RelayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, relayTimeout(e.cfg))
	defer cancel()

	body, err := e.open(ctx, req, httpClientFor(e.cfg, req.Account, 0))
	if err != nil {
		if se, ok := err.(statusErr); ok {
			return upstreamErrorResponse(se), nil
		}
		return nil, err
	}
	defer func() {
		if errClose := body.Close(); errClose != nil {
			log.Errorf("codex executor: close response body error: %v", errClose)
		}
	}()

	translator := responses.NewStreamTranslator(newMessageID())
	aggregator := responses.NewMessageAggregator()
	var terminal *responses.TerminalEvent
	var terminalRaw []byte
	for item := range streamPayloads(ctx, body) {
		if item.err != nil {
			return nil, e.streamFailure(ctx, item.err)
		}
		events, ev, errFeed := translator.Feed(item.data)
		if errFeed != nil {
			queuehealth.Inc(queuehealth.SkippedStreamLine)
			continue
		}
		aggregator.AddAll(events)
		if t, ok := ev.(responses.TerminalEvent); ok {
			terminal, terminalRaw = &t, item.data
		}
		if translator.Done() {
			break
		}
	}
	recordBridgeMetrics(translator.State())
	if ctx.Err() != nil {
		return nil, classifyNetworkError(ctx.Err())
	}
	if !translator.Done() {
		return nil, codexDisconnectedStreamErr("no_terminal_event", translator.State())
	}

	if terminal != nil && terminal.Kind == responses.TerminalFailed {
		return upstreamErrorResponse(codexFailedStreamErr(*terminal, terminalRaw)), nil
	}
	if errType, message, ok := aggregator.Err(); ok {
		return &RelayResponse{
			StatusCode: statusForErrorType(errType),
			Header:     jsonHeader(),
			Body:       interfaces.ErrorBody(errType, message),
		}, nil
	}
	message, err := aggregator.Message()
	if err != nil {
		return nil, interfaces.WrapError(interfaces.ErrorKindBridgeTranslationError, err)
	}
	resp := &RelayResponse{StatusCode: http.StatusOK, Header: jsonHeader(), Body: message}
	if terminal != nil {
		detail := detailFromTerminal(*terminal)
		resp.Usage = &detail
	}
	return resp, nil
}

// RelayStream bridges the upstream event stream into Messages SSE events on sink.
// Error semantics match ClaudeExecutor.RelayStream.
func (e *CodexExecutor) RelayStream(ctx context.Context, req RelayRequest, sink StreamSink, onUsage UsageFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	body, err := e.open(ctx, req, streamingClientFor(e.cfg, req.Account, relayTimeout(e.cfg)))
	if err != nil {
		return err
	}
	defer func() {
		if errClose := body.Close(); errClose != nil {
			log.Errorf("codex executor: close response body error: %v", errClose)
		}
	}()

	header := make(http.Header)
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	sink.WriteHeader(http.StatusOK, header)
	sink.Flush()

	var keepAlive <-chan time.Time
	if seconds := e.cfg.Streaming.KeepAliveSeconds; seconds > 0 {
		ticker := time.NewTicker(time.Duration(seconds) * time.Second)
		defer ticker.Stop()
		keepAlive = ticker.C
	}

	translator := responses.NewStreamTranslator(newMessageID())
	defer func() { recordBridgeMetrics(translator.State()) }()
	payloads := streamPayloads(ctx, body)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-keepAlive:
			if errWrite := sink.Write([]byte(": keep-alive\n\n")); errWrite != nil {
				return fmt.Errorf("codex executor: downstream write failed: %w", errWrite)
			}
			sink.Flush()
		case item, ok := <-payloads:
			if !ok {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return codexDisconnectedStreamErr("no_terminal_event", translator.State())
			}
			if item.err != nil {
				return e.streamFailure(ctx, item.err)
			}
			events, ev, errFeed := translator.Feed(item.data)
			if errFeed != nil {
				queuehealth.Inc(queuehealth.SkippedStreamLine)
				continue
			}
			if len(events) > 0 {
				if errWrite := sink.Write(responses.EncodeSSE(events)); errWrite != nil {
					return fmt.Errorf("codex executor: downstream write failed: %w", errWrite)
				}
				sink.Flush()
			}
			if t, isTerminal := ev.(responses.TerminalEvent); isTerminal && onUsage != nil {
				onUsage(detailFromTerminal(t))
			}
			if translator.Done() {
				return relayedFailure(ev)
			}
		}
	}
}

// relayedFailure returns a *RelayedStreamError when the final upstream event
// was an error or a failed response.
func relayedFailure(ev responses.Event) error {
	switch e := ev.(type) {
	case responses.ErrorEvent:
		return &RelayedStreamError{Code: e.Code, Message: e.Message}
	case responses.TerminalEvent:
		if e.Kind == responses.TerminalFailed {
			return &RelayedStreamError{Code: e.ErrorCode, Message: e.ErrorMessage}
		}
	}
	return nil
}

func (e *CodexExecutor) streamFailure(ctx context.Context, errScan error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	recordAPIResponseError(ctx, e.cfg, errScan)
	queuehealth.Inc(queuehealth.UpstreamStreamError)
	return classifyNetworkError(errScan)
}

// CountTokens estimates input tokens locally; the Responses upstream has no
// counting endpoint.
func (e *CodexExecutor) CountTokens(_ context.Context, req RelayRequest) (*RelayResponse, error) {
	body, model, err := e.buildBody(req)
	if err != nil {
		return nil, err
	}
	enc, err := tokenizerForCodexModel(model)
	if err != nil {
		return nil, fmt.Errorf("codex executor: tokenizer init failed: %w", err)
	}
	count, err := countCodexInputTokens(enc, body)
	if err != nil {
		return nil, fmt.Errorf("codex executor: token counting failed: %w", err)
	}
	return &RelayResponse{
		StatusCode: http.StatusOK,
		Header:     jsonHeader(),
		Body:       []byte(fmt.Sprintf(`{"input_tokens":%d}`, count)),
	}, nil
}

func jsonHeader() http.Header {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return header
}

func statusForErrorType(errType string) int {
	switch errType {
	case "invalid_request_error":
		return http.StatusBadRequest
	case "authentication_error":
		return http.StatusUnauthorized
	case "permission_error":
		return http.StatusForbidden
	case "rate_limit_error":
		return http.StatusTooManyRequests
	case "overloaded_error":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

// upstreamErrorResponse rewrites an upstream error answer into a Messages error body.
func upstreamErrorResponse(se statusErr) *RelayResponse {
	header := jsonHeader()
	if se.retryAfter != nil {
		header.Set("Retry-After", strconv.Itoa(int(math.Ceil(se.retryAfter.Seconds()))))
	}
	return &RelayResponse{
		StatusCode: se.code,
		Header:     header,
		Body:       interfaces.ErrorBody(interfaces.ErrorTypeForStatus(se.code), interfaces.UpstreamErrorMessage(se.Body())),
	}
}

// detailFromTerminal reports input tokens net of cache reads, as Messages usage does.
func detailFromTerminal(t responses.TerminalEvent) relayusage.Detail {
	input := t.InputTokens - t.CachedTokens
	if input < 0 {
		input = 0
	}
	return relayusage.Detail{
		InputTokens:          input,
		OutputTokens:         t.OutputTokens,
		CacheReadInputTokens: t.CachedTokens,
		Model:                t.Model,
	}
}

func recordBridgeMetrics(state responses.StreamState) {
	queuehealth.Add(queuehealth.BridgeArgsRepaired, int64(state.ArgumentsRepaired))
	queuehealth.Add(queuehealth.BridgeArgsUnrepaired, int64(state.ArgumentsUnrepaired))
}

func codexFailedStreamErr(t responses.TerminalEvent, raw []byte) statusErr {
	message := strings.TrimSpace(t.ErrorMessage)
	if message == "" {
		message = "response.failed event received"
	}
	body, _ := sjson.SetBytes([]byte(`{"error":{}}`), "error.message", message)
	if t.ErrorCode != "" {
		body, _ = sjson.SetBytes(body, "error.code", t.ErrorCode)
	}
	return statusErr{
		code:       codexStatusFromFailedCode(strings.ToLower(t.ErrorCode)),
		msg:        string(body),
		retryAfter: codexRetryAfterFromFailed(raw, message),
	}
}

func codexStatusFromFailedCode(code string) int {
	switch code {
	case "rate_limit_exceeded", "insufficient_quota", "quota_exceeded", "usage_limit_exceeded":
		return http.StatusTooManyRequests
	case "invalid_prompt", "context_length_exceeded", "invalid_request", "invalid_request_error", "bad_request":
		return http.StatusBadRequest
	case "workspace_deactivated", "deactivated_workspace", "payment_required":
		return http.StatusPaymentRequired
	case "forbidden", "access_denied", "permission_denied":
		return http.StatusForbidden
	case "unauthorized", "invalid_api_key", "authentication_error", "token_invalidated", "workspace_unauthorized":
		return http.StatusUnauthorized
	case "server_overloaded", "overloaded", "service_unavailable":
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func codexRetryAfterFromFailed(data []byte, message string) *time.Duration {
	for _, key := range []string{
		"response.error.resets_in_seconds",
		"response.error.retry_after_seconds",
		"response.error.retry_in_seconds",
		"response.error.reset_in_seconds",
		"response.error.retry_after",
	} {
		if v := gjson.GetBytes(data, key); v.Exists() {
			if seconds, ok := codexPositiveFloat(v); ok && seconds > 0 {
				delay := time.Duration(math.Ceil(seconds)) * time.Second
				return &delay
			}
		}
	}

	for _, key := range []string{
		"response.error.resets_at",
		"response.error.reset_at",
		"response.error.retry_after_at",
		"response.error.retry_at",
	} {
		if v := gjson.GetBytes(data, key); v.Exists() {
			if ts, ok := codexPositiveFloat(v); ok && ts > 0 {
				delay := time.Until(time.Unix(int64(ts), 0))
				if delay > 0 {
					return &delay
				}
			}
		}
	}

	matches := codexRetryAfterPattern.FindStringSubmatch(message)
	if len(matches) > 1 {
		if seconds, err := strconv.ParseFloat(matches[1], 64); err == nil && seconds > 0 {
			delay := time.Duration(math.Ceil(seconds)) * time.Second
			return &delay
		}
	}
	return nil
}

func codexPositiveFloat(v gjson.Result) (float64, bool) {
	switch v.Type {
	case gjson.Number:
		return v.Float(), true
	case gjson.String:
		s := strings.TrimSpace(v.String())
		if s == "" {
			return 0, false
		}
		value, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		return value, true
	default:
		return 0, false
	}
}

// codexDisconnectedStreamErr reports a bridged stream that ended without a terminal event.
func codexDisconnectedStreamErr(cause string, state responses.StreamState) error {
	return &interfaces.RelayError{
		Kind: interfaces.ErrorKindUpstreamReset,
		Message: fmt.Sprintf("stream closed before response.completed (cause=%s, message_started=%t, saw_tool_call=%t)",
			cause, state.MessageStarted, state.SawToolCall),
	}
}

func tokenizerForCodexModel(model string) (tokenizer.Codec, error) {
	sanitized := strings.ToLower(strings.TrimSpace(model))
	switch {
	case sanitized == "":
		return tokenizer.Get(tokenizer.Cl100kBase)
	case strings.HasPrefix(sanitized, "gpt-5"):
		return tokenizer.ForModel(tokenizer.GPT5)
	case strings.HasPrefix(sanitized, "gpt-4.1"):
		return tokenizer.ForModel(tokenizer.GPT41)
	case strings.HasPrefix(sanitized, "gpt-4o"):
		return tokenizer.ForModel(tokenizer.GPT4o)
	case strings.HasPrefix(sanitized, "gpt-4"):
		return tokenizer.ForModel(tokenizer.GPT4)
	case strings.HasPrefix(sanitized, "gpt-3.5"), strings.HasPrefix(sanitized, "gpt-3"):
		return tokenizer.ForModel(tokenizer.GPT35Turbo)
	default:
		return tokenizer.Get(tokenizer.Cl100kBase)
	}
}

// countCodexInputTokens counts instructions, input items and tool definitions.
func countCodexInputTokens(enc tokenizer.Codec, body []byte) (int64, error) {
	if enc == nil {
		return 0, fmt.Errorf("encoder is nil")
	}
	if len(body) == 0 {
		return 0, nil
	}

	root := gjson.ParseBytes(body)
	var segments []string
	add := func(value string) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			segments = append(segments, trimmed)
		}
	}

	add(root.Get("instructions").String())
	root.Get("input").ForEach(func(_, item gjson.Result) bool {
		switch item.Get("type").String() {
		case "message":
			item.Get("content").ForEach(func(_, part gjson.Result) bool {
				add(part.Get("text").String())
				return true
			})
		case "function_call":
			add(item.Get("name").String())
			add(item.Get("arguments").String())
		case "function_call_output":
			add(item.Get("output").String())
		default:
			add(item.Get("text").String())
		}
		return true
	})
	root.Get("tools").ForEach(func(_, tool gjson.Result) bool {
		add(tool.Get("name").String())
		add(tool.Get("description").String())
		if params := tool.Get("parameters"); params.Exists() {
			if params.Type == gjson.String {
				add(params.String())
			} else {
				add(params.Raw)
			}
		}
		return true
	})

	text := strings.Join(segments, "\n")
	if text == "" {
		return 0, nil
	}
	count, err := enc.Count(text)
	if err != nil {
		return 0, err
	}
	return int64(count), nil
}
