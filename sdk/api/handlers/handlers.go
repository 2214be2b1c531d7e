// Package handlers provides the request plumbing shared by the relay's API
// handlers: caller context, account binding, usage publishing and the error
// bodies written back to Messages API clients.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/logging"
	"github.com/router-for-me/claude-relay/internal/runtime/executor"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	"github.com/tidwall/gjson"
)

// apiKeyContextKey is the gin key holding the caller's relayauth.APIKey.
const apiKeyContextKey = "apiKey"

// Executor is the upstream side of one protocol.
type Executor interface {
	Identifier() string
	Relay(ctx context.Context, req executor.RelayRequest) (*executor.RelayResponse, error)
	RelayStream(ctx context.Context, req executor.RelayRequest, sink executor.StreamSink, onUsage executor.UsageFunc) error
	CountTokens(ctx context.Context, req executor.RelayRequest) (*executor.RelayResponse, error)
}

// BaseAPIHandler contains the dependencies shared by all API handlers.
type BaseAPIHandler struct {
	// Cfg holds the current application configuration.
	Cfg *config.Config

	// Accounts selects upstream accounts and records failures.
	Accounts *relayauth.Manager

	// Tokens resolves a valid bearer token for a selected account.
	Tokens *relayauth.TokenManager

	// Executors maps an account protocol to the executor that speaks it.
	Executors map[relayauth.Protocol]Executor

	// Usage receives one record per completed request. Nil uses the default manager.
	Usage *relayusage.Manager
}

// NewBaseAPIHandlers wires the Messages and Responses executors for cfg.
func NewBaseAPIHandlers(cfg *config.Config, accounts *relayauth.Manager, tokens *relayauth.TokenManager) *BaseAPIHandler {
	return &BaseAPIHandler{
		Cfg:      cfg,
		Accounts: accounts,
		Tokens:   tokens,
		Executors: map[relayauth.Protocol]Executor{
			relayauth.ProtocolMessages:  executor.NewClaudeExecutor(cfg),
			relayauth.ProtocolResponses: executor.NewCodexExecutor(cfg),
		},
	}
}

// SetAPIKey stores the authenticated caller on the gin context.
func SetAPIKey(c *gin.Context, key relayauth.APIKey) {
	c.Set(apiKeyContextKey, key)
}

// APIKeyFromContext returns the caller stored by SetAPIKey.
func APIKeyFromContext(c *gin.Context) (relayauth.APIKey, bool) {
	if c == nil {
		return relayauth.APIKey{}, false
	}
	v, ok := c.Get(apiKeyContextKey)
	if !ok {
		return relayauth.APIKey{}, false
	}
	key, ok := v.(relayauth.APIKey)
	return key, ok
}

// GetContextWithCancel derives the upstream context from the inbound request.
// It carries the request id and is cancelled when the client goes away.
func (h *BaseAPIHandler) GetContextWithCancel(c *gin.Context) (context.Context, context.CancelFunc) {
	ctx := context.Background()
	if c != nil && c.Request != nil {
		ctx = c.Request.Context()
	}
	if logging.GetRequestID(ctx) == "" {
		if requestID := logging.GetGinRequestID(c); requestID != "" {
			ctx = logging.WithRequestID(ctx, requestID)
		}
	}
	return context.WithCancel(ctx)
}

// Binding is the upstream account chosen for one request.
type Binding struct {
	Account     *relayauth.Account
	Token       string
	SessionHash string
	Executor    Executor
}

// Request builds the executor request for body.
func (b *Binding) Request(c *gin.Context, model string, body []byte) executor.RelayRequest {
	var header http.Header
	if c != nil && c.Request != nil {
		header = c.Request.Header
	}
	return executor.RelayRequest{
		Account:     b.Account,
		Token:       b.Token,
		Model:       model,
		Body:        body,
		Headers:     header,
		SessionHash: b.SessionHash,
	}
}

// Bind picks an account for the caller and resolves its bearer token.
func (h *BaseAPIHandler) Bind(ctx context.Context, apiKey relayauth.APIKey, body []byte) (*Binding, *interfaces.ErrorMessage) {
	sessionHash := relayauth.SessionHash(body)
	accountID, err := h.Accounts.SelectAccount(ctx, apiKey, sessionHash)
	if err != nil {
		return nil, ErrorMessageFromError(err)
	}
	account, token, err := h.Tokens.ResolveToken(ctx, accountID)
	if err != nil {
		return nil, ErrorMessageFromError(err)
	}
	exec, ok := h.Executors[account.EffectiveProtocol()]
	if !ok || exec == nil {
		return nil, &interfaces.ErrorMessage{
			StatusCode: http.StatusInternalServerError,
			Error:      fmt.Errorf("no executor for protocol %s", account.EffectiveProtocol()),
		}
	}
	return &Binding{Account: account, Token: token, SessionHash: sessionHash, Executor: exec}, nil
}

// RecordUpstreamFailure applies the account policy to a non-2xx upstream answer.
// It runs detached from ctx so a departing client cannot cancel the write.
func (h *BaseAPIHandler) RecordUpstreamFailure(ctx context.Context, account *relayauth.Account, status int, body []byte) {
	if h.Accounts == nil || account == nil {
		return
	}
	kind := h.Accounts.MarkUpstreamFailure(context.WithoutCancel(ctx), account.ID, status, body)
	logging.WithContext(ctx).Debugf("upstream %d from %s classified as %s", status, account, kind)
}

// PublishUsage sends a usage record for the bound request.
func (h *BaseAPIHandler) PublishUsage(ctx context.Context, apiKey relayauth.APIKey, binding *Binding, model string, requestedAt time.Time, detail relayusage.Detail, failed bool) {
	record := relayusage.Record{
		RequestID:   logging.GetRequestID(ctx),
		APIKeyID:    apiKey.ID,
		Model:       model,
		RequestedAt: requestedAt,
		CompletedAt: time.Now(),
		Failed:      failed,
		Detail:      detail,
	}
	if detail.Model != "" {
		record.Model = detail.Model
	}
	if binding != nil && binding.Account != nil {
		record.AccountID = binding.Account.ID
		record.Protocol = string(binding.Account.EffectiveProtocol())
	}
	ctx = context.WithoutCancel(ctx)
	if h.Usage != nil {
		h.Usage.Publish(ctx, record)
		return
	}
	relayusage.PublishRecord(ctx, record)
}

// ValidateMessagesRequest rejects bodies that are not a JSON object with a
// non-empty messages array.
func ValidateMessagesRequest(raw []byte) error {
	if !gjson.ValidBytes(raw) {
		return interfaces.NewError(interfaces.ErrorKindInvalidRequestShape, "request body is not valid JSON")
	}
	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return interfaces.NewError(interfaces.ErrorKindInvalidRequestShape, "request body must be a JSON object")
	}
	messages := root.Get("messages")
	if !messages.IsArray() || len(messages.Array()) == 0 {
		return interfaces.NewError(interfaces.ErrorKindInvalidRequestShape, "messages: at least one message is required")
	}
	return nil
}

// statusCoder is implemented by relay errors and upstream status errors.
type statusCoder interface {
	StatusCode() int
}

type retryAfterer interface {
	RetryAfter() *time.Duration
}

type bodyCarrier interface {
	Body() []byte
}

// UpstreamFailure extracts the status and body of a non-2xx upstream answer carried by err.
func UpstreamFailure(err error) (int, []byte, bool) {
	var upstream interface {
		statusCoder
		bodyCarrier
	}
	if !errors.As(err, &upstream) {
		return 0, nil, false
	}
	return upstream.StatusCode(), upstream.Body(), true
}

// ErrorMessageFromError maps a core or executor error onto the HTTP status
// the caller sees. A Retry-After hint is carried in Addon.
func ErrorMessageFromError(err error) *interfaces.ErrorMessage {
	msg := &interfaces.ErrorMessage{StatusCode: http.StatusInternalServerError, Error: err}
	var sc statusCoder
	if errors.As(err, &sc) && sc.StatusCode() > 0 {
		msg.StatusCode = sc.StatusCode()
	}
	var ra retryAfterer
	if errors.As(err, &ra) {
		if wait := ra.RetryAfter(); wait != nil && *wait > 0 {
			msg.Addon = http.Header{}
			msg.Addon.Set("Retry-After", strconv.Itoa(int(wait.Round(time.Second)/time.Second)))
		}
	}
	return msg
}

// BuildErrorResponseBody renders a Messages API error body for msg.
// Upstream bodies already in that shape are passed through unchanged.
func BuildErrorResponseBody(msg *interfaces.ErrorMessage) []byte {
	status := http.StatusInternalServerError
	if msg != nil && msg.StatusCode > 0 {
		status = msg.StatusCode
	}
	if msg == nil || msg.Error == nil {
		return interfaces.ErrorBody(interfaces.ErrorTypeForStatus(status), http.StatusText(status))
	}

	var carrier bodyCarrier
	if errors.As(msg.Error, &carrier) {
		body := carrier.Body()
		if gjson.GetBytes(body, "type").String() == "error" && gjson.GetBytes(body, "error.type").Exists() {
			return []byte(strings.TrimSpace(string(body)))
		}
		return interfaces.ErrorBody(interfaces.ErrorTypeForStatus(status), interfaces.UpstreamErrorMessage(body))
	}

	errType := interfaces.ErrorTypeForStatus(status)
	if kind, ok := interfaces.KindOf(msg.Error); ok {
		errType = kind.AnthropicType()
	}
	errText := strings.TrimSpace(msg.Error.Error())
	if errText == "" {
		errText = http.StatusText(status)
	}
	return interfaces.ErrorBody(errType, errText)
}

// WriteErrorResponse writes msg as a JSON error response.
func (h *BaseAPIHandler) WriteErrorResponse(c *gin.Context, msg *interfaces.ErrorMessage) {
	status := http.StatusInternalServerError
	if msg != nil && msg.StatusCode > 0 {
		status = msg.StatusCode
	}
	applyAddon(c, msg)
	c.Data(status, "application/json", BuildErrorResponseBody(msg))
}

// WriteStreamError reports msg to a streaming caller. Before the status line is
// committed it sets the error status; afterwards only an in-band event is sent.
func (h *BaseAPIHandler) WriteStreamError(c *gin.Context, sink *StreamSink, msg *interfaces.ErrorMessage) {
	if sink == nil || !sink.Committed() {
		status := http.StatusInternalServerError
		if msg != nil && msg.StatusCode > 0 {
			status = msg.StatusCode
		}
		applyAddon(c, msg)
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Status(status)
	}
	_, _ = c.Writer.Write(ErrorEvent(BuildErrorResponseBody(msg)))
	c.Writer.Flush()
}

// ErrorEvent frames an error body as an SSE error event.
func ErrorEvent(body []byte) []byte {
	out := make([]byte, 0, len(body)+24)
	out = append(out, "event: error\ndata: "...)
	out = append(out, body...)
	out = append(out, "\n\n"...)
	return out
}

func applyAddon(c *gin.Context, msg *interfaces.ErrorMessage) {
	if msg == nil || msg.Addon == nil {
		return
	}
	for key, values := range msg.Addon {
		if len(values) == 0 {
			continue
		}
		c.Writer.Header().Del(key)
		for _, value := range values {
			c.Writer.Header().Add(key, value)
		}
	}
}

// IsClientGone reports whether err only says the caller disconnected.
func IsClientGone(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) || (ctx != nil && errors.Is(ctx.Err(), context.Canceled))
}
