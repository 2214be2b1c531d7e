// Package claude provides the Messages API endpoints of the relay:
// /v1/messages, /v1/messages/count_tokens and /v1/models. Requests are bound
// to a pooled upstream account and forwarded by the executor for that
// account's protocol.
package claude

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/logging"
	"github.com/router-for-me/claude-relay/internal/runtime/executor"
	"github.com/router-for-me/claude-relay/sdk/api/handlers"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	"github.com/tidwall/gjson"
)

// ClaudeCodeAPIHandler serves Messages API clients such as Claude Code.
type ClaudeCodeAPIHandler struct {
	*handlers.BaseAPIHandler
}

// NewClaudeCodeAPIHandler creates a new Messages API handler.
func NewClaudeCodeAPIHandler(apiHandlers *handlers.BaseAPIHandler) *ClaudeCodeAPIHandler {
	return &ClaudeCodeAPIHandler{BaseAPIHandler: apiHandlers}
}

// HandlerType returns the identifier used in logs.
func (h *ClaudeCodeAPIHandler) HandlerType() string { return "claude" }

// Models lists the configured model ids in the Messages API shape.
func (h *ClaudeCodeAPIHandler) Models() []map[string]any {
	var ids []string
	if h.Cfg != nil {
		ids = h.Cfg.Models
	}
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		out = append(out, map[string]any{
			"type":         "model",
			"id":           id,
			"display_name": id,
		})
	}
	return out
}

// ClaudeModels handles GET /v1/models.
func (h *ClaudeCodeAPIHandler) ClaudeModels(c *gin.Context) {
	models := h.Models()
	resp := gin.H{"data": models, "has_more": false}
	if len(models) > 0 {
		resp["first_id"] = models[0]["id"]
		resp["last_id"] = models[len(models)-1]["id"]
	}
	c.JSON(http.StatusOK, resp)
}

// ClaudeMessages handles POST /v1/messages for both streaming and
// non-streaming callers.
func (h *ClaudeCodeAPIHandler) ClaudeMessages(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{
			StatusCode: http.StatusBadRequest,
			Error:      interfaces.WrapError(interfaces.ErrorKindInvalidRequestShape, err),
		})
		return
	}
	stream := gjson.GetBytes(rawJSON, "stream").Bool()
	if errShape := handlers.ValidateMessagesRequest(rawJSON); errShape != nil {
		h.writeError(c, stream, nil, handlers.ErrorMessageFromError(errShape))
		return
	}

	if stream {
		h.handleStreamingResponse(c, rawJSON)
		return
	}
	h.handleNonStreamingResponse(c, rawJSON)
}

// ClaudeCountTokens handles POST /v1/messages/count_tokens.
func (h *ClaudeCodeAPIHandler) ClaudeCountTokens(c *gin.Context) {
	rawJSON, err := c.GetRawData()
	if err != nil {
		h.WriteErrorResponse(c, &interfaces.ErrorMessage{
			StatusCode: http.StatusBadRequest,
			Error:      interfaces.WrapError(interfaces.ErrorKindInvalidRequestShape, err),
		})
		return
	}
	if errShape := handlers.ValidateMessagesRequest(rawJSON); errShape != nil {
		h.WriteErrorResponse(c, handlers.ErrorMessageFromError(errShape))
		return
	}

	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()
	apiKey, _ := handlers.APIKeyFromContext(c)
	binding, errMsg := h.Bind(ctx, apiKey, rawJSON)
	if errMsg != nil {
		h.WriteErrorResponse(c, errMsg)
		return
	}
	model := gjson.GetBytes(rawJSON, "model").String()
	resp, err := binding.Executor.CountTokens(ctx, binding.Request(c, model, rawJSON))
	if err != nil {
		if handlers.IsClientGone(ctx, err) {
			return
		}
		h.WriteErrorResponse(c, handlers.ErrorMessageFromError(err))
		return
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		h.RecordUpstreamFailure(ctx, binding.Account, resp.StatusCode, resp.Body)
	}
	writeRelayResponse(c, resp.StatusCode, resp.Header, resp.Body)
}

func (h *ClaudeCodeAPIHandler) handleNonStreamingResponse(c *gin.Context, rawJSON []byte) {
	requestedAt := time.Now()
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()
	apiKey, _ := handlers.APIKeyFromContext(c)
	model := gjson.GetBytes(rawJSON, "model").String()

	binding, errMsg := h.Bind(ctx, apiKey, rawJSON)
	if errMsg != nil {
		h.WriteErrorResponse(c, errMsg)
		return
	}

	resp, err := binding.Executor.Relay(ctx, binding.Request(c, model, rawJSON))
	if err != nil {
		h.PublishUsage(ctx, apiKey, binding, model, requestedAt, relayusage.Detail{}, true)
		if handlers.IsClientGone(ctx, err) {
			logging.WithContext(ctx).Debugf("client disconnected before %s answered", binding.Account)
			return
		}
		h.WriteErrorResponse(c, handlers.ErrorMessageFromError(err))
		return
	}

	failed := resp.StatusCode < 200 || resp.StatusCode >= 300
	if failed {
		h.RecordUpstreamFailure(ctx, binding.Account, resp.StatusCode, resp.Body)
	}
	var detail relayusage.Detail
	if resp.Usage != nil {
		detail = *resp.Usage
	}
	h.PublishUsage(ctx, apiKey, binding, model, requestedAt, detail, failed)
	writeRelayResponse(c, resp.StatusCode, resp.Header, resp.Body)
}

func (h *ClaudeCodeAPIHandler) handleStreamingResponse(c *gin.Context, rawJSON []byte) {
	requestedAt := time.Now()
	ctx, cancel := h.GetContextWithCancel(c)
	defer cancel()
	apiKey, _ := handlers.APIKeyFromContext(c)
	model := gjson.GetBytes(rawJSON, "model").String()

	binding, errMsg := h.Bind(ctx, apiKey, rawJSON)
	if errMsg != nil {
		h.writeError(c, true, nil, errMsg)
		return
	}

	sink := handlers.NewStreamSink(c)
	var mu sync.Mutex
	var details []relayusage.Detail
	onUsage := func(detail relayusage.Detail) {
		mu.Lock()
		details = append(details, detail)
		mu.Unlock()
	}

	err := binding.Executor.RelayStream(ctx, binding.Request(c, model, rawJSON), sink, onUsage)
	mu.Lock()
	reported := append([]relayusage.Detail(nil), details...)
	mu.Unlock()
	if len(reported) == 0 {
		reported = append(reported, relayusage.Detail{})
	}
	for _, detail := range reported {
		h.PublishUsage(ctx, apiKey, binding, model, requestedAt, detail, err != nil)
	}
	if err == nil {
		return
	}

	var relayed *executor.RelayedStreamError
	if errors.As(err, &relayed) {
		logging.WithContext(ctx).Warnf("stream from %s ended on upstream error: %v", binding.Account, err)
		return
	}
	if handlers.IsClientGone(ctx, err) {
		logging.WithContext(ctx).Debugf("client disconnected during stream from %s", binding.Account)
		return
	}
	if status, body, ok := handlers.UpstreamFailure(err); ok {
		h.RecordUpstreamFailure(ctx, binding.Account, status, body)
	}
	msg := handlers.ErrorMessageFromError(err)
	logging.WithContext(ctx).Warnf("stream from %s ended with error: %v", binding.Account, err)
	h.writeError(c, true, sink, msg)
}

func (h *ClaudeCodeAPIHandler) writeError(c *gin.Context, stream bool, sink *handlers.StreamSink, msg *interfaces.ErrorMessage) {
	if stream {
		h.WriteStreamError(c, sink, msg)
		return
	}
	h.WriteErrorResponse(c, msg)
}

func writeRelayResponse(c *gin.Context, status int, header http.Header, body []byte) {
	dst := c.Writer.Header()
	for key, values := range header {
		dst[key] = append([]string(nil), values...)
	}
	contentType := header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	c.Data(status, contentType, body)
}
