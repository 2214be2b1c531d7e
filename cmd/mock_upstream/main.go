// Command mock_upstream serves canned Messages, Responses and OAuth token
// answers so the relay can be exercised end to end without real accounts.
// Point upstream.messages-url, upstream.responses-url and the oauth token URLs
// at it.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
	"github.com/router-for-me/claude-relay/internal/logging"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

func main() {
	addr := flag.String("addr", ":8319", "listen address")
	delay := flag.Duration("delay", 100*time.Millisecond, "pause between streamed events")
	flag.Parse()

	logging.SetupBaseLogger()
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())

	engine.POST("/v1/messages", func(c *gin.Context) { serveMessages(c, *delay) })
	engine.POST("/v1/messages/count_tokens", serveCountTokens)
	engine.POST("/backend-api/codex/responses", func(c *gin.Context) { serveResponses(c, *delay) })
	engine.POST("/v1/oauth/token", serveClaudeToken)
	engine.POST("/oauth/token", serveCodexToken)

	log.Infof("Mock upstream listening on %s", *addr)
	if err := http.ListenAndServe(*addr, engine); err != nil {
		log.Fatalf("mock upstream: %v", err)
	}
}

func writeEvent(c *gin.Context, event, data string) {
	if event != "" {
		_, _ = fmt.Fprintf(c.Writer, "event: %s\n", event)
	}
	_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", data)
	c.Writer.Flush()
}

func startSSE(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
}

func serveMessages(c *gin.Context, delay time.Duration) {
	body, _ := c.GetRawData()
	if !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
		c.JSON(http.StatusUnauthorized, gin.H{"type": "error", "error": gin.H{"type": "authentication_error", "message": "missing bearer token"}})
		return
	}
	model := gjson.GetBytes(body, "model").String()
	id := "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
	text := "Hello from the mock upstream."

	if !gjson.GetBytes(body, "stream").Bool() {
		resp := `{"type":"message","role":"assistant","stop_reason":"end_turn","stop_sequence":null}`
		resp, _ = sjson.Set(resp, "id", id)
		resp, _ = sjson.Set(resp, "model", model)
		resp, _ = sjson.SetRaw(resp, "content", `[{"type":"text","text":"`+text+`"}]`)
		resp, _ = sjson.SetRaw(resp, "usage", `{"input_tokens":12,"output_tokens":7,"cache_creation_input_tokens":0,"cache_read_input_tokens":3}`)
		c.Data(http.StatusOK, "application/json", []byte(resp))
		return
	}

	startSSE(c)
	start, _ := sjson.Set(`{"type":"message_start","message":{"type":"message","role":"assistant","content":[],"stop_reason":null,"usage":{"input_tokens":12,"output_tokens":1,"cache_read_input_tokens":3}}}`, "message.id", id)
	start, _ = sjson.Set(start, "message.model", model)
	writeEvent(c, "message_start", start)
	writeEvent(c, "content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"text","text":""}}`)
	for _, word := range strings.Fields(text) {
		time.Sleep(delay)
		delta, _ := sjson.Set(`{"type":"content_block_delta","index":0,"delta":{"type":"text_delta"}}`, "delta.text", word+" ")
		writeEvent(c, "content_block_delta", delta)
	}
	writeEvent(c, "content_block_stop", `{"type":"content_block_stop","index":0}`)
	writeEvent(c, "message_delta", `{"type":"message_delta","delta":{"stop_reason":"end_turn","stop_sequence":null},"usage":{"output_tokens":7}}`)
	writeEvent(c, "message_stop", `{"type":"message_stop"}`)
}

func serveCountTokens(c *gin.Context) {
	body, _ := c.GetRawData()
	c.JSON(http.StatusOK, gin.H{"input_tokens": max(1, len(body)/4)})
}

func serveResponses(c *gin.Context, delay time.Duration) {
	body, _ := c.GetRawData()
	if c.GetHeader("Chatgpt-Account-Id") == "" {
		log.Warn("responses request without chatgpt-account-id")
	}
	model := gjson.GetBytes(body, "model").String()
	respID := "resp_" + uuid.NewString()
	itemID := "msg_" + uuid.NewString()
	created, _ := sjson.Set(`{"type":"response.created","response":{"status":"in_progress"}}`, "response.id", respID)
	created, _ = sjson.Set(created, "response.model", model)

	startSSE(c)
	writeEvent(c, "response.created", created)
	added, _ := sjson.Set(`{"type":"response.output_item.added","output_index":0,"item":{"type":"message","role":"assistant","content":[]}}`, "item.id", itemID)
	writeEvent(c, "response.output_item.added", added)
	for _, word := range strings.Fields("Hello from the mock Responses upstream.") {
		time.Sleep(delay)
		delta, _ := sjson.Set(`{"type":"response.output_text.delta","output_index":0,"content_index":0}`, "delta", word+" ")
		delta, _ = sjson.Set(delta, "item_id", itemID)
		writeEvent(c, "response.output_text.delta", delta)
	}
	done, _ := sjson.Set(`{"type":"response.output_item.done","output_index":0,"item":{"type":"message","role":"assistant"}}`, "item.id", itemID)
	writeEvent(c, "response.output_item.done", done)
	completed, _ := sjson.Set(`{"type":"response.completed","response":{"status":"completed","usage":{"input_tokens":20,"input_tokens_details":{"cached_tokens":4},"output_tokens":6}}}`, "response.id", respID)
	completed, _ = sjson.Set(completed, "response.model", model)
	writeEvent(c, "response.completed", completed)
}

func serveClaudeToken(c *gin.Context) {
	body, _ := c.GetRawData()
	if gjson.GetBytes(body, "refresh_token").String() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"access_token":  "sk-ant-oat-mock-" + uuid.NewString(),
		"refresh_token": "sk-ant-ort-mock-" + uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"scope":         "user:inference",
	})
}

func serveCodexToken(c *gin.Context) {
	body, _ := c.GetRawData()
	if gjson.GetBytes(body, "refresh_token").String() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_grant"})
		return
	}
	idToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"email": "mock@example.com",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"https://api.openai.com/auth": map[string]any{
			"chatgpt_account_id": "mock-chatgpt-account",
			"chatgpt_plan_type":  "plus",
		},
	}).SignedString([]byte("mock-upstream"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id_token":      idToken,
		"access_token":  "mock-codex-" + uuid.NewString(),
		"refresh_token": "mock-codex-refresh-" + uuid.NewString(),
		"token_type":    "Bearer",
		"expires_in":    3600,
	})
}
