package claude

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/store"
	"github.com/router-for-me/claude-relay/internal/vault"
	"github.com/router-for-me/claude-relay/sdk/api/handlers"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	"github.com/tidwall/gjson"
)

const userMessage = `{"model":"claude-sonnet-4","max_tokens":32,"messages":[{"role":"user","content":"hello there"}]}`

type usageCollector struct {
	mu      sync.Mutex
	records []relayusage.Record
}

func (u *usageCollector) HandleUsage(_ context.Context, record relayusage.Record) {
	u.mu.Lock()
	u.records = append(u.records, record)
	u.mu.Unlock()
}

func (u *usageCollector) snapshot() []relayusage.Record {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]relayusage.Record(nil), u.records...)
}

type relayHarness struct {
	router   *gin.Engine
	accounts *relayauth.Manager
	usage    *relayusage.Manager
	records  *usageCollector
	vault    *vault.Vault
}

// newRelayHarness wires the handler over a memory store and the given upstream.
func newRelayHarness(t *testing.T, upstreamURL string, apiKey relayauth.APIKey) *relayHarness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := config.LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	cfg.Upstream.MessagesURL = upstreamURL + "/v1/messages"
	cfg.Upstream.CountTokensURL = upstreamURL + "/v1/messages/count_tokens"
	cfg.Upstream.ResponsesURL = upstreamURL + "/responses"
	cfg.Models = []string{"claude-sonnet-4", "claude-opus-4"}

	v, err := vault.New("handler-test-key")
	if err != nil {
		t.Fatalf("vault.New: %v", err)
	}
	accounts := relayauth.NewManager(store.NewMemoryStore(), time.Hour)
	tokens := relayauth.NewTokenManager(accounts, v, relayauth.TokenManagerOptions{})

	records := &usageCollector{}
	usage := relayusage.NewManager()
	usage.Register(records)
	usage.Start()
	t.Cleanup(usage.Stop)

	base := handlers.NewBaseAPIHandlers(cfg, accounts, tokens)
	base.Usage = usage
	h := NewClaudeCodeAPIHandler(base)

	router := gin.New()
	router.Use(func(c *gin.Context) {
		handlers.SetAPIKey(c, apiKey)
		c.Next()
	})
	router.POST("/v1/messages", h.ClaudeMessages)
	router.POST("/v1/messages/count_tokens", h.ClaudeCountTokens)
	router.GET("/v1/models", h.ClaudeModels)

	return &relayHarness{router: router, accounts: accounts, usage: usage, records: records, vault: v}
}

func (h *relayHarness) addAccount(t *testing.T, id string, protocol relayauth.Protocol, token string) {
	t.Helper()
	encrypted, err := h.vault.Encrypt(token)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	account := &relayauth.Account{
		ID:               id,
		Name:             id,
		Kind:             relayauth.KindShared,
		Protocol:         protocol,
		AccessToken:      encrypted,
		ExpiresAt:        time.Now().Add(2 * time.Hour),
		Status:           relayauth.StatusActive,
		Active:           true,
		ChatGPTAccountID: "chatgpt-123",
	}
	if err := h.accounts.SaveAccount(context.Background(), account); err != nil {
		t.Fatalf("SaveAccount: %v", err)
	}
}

func (h *relayHarness) do(method, path, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.router.ServeHTTP(rec, req)
	return rec
}

// drainUsage stops the usage manager so every published record is delivered.
func (h *relayHarness) drainUsage() []relayusage.Record {
	h.usage.Stop()
	return h.records.snapshot()
}

func TestClaudeMessages_NonStreamingRelaysAndPublishesUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-a" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg_1","type":"message","model":"claude-sonnet-4","content":[{"type":"text","text":"hi"}],"usage":{"input_tokens":9,"output_tokens":3}}`)
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-a", relayauth.ProtocolMessages, "tok-a")

	rec := h.do(http.MethodPost, "/v1/messages", userMessage)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "content.0.text").String(); got != "hi" {
		t.Fatalf("content = %q", got)
	}

	records := h.drainUsage()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	got := records[0]
	if got.APIKeyID != "key-1" || got.AccountID != "acc-a" || got.Protocol != "messages" || got.Failed {
		t.Fatalf("record = %+v", got)
	}
	if got.Detail.InputTokens != 9 || got.Detail.OutputTokens != 3 {
		t.Fatalf("detail = %+v", got.Detail)
	}
}

func TestClaudeMessages_InvalidShapeRejectedBeforeUpstream(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-a", relayauth.ProtocolMessages, "tok-a")

	tests := []struct {
		name string
		body string
	}{
		{name: "empty messages", body: `{"model":"claude-sonnet-4","messages":[]}`},
		{name: "array body", body: `[]`},
		{name: "broken json", body: `{"model":`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := h.do(http.MethodPost, "/v1/messages", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", rec.Code)
			}
			if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "invalid_request_error" {
				t.Fatalf("error.type = %q body=%s", got, rec.Body.String())
			}
		})
	}
	if calls != 0 {
		t.Fatalf("upstream called %d times", calls)
	}
}

func TestClaudeMessages_NoEligibleAccount(t *testing.T) {
	h := newRelayHarness(t, "http://127.0.0.1:1", relayauth.APIKey{ID: "key-1"})

	rec := h.do(http.MethodPost, "/v1/messages", userMessage)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
	if got := gjson.Get(rec.Body.String(), "error.type").String(); got != "overloaded_error" {
		t.Fatalf("error.type = %q", got)
	}
}

func TestClaudeMessages_StreamForwardsEventsAndUsage(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"model\":\"claude-sonnet-4\",\"usage\":{\"input_tokens\":7,\"cache_read_input_tokens\":2}}}\n\n")
		_, _ = io.WriteString(w, "event: content_block_delta\ndata: {\"type\":\"content_block_delta\",\"index\":0,\"delta\":{\"type\":\"text_delta\",\"text\":\"yo\"}}\n\n")
		_, _ = io.WriteString(w, "event: message_delta\ndata: {\"type\":\"message_delta\",\"usage\":{\"output_tokens\":4}}\n\n")
		_, _ = io.WriteString(w, "event: message_stop\ndata: {\"type\":\"message_stop\"}\n\n")
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-a", relayauth.ProtocolMessages, "tok-a")

	body := strings.Replace(userMessage, `"max_tokens":32`, `"max_tokens":32,"stream":true`, 1)
	rec := h.do(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	for _, want := range []string{"event: message_start\n", "\"text\":\"yo\"", "event: message_stop\n"} {
		if !strings.Contains(out, want) {
			t.Fatalf("stream missing %q, body=%s", want, out)
		}
	}
	if strings.Contains(out, "event: error") {
		t.Fatalf("unexpected error event, body=%s", out)
	}

	records := h.drainUsage()
	if len(records) != 1 {
		t.Fatalf("usage records = %d, want 1", len(records))
	}
	d := records[0].Detail
	if d.InputTokens != 7 || d.CacheReadInputTokens != 2 || d.OutputTokens != 4 {
		t.Fatalf("detail = %+v", d)
	}
}

func TestClaudeMessages_StreamUpstreamRejectionBeforeCommit(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"OAuth token has expired"}}`)
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-a", relayauth.ProtocolMessages, "tok-a")

	body := strings.Replace(userMessage, `"max_tokens":32`, `"max_tokens":32,"stream":true`, 1)
	rec := h.do(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	out := rec.Body.String()
	if strings.Count(out, "event: error\n") != 1 {
		t.Fatalf("want one error event, body=%s", out)
	}
	if !strings.Contains(out, "OAuth token has expired") {
		t.Fatalf("upstream message lost, body=%s", out)
	}

	account, err := h.accounts.GetAccount(context.Background(), "acc-a")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if account.Status != relayauth.StatusError {
		t.Fatalf("account status = %s, want error", account.Status)
	}

	records := h.drainUsage()
	if len(records) != 1 || !records[0].Failed {
		t.Fatalf("records = %+v, want one failed record", records)
	}
}

func TestClaudeMessages_StreamCutAfterCommitEmitsInBandError(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, "event: message_start\ndata: {\"type\":\"message_start\",\"message\":{\"usage\":{\"input_tokens\":1}}}\n\n")
		w.(http.Flusher).Flush()
		hj, ok := w.(http.Hijacker)
		if !ok {
			t.Errorf("response writer cannot hijack")
			return
		}
		conn, buf, err := hj.Hijack()
		if err != nil {
			t.Errorf("Hijack: %v", err)
			return
		}
		_ = buf.Flush()
		_ = conn.Close()
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-a", relayauth.ProtocolMessages, "tok-a")

	body := strings.Replace(userMessage, `"max_tokens":32`, `"max_tokens":32,"stream":true`, 1)
	rec := h.do(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (already committed)", rec.Code)
	}
	out := rec.Body.String()
	if !strings.HasPrefix(out, "event: message_start\n") {
		t.Fatalf("forwarded prefix lost, body=%s", out)
	}
	if strings.Count(out, "event: error\n") != 1 {
		t.Fatalf("want one in-band error event, body=%s", out)
	}
	if !strings.Contains(out, `"type":"api_error"`) {
		t.Fatalf("error event type, body=%s", out)
	}
}

func TestClaudeMessages_ResponsesAccountIsBridged(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"response.created","response":{"id":"resp_1","model":"gpt-5"}}`,
		`data: {"type":"response.output_text.delta","item_id":"m1","delta":"bridged"}`,
		`data: {"type":"response.completed","response":{"id":"resp_1","model":"gpt-5","usage":{"input_tokens":10,"output_tokens":2}}}`,
	}, "\n\n") + "\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer codex-tok" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, stream)
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-codex", relayauth.ProtocolResponses, "codex-tok")

	body := strings.Replace(userMessage, `"max_tokens":32`, `"max_tokens":32,"stream":true`, 1)
	rec := h.do(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}

	var events []string
	scanner := bufio.NewScanner(strings.NewReader(rec.Body.String()))
	for scanner.Scan() {
		if name, ok := strings.CutPrefix(scanner.Text(), "event: "); ok {
			events = append(events, name)
		}
	}
	if len(events) == 0 || events[0] != "message_start" || events[len(events)-1] != "message_stop" {
		t.Fatalf("events = %v", events)
	}
	if !strings.Contains(rec.Body.String(), `"text":"bridged"`) {
		t.Fatalf("text delta missing, body=%s", rec.Body.String())
	}

	records := h.drainUsage()
	if len(records) != 1 || records[0].Protocol != "responses" || records[0].Detail.OutputTokens != 2 {
		t.Fatalf("records = %+v", records)
	}
}

func TestClaudeMessages_BridgedUpstreamErrorRecordsFailure(t *testing.T) {
	stream := strings.Join([]string{
		`data: {"type":"response.created","response":{"id":"resp_2","model":"gpt-5"}}`,
		`data: {"type":"error","code":"rate_limit_exceeded","message":"too many"}`,
	}, "\n\n") + "\n\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, stream)
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-codex", relayauth.ProtocolResponses, "codex-tok")

	body := strings.Replace(userMessage, `"max_tokens":32`, `"max_tokens":32,"stream":true`, 1)
	rec := h.do(http.MethodPost, "/v1/messages", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	out := rec.Body.String()
	if strings.Count(out, "event: error\n") != 1 {
		t.Fatalf("want exactly one error event, body=%s", out)
	}
	if !strings.Contains(out, "too many") {
		t.Fatalf("upstream message lost, body=%s", out)
	}

	records := h.drainUsage()
	if len(records) != 1 || !records[0].Failed {
		t.Fatalf("records = %+v, want one failed record", records)
	}
}

func TestClaudeMessages_SessionStaysOnPinnedAccount(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen[r.Header.Get("Authorization")]++
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"msg","content":[],"usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-a", relayauth.ProtocolMessages, "tok-a")
	h.addAccount(t, "acc-b", relayauth.ProtocolMessages, "tok-b")

	for i := 0; i < 3; i++ {
		if rec := h.do(http.MethodPost, "/v1/messages", userMessage); rec.Code != http.StatusOK {
			t.Fatalf("request %d status = %d", i, rec.Code)
		}
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 {
		t.Fatalf("session spread over accounts: %v", seen)
	}
}

func TestClaudeCountTokens_ForwardsToMessagesUpstream(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages/count_tokens" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"input_tokens":42}`)
	}))
	defer upstream.Close()

	h := newRelayHarness(t, upstream.URL, relayauth.APIKey{ID: "key-1"})
	h.addAccount(t, "acc-a", relayauth.ProtocolMessages, "tok-a")

	rec := h.do(http.MethodPost, "/v1/messages/count_tokens", userMessage)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	if got := gjson.Get(rec.Body.String(), "input_tokens").Int(); got != 42 {
		t.Fatalf("input_tokens = %d", got)
	}
}

func TestClaudeModels_ListsConfiguredModels(t *testing.T) {
	h := newRelayHarness(t, "http://127.0.0.1:1", relayauth.APIKey{ID: "key-1"})

	rec := h.do(http.MethodGet, "/v1/models", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	ids := gjson.Get(rec.Body.String(), "data.#.id").Array()
	if len(ids) != 2 || ids[0].String() != "claude-sonnet-4" || ids[1].String() != "claude-opus-4" {
		t.Fatalf("ids = %v", ids)
	}
	if got := gjson.Get(rec.Body.String(), "last_id").String(); got != "claude-opus-4" {
		t.Fatalf("last_id = %q", got)
	}
}
