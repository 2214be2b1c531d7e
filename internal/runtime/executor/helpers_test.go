package executor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/router-for-me/claude-relay/internal/config"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
)

type recordingSink struct {
	mu        sync.Mutex
	status    int
	header    http.Header
	buf       bytes.Buffer
	writes    [][]byte
	committed bool
	failAfter int
}

func (s *recordingSink) WriteHeader(status int, header http.Header) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = status
	s.header = header.Clone()
	s.committed = true
}

func (s *recordingSink) Write(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failAfter > 0 && len(s.writes) >= s.failAfter {
		return errors.New("client gone")
	}
	s.writes = append(s.writes, bytes.Clone(p))
	s.buf.Write(p)
	return nil
}

func (s *recordingSink) Flush() {}

func (s *recordingSink) Committed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.committed
}

func (s *recordingSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func newTestConfig(t *testing.T, upstreamURL string) *config.Config {
	t.Helper()
	cfg, err := config.LoadConfigOptional(filepath.Join(t.TempDir(), "missing.yaml"), true)
	if err != nil {
		t.Fatalf("LoadConfigOptional: %v", err)
	}
	cfg.Upstream.MessagesURL = upstreamURL + "/v1/messages"
	cfg.Upstream.CountTokensURL = upstreamURL + "/v1/messages/count_tokens"
	cfg.Upstream.ResponsesURL = upstreamURL + "/responses"
	return cfg
}

func testAccount(protocol relayauth.Protocol) *relayauth.Account {
	return &relayauth.Account{
		ID:               "acc-1",
		Name:             "primary",
		Kind:             relayauth.KindShared,
		Protocol:         protocol,
		Status:           relayauth.StatusActive,
		Active:           true,
		ChatGPTAccountID: "chatgpt-123",
	}
}

// endlessStream serves head once and then repeats tick until the client goes
// away. The returned channel closes once the upstream side saw the disconnect.
func endlessStream(t *testing.T, head, tick string) (*httptest.Server, <-chan struct{}) {
	t.Helper()
	gone := make(chan struct{})
	var once sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		_, _ = io.WriteString(w, head)
		flusher.Flush()
		ticker := time.NewTicker(10 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-r.Context().Done():
				once.Do(func() { close(gone) })
				return
			case <-ticker.C:
				if _, err := io.WriteString(w, tick); err != nil {
					once.Do(func() { close(gone) })
					return
				}
				flusher.Flush()
			}
		}
	}))
	return srv, gone
}

// cancelOnFirstWrite cancels once sink received any bytes.
func cancelOnFirstWrite(sink *recordingSink, cancel context.CancelFunc) {
	go func() {
		for sink.String() == "" {
			time.Sleep(5 * time.Millisecond)
		}
		cancel()
	}()
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("%s: timed out", what)
	}
}
