package usage

import (
	"context"
	"sort"
	"sync"
	"time"

	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
)

const maxDetailsPerModel = 1000

// TokenStats aggregates token counts.
type TokenStats struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	TotalTokens              int64 `json:"total_tokens"`
}

func (t *TokenStats) add(d relayusage.Detail) {
	t.InputTokens += d.InputTokens
	t.OutputTokens += d.OutputTokens
	t.CacheCreationInputTokens += d.CacheCreationInputTokens
	t.CacheReadInputTokens += d.CacheReadInputTokens
	t.TotalTokens += d.TotalTokens()
}

// RequestDetail is one retained request.
type RequestDetail struct {
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"request_id,omitempty"`
	AccountID string     `json:"account_id,omitempty"`
	Failed    bool       `json:"failed"`
	Tokens    TokenStats `json:"tokens"`
}

// ModelSnapshot aggregates one model under one API key.
type ModelSnapshot struct {
	TotalRequests int64           `json:"total_requests"`
	Tokens        TokenStats      `json:"tokens"`
	Details       []RequestDetail `json:"details"`
}

// APISnapshot aggregates one API key.
type APISnapshot struct {
	TotalRequests int64                    `json:"total_requests"`
	Tokens        TokenStats               `json:"tokens"`
	Models        map[string]ModelSnapshot `json:"models"`
}

// StatisticsSnapshot is the serializable view of RequestStatistics.
type StatisticsSnapshot struct {
	TotalRequests int64                  `json:"total_requests"`
	SuccessCount  int64                  `json:"success_count"`
	FailureCount  int64                  `json:"failure_count"`
	Tokens        TokenStats             `json:"tokens"`
	APIs          map[string]APISnapshot `json:"apis"`
	Accounts      map[string]TokenStats  `json:"accounts"`
}

// MergeResult reports how many details a merge added or skipped as duplicates.
type MergeResult struct {
	Added   int64 `json:"added"`
	Skipped int64 `json:"skipped"`
}

// RequestStatistics aggregates usage records in memory.
type RequestStatistics struct {
	mu   sync.RWMutex
	snap StatisticsSnapshot
}

// NewRequestStatistics returns empty statistics.
func NewRequestStatistics() *RequestStatistics {
	return &RequestStatistics{snap: emptySnapshot()}
}

func emptySnapshot() StatisticsSnapshot {
	return StatisticsSnapshot{APIs: map[string]APISnapshot{}, Accounts: map[string]TokenStats{}}
}

// HandleUsage implements relayusage.Plugin.
func (s *RequestStatistics) HandleUsage(_ context.Context, record relayusage.Record) {
	if s == nil {
		return
	}
	ts := record.CompletedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	detail := RequestDetail{Timestamp: ts, RequestID: record.RequestID, AccountID: record.AccountID, Failed: record.Failed}
	detail.Tokens.add(record.Detail)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.addDetail(record.APIKeyID, record.Model, detail)
}

func (s *RequestStatistics) addDetail(apiKeyID, model string, detail RequestDetail) {
	if apiKeyID == "" {
		apiKeyID = "unknown"
	}
	if model == "" {
		model = "unknown"
	}
	s.snap.TotalRequests++
	if detail.Failed {
		s.snap.FailureCount++
	} else {
		s.snap.SuccessCount++
	}
	addTokens(&s.snap.Tokens, detail.Tokens)

	api := s.snap.APIs[apiKeyID]
	if api.Models == nil {
		api.Models = map[string]ModelSnapshot{}
	}
	api.TotalRequests++
	addTokens(&api.Tokens, detail.Tokens)
	ms := api.Models[model]
	ms.TotalRequests++
	addTokens(&ms.Tokens, detail.Tokens)
	ms.Details = append(ms.Details, detail)
	if len(ms.Details) > maxDetailsPerModel {
		ms.Details = append([]RequestDetail(nil), ms.Details[len(ms.Details)-maxDetailsPerModel:]...)
	}
	api.Models[model] = ms
	s.snap.APIs[apiKeyID] = api

	if detail.AccountID != "" {
		acct := s.snap.Accounts[detail.AccountID]
		addTokens(&acct, detail.Tokens)
		s.snap.Accounts[detail.AccountID] = acct
	}
}

func addTokens(dst *TokenStats, src TokenStats) {
	dst.InputTokens += src.InputTokens
	dst.OutputTokens += src.OutputTokens
	dst.CacheCreationInputTokens += src.CacheCreationInputTokens
	dst.CacheReadInputTokens += src.CacheReadInputTokens
	dst.TotalTokens += src.TotalTokens
}

// Snapshot returns a deep copy of the current statistics.
func (s *RequestStatistics) Snapshot() StatisticsSnapshot {
	if s == nil {
		return emptySnapshot()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := s.snap
	out.APIs = make(map[string]APISnapshot, len(s.snap.APIs))
	for key, api := range s.snap.APIs {
		models := make(map[string]ModelSnapshot, len(api.Models))
		for name, ms := range api.Models {
			ms.Details = append([]RequestDetail(nil), ms.Details...)
			models[name] = ms
		}
		api.Models = models
		out.APIs[key] = api
	}
	out.Accounts = make(map[string]TokenStats, len(s.snap.Accounts))
	for key, stats := range s.snap.Accounts {
		out.Accounts[key] = stats
	}
	return out
}

// MergeSnapshot folds a previously saved snapshot in. Details already present
// (same request id and timestamp) are skipped.
func (s *RequestStatistics) MergeSnapshot(in StatisticsSnapshot) MergeResult {
	var result MergeResult
	if s == nil {
		return result
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for _, api := range s.snap.APIs {
		for _, ms := range api.Models {
			for _, d := range ms.Details {
				seen[detailKey(d)] = struct{}{}
			}
		}
	}

	apiKeys := make([]string, 0, len(in.APIs))
	for key := range in.APIs {
		apiKeys = append(apiKeys, key)
	}
	sort.Strings(apiKeys)
	for _, apiKey := range apiKeys {
		for model, ms := range in.APIs[apiKey].Models {
			for _, d := range ms.Details {
				key := detailKey(d)
				if _, dup := seen[key]; dup {
					result.Skipped++
					continue
				}
				seen[key] = struct{}{}
				s.addDetail(apiKey, model, d)
				result.Added++
			}
		}
	}
	return result
}

func detailKey(d RequestDetail) string {
	return d.RequestID + "|" + d.Timestamp.UTC().Format(time.RFC3339Nano)
}
