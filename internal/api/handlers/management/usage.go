package management

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claude-relay/internal/usage"
	log "github.com/sirupsen/logrus"
)

const (
	streamReplayLimit = 2000
	streamHeartbeat   = 20 * time.Second
)

type usageExportPayload struct {
	Version    int                      `json:"version"`
	ExportedAt time.Time                `json:"exported_at"`
	Usage      usage.StatisticsSnapshot `json:"usage"`
}

type usageImportPayload struct {
	Version int                      `json:"version"`
	Usage   usage.StatisticsSnapshot `json:"usage"`
}

// GetUsageStatistics returns the in-memory request statistics snapshot.
func (h *Handler) GetUsageStatistics(c *gin.Context) {
	snapshot := h.usageStats.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"usage":           snapshot,
		"failed_requests": snapshot.FailureCount,
	})
}

// ExportUsageStatistics returns a complete usage snapshot for backup/migration.
func (h *Handler) ExportUsageStatistics(c *gin.Context) {
	c.JSON(http.StatusOK, usageExportPayload{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Usage:      h.usageStats.Snapshot(),
	})
}

// ImportUsageStatistics merges a previously exported usage snapshot into memory.
func (h *Handler) ImportUsageStatistics(c *gin.Context) {
	if h.usageStats == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "usage statistics unavailable"})
		return
	}

	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read request body"})
		return
	}

	var payload usageImportPayload
	if err = json.Unmarshal(data, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if payload.Version != 0 && payload.Version != 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported version"})
		return
	}

	result := h.usageStats.MergeSnapshot(payload.Usage)
	snapshot := h.usageStats.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"added":           result.Added,
		"skipped":         result.Skipped,
		"total_requests":  snapshot.TotalRequests,
		"failed_requests": snapshot.FailureCount,
	})
}

// StreamUsageEvents provides a Server-Sent Events stream of usage events.
// A since_seq query (or Last-Event-ID) replays missed events from the ledger
// first; gaps the ledger no longer covers are reported as replay_gap events.
func (h *Handler) StreamUsageEvents(c *gin.Context) {
	eventStream := h.eventStream
	if eventStream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	subID, events := eventStream.Subscribe()
	defer eventStream.Unsubscribe(subID)
	logEntry := log.WithField("subscriber_id", subID)
	logEntry.Info("SSE client connected for usage events")

	sinceSeq := parseSinceSeq(c)
	write := func(event usage.RequestEvent) bool {
		_, errWrite := c.Writer.Write(usage.EventToSSE(event))
		return errWrite == nil
	}

	if !write(usage.RequestEvent{Type: usage.EventTypeConnected, Timestamp: time.Now().UTC(), Seq: 0}) {
		return
	}
	c.Writer.Flush()

	lastSeq := sinceSeq
	if sinceSeq > 0 {
		for _, event := range eventStream.ReplaySince(sinceSeq, streamReplayLimit) {
			if event.Seq > lastSeq {
				lastSeq = event.Seq
			}
			write(event)
		}
		c.Writer.Flush()
	}

	clientGone := c.Request.Context().Done()
	heartbeatTicker := time.NewTicker(streamHeartbeat)
	defer heartbeatTicker.Stop()
	for {
		select {
		case <-clientGone:
			logEntry.Info("SSE client disconnected")
			return
		case <-heartbeatTicker.C:
			if !write(usage.RequestEvent{Type: usage.EventTypeHeartbeat, Timestamp: time.Now().UTC()}) {
				return
			}
			c.Writer.Flush()
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Seq <= lastSeq {
				continue
			}
			if event.Seq > lastSeq+1 {
				lastSeq = h.fillGap(write, lastSeq, event.Seq)
			}
			if !write(event) {
				return
			}
			lastSeq = event.Seq
			c.Writer.Flush()
		}
	}
}

// fillGap replays the events between lastSeq and nextSeq, or reports the gap.
func (h *Handler) fillGap(write func(usage.RequestEvent) bool, lastSeq, nextSeq int64) int64 {
	replayedAny := false
	for _, candidate := range h.eventStream.ReplaySince(lastSeq, streamReplayLimit) {
		if candidate.Seq >= nextSeq {
			break
		}
		write(candidate)
		lastSeq = candidate.Seq
		replayedAny = true
	}
	if !replayedAny {
		write(usage.RequestEvent{
			Type:      usage.EventTypeReplayGap,
			Timestamp: time.Now().UTC(),
			Error:     fmt.Sprintf("missing seq range [%d,%d]", lastSeq+1, nextSeq-1),
		})
	}
	return lastSeq
}

// GetUsageEvents returns ledger events after since_seq without streaming.
func (h *Handler) GetUsageEvents(c *gin.Context) {
	if h.eventStream == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "event stream not available"})
		return
	}
	limit := 500
	if raw := c.Query("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = min(parsed, 5000)
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"events":  h.eventStream.ReplaySince(parseSinceSeq(c), limit),
		"metrics": h.eventStream.MetricsSnapshot(),
	})
}

func parseSinceSeq(c *gin.Context) int64 {
	if raw := c.Query("since_seq"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed >= 0 {
			return parsed
		}
	}
	if raw := c.GetHeader("Last-Event-ID"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return 0
}

// RequestHistoryItem is a single request in the history listing.
type RequestHistoryItem struct {
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
	APIKeyID  string    `json:"api_key_id"`
	Model     string    `json:"model"`
	AccountID string    `json:"account_id,omitempty"`
	Success   bool      `json:"success"`
	Tokens    int64     `json:"tokens"`
}

// GetRequestHistory returns retained request details, most recent first.
// Query params: limit (default 100, max 1000), offset, model, api_key_id,
// account_id, request_id, success.
func (h *Handler) GetRequestHistory(c *gin.Context) {
	limit := queryInt(c, "limit", 100, 1, 1000)
	offset := queryInt(c, "offset", 0, 0, -1)
	filterModel := c.Query("model")
	filterKey := c.Query("api_key_id")
	filterAccount := c.Query("account_id")
	filterRequestID := c.Query("request_id")
	filterSuccess := c.Query("success")

	var all []RequestHistoryItem
	for apiKeyID, apiSnapshot := range h.usageStats.Snapshot().APIs {
		if filterKey != "" && apiKeyID != filterKey {
			continue
		}
		for modelName, modelSnapshot := range apiSnapshot.Models {
			if filterModel != "" && modelName != filterModel {
				continue
			}
			for _, detail := range modelSnapshot.Details {
				if filterAccount != "" && detail.AccountID != filterAccount {
					continue
				}
				if filterRequestID != "" && detail.RequestID != filterRequestID {
					continue
				}
				if filterSuccess != "" && (filterSuccess == "true") == detail.Failed {
					continue
				}
				all = append(all, RequestHistoryItem{
					Timestamp: detail.Timestamp,
					RequestID: detail.RequestID,
					APIKeyID:  apiKeyID,
					Model:     modelName,
					AccountID: detail.AccountID,
					Success:   !detail.Failed,
					Tokens:    detail.Tokens.TotalTokens,
				})
			}
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].Timestamp.After(all[j].Timestamp) })

	total := len(all)
	page := []RequestHistoryItem{}
	if offset < total {
		page = all[offset:min(offset+limit, total)]
	}
	c.JSON(http.StatusOK, gin.H{
		"requests": page,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// queryInt parses an integer query value clamped to [lo, hi]; hi < 0 means no upper bound.
func queryInt(c *gin.Context, name string, fallback, lo, hi int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if v < lo {
		v = lo
	}
	if hi >= 0 && v > hi {
		v = hi
	}
	return v
}
