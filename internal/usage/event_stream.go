// Package usage keeps relay usage observable: a live event stream for
// management subscribers and in-memory statistics persisted to disk.
package usage

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/router-for-me/claude-relay/internal/logging"
	"github.com/router-for-me/claude-relay/internal/queuehealth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
)

// Event types published on the stream.
const (
	EventTypeRequest   = "request"
	EventTypeError     = "error"
	EventTypeConnected = "connected"
	EventTypeHeartbeat = "heartbeat"
	EventTypeReplayGap = "replay_gap"
)

// RequestEvent is one usage event as sent to stream subscribers.
type RequestEvent struct {
	Type         string    `json:"type"`
	Seq          int64     `json:"seq,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
	RequestID    string    `json:"request_id,omitempty"`
	APIKeyID     string    `json:"api_key_id,omitempty"`
	AccountID    string    `json:"account_id,omitempty"`
	Protocol     string    `json:"protocol,omitempty"`
	Model        string    `json:"model,omitempty"`
	Success      bool      `json:"success"`
	InputTokens  int64     `json:"input_tokens,omitempty"`
	OutputTokens int64     `json:"output_tokens,omitempty"`
	Tokens       int64     `json:"tokens"`
	LatencyMs    int64     `json:"latency_ms,omitempty"`
	Error        string    `json:"error,omitempty"`
}

// EventStreamManager fans usage events out to SSE subscribers and keeps a
// bounded ledger for replay.
type EventStreamManager struct {
	mu          sync.RWMutex
	subscribers map[string]*eventSubscriber
	nextID      int64
	nextSeq     int64
	ledger      []RequestEvent
	maxLedger   int
	published   int64
	dropped     int64
}

type eventSubscriber struct {
	events  chan RequestEvent
	dropped int64
}

// EventStreamMetrics describes stream health.
type EventStreamMetrics struct {
	PublishedTotal  int64            `json:"published_total"`
	DroppedTotal    int64            `json:"dropped_total"`
	SubscriberCount int              `json:"subscriber_count"`
	LedgerSize      int              `json:"ledger_size"`
	SubscriberDrop  map[string]int64 `json:"subscriber_dropped_total"`
	CurrentSeq      int64            `json:"current_seq"`
}

// NewEventStreamManager creates a manager whose ledger keeps at most maxLedger events.
func NewEventStreamManager(maxLedger int) *EventStreamManager {
	if maxLedger <= 0 {
		maxLedger = 10000
	}
	return &EventStreamManager{
		subscribers: make(map[string]*eventSubscriber),
		maxLedger:   maxLedger,
		ledger:      make([]RequestEvent, 0, min(maxLedger, 1024)),
	}
}

// Subscribe adds a subscriber. The caller must Unsubscribe when done.
func (m *EventStreamManager) Subscribe() (id string, events <-chan RequestEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	id = fmt.Sprintf("sub-%d", m.nextID)
	ch := make(chan RequestEvent, 256)
	m.subscribers[id] = &eventSubscriber{events: ch}
	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (m *EventStreamManager) Unsubscribe(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if subscriber, ok := m.subscribers[id]; ok && subscriber != nil {
		close(subscriber.events)
		delete(m.subscribers, id)
	}
}

// Publish assigns the next sequence number and broadcasts event.
// Subscribers whose buffer is full miss the event; they can replay it from the ledger.
func (m *EventStreamManager) Publish(event RequestEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextSeq++
	event.Seq = m.nextSeq
	if strings.TrimSpace(event.EventID) == "" {
		event.EventID = strconv.FormatInt(event.Seq, 10)
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	m.published++
	m.ledger = append(m.ledger, event)
	if len(m.ledger) > m.maxLedger {
		m.ledger = append([]RequestEvent(nil), m.ledger[len(m.ledger)-m.maxLedger:]...)
	}

	for _, subscriber := range m.subscribers {
		select {
		case subscriber.events <- event:
		default:
			subscriber.dropped++
			m.dropped++
			queuehealth.Inc(queuehealth.DroppedUsageEvent)
		}
	}
}

func (m *EventStreamManager) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

func (m *EventStreamManager) CurrentSeq() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.nextSeq
}

// ReplaySince returns up to limit ledger events with a sequence above sinceSeq.
func (m *EventStreamManager) ReplaySince(sinceSeq int64, limit int) []RequestEvent {
	if limit <= 0 {
		limit = 500
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]RequestEvent, 0, min(limit, len(m.ledger)))
	for _, event := range m.ledger {
		if event.Seq <= sinceSeq {
			continue
		}
		out = append(out, event)
		if len(out) >= limit {
			break
		}
	}
	return out
}

func (m *EventStreamManager) MetricsSnapshot() EventStreamMetrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := EventStreamMetrics{
		PublishedTotal:  m.published,
		DroppedTotal:    m.dropped,
		SubscriberCount: len(m.subscribers),
		LedgerSize:      len(m.ledger),
		SubscriberDrop:  make(map[string]int64, len(m.subscribers)),
		CurrentSeq:      m.nextSeq,
	}
	for id, subscriber := range m.subscribers {
		snap.SubscriberDrop[id] = subscriber.dropped
	}
	return snap
}

// EventStreamPlugin publishes every usage record to an EventStreamManager.
type EventStreamPlugin struct {
	manager *EventStreamManager
}

// NewEventStreamPlugin wires a plugin to manager.
func NewEventStreamPlugin(manager *EventStreamManager) *EventStreamPlugin {
	return &EventStreamPlugin{manager: manager}
}

// HandleUsage implements relayusage.Plugin.
func (p *EventStreamPlugin) HandleUsage(ctx context.Context, record relayusage.Record) {
	if p == nil || p.manager == nil {
		return
	}
	requestID := record.RequestID
	if requestID == "" {
		requestID = logging.GetRequestID(ctx)
	}
	event := RequestEvent{
		Type:         EventTypeRequest,
		Timestamp:    record.CompletedAt,
		RequestID:    requestID,
		APIKeyID:     record.APIKeyID,
		AccountID:    record.AccountID,
		Protocol:     record.Protocol,
		Model:        record.Model,
		Success:      !record.Failed,
		InputTokens:  record.Detail.InputTokens,
		OutputTokens: record.Detail.OutputTokens,
		Tokens:       record.Detail.TotalTokens(),
	}
	if !record.RequestedAt.IsZero() && !record.CompletedAt.IsZero() {
		event.LatencyMs = record.CompletedAt.Sub(record.RequestedAt).Milliseconds()
	}
	if record.Failed {
		event.Type = EventTypeError
	}
	p.manager.Publish(event)
}

// EventToSSE formats an event as an SSE frame, with an id line when sequenced.
func EventToSSE(event RequestEvent) []byte {
	data, _ := json.Marshal(event)
	if event.Seq > 0 {
		return []byte(fmt.Sprintf("id: %d\ndata: %s\n\n", event.Seq, data))
	}
	return []byte(fmt.Sprintf("data: %s\n\n", data))
}
