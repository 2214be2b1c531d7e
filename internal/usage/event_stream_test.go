package usage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/router-for-me/claude-relay/internal/queuehealth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
)

func TestReplaySinceReturnsMonotonicSequence(t *testing.T) {
	t.Parallel()

	manager := NewEventStreamManager(0)
	for i := 0; i < 10; i++ {
		manager.Publish(RequestEvent{
			Type:      EventTypeRequest,
			Timestamp: time.Now().UTC(),
			Model:     "claude-sonnet",
			AccountID: "acct-1",
			Success:   true,
			Tokens:    int64(i + 1),
		})
	}

	events := manager.ReplaySince(4, 100)
	if len(events) != 6 {
		t.Fatalf("len(events)=%d, want=6", len(events))
	}
	last := int64(4)
	for i := 0; i < len(events); i++ {
		if events[i].Seq <= last {
			t.Fatalf("sequence not monotonic at index=%d seq=%d last=%d", i, events[i].Seq, last)
		}
		last = events[i].Seq
	}
}

func TestLedgerIsBounded(t *testing.T) {
	t.Parallel()

	manager := NewEventStreamManager(5)
	for i := 0; i < 12; i++ {
		manager.Publish(RequestEvent{Type: EventTypeRequest})
	}
	if got := manager.MetricsSnapshot().LedgerSize; got != 5 {
		t.Fatalf("ledger size = %d, want 5", got)
	}
	if events := manager.ReplaySince(0, 100); events[0].Seq != 8 {
		t.Fatalf("oldest retained seq = %d, want 8", events[0].Seq)
	}
}

func TestSlowSubscriberDropIsObservable(t *testing.T) {
	manager := NewEventStreamManager(0)
	id, _ := manager.Subscribe()
	defer manager.Unsubscribe(id)

	before := queuehealth.Get(queuehealth.DroppedUsageEvent)
	for i := 0; i < 500; i++ {
		manager.Publish(RequestEvent{Type: EventTypeRequest, Success: true, Tokens: 1})
	}

	metrics := manager.MetricsSnapshot()
	if metrics.DroppedTotal == 0 {
		t.Fatalf("expected dropped_total > 0 for slow subscriber")
	}
	if metrics.SubscriberDrop[id] != metrics.DroppedTotal {
		t.Fatalf("subscriber drop = %d, total = %d", metrics.SubscriberDrop[id], metrics.DroppedTotal)
	}
	if queuehealth.Get(queuehealth.DroppedUsageEvent)-before != metrics.DroppedTotal {
		t.Fatalf("queue health counter does not match dropped total")
	}
}

func TestEventStreamPluginPublishesRecord(t *testing.T) {
	t.Parallel()

	manager := NewEventStreamManager(0)
	plugin := NewEventStreamPlugin(manager)
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	plugin.HandleUsage(context.Background(), relayusage.Record{
		RequestID:   "req-1",
		APIKeyID:    "key-1",
		AccountID:   "acct-1",
		Model:       "claude-sonnet",
		RequestedAt: start,
		CompletedAt: start.Add(1500 * time.Millisecond),
		Detail:      relayusage.Detail{InputTokens: 10, OutputTokens: 5},
	})
	events := manager.ReplaySince(0, 10)
	if len(events) != 1 {
		t.Fatalf("len(events) = %d", len(events))
	}
	ev := events[0]
	if ev.Tokens != 15 || ev.LatencyMs != 1500 || ev.RequestID != "req-1" || !ev.Success {
		t.Fatalf("event = %+v", ev)
	}
	if frame := string(EventToSSE(ev)); !strings.HasPrefix(frame, "id: 1\ndata: {") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("EventToSSE() = %q", frame)
	}
}
