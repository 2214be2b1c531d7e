// Package queuehealth keeps process-wide counters for relay health signals
// that do not fail a request on their own.
package queuehealth

import "sync"

// Counter names.
const (
	SkippedStreamLine    = "stream_line_skipped"
	DroppedStreamTail    = "stream_tail_dropped"
	DroppedUsageEvent    = "usage_event_dropped"
	RefreshFailed        = "token_refresh_failed"
	StaleTokenServed     = "stale_token_served"
	StaleSessionMapping  = "session_mapping_stale"
	BridgeArgsRepaired   = "bridge_arguments_repaired"
	BridgeArgsUnrepaired = "bridge_arguments_unrepaired"
	UpstreamStreamError  = "upstream_stream_error"
)

type Snapshot struct {
	Counters map[string]int64 `json:"counters"`
}

var (
	mu       sync.RWMutex
	counters = map[string]int64{}
)

func Inc(reason string) {
	Add(reason, 1)
}

func Add(reason string, delta int64) {
	if reason == "" || delta == 0 {
		return
	}
	mu.Lock()
	counters[reason] += delta
	mu.Unlock()
}

func Get(reason string) int64 {
	mu.RLock()
	defer mu.RUnlock()
	return counters[reason]
}

func SnapshotAll() Snapshot {
	mu.RLock()
	defer mu.RUnlock()
	out := make(map[string]int64, len(counters))
	for key, value := range counters {
		out[key] = value
	}
	return Snapshot{Counters: out}
}

// Reset clears every counter.
func Reset() {
	mu.Lock()
	clear(counters)
	mu.Unlock()
}
