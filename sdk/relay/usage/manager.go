// Package usage publishes per-request token usage to registered plugins.
// Publishing never blocks the request path; plugins run on a single
// background goroutine in publish order.
package usage

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Detail is the token usage of one logical completion.
type Detail struct {
	InputTokens              int64  `json:"input_tokens"`
	OutputTokens             int64  `json:"output_tokens"`
	CacheCreationInputTokens int64  `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64  `json:"cache_read_input_tokens"`
	Model                    string `json:"model,omitempty"`
}

// TotalTokens sums every token class.
func (d Detail) TotalTokens() int64 {
	return d.InputTokens + d.OutputTokens + d.CacheCreationInputTokens + d.CacheReadInputTokens
}

// Record is a usage observation attributed to a caller and an upstream account.
type Record struct {
	RequestID   string
	APIKeyID    string
	AccountID   string
	Protocol    string
	Model       string
	RequestedAt time.Time
	CompletedAt time.Time
	Failed      bool
	Detail      Detail
}

// Plugin consumes usage records.
type Plugin interface {
	HandleUsage(ctx context.Context, record Record)
}

type queueItem struct {
	ctx    context.Context
	record Record
}

// Manager fans records out to plugins.
type Manager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []queueItem
	closed  bool
	started bool
	done    chan struct{}

	pluginsMu sync.RWMutex
	plugins   []Plugin
}

// NewManager returns a stopped manager.
func NewManager() *Manager {
	m := &Manager{done: make(chan struct{})}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Register adds a plugin.
func (m *Manager) Register(plugin Plugin) {
	if m == nil || plugin == nil {
		return
	}
	m.pluginsMu.Lock()
	m.plugins = append(m.plugins, plugin)
	m.pluginsMu.Unlock()
}

// Start launches the dispatch goroutine. It is a no-op when already started.
func (m *Manager) Start() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	go m.run()
}

// Stop drains queued records and stops dispatching.
func (m *Manager) Stop() {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	started := m.started
	m.cond.Broadcast()
	m.mu.Unlock()
	if started {
		<-m.done
	}
}

// Publish enqueues record. Records published after Stop are dropped.
func (m *Manager) Publish(ctx context.Context, record Record) {
	if m == nil {
		return
	}
	if record.CompletedAt.IsZero() {
		record.CompletedAt = time.Now()
	}
	if record.Model == "" {
		record.Model = record.Detail.Model
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		log.Debugf("usage manager stopped, dropping record for %s", record.RequestID)
		return
	}
	m.queue = append(m.queue, queueItem{ctx: context.WithoutCancel(ctxOrBackground(ctx)), record: record})
	m.cond.Signal()
	m.mu.Unlock()
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		m.mu.Lock()
		for len(m.queue) == 0 && !m.closed {
			m.cond.Wait()
		}
		if len(m.queue) == 0 && m.closed {
			m.mu.Unlock()
			return
		}
		batch := m.queue
		m.queue = nil
		m.mu.Unlock()

		for _, item := range batch {
			m.dispatch(item)
		}
	}
}

func (m *Manager) dispatch(item queueItem) {
	m.pluginsMu.RLock()
	plugins := make([]Plugin, len(m.plugins))
	copy(plugins, m.plugins)
	m.pluginsMu.RUnlock()
	for _, plugin := range plugins {
		safeHandle(plugin, item)
	}
}

func safeHandle(plugin Plugin, item queueItem) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("usage plugin panic: %v", r)
		}
	}()
	plugin.HandleUsage(item.ctx, item.record)
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

var defaultManager = NewManager()

// DefaultManager returns the process-wide manager.
func DefaultManager() *Manager { return defaultManager }

// RegisterPlugin registers plugin on the default manager.
func RegisterPlugin(plugin Plugin) { defaultManager.Register(plugin) }

// PublishRecord publishes on the default manager.
func PublishRecord(ctx context.Context, record Record) { defaultManager.Publish(ctx, record) }

// StartDefault starts the default manager.
func StartDefault() { defaultManager.Start() }

// StopDefault drains and stops the default manager.
func StopDefault() { defaultManager.Stop() }
