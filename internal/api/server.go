// Package api provides the HTTP server of the relay. It wires the gin engine,
// request logging and recovery, API-key authentication, the Messages API
// routes and the management routes, and supports hot-swapping the API-key
// table when the configuration file changes.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/claude-relay/internal/api/handlers/management"
	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/interfaces"
	"github.com/router-for-me/claude-relay/internal/logging"
	"github.com/router-for-me/claude-relay/internal/util"
	"github.com/router-for-me/claude-relay/sdk/api/handlers"
	"github.com/router-for-me/claude-relay/sdk/api/handlers/claude"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	log "github.com/sirupsen/logrus"
)

type serverOptionConfig struct {
	extraMiddleware    []gin.HandlerFunc
	routerConfigurator func(*gin.Engine, *handlers.BaseAPIHandler, *config.Config)
}

// ServerOption customises HTTP server construction.
type ServerOption func(*serverOptionConfig)

// WithMiddleware appends additional Gin middleware during server construction.
func WithMiddleware(mw ...gin.HandlerFunc) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.extraMiddleware = append(cfg.extraMiddleware, mw...)
	}
}

// WithRouterConfigurator appends a callback after default routes are registered.
func WithRouterConfigurator(fn func(*gin.Engine, *handlers.BaseAPIHandler, *config.Config)) ServerOption {
	return func(cfg *serverOptionConfig) {
		cfg.routerConfigurator = fn
	}
}

// Server represents the relay's HTTP server.
type Server struct {
	// engine is the Gin web framework engine instance.
	engine *gin.Engine

	// server is the underlying HTTP server.
	server *http.Server

	// handlers contains the dependencies shared by the API handlers.
	handlers *handlers.BaseAPIHandler

	// cfg holds the configuration the server was built with.
	cfg *config.Config

	// apiKeys is the live caller table, replaced wholesale on reload.
	apiKeys atomic.Pointer[map[string]config.APIKeyEntry]

	// mgmt serves /v0/management; nil leaves the routes unregistered.
	mgmt *management.Handler
}

// NewServer creates the server, registers middleware and routes, and prepares
// the listener address from cfg. It does not start listening.
func NewServer(cfg *config.Config, apiHandlers *handlers.BaseAPIHandler, mgmt *management.Handler, opts ...ServerOption) *Server {
	optionState := &serverOptionConfig{}
	for i := range opts {
		opts[i](optionState)
	}
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(logging.GinLogrusLogger())
	engine.Use(logging.GinLogrusRecovery())
	for _, mw := range optionState.extraMiddleware {
		engine.Use(mw)
	}

	s := &Server{
		engine:   engine,
		handlers: apiHandlers,
		cfg:      cfg,
		mgmt:     mgmt,
	}
	keys := cfg.APIKeyIndex()
	s.apiKeys.Store(&keys)

	s.setupRoutes()
	if optionState.routerConfigurator != nil {
		optionState.routerConfigurator(engine, s.handlers, cfg)
	}
	if mgmt != nil {
		s.registerManagementRoutes()
	}

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: engine,
	}
	return s
}

// setupRoutes registers the Messages API surface.
func (s *Server) setupRoutes() {
	claudeCodeHandlers := claude.NewClaudeCodeAPIHandler(s.handlers)
	authMiddleware := AuthMiddleware(s.lookupAPIKey)

	v1 := s.engine.Group("/v1")
	v1.Use(authMiddleware)
	{
		v1.GET("/models", claudeCodeHandlers.ClaudeModels)
		v1.POST("/messages", claudeCodeHandlers.ClaudeMessages)
		v1.POST("/messages/count_tokens", claudeCodeHandlers.ClaudeCountTokens)
	}

	s.engine.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.engine.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Claude Relay",
			"endpoints": []string{
				"POST /v1/messages",
				"POST /v1/messages/count_tokens",
				"GET /v1/models",
			},
		})
	})
}

func (s *Server) registerManagementRoutes() {
	mgmt := s.engine.Group("/v0/management")
	mgmt.Use(s.mgmt.Middleware())
	{
		mgmt.GET("/usage", s.mgmt.GetUsageStatistics)
		mgmt.GET("/usage/export", s.mgmt.ExportUsageStatistics)
		mgmt.POST("/usage/import", s.mgmt.ImportUsageStatistics)
		mgmt.GET("/usage/events", s.mgmt.GetUsageEvents)
		mgmt.GET("/usage/stream", s.mgmt.StreamUsageEvents)
		mgmt.GET("/usage/requests", s.mgmt.GetRequestHistory)
		mgmt.GET("/queue-health", s.mgmt.GetQueueHealth)
		mgmt.GET("/accounts", s.mgmt.ListAccounts)
	}
}

// Handler exposes the routed engine, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start begins listening and blocks until the server stops.
func (s *Server) Start() error {
	if s == nil || s.server == nil {
		return fmt.Errorf("failed to start HTTP server: server not initialized")
	}
	log.Infof("API server listening on %s", s.server.Addr)
	if errServe := s.server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
		return fmt.Errorf("failed to start HTTP server: %w", errServe)
	}
	return nil
}

// Stop gracefully shuts down the server, waiting for in-flight streams
// until ctx expires.
func (s *Server) Stop(ctx context.Context) error {
	log.Debug("Stopping API server...")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	log.Debug("API server stopped")
	return nil
}

// UpdateClients swaps in the API-key table of a reloaded configuration.
// Other settings take effect only after a restart.
func (s *Server) UpdateClients(cfg *config.Config) {
	if cfg == nil {
		return
	}
	keys := cfg.APIKeyIndex()
	old := s.apiKeys.Swap(&keys)
	oldCount := 0
	if old != nil {
		oldCount = len(*old)
	}
	log.Infof("API keys reloaded: %d -> %d", oldCount, len(keys))
}

func (s *Server) lookupAPIKey(key string) (config.APIKeyEntry, bool) {
	table := s.apiKeys.Load()
	if table == nil {
		return config.APIKeyEntry{}, false
	}
	entry, ok := (*table)[key]
	return entry, ok
}

// AuthMiddleware authenticates callers by x-api-key or Authorization: Bearer
// and stores the resolved relayauth.APIKey on the context.
func AuthMiddleware(lookup func(string) (config.APIKeyEntry, bool)) gin.HandlerFunc {
	return func(c *gin.Context) {
		provided := extractAPIKey(c)
		if provided == "" {
			abortUnauthorized(c, "missing API key")
			return
		}
		entry, ok := lookup(provided)
		if !ok {
			log.WithField("request_id", logging.GetGinRequestID(c)).Warnf("rejected unknown API key %s", util.HideAPIKey(provided))
			abortUnauthorized(c, "invalid API key")
			return
		}
		handlers.SetAPIKey(c, relayauth.APIKey{
			ID:               entry.ID,
			Name:             entry.Name,
			BoundAccountID:   entry.BoundAccountID,
			ConcurrencyLimit: entry.ConcurrencyLimit,
			TokenLimit:       entry.TokenLimit,
		})
		c.Next()
	}
}

func extractAPIKey(c *gin.Context) string {
	if key := strings.TrimSpace(c.GetHeader("x-api-key")); key != "" {
		return key
	}
	auth := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

func abortUnauthorized(c *gin.Context, message string) {
	c.Abort()
	c.Data(http.StatusUnauthorized, "application/json", interfaces.ErrorBody("authentication_error", message))
}
