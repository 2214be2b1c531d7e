package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/router-for-me/claude-relay/internal/api"
	"github.com/router-for-me/claude-relay/internal/api/handlers/management"
	claudeauth "github.com/router-for-me/claude-relay/internal/auth/claude"
	codexauth "github.com/router-for-me/claude-relay/internal/auth/codex"
	"github.com/router-for-me/claude-relay/internal/config"
	"github.com/router-for-me/claude-relay/internal/logging"
	"github.com/router-for-me/claude-relay/internal/store"
	"github.com/router-for-me/claude-relay/internal/usage"
	"github.com/router-for-me/claude-relay/internal/vault"
	"github.com/router-for-me/claude-relay/internal/watcher"
	"github.com/router-for-me/claude-relay/sdk/api/handlers"
	relayauth "github.com/router-for-me/claude-relay/sdk/relay/auth"
	relayusage "github.com/router-for-me/claude-relay/sdk/relay/usage"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout = 30 * time.Second
	janitorInterval = time.Minute
)

var serveConfigPath string

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, serveConfigPath)
		},
	}
	rootCmd.PersistentFlags().StringVar(&serveConfigPath, "config", "config.yaml", "Path to the YAML config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE
}

// relay holds the long-running components built from one configuration.
type relay struct {
	store       store.Store
	server      *api.Server
	usage       *relayusage.Manager
	persistence *usage.PersistenceManager
	watcher     *watcher.Watcher
}

func runServe(ctx context.Context, configPath string) error {
	logging.SetupBaseLogger()
	defer logging.CloseLogOutput()

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	if err = logging.ConfigureLogOutput(cfg.LoggingToFile, cfg.LogDir); err != nil {
		return fmt.Errorf("configure log output: %w", err)
	}
	logging.SetLevel(cfg.Debug)

	r, err := buildRelay(ctx, cfg, configPath)
	if err != nil {
		return err
	}
	defer r.close()
	return r.run(ctx)
}

// buildRelay constructs store, vault, account and token managers, executors,
// usage pipeline and HTTP server, in that order.
func buildRelay(ctx context.Context, cfg *config.Config, configPath string) (*relay, error) {
	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Type, err)
	}
	r := &relay{store: st}

	cipher, err := vault.New(cfg.EncryptionKey)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("init vault: %w", err)
	}

	accounts := relayauth.NewManager(st, cfg.SessionTTL())
	tokens := relayauth.NewTokenManager(accounts, cipher, relayauth.TokenManagerOptions{
		RefreshMargin:   cfg.RefreshMargin(),
		RefreshTimeout:  cfg.RefreshTimeout(),
		DefaultProxyURL: cfg.ProxyURL,
	})
	tokens.RegisterRefresher(relayauth.ProtocolMessages, claudeauth.NewClaudeAuth(cfg.OAuth.ClaudeTokenURL, cfg.OAuth.ClaudeClientID))
	tokens.RegisterRefresher(relayauth.ProtocolResponses, codexauth.NewCodexAuth(cfg.OAuth.CodexTokenURL, cfg.OAuth.CodexClientID))

	imported, err := accounts.ImportSeeds(ctx, cipher, cfg.Accounts)
	if err != nil {
		r.close()
		return nil, fmt.Errorf("import account seeds: %w", err)
	}
	if imported > 0 {
		log.Infof("imported %d account seed(s)", imported)
	}

	stats := usage.NewRequestStatistics()
	events := usage.NewEventStreamManager(0)
	r.persistence = usage.NewPersistenceManager(stats, cfg.UsageStatisticsFile, 0)
	r.usage = relayusage.NewManager()
	r.usage.Register(stats)
	r.usage.Register(usage.NewEventStreamPlugin(events))
	r.usage.Start()

	apiHandlers := handlers.NewBaseAPIHandlers(cfg, accounts, tokens)
	apiHandlers.Usage = r.usage

	var mgmt *management.Handler
	if cfg.RemoteManagement.SecretKey != "" {
		mgmt = management.NewHandler(cfg.RemoteManagement.SecretKey, stats, events, accounts)
	}
	r.server = api.NewServer(cfg, apiHandlers, mgmt)

	if configPath != "" {
		w, errWatch := watcher.NewWatcher(configPath, r.server.UpdateClients)
		if errWatch != nil {
			log.Warnf("config hot reload disabled: %v", errWatch)
		} else {
			r.watcher = w
		}
	}
	return r, nil
}

// run serves until ctx ends or a component fails, then shuts down gracefully.
// Usage statistics are saved last, after in-flight requests have finished and
// queued usage records have been drained.
func (r *relay) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	persistCtx, stopPersistence := context.WithCancel(context.Background())
	defer stopPersistence()

	g.Go(r.server.Start)
	g.Go(func() error {
		<-gctx.Done()
		defer stopPersistence()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errStop := r.server.Stop(shutdownCtx)
		r.usage.Stop()
		return errStop
	})
	g.Go(func() error {
		return store.RunJanitor(gctx, r.store, janitorInterval)
	})
	g.Go(func() error {
		return r.persistence.Run(persistCtx)
	})
	if r.watcher != nil {
		g.Go(func() error {
			return r.watcher.Run(gctx)
		})
	}

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *relay) close() {
	if r.usage != nil {
		r.usage.Stop()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			log.Errorf("close store: %v", err)
		}
	}
}
