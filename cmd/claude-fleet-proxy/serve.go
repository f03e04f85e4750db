package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/claude-fleet/proxy/pkg/accounts"
	"github.com/claude-fleet/proxy/pkg/audit"
	"github.com/claude-fleet/proxy/pkg/config"
	"github.com/claude-fleet/proxy/pkg/drivers"
	"github.com/claude-fleet/proxy/pkg/healthlog"
	"github.com/claude-fleet/proxy/pkg/ingress"
	"github.com/claude-fleet/proxy/pkg/models"
	"github.com/claude-fleet/proxy/pkg/orchestrator"
	"github.com/claude-fleet/proxy/pkg/probe"
	"github.com/claude-fleet/proxy/pkg/proxypool"
	"github.com/claude-fleet/proxy/pkg/session"
)

const (
	defaultAPIBaseURL = "https://api.anthropic.com"
	defaultWebBaseURL = "https://claude.ai"
	upstreamTimeout   = 5 * time.Minute
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the claude-fleet-proxy HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				if errors.Is(err, os.ErrNotExist) {
					cfg = config.Default()
				} else {
					return fmt.Errorf("load config: %w", err)
				}
			}
			return runServe(cfg, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "claude-fleet-proxy.yaml", "path to config file")
	return cmd
}

func runServe(cfg *config.Config, configPath string) error {
	hlog, err := healthlog.Open(cfg.HealthLogPath)
	if err != nil {
		return fmt.Errorf("open health log: %w", err)
	}
	defer hlog.Close()

	prober := &probe.Prober{
		WebBaseURL: defaultWebBaseURL,
		APIBaseURL: defaultAPIBaseURL,
		Timeout:    30 * time.Second,
	}

	registry, err := accounts.New(cfg.AccountsPath, prober)
	if err != nil {
		return fmt.Errorf("load accounts: %w", err)
	}

	var proxyList []models.Proxy
	if data, err := os.ReadFile(cfg.ProxyListPath); err == nil {
		proxyList, err = proxypool.ParseProxyList(string(data))
		if err != nil {
			return fmt.Errorf("parse proxy list: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("read proxy list: %w", err)
	}

	pool, err := proxypool.New(cfg.Proxy, proxyList)
	if err != nil {
		return fmt.Errorf("init proxy pool: %w", err)
	}
	defer pool.Close()

	var sessions *session.Manager

	web := &drivers.WebDriver{BaseURL: defaultWebBaseURL, Timeout: upstreamTimeout}
	web.OnConversationCreated = func(clientKey, conversationID string) {
		sessions.BindConversation(clientKey, conversationID)
	}
	prober.Conversations = web

	oauthDriver := &drivers.OAuthDriver{
		BaseURL:   defaultAPIBaseURL,
		Refresher: newOAuthRefresher(30 * time.Second),
		Timeout:   upstreamTimeout,
	}
	oauthDriver.OnTokenRefreshed = func(accountID, accessToken string, expiresAt time.Time) {
		if err := registry.UpdateOAuthToken(accountID, accessToken, expiresAt); err != nil {
			log.Printf("serve: persist refreshed token for %s: %v", accountID, err)
		}
	}

	sessions = session.New(registry, pool, web, cfg.SessionTTL, cfg.PerAccountSessionCap)

	orch := &orchestrator.Orchestrator{
		Registry: registry,
		Pool:     pool,
		Sessions: sessions,
		OAuth:    oauthDriver,
		Web:      web,
		Health:   hlog,
		Retry: orchestrator.RetryPolicy{
			TransportAttempts: cfg.RetryAttempts,
			OverloadAttempts:  cfg.OverloadRetryAttempts,
			OverloadBaseDelay: cfg.RetryInterval,
			OverloadMaxDelay:  cfg.OverloadCooldown,
		},
	}
	if cfg.MaxConcurrentRequests > 0 {
		orch.Sem = make(chan struct{}, cfg.MaxConcurrentRequests)
	}

	auditLog, err := audit.New(cfg.Audit)
	if err != nil {
		return fmt.Errorf("init audit log: %w", err)
	}
	if auditLog != nil {
		defer auditLog.Close()
	}

	srv := ingress.New(orch, pool, auditLog)
	srv.RequestTimeout = upstreamTimeout

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepSessions(ctx, sessions)

	log.Printf("starting claude-fleet-proxy with config: %s", configPath)
	return srv.ListenAndServe(ctx, cfg.Listen)
}

// sweepSessions periodically evicts expired web sessions, best-effort
// deleting their upstream conversations as it goes.
func sweepSessions(ctx context.Context, sessions *session.Manager) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions.Sweep(ctx, time.Now())
		}
	}
}
