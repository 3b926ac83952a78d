// Package app wires every settld component into the two runtime modes
// described by spec §9: "api" (the operator ops HTTP API) and "worker"
// (the retry/sweeper background loops). Mirrors the shape of the teacher's
// internal/app/app.go Run/runAPI/runWorker split.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/settld/backend/internal/adminauth"
	"github.com/settld/backend/internal/config"
	"github.com/settld/backend/internal/httpserver"
	"github.com/settld/backend/internal/opsnotify"
	"github.com/settld/backend/internal/platform"
	"github.com/settld/backend/internal/telemetry"
	"github.com/settld/backend/pkg/decisionlog"
	"github.com/settld/backend/pkg/ingestkey"
	"github.com/settld/backend/pkg/paymenttrigger"
	"github.com/settld/backend/pkg/retention"
	"github.com/settld/backend/pkg/runrecordstore"
	"github.com/settld/backend/pkg/secretbox"
	"github.com/settld/backend/pkg/storageformat"
	"github.com/settld/backend/pkg/tenantsettings"
	"github.com/settld/backend/pkg/webhookretry"
)

// Components holds every domain object this ops backend actually wires
// into the api/worker runtime modes. OtpAuth, SessionToken, and VerifyQueue
// are libraries consumed by the tenant-facing API, which spec §1 places out
// of scope — they're built and tested as packages but have no caller here.
type Components struct {
	Box             *secretbox.Box
	RunStore        *runrecordstore.Store
	Settings        *tenantsettings.Store
	IngestKeys      *ingestkey.Store
	Decisions       *decisionlog.Store
	WebhookRetry    *webhookretry.Engine
	PaymentTriggers *paymenttrigger.Engine
	Retention       *retention.Sweeper
	Notify          *opsnotify.Notifier
}

// Run reads config, connects to infrastructure, and starts the requested mode.
func Run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)
	slog.SetDefault(logger)

	logger.Info("starting settld", "mode", cfg.Mode, "listen", cfg.ListenAddr())

	if _, err := storageformat.EnsureUpToDate(cfg.DataDir, cfg.MigrateOnStartup); err != nil {
		return fmt.Errorf("app: checking data directory format: %w", err)
	}

	box, err := loadSecretBox(cfg)
	if err != nil {
		return fmt.Errorf("app: loading secret box: %w", err)
	}

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = platform.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("app: connecting to redis: %w", err)
		}
		defer rdb.Close()
	}

	runStoreMode, err := parseRunStoreMode(cfg.RunStoreMode)
	if err != nil {
		return fmt.Errorf("app: parsing run store mode: %w", err)
	}

	var db runrecordstore.DBTX
	if runStoreMode != runrecordstore.ModeFS && cfg.RunStoreDatabaseURL != "" {
		pool, err := platform.NewPostgresPool(ctx, cfg.RunStoreDatabaseURL)
		if err != nil {
			return fmt.Errorf("app: connecting to database: %w", err)
		}
		defer pool.Close()
		if err := platform.RunRunRecordMigrations(cfg.RunStoreDatabaseURL, "db/migrations"); err != nil {
			return fmt.Errorf("app: running run_records migrations: %w", err)
		}
		db = pool
	}

	metricsReg := prometheus.NewRegistry()
	metrics := telemetry.New(metricsReg)

	comps := &Components{
		Box:             box,
		RunStore:        runrecordstore.New(cfg.DataDir, runStoreMode, db),
		Settings:        tenantsettings.New(cfg.DataDir, box),
		IngestKeys:      ingestkey.New(cfg.DataDir),
		Decisions:       decisionlog.New(cfg.DataDir, nil),
		WebhookRetry:    webhookretry.New(cfg.DataDir, box),
		PaymentTriggers: paymenttrigger.New(cfg.DataDir, cfg.PublicBaseURL, box),
		Notify:          opsnotify.New(cfg.SlackBotToken, cfg.SlackAlertChannel, logger),
	}
	comps.Retention = retention.New(comps.RunStore, resolveRetentionPolicy(comps.Settings), cfg.MaintenanceIntervalSeconds, logger)
	wireDeadLetterNotifications(comps, metrics, logger)

	switch cfg.Mode {
	case "api":
		return runAPI(ctx, cfg, logger, metrics, metricsReg, rdb, comps)
	case "worker":
		return runWorker(ctx, cfg, logger, comps)
	default:
		return fmt.Errorf("app: unknown mode %q", cfg.Mode)
	}
}

func parseRunStoreMode(raw string) (runrecordstore.Mode, error) {
	switch runrecordstore.Mode(raw) {
	case runrecordstore.ModeFS, runrecordstore.ModeDB, runrecordstore.ModeDual:
		return runrecordstore.Mode(raw), nil
	default:
		return "", fmt.Errorf("unknown run store mode %q", raw)
	}
}

func loadSecretBox(cfg *config.Config) (*secretbox.Box, error) {
	if cfg.SettingsKeyHex == "" {
		return secretbox.NoKey(), nil
	}
	return secretbox.ParseKeyHex(cfg.SettingsKeyHex)
}

// wireDeadLetterNotifications hooks the retry engines' dead-letter
// transitions and the retention sweeper's per-tenant pass into the
// metrics registry and the Slack notifier, so comps.Notify is actually
// exercised rather than sitting unused.
func wireDeadLetterNotifications(comps *Components, metrics *telemetry.Metrics, logger *slog.Logger) {
	comps.WebhookRetry.OnDeadLetter = func(job webhookretry.Job) {
		metrics.WebhookDeadLettersTotal.WithLabelValues(job.TenantID).Inc()
		ev := opsnotify.DeadLetterEvent{
			Kind: "webhook", TenantID: job.TenantID, Token: job.Token, JobID: job.ID,
			Attempts: job.AttemptCount, LastError: job.LastError, At: time.Now().UTC(),
		}
		if err := comps.Notify.PostDeadLetter(context.Background(), ev); err != nil {
			logger.Error("opsnotify: posting webhook dead-letter alert", "error", err)
		}
	}

	comps.PaymentTriggers.OnDeadLetter = func(job paymenttrigger.Job) {
		metrics.PaymentTriggerDeadLetters.WithLabelValues(job.TenantID).Inc()
		ev := opsnotify.DeadLetterEvent{
			Kind: "payment_trigger", TenantID: job.TenantID, Token: job.Token, JobID: job.ID,
			Attempts: job.AttemptCount, LastError: job.LastError, At: time.Now().UTC(),
		}
		if err := comps.Notify.PostDeadLetter(context.Background(), ev); err != nil {
			logger.Error("opsnotify: posting payment trigger dead-letter alert", "error", err)
		}
	}

	comps.Retention.OnTenantSwept = func(tenantID string, evicted int) {
		if evicted > 0 {
			metrics.RetentionEvictedTotal.WithLabelValues(tenantID).Add(float64(evicted))
		}
	}
}

func resolveRetentionPolicy(settings *tenantsettings.Store) retention.PolicyResolver {
	return func(ctx context.Context, tenantID string) (int, error) {
		s, err := settings.Load(tenantID)
		if err != nil {
			return 0, err
		}
		return s.RetentionDays, nil
	}
}

func runAPI(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *telemetry.Metrics, metricsReg *prometheus.Registry, rdb *redis.Client, comps *Components) error {
	sessionSecret := cfg.OpsSessionSecret
	if sessionSecret == "" {
		sessionSecret = adminauth.GenerateDevSecret()
		logger.Warn("adminauth: using auto-generated dev session secret, set OPS_SESSION_SECRET in production")
	}
	maxAge, err := time.ParseDuration(cfg.OpsSessionMaxAge)
	if err != nil {
		return fmt.Errorf("app: parsing OPS_SESSION_MAX_AGE %q: %w", cfg.OpsSessionMaxAge, err)
	}
	sessionMgr, err := adminauth.NewSessionManager(sessionSecret, maxAge)
	if err != nil {
		return fmt.Errorf("app: creating session manager: %w", err)
	}

	var oidcAuth *adminauth.OIDCAuthenticator
	if cfg.OIDCIssuerURL != "" && cfg.OIDCClientID != "" {
		oidcAuth, err = adminauth.NewOIDCAuthenticator(ctx, cfg.OIDCIssuerURL, cfg.OIDCClientID, cfg.OIDCClientSecret, cfg.OIDCRedirectURL)
		if err != nil {
			return fmt.Errorf("app: initializing OIDC authenticator: %w", err)
		}
		logger.Info("adminauth: OIDC login enabled", "issuer", cfg.OIDCIssuerURL)
	}

	var localOp *adminauth.LocalOperator
	if cfg.OpsLocalEmail != "" && cfg.OpsLocalPasswordHash != "" {
		localOp = &adminauth.LocalOperator{Email: cfg.OpsLocalEmail, PasswordHash: cfg.OpsLocalPasswordHash}
	}

	srv := httpserver.NewServer(cfg, logger, metrics, metricsReg, sessionMgr, oidcAuth)
	srv.MountAuth(adminauth.NewLoginHandler(sessionMgr, localOp, oidcAuth, rdb, logger))
	srv.MountReadyz(map[string]httpserver.ReadyChecker{
		"data_dir": func(ctx context.Context) error {
			_, err := storageformat.Check(cfg.DataDir)
			return err
		},
	})

	(&httpserver.ReplayHandlers{Webhooks: comps.WebhookRetry, Payments: comps.PaymentTriggers, Logger: logger}).Mount(srv.OpsRouter)
	(&httpserver.SettingsHandlers{Store: comps.Settings, Logger: logger}).Mount(srv.OpsRouter)

	httpSrv := &http.Server{
		Addr:         cfg.ListenAddr(),
		Handler:      srv.Router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ops api listening", "addr", cfg.ListenAddr())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down ops api")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func runWorker(ctx context.Context, cfg *config.Config, logger *slog.Logger, comps *Components) error {
	logger.Info("worker started")

	webhookInterval := time.Duration(cfg.WebhookRetryIntervalSeconds) * time.Second
	paymentInterval := time.Duration(cfg.PaymentTriggerIntervalSeconds) * time.Second

	go tickLoop(ctx, logger, "webhook_retry", webhookInterval, func() error { return comps.WebhookRetry.Tick() })
	go tickLoop(ctx, logger, "payment_trigger_retry", paymentInterval, func() error { return comps.PaymentTriggers.Tick() })
	go postDailyRetentionSummaries(ctx, comps, logger)

	comps.Retention.Run(ctx)
	return nil
}

// postDailyRetentionSummaries posts one opsnotify retention summary per
// day, derived from the sweeper's cumulative eviction counter.
func postDailyRetentionSummaries(ctx context.Context, comps *Components, logger *slog.Logger) {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	var lastTotal int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			total := comps.Retention.EvictedTotal()
			summary := opsnotify.RetentionSummary{RunsEvicted: total - lastTotal, At: time.Now().UTC()}
			if err := comps.Notify.PostRetentionSummary(ctx, summary); err != nil {
				logger.Error("opsnotify: posting retention summary", "error", err)
			}
			lastTotal = total
		}
	}
}

// tickLoop runs fn on a fixed interval until ctx is done, logging but never
// aborting on a single tick's error — matching the teacher's escalation
// engine loops, which keep running across tenant-level failures.
func tickLoop(ctx context.Context, logger *slog.Logger, name string, interval time.Duration, fn func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := fn(); err != nil {
				logger.Error("tick failed", "loop", name, "error", err)
			}
		}
	}
}
