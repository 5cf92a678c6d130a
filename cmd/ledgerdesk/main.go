package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/spf13/cobra"

	"github.com/ledgerdesk/ledgerdesk/cmd/ledgerdesk/cli"
	"github.com/ledgerdesk/ledgerdesk/internal/app"
	"github.com/ledgerdesk/ledgerdesk/internal/auth"
	"github.com/ledgerdesk/ledgerdesk/internal/dashboard"
	"github.com/ledgerdesk/ledgerdesk/internal/directory"
	"github.com/ledgerdesk/ledgerdesk/internal/observability"
	"github.com/ledgerdesk/ledgerdesk/internal/platform/cache"
	"github.com/ledgerdesk/ledgerdesk/internal/platform/db"
	"github.com/ledgerdesk/ledgerdesk/internal/selection"
	"github.com/ledgerdesk/ledgerdesk/internal/shared"
	"github.com/ledgerdesk/ledgerdesk/internal/thirdparties"
	"github.com/ledgerdesk/ledgerdesk/internal/view"
	"github.com/ledgerdesk/ledgerdesk/internal/workspace"
	"github.com/ledgerdesk/ledgerdesk/jobs"
)

const machineIdle = 30 * time.Minute

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping server startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "ledgerdesk",
		Short:        "LedgerDesk web server and operator tools",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := app.LoadConfig()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(cmd.Context(), cfg, app.NewLogger(cfg))
		},
	}
	cmd.AddCommand(cli.NewJobsCmd(func() (*cli.JobsCLI, error) {
		cfg, err := app.LoadConfig()
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		return cli.NewJobsCLI(cfg.RedisAddr), nil
	}))
	return cmd
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	sessionManager := shared.NewSessionManager(redisClient, "ledgerdesk_session", cfg.SessionSecret, cfg.SessionTTL, cfg.IsProduction())
	csrfManager := shared.NewCSRFManager(cfg.CSRFSecret)
	templates, err := view.NewEngine()
	if err != nil {
		return fmt.Errorf("parse templates: %w", err)
	}

	registry := workspace.NewRegistry(
		workspace.RedisStoreFactory(redisClient, cfg.ContextTTL),
		logger,
		machineIdle,
		workspace.WithTransitionHook(func(op string, _, to workspace.State, err error) {
			metrics.ObserveContextTransition(op, string(to), err)
		}),
	)

	authService := auth.NewService(auth.NewRepository(pool))
	notifier := auth.NewNotifier(redisClient, auth.DefaultChannel, logger)
	gate := auth.NewGate(authService, notifier, logger,
		auth.WithPlaceholder(app.PendingPage(templates, logger, "Checking your session…")),
		auth.WithResolutionMaxAge(cfg.AuthResolutionMaxAge))
	gate.OnSignedOut(registry.Forget)
	go startGate(ctx, gate, logger)
	defer gate.Close()
	authHandler := auth.NewHandler(logger, authService, templates, sessionManager, csrfManager, notifier, registry)

	gateway := directory.NewGateway(pool, directory.Options{
		Retry: directory.RetryPolicy{
			Attempts: cfg.DirectoryRetryAttempts,
			Backoff:  cfg.DirectoryRetryBackoff,
			MaxDelay: 2 * time.Second,
		},
		Locale:   cfg.Locale(),
		Observer: metrics.ObserveDirectoryQuery,
		Logger:   logger,
	})

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	jobClient := jobs.NewClient(redisOpts)
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(redisOpts)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	auditLogger := shared.NewAuditLogger(pool)
	thirdPartyService := thirdparties.NewService(thirdparties.NewRepository(pool), auditLogger, shared.NewIdempotencyStore(pool), logger)

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		Templates:           templates,
		SessionManager:      sessionManager,
		CSRFManager:         csrfManager,
		Gate:                gate,
		Registry:            registry,
		Guard:               workspace.NewGuard(logger, app.PendingPage(templates, logger, "Loading your workspace…")),
		AuthHandler:         authHandler,
		SelectionHandler:    selection.NewHandler(logger, gateway, templates, csrfManager, jobClient),
		DashboardHandler:    dashboard.NewHandler(logger, gateway, templates, csrfManager),
		ThirdPartiesHandler: thirdparties.NewHandler(logger, thirdPartyService, templates, csrfManager),
		JobHandler:          jobs.NewHandler(inspector, logger),
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

// startGate keeps retrying the session event subscription. Workspace routes
// show the pending page until it succeeds.
func startGate(ctx context.Context, gate *auth.Gate, logger *slog.Logger) {
	delay := time.Second
	for {
		err := gate.Start(ctx)
		if err == nil {
			logger.Info("auth gate ready")
			return
		}
		logger.Warn("auth gate subscribe", slog.Any("error", err), slog.Duration("retry_in", delay))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 30*time.Second {
			delay *= 2
		}
	}
}
