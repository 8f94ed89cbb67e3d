package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/xeostudio/project_downloader/internal/bandwidth"
	"github.com/xeostudio/project_downloader/internal/config"
	"github.com/xeostudio/project_downloader/internal/downloader"
	"github.com/xeostudio/project_downloader/internal/fetch"
	"github.com/xeostudio/project_downloader/internal/hook"
	"github.com/xeostudio/project_downloader/internal/http/rest"
	"github.com/xeostudio/project_downloader/internal/ledger"
	"github.com/xeostudio/project_downloader/internal/logctx"
	"github.com/xeostudio/project_downloader/internal/notifier"
	"github.com/xeostudio/project_downloader/internal/project"
	"github.com/xeostudio/project_downloader/internal/telemetry"
	"github.com/xeostudio/project_downloader/internal/validation"
	"github.com/xeostudio/project_downloader/internal/vcs"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
)

const hookTimeout = 5 * time.Minute

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config error", "err", err)
		os.Exit(1)
	}

	logger := slog.New(logctx.NewHandler(
		slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
	))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	slog.Info("project downloader starting...", "log_level", cfg.LogLevel)

	if err := run(logctx.WithLogger(ctx, logger), cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("fatal error", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown telemetry", "err", err)
		}
	}()

	if cfg.Telemetry.Enabled {
		if err := runtime.Start(); err != nil {
			logger.Warn("failed to start runtime metrics", "err", err)
		}
	}

	// =========================================================================
	// Start Ledger
	database, err := ledger.InitDB(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to open ledger database: %w", err)
	}
	defer database.Close()

	events := ledger.NewInstrumentedEventRepository(database, tel)

	// =========================================================================
	// Start Transfer Engine
	client, err := fetch.BuildClient(cfg.Proxy, cfg.AuthToken)
	if err != nil {
		return fmt.Errorf("failed to build HTTP client: %w", err)
	}

	budget := bandwidth.NewBudget(cfg.BandwidthLimit, cfg.BandwidthBurst)
	fetcher := fetch.NewFetcher(client, budget, fetch.DefaultRetryPolicy(cfg.Retries), tel)

	cache, err := validation.Open(cfg.ValidationCacheFile, cfg.ValidateCacheTTL, &validation.HTTPProber{Client: client})
	if err != nil {
		return fmt.Errorf("failed to open validation cache: %w", err)
	}

	engine := downloader.New(
		cfg.DownloadPath,
		cfg.MaxParallel,
		fetcher,
		&vcs.GitCloner{Token: cfg.AuthToken},
		cache,
		&hook.ShellRunner{Timeout: hookTimeout},
		events,
		tel,
	)

	// =========================================================================
	// Start Notification
	setupNotification(ctx, engine, cfg)

	// =========================================================================
	// Start Record Sources
	source, syncer := buildSources(cfg, client)

	// =========================================================================
	// Start API Service

	// Buffered so the goroutine can exit if we never collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, source, syncer, engine, events, cache, tel, cfg)

	go func() {
		logger.Info("initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	logger.Info("watching for records...",
		"download_path", cfg.DownloadPath,
		"poll_interval", cfg.PollInterval.String(),
		"max_parallel", cfg.MaxParallel,
	)

	// =========================================================================
	// Start Main Loop
	daemonErrors := make(chan error, 1)

	go func() {
		daemonErrors <- engine.Daemon(ctx, cfg.PollInterval, source, syncer, downloader.RunOptions{})
	}()

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case err := <-daemonErrors:
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("daemon error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("start shutdown")

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return ctx.Err()
}

// buildSources picks the record source and, when a central URL is set, the
// syncer that merges it into the local list.
func buildSources(cfg *config.Config, client *http.Client) (project.Source, *project.Syncer) {
	local := &project.FileSource{Path: cfg.ProjectsFile}

	var source project.Source = local
	if cfg.ProjectsURL != "" {
		source = &project.RemoteSource{URL: cfg.ProjectsURL, Client: client}
	}

	var syncer *project.Syncer
	if cfg.CentralURL != "" {
		syncer = &project.Syncer{
			Local:   local,
			Central: &project.RemoteSource{URL: cfg.CentralURL, Client: client},
		}
	}

	return source, syncer
}

func setupNotification(ctx context.Context, engine *downloader.Downloader, cfg *config.Config) {
	if cfg.WebhookURL == "" {
		return
	}

	logger := logctx.LoggerFromContext(ctx)

	notif := &notifier.WebhookNotifier{WebhookURL: cfg.WebhookURL}
	engine.OnEvent = make(chan ledger.Event, 64)

	go func() {
		for event := range engine.OnEvent {
			if err := notif.Notify(ctx, event); err != nil {
				logger.Error("failed to deliver webhook", "project", event.Project, "err", err)
			}
		}
	}()
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, source project.Source, syncer *project.Syncer,
	engine *downloader.Downloader, events ledger.Repository, cache *validation.Cache,
	tel *telemetry.Telemetry, cfg *config.Config,
) *http.Server {
	apiHandler := rest.NewAPIHandler(source, syncer, engine, events, cache, cfg.AuthToken)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(tel).Middleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", tel.Handler())
	r.Mount("/", apiHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
