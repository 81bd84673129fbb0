package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Priya8975/billing-webhook-processor/internal/api"
	"github.com/Priya8975/billing-webhook-processor/internal/config"
	"github.com/Priya8975/billing-webhook-processor/internal/engine"
	"github.com/Priya8975/billing-webhook-processor/internal/logging"
	"github.com/Priya8975/billing-webhook-processor/internal/store"
	"github.com/Priya8975/billing-webhook-processor/internal/webhook"
	ws "github.com/Priya8975/billing-webhook-processor/internal/websocket"
	"github.com/Priya8975/billing-webhook-processor/internal/worker"
)

// Set at build time with -ldflags.
var version = "dev"

var envFile string

var rootCmd = &cobra.Command{
	Use:           "billing-webhook-processor",
	Short:         "Applies payment provider webhooks to marketplace subscriptions",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook ingress, admin API and notification workers",
	RunE:  runServe,
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE:  runMigrate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("billing-webhook-processor %s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before reading the environment")
	rootCmd.AddCommand(serveCmd, migrateCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setup() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	logger := logging.New(logging.Config{
		Format:  cfg.LogFormat,
		Level:   cfg.LogLevel,
		Service: "billing-webhook-processor",
	})
	return cfg, logger, nil
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	if cfg.LedgerBackend != config.BackendPostgres {
		return fmt.Errorf("migrate needs LEDGER_BACKEND=%s, got %q", config.BackendPostgres, cfg.LedgerBackend)
	}

	ctx := cmd.Context()
	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pg.Close()

	if err := pg.RunMigrations(ctx, store.Migrations); err != nil {
		return err
	}
	logger.Info().Msg("database migrations applied")
	return nil
}

// openBackend connects the configured ledger. The returned func releases it.
func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Backend, func(), error) {
	if cfg.LedgerBackend == config.BackendMemory {
		logger.Warn().Msg("using in-memory ledger, state is lost on restart")
		return store.NewMemory(), func() {}, nil
	}

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := pg.RunMigrations(ctx, store.Migrations); err != nil {
		pg.Close()
		return nil, nil, err
	}
	logger.Info().Msg("connected to PostgreSQL, migrations applied")
	return pg, pg.Close, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := setup()
	if err != nil {
		return err
	}
	api.Version = version

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	rdb, err := store.NewRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	defer rdb.Close()
	logger.Info().Msg("connected to Redis")

	if !cfg.NotificationsEnabled() {
		logger.Info().Msg("NOTIFY_URL not set, subscription notifications disabled")
	}
	if cfg.WebhookSecret == "" {
		logger.Error().Msg("WEBHOOK_SECRET not set, every webhook will be rejected")
	}

	hub := ws.NewHub(logger)
	guard := engine.NewGuard(rdb.Client(), cfg.EventCacheTTL, logger)
	cb := engine.NewCircuitBreaker(rdb.Client(), logger)

	var (
		opts       []engine.Option
		notifier   *engine.Notifier
		dispatcher *worker.Dispatcher
		pool       *worker.Pool
		notifyHost string
	)
	if cfg.NotificationsEnabled() {
		notifier = engine.NewNotifier(rdb.Client(), logger)
		opts = append(opts, engine.WithNotifier(notifier))

		deliverer, err := worker.NewDeliverer(worker.DelivererConfig{
			TargetURL:      cfg.NotifyURL,
			Secret:         cfg.NotifySecret,
			RateLimit:      cfg.NotifyRateLimit,
			Attempts:       backend,
			Queue:          notifier,
			CircuitBreaker: cb,
			RateLimiter:    engine.NewRateLimiter(rdb.Client(), "notify", logger),
			Hub:            hub,
		}, logger)
		if err != nil {
			return err
		}
		notifyHost = deliverer.Target()
		pool = worker.NewPool(cfg.NumWorkers, deliverer, logger)
		dispatcher = worker.NewDispatcher(rdb.Client(), pool, logger)
	}

	eng := engine.NewEngine(backend, guard, logger, opts...)

	deps := api.RouterDeps{
		Backend:          backend,
		Redis:            rdb,
		Verifier:         webhook.NewVerifier(cfg.WebhookSecret),
		Engine:           eng,
		CircuitBreaker:   cb,
		NotifyTarget:     notifyHost,
		RateLimiter:      engine.NewRateLimiter(rdb.Client(), "ingress", logger),
		IngressRateLimit: cfg.IngressRateLimit,
		Hub:              hub,
		AdminToken:       cfg.AdminToken,
		Logger:           logger,
	}
	if notifier != nil {
		deps.Queue = notifier
	}

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if dispatcher != nil {
		pool.Start(gctx)
		g.Go(func() error {
			dispatcher.Run(gctx)
			pool.Stop()
			return nil
		})
	}

	g.Go(func() error {
		logger.Info().Str("port", cfg.Port).Str("backend", cfg.LedgerBackend).Msg("server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
