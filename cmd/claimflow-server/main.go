package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/claimflow/internal/config"
	"github.com/ehr/claimflow/internal/domain/automation"
	"github.com/ehr/claimflow/internal/domain/claim"
	"github.com/ehr/claimflow/internal/domain/denial"
	"github.com/ehr/claimflow/internal/domain/gateway"
	"github.com/ehr/claimflow/internal/domain/payer"
	"github.com/ehr/claimflow/internal/platform/assistant"
	"github.com/ehr/claimflow/internal/platform/auth"
	"github.com/ehr/claimflow/internal/platform/db"
	"github.com/ehr/claimflow/internal/platform/middleware"
	"github.com/ehr/claimflow/internal/platform/telemetry"
	"github.com/ehr/claimflow/internal/platform/webhook"
	"github.com/ehr/claimflow/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "claimflow-server",
		Short: "Claims automation engine and admin API",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(payersCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the automation engine and the admin API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(schema, func(ctx context.Context, m *db.Migrator) error {
				fmt.Printf("Running migrations on schema: %s\n", schema)
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")
			return withMigrator(schema, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(schema string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, db.NewMigrator(pool, migrationFS(cfg), schema))
}

// migrationFS prefers MIGRATIONS_DIR and falls back to the embedded files.
func migrationFS(cfg *config.Config) fs.FS {
	if cfg.MigrationsDir != "" {
		return os.DirFS(cfg.MigrationsDir)
	}
	return migrations.FS
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep [eligibility|denials|submissions]",
		Short:     "Run one sweep cycle and print the result",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{automation.SweepEligibility, automation.SweepDenials, automation.SweepSubmissions},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, cleanup, err := buildApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer cleanup()

			s, err := a.sweep(args[0])
			if err != nil {
				return err
			}
			res, err := s.RunOnce(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]interface{}{"sweep": s.Name(), "result": res})
		},
	}
}

func payersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "payers",
		Short: "List the payer registry with its effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			registry, err := newRegistry(cfg)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-34s %-12s %-7s %-10s %s\n", "ID", "NAME", "CATEGORY", "ACTIVE", "CONFIGURED", "ENDPOINT")
			for _, p := range registry.List() {
				fmt.Fprintf(out, "%-10s %-34s %-12s %-7t %-10t %s\n", p.ID, p.Name, p.Category, p.Active, p.Configured(), p.Endpoint)
			}
			return nil
		},
	}
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

func newRegistry(cfg *config.Config) (*payer.Registry, error) {
	overrides := make(map[string]payer.Override, len(cfg.Payers))
	for id, o := range cfg.Payers {
		overrides[id] = payer.Override{Endpoint: o.Endpoint, APIKey: o.APIKey, Active: o.Active}
	}
	return payer.NewRegistry(payer.Builtin(), overrides)
}

// app holds the wired components shared by serve and sweep.
type app struct {
	cfg      *config.Config
	logger   zerolog.Logger
	pool     *pgxpool.Pool
	claims   claim.Repository
	denials  denial.Repository
	payers   *payer.Registry
	notifier *webhook.Notifier
	metrics  *telemetry.Metrics
	proc     *automation.Processor
	analyzer *denial.Analyzer
}

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, func(), error) {
	a := &app{cfg: cfg, logger: logger, metrics: telemetry.New()}
	cleanup := func() {}

	switch cfg.Store {
	case "memory":
		a.claims = claim.NewMemoryRepository()
		a.denials = denial.NewMemoryRepository()
		logger.Warn().Msg("using in-memory store; claims are lost on restart")
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		a.pool = pool
		cleanup = pool.Close
		a.claims = claim.NewRepoPG(pool)
		a.denials = denial.NewRepoPG(pool)
		logger.Info().Msg("connected to database")
	}

	registry, err := newRegistry(cfg)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("payer registry: %w", err)
	}
	a.payers = registry

	notifier, err := webhook.NewNotifier(webhook.Config{
		URL:        cfg.WebhookURL,
		Secret:     cfg.WebhookSecret,
		Timeout:    10 * time.Second,
		MaxRetries: 3,
	}, logger)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("webhook notifier: %w", err)
	}
	a.notifier = notifier

	gw := gateway.NewHTTPClient(gateway.Config{
		Timeout:       cfg.GatewayTimeout,
		MaxRetries:    cfg.GatewayMaxRetries,
		RatePerSecond: cfg.GatewayRPS,
	}, logger)

	a.proc = automation.NewProcessor(automation.Config{
		MaxAttempts:    cfg.MaxAutomationAttempts,
		RetryBaseDelay: cfg.RetryBaseDelay,
		StaleAfter:     cfg.StaleClaimAfter,
	}, a.claims, registry, gw, logger,
		automation.WithEventSink(notifier), automation.WithEventSink(a.metrics))

	opts := []denial.Option{denial.WithResubmitter(a.proc)}
	if a.pool != nil {
		opts = append(opts, denial.WithTransactor(db.NewTransactor(a.pool)))
	}
	if cfg.AssistantURL != "" {
		client := assistant.New(assistant.Config{
			URL:     cfg.AssistantURL,
			APIKey:  cfg.AssistantAPIKey,
			Timeout: cfg.AssistantTimeout,
		}, logger)
		opts = append(opts, denial.WithAdvisor(denial.NewAssistantAdvisor(client)))
		logger.Info().Str("url", cfg.AssistantURL).Msg("assistant enrichment enabled")
	}
	a.analyzer = denial.NewAnalyzer(denial.Config{
		HighConfidenceThreshold: cfg.HighConfidenceThreshold,
		AppealThreshold:         cfg.AppealThreshold,
	}, a.claims, a.denials, registry, gw, logger, opts...)

	return a, cleanup, nil
}

func (a *app) sweepConfig() automation.SweepConfig {
	return automation.SweepConfig{
		EligibilityInterval: a.cfg.EligibilitySweepInterval,
		DenialInterval:      a.cfg.DenialSweepInterval,
		SubmissionInterval:  a.cfg.SubmissionSweepInterval,
		BatchSize:           a.cfg.SweepBatchSize,
		OnResult: func(name string, res automation.SweepResult, err error) {
			a.metrics.RecordSweep(name, res.Handled, res.Skipped, res.Failed, err)
		},
	}
}

func (a *app) sweep(name string) (*automation.Sweep, error) {
	switch name {
	case automation.SweepEligibility:
		return automation.NewEligibilitySweep(a.sweepConfig(), a.claims, a.proc, a.logger), nil
	case automation.SweepDenials:
		return automation.NewDenialSweep(a.sweepConfig(), a.claims, a.analyzer, a.logger), nil
	case automation.SweepSubmissions:
		return automation.NewSubmissionSweep(a.sweepConfig(), a.claims, a.proc, a.logger), nil
	}
	return nil, fmt.Errorf("unknown sweep %q", name)
}

func (a *app) engine() *automation.Engine {
	poller := automation.NewPoller(automation.PollerConfig{
		BatchSize:    a.cfg.PollBatchSize,
		Interval:     a.cfg.PollInterval,
		ErrorBackoff: a.cfg.PollErrorBackoff,
		StaleAfter:   a.cfg.StaleClaimAfter,
	}, a.claims, a.proc, a.logger)

	loops := []automation.Loop{poller}
	for _, name := range []string{automation.SweepEligibility, automation.SweepDenials, automation.SweepSubmissions} {
		s, _ := a.sweep(name)
		loops = append(loops, s)
	}
	return automation.NewEngine(a.logger, loops...)
}

func (a *app) newServer() *echo.Echo {
	cfg := a.cfg
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(a.metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))

	// Auth middleware
	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.Use(middleware.Audit(a.logger))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.HealthHandler(a.pool))
	} else {
		e.GET("/health/db", db.HealthHandler(nil))
	}

	e.GET("/metrics", a.metrics.Handler())

	apiV1 := e.Group("/api/v1")
	payer.NewHandler(a.payers).RegisterRoutes(apiV1)
	claim.NewHandler(claim.NewService(a.claims, a.payers)).RegisterRoutes(apiV1)
	automation.NewHandler(a.claims, a.proc, a.analyzer, a.denials).RegisterRoutes(apiV1)

	return e
}

func runServer() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, cleanup, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("startup failed")
		return err
	}
	defer cleanup()

	for _, p := range a.payers.List() {
		if p.Active && !p.BypassesVerification() && !p.Configured() {
			logger.Warn().Str("payer_id", p.ID).Msg("payer has no endpoint or credential; its claims will fail automation")
		}
	}

	engineDone := make(chan error, 1)
	go func() { engineDone <- a.engine().Run(ctx) }()

	e := a.newServer()
	serverErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		logger.Error().Err(err).Msg("server error")
		stop()
	case err := <-engineDone:
		logger.Error().Err(err).Msg("automation engine exited")
		stop()
		engineDone <- err
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	if err := <-engineDone; err != nil {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
