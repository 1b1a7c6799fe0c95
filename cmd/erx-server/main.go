package main

import (
	"context"
	"fmt"
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

	"github.com/ehr/erx/internal/config"
	"github.com/ehr/erx/internal/domain/eprescribe"
	"github.com/ehr/erx/internal/domain/identity"
	"github.com/ehr/erx/internal/platform/auth"
	"github.com/ehr/erx/internal/platform/db"
	"github.com/ehr/erx/internal/platform/dosespot"
	"github.com/ehr/erx/internal/platform/events"
	"github.com/ehr/erx/internal/platform/hipaa"
	"github.com/ehr/erx/internal/platform/middleware"
	"github.com/ehr/erx/internal/platform/webhook"
	"github.com/ehr/erx/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "erx-server",
		Short: "E-prescribing integration API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the e-prescribing API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// openPool loads config and connects for the one-shot admin commands.
func openPool(ctx context.Context) (*pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return db.NewPool(ctx, poolConfig(cfg))
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier: %s", tenant)
			}

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaForTenant(tenant)
			fmt.Printf("Running migrations on schema: %s\n", schema)
			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			if !db.ValidTenantID(tenant) {
				return fmt.Errorf("invalid tenant identifier: %s", tenant)
			}

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			schema := db.SchemaForTenant(tenant)
			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx, schema)
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
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage clinic tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create and migrate a clinic schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}

			ctx := context.Background()
			pool, err := openPool(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			fmt.Printf("Creating tenant schema: %s\n", db.SchemaForTenant(name))
			if err := db.CreateTenantSchema(ctx, pool, name, migrations.FS); err != nil {
				return err
			}
			fmt.Println("Tenant created successfully.")
			return nil
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func dosespotConfig(e config.EPrescribeConfig) dosespot.Config {
	mode := webhook.ModeStrict
	if e.DoseSpotWebhookMode == config.WebhookModePermissive {
		mode = webhook.ModePermissive
	}
	return dosespot.Config{
		BaseURL:        e.DoseSpotBaseURL,
		ClientID:       e.DoseSpotClientID,
		ClientSecret:   e.DoseSpotClientSecret,
		ClinicID:       e.DoseSpotClinicID,
		WebhookSecret:  e.DoseSpotWebhookSecret,
		WebhookMode:    mode,
		Timeout:        e.DoseSpotTimeout,
		MaxRetries:     e.DoseSpotMaxRetries,
		RetryBaseDelay: e.DoseSpotRetryBaseDelay,
		RateLimitRPS:   e.DoseSpotRateLimitRPS,
	}
}

func authMiddleware(cfg *config.Config) echo.MiddlewareFunc {
	if cfg.ResolvedAuthMode() == "development" {
		return auth.DevAuthMiddleware(auth.AuthSkipper)
	}
	jc := auth.JWTConfig{
		Issuer:   cfg.AuthIssuer,
		Audience: cfg.AuthAudience,
		JWKSURL:  cfg.AuthJWKSURL,
		Skipper:  auth.AuthSkipper,
	}
	if cfg.AuthSigningKey != "" {
		jc.SigningKey = []byte(cfg.AuthSigningKey)
	}
	return auth.JWTMiddleware(jc)
}

// newEcho installs the global middleware chain shared by every route.
func newEcho(cfg *config.Config, logger zerolog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("2M", "1M"))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Tenant-ID"},
	}))
	e.Use(authMiddleware(cfg))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": version,
		})
	})
	return e
}

// buildFacade wires the prescribing stack for the configured provider.
func buildFacade(cfg *config.Config, pool *pgxpool.Pool, audit eprescribe.AuditSink, pub eprescribe.StatusPublisher, logger zerolog.Logger) (*eprescribe.Facade, error) {
	rx := eprescribe.NewPrescriptionRepo(pool)
	dir := identity.NewDirectory(pool)

	fc := eprescribe.FacadeConfig{
		Repo:        rx,
		Directory:   dir,
		Audit:       audit,
		EPCSEnabled: cfg.EPrescribe.EPCSEnabled,
		Logger:      logger.With().Str("component", "eprescribe").Logger(),
	}
	if cfg.VendorEnabled() {
		client, err := dosespot.New(dosespotConfig(cfg.EPrescribe), dosespot.WithLogger(logger))
		if err != nil {
			return nil, fmt.Errorf("dosespot client: %w", err)
		}
		fc.Service = eprescribe.NewService(client, dir, rx, eprescribe.NewIdentityMapRepo(pool), db.NewTransactor(pool),
			eprescribe.WithAudit(audit),
			eprescribe.WithPublisher(pub),
			eprescribe.WithFrontendURL(cfg.FrontendURL),
			eprescribe.WithLogger(logger),
		)
	}
	return eprescribe.NewFacade(fc), nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, poolConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	audit := hipaa.NewAuditLogger(pool, logger)

	var pub eprescribe.StatusPublisher = events.Nop{}
	if cfg.NATSURL != "" {
		p, err := events.Connect(ctx, cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to nats")
		}
		defer p.Close()
		pub = p
		logger.Info().Msg("publishing prescription events to nats")
	}

	facade, err := buildFacade(cfg, pool, audit, pub, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure e-prescribing")
	}
	logger.Info().
		Str("provider", facade.Provider()).
		Bool("epcs", facade.IsRegulatoryModeEnabled()).
		Msg("e-prescribing configured")

	e := newEcho(cfg, logger)
	e.GET("/ready", db.ReadyHandler(pool, func() *db.PoolStats { return db.GetPoolStats(pool) }))

	// Tenant-scoped routes
	tenant := db.TenantMiddleware(pool, cfg.DefaultTenant)
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	api := e.Group("/api/v1/eprescribe",
		middleware.RateLimit(rateLimitCfg),
		middleware.RequestTimeout(cfg.RequestTimeout),
		tenant,
	)
	hooks := e.Group("/webhooks", tenant)
	eprescribe.NewHandler(facade).RegisterRoutes(api, hooks)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	audit.Wait()
	logger.Info().Msg("server stopped")
	return nil
}
