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

	"github.com/odonto/odonto/internal/config"
	"github.com/odonto/odonto/internal/domain/catalog"
	"github.com/odonto/odonto/internal/domain/identity"
	"github.com/odonto/odonto/internal/domain/scheduling"
	"github.com/odonto/odonto/internal/domain/tenant"
	"github.com/odonto/odonto/internal/domain/treatment"
	"github.com/odonto/odonto/internal/platform/apierr"
	"github.com/odonto/odonto/internal/platform/auth"
	"github.com/odonto/odonto/internal/platform/db"
	"github.com/odonto/odonto/internal/platform/gateway"
	"github.com/odonto/odonto/internal/platform/middleware"
)

const (
	requestTimeout  = 30 * time.Second
	sweepInterval   = 15 * time.Minute
	reminderWindow  = 24 * time.Hour
	backgroundBatch = 200
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "clinic-server",
		Short: "Multi-tenant dental clinic API server",
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
		Short: "Start the clinic API server",
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

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, cfg.MigrationsDir)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Printf("Applied %d migration(s).\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "public", "Target schema for migrations")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, cfg.MigrationsDir)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
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
	statusCmd.Flags().String("schema", "public", "Target schema for migrations")
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
		Short: "Register a clinic and provision its schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			name, _ := cmd.Flags().GetString("name")
			ruc, _ := cmd.Flags().GetString("ruc")
			plan, _ := cmd.Flags().GetString("plan")
			if key == "" || name == "" || ruc == "" {
				return fmt.Errorf("--key, --name and --ruc are required")
			}

			directory, pool, err := openDirectory()
			if err != nil {
				return err
			}
			defer pool.Close()

			t := &tenant.Tenant{Key: key, Name: name, RUC: ruc, Plan: plan}
			if err := directory.Register(context.Background(), t); err != nil {
				return err
			}
			fmt.Printf("Clinic %q registered with schema %s.\n", t.Name, t.SchemaName)
			return nil
		},
	}
	createCmd.Flags().String("key", "", "Tenant partition key (lowercase alphanumeric)")
	createCmd.Flags().String("name", "", "Clinic display name")
	createCmd.Flags().String("ruc", "", "Clinic tax ID")
	createCmd.Flags().String("plan", "", "Subscription plan (basico, profesional, empresarial)")
	cmd.AddCommand(createCmd)

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List registered clinics",
		RunE: func(cmd *cobra.Command, args []string) error {
			directory, pool, err := openDirectory()
			if err != nil {
				return err
			}
			defer pool.Close()

			tenants, total, err := directory.List(context.Background(), 500, 0)
			if err != nil {
				return err
			}
			for _, t := range tenants {
				state := "active"
				if !t.Active {
					state = "inactive"
				}
				fmt.Printf("%-20s %-30s %-12s %s\n", t.Key, t.Name, t.Plan, state)
			}
			fmt.Printf("%d clinic(s)\n", total)
			return nil
		},
	}
	cmd.AddCommand(listCmd)

	deactivateCmd := &cobra.Command{
		Use:   "deactivate",
		Short: "Deactivate a clinic, blocking all of its requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, _ := cmd.Flags().GetString("key")
			if key == "" {
				return fmt.Errorf("--key is required")
			}

			directory, pool, err := openDirectory()
			if err != nil {
				return err
			}
			defer pool.Close()

			ctx := context.Background()
			t, err := directory.GetByKey(ctx, key)
			if err != nil {
				return err
			}
			if err := directory.Deactivate(ctx, t.ID); err != nil {
				return err
			}
			fmt.Printf("Clinic %q deactivated.\n", t.Name)
			return nil
		},
	}
	deactivateCmd.Flags().String("key", "", "Tenant partition key")
	cmd.AddCommand(deactivateCmd)

	return cmd
}

// openDirectory wires a tenant directory for CLI commands that run outside
// the server process. The caller owns the returned pool.
func openDirectory() (*tenant.Service, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(context.Background(), cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	migrator := db.NewMigrator(pool, cfg.MigrationsDir)
	return tenant.NewService(tenant.NewRepoPG(pool), pool, migrator, cfg.TenantCacheTTL, logger), pool, nil
}

func runServer() error {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	migrator := db.NewMigrator(pool, cfg.MigrationsDir)
	directory := tenant.NewService(tenant.NewRepoPG(pool), pool, migrator, cfg.TenantCacheTTL, logger)

	// Payment gateway: the real client when configured, the in-memory fake
	// otherwise so development and tests work without a processor account.
	var gw gateway.Client
	if cfg.GatewayBaseURL != "" {
		gw = gateway.NewHTTPClient(cfg.GatewayBaseURL, cfg.GatewayAPIKey, cfg.GatewayTimeout, logger)
	} else {
		logger.Warn().Msg("GATEWAY_BASE_URL not set, using in-memory payment gateway")
		gw = gateway.NewFake()
	}

	serviceRepo := catalog.NewServiceRepoPG(pool)
	catalogSvc := catalog.NewCatalog(serviceRepo, catalog.NewComboRepoPG(pool))
	identitySvc := identity.NewService(
		identity.NewPatientRepoPG(pool),
		identity.NewDentistRepoPG(pool),
		identity.NewReceptionistRepoPG(pool),
	)
	engine := treatment.NewEngine(
		pool,
		treatment.NewPlanRepoPG(pool),
		treatment.NewBudgetRepoPG(pool),
		treatment.NewProcedureRepoPG(pool),
		treatment.NewPaymentRepoPG(pool),
		treatment.NewSessionRepoPG(pool),
		serviceRepo,
		treatment.NewCodeSequencerPG(pool),
		gw,
		"PEN",
	)
	scheduler := scheduling.NewScheduler(
		scheduling.NewAppointmentRepoPG(pool),
		scheduling.NewClinicalNoteRepoPG(pool),
		logger,
	)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apierr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", db.TenantKeyHeader},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware())
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.JWTIssuer,
			SigningKey: []byte(cfg.JWTSecret),
		}))
	}

	e.Use(db.TenantMiddleware(pool, directory, cfg.DefaultTenant))
	e.Use(middleware.Audit(logger))
	e.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	e.Use(middleware.RequestTimeout(requestTimeout))

	e.GET("/health", db.HealthHandler(pool))

	apiV1 := e.Group("/api/v1")
	tenant.NewHandler(directory).RegisterRoutes(apiV1)
	identity.NewHandler(identitySvc).RegisterRoutes(apiV1)
	catalog.NewHandler(catalogSvc).RegisterRoutes(apiV1)
	treatment.NewHandler(engine).RegisterRoutes(apiV1)
	scheduling.NewHandler(scheduler).RegisterRoutes(apiV1)

	jobCtx, stopJobs := context.WithCancel(ctx)
	defer stopJobs()
	go backgroundLoop(jobCtx, pool, directory, scheduler, logger)

	// Start server
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("env", cfg.Env).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("shutting down")

	stopJobs()
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

// backgroundLoop runs the stale-appointment sweeper and reminder dispatcher
// on a fixed schedule, iterating every active tenant's partition.
func backgroundLoop(ctx context.Context, pool *pgxpool.Pool, directory *tenant.Service, scheduler *scheduling.Scheduler, logger zerolog.Logger) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	sink := scheduling.ReminderSinkFunc(func(ctx context.Context, a *scheduling.Appointment) error {
		logger.Info().
			Str("appointment_id", a.ID.String()).
			Time("scheduled_at", a.ScheduledAt).
			Msg("appointment reminder due")
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		tenants, _, err := directory.List(ctx, 500, 0)
		if err != nil {
			logger.Error().Err(err).Msg("background loop: list tenants")
			continue
		}
		for _, t := range tenants {
			if !t.Active {
				continue
			}
			err := db.WithTenant(ctx, pool, t.SchemaName, func(ctx context.Context) error {
				if _, err := scheduler.SweepStale(ctx, backgroundBatch); err != nil {
					return err
				}
				_, err := scheduler.DispatchReminders(ctx, reminderWindow, sink, backgroundBatch)
				return err
			})
			if err != nil {
				logger.Error().Err(err).Str("tenant", t.Key).Msg("background loop")
			}
		}
	}
}
