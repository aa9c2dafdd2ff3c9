package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/materna-health/materna/internal/config"
	"github.com/materna-health/materna/internal/domain/appointment"
	"github.com/materna-health/materna/internal/domain/patient"
	"github.com/materna-health/materna/internal/platform/auth"
	"github.com/materna-health/materna/internal/platform/db"
	"github.com/materna-health/materna/internal/platform/doctormodule"
	"github.com/materna-health/materna/internal/platform/metrics"
	"github.com/materna-health/materna/internal/platform/middleware"
	"github.com/materna-health/materna/internal/platform/notification"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "patient-server",
		Short: "Materna patient module API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(remindCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the patient module server",
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
			dir, _ := cmd.Flags().GetString("dir")

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

			count, err := db.NewMigrator(pool, dir).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "./migrations/patient", "Path to migrations directory")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")

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

			statuses, err := db.NewMigrator(pool, dir).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

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
	statusCmd.Flags().String("dir", "./migrations/patient", "Path to migrations directory")
	cmd.AddCommand(statusCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Rollback last migration (not supported)",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Println("WARNING: migrate down is destructive and not supported by the built-in runner.")
			fmt.Println("Restore from a backup or write a forward migration instead.")
			return nil
		},
	})

	return cmd
}

func remindCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remind",
		Short: "Send reminder emails for upcoming appointments",
		Long:  "Sweeps appointments inside the reminder lookahead window once, or repeatedly when --interval is set.",
		RunE: func(cmd *cobra.Command, args []string) error {
			interval, _ := cmd.Flags().GetDuration("interval")

			logger := newLogger()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.DoctorModuleURL == "" {
				return fmt.Errorf("DOCTOR_MODULE_URL is required")
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			col := metrics.NewCollector("patient_module")
			remote := doctormodule.NewClient(cfg.DoctorModuleURL,
				time.Duration(cfg.RemoteTimeoutSecs)*time.Second, col, logger)
			apptSvc := appointment.NewService(appointment.NewRepoPG(pool), remote, col, logger)
			notifs := buildNotifications(cfg, logger)
			worker := appointment.NewReminderWorker(apptSvc, notifs, remote,
				time.Duration(cfg.ReminderLookaheadHours)*time.Hour, col, logger)

			if interval > 0 {
				runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				logger.Info().Dur("interval", interval).Msg("reminder loop started")
				return worker.Run(runCtx, interval)
			}

			run, err := worker.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("reminders: %d due, %d sent, %d failed, %d skipped\n",
				run.Due, run.Sent, run.Failed, run.Skipped)
			return nil
		},
	}
	cmd.Flags().Duration("interval", 0, "Repeat interval (0 runs a single sweep)")
	return cmd
}

func newLogger() zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger
}

// buildNotifications wires the outbound email channel. Without SMTP
// settings, delivery degrades to structured log lines so local stacks
// work without a relay. No SMS provider is wired; texts are logged.
func buildNotifications(cfg *config.Config, logger zerolog.Logger) *notification.Manager {
	var email notification.EmailSender
	if cfg.SMTPHost != "" {
		email = &notification.SMTPSender{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		}
		logger.Info().Str("host", cfg.SMTPHost).Msg("email delivery via smtp")
	} else {
		email = notification.NewLogSender(logger)
		logger.Warn().Msg("SMTP_HOST not set, email delivery is log-only")
	}
	return notification.NewManager(email, notification.NewLogSender(logger), notification.NewTemplateEngine())
}

func runServer() error {
	// Logger
	logger := newLogger()

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.DoctorModuleURL == "" {
		logger.Fatal().Msg("DOCTOR_MODULE_URL is required")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	col := metrics.NewCollector("patient_module")

	// Doctor module client
	remote := doctormodule.NewClient(cfg.DoctorModuleURL,
		time.Duration(cfg.RemoteTimeoutSecs)*time.Second, col, logger)
	logger.Info().Str("url", cfg.DoctorModuleURL).Msg("doctor module client ready")

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("1M", "25M"))
	e.Use(middleware.RequestTimeout(30 * time.Second))
	e.Use(metrics.Middleware(col))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID"},
	}))

	// Tokens are verified per group so health probes and register/login
	// stay tokenless. DevAuth only kicks in when no secret is set, so
	// locally issued logins still verify in dev.
	authMW := auth.JWTMiddleware([]byte(cfg.JWTSecret))
	if cfg.IsDev() && cfg.JWTSecret == "" {
		authMW = auth.DevAuthMiddleware()
	}

	apiV1 := e.Group("/api/v1", authMW)
	authn := e.Group("/api/v1")

	// Rate limiting middleware
	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))
	authn.Use(middleware.RateLimit(rateLimitCfg))

	// Domain wiring
	tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, time.Duration(cfg.JWTExpiryHours)*time.Hour)

	patientSvc := patient.NewService(patient.NewRepoPG(pool), tokens)
	patient.NewHandler(patientSvc).RegisterRoutes(apiV1, authn)

	apptSvc := appointment.NewService(appointment.NewRepoPG(pool), remote, col, logger)
	appointment.NewHandler(apptSvc).RegisterRoutes(apiV1)

	notifs := buildNotifications(cfg, logger)
	notification.NewHandler(notifs).RegisterRoutes(apiV1)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "patient-module",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting patient module")
		var err error
		if cfg.TLSEnabled {
			err = e.StartTLS(addr, cfg.TLSCertFile, cfg.TLSKeyFile)
		} else {
			err = e.Start(addr)
		}
		if err != nil && err != http.ErrServerClosed {
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
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
