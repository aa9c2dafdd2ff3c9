package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/materna-health/materna/internal/config"
	"github.com/materna-health/materna/internal/domain/availability"
	"github.com/materna-health/materna/internal/domain/chat"
	"github.com/materna-health/materna/internal/domain/doctor"
	"github.com/materna-health/materna/internal/platform/auth"
	"github.com/materna-health/materna/internal/platform/blobstore"
	"github.com/materna-health/materna/internal/platform/db"
	"github.com/materna-health/materna/internal/platform/metrics"
	"github.com/materna-health/materna/internal/platform/middleware"
	"github.com/materna-health/materna/internal/platform/summary"
	"github.com/materna-health/materna/internal/platform/websocket"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "doctor-server",
		Short: "Materna doctor module API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the doctor module server",
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
	upCmd.Flags().String("dir", "./migrations/doctor", "Path to migrations directory")
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
	statusCmd.Flags().String("dir", "./migrations/doctor", "Path to migrations directory")
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

func runServer() error {
	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("ENV") == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	// Database
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	col := metrics.NewCollector("doctor_module")

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

	// Tokens are verified per group so health probes, the public mirror
	// and register/login stay tokenless. DevAuth only kicks in when no
	// secret is set, so locally issued logins still verify in dev.
	authMW := auth.JWTMiddleware([]byte(cfg.JWTSecret))
	if cfg.IsDev() && cfg.JWTSecret == "" {
		authMW = auth.DevAuthMiddleware()
	}

	apiV1 := e.Group("/api/v1", authMW)
	authn := e.Group("/api/v1")
	public := e.Group("/public")

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
	public.Use(middleware.RateLimit(rateLimitCfg))

	// The public mirror is read-only and short-lived cacheable.
	var cacheStore middleware.CacheStore
	if cfg.RedisURL != "" {
		client, err := middleware.NewRedisClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer client.Close()
		cacheStore = middleware.NewRedisCacheStore(client, "doctor-module")
		logger.Info().Msg("response cache backed by redis")
	} else {
		mem := middleware.NewInMemoryCacheStore()
		mem.StartCleanup(ctx, time.Minute)
		cacheStore = mem
	}
	public.Use(middleware.ResponseCache(cacheStore, 30*time.Second))

	// Domain wiring
	tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, time.Duration(cfg.JWTExpiryHours)*time.Hour)

	doctorSvc := doctor.NewService(doctor.NewRepoPG(pool), tokens)
	doctor.NewHandler(doctorSvc).RegisterRoutes(apiV1, public, authn)

	availSvc := availability.NewService(availability.NewRepoPG(pool), col)
	availability.NewHandler(availSvc).RegisterRoutes(apiV1, public)

	blobs := blobstore.NewInMemoryBlobStore()
	blobstore.NewBlobHandler(blobs).RegisterRoutes(apiV1)

	hub := websocket.NewHub(logger)
	websocket.NewWebSocketHandler(hub).RegisterRoutes(apiV1)

	chatSvc := chat.NewService(chat.NewRepoPG(pool), blobs, hub, logger)
	chat.NewHandler(chatSvc).RegisterRoutes(apiV1)

	summarySvc := summary.NewHandler(summary.NewTemplateGenerator(), chatMessageSource{svc: chatSvc})
	summarySvc.RegisterRoutes(apiV1)

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"service": "doctor-module",
			"version": version,
		})
	})
	e.GET("/health/db", db.HealthHandler(pool))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting doctor module")
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

// chatMessageSource adapts the chat service to the visit-summary
// builder. Messages come back newest first from storage and are
// reversed here so summaries read chronologically.
type chatMessageSource struct {
	svc *chat.Service
}

func (s chatMessageSource) RecentLines(ctx context.Context, threadID, callerID, callerRole string, limit int) ([]summary.ChatLine, error) {
	msgs, err := s.svc.RecentMessages(ctx, threadID, callerID, callerRole, limit)
	if err != nil {
		return nil, err
	}
	lines := make([]summary.ChatLine, 0, len(msgs))
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		content := m.Content
		if content == "" && m.AttachmentName != "" {
			content = "[attachment] " + m.AttachmentName
		}
		lines = append(lines, summary.ChatLine{
			SenderRole: m.SenderRole,
			Content:    content,
			SentAt:     m.CreatedAt,
		})
	}
	return lines, nil
}

func seedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Populate the database with demo doctors and availability",
		RunE: func(cmd *cobra.Command, args []string) error {
			doctors, _ := cmd.Flags().GetInt("doctors")
			days, _ := cmd.Flags().GetInt("days")

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

			return seedDoctors(ctx, pool, cfg, doctors, days)
		},
	}
	cmd.Flags().Int("doctors", 5, "Number of demo doctors to create")
	cmd.Flags().Int("days", 7, "Days of availability per doctor, starting tomorrow")
	return cmd
}

var seedSpecializations = []string{
	"Obstetrics",
	"Gynecology",
	"Maternal-Fetal Medicine",
	"Midwifery",
	"Neonatology",
	"Lactation Consulting",
}

var seedVisitTypes = []struct {
	name  string
	mins  int
	price float64
}{
	{"Prenatal Checkup", 30, 150},
	{"Ultrasound Review", 30, 200},
	{"Postpartum Consultation", 30, 120},
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config, count, days int) error {
	gofakeit.Seed(time.Now().UnixNano())

	tokens := auth.NewTokenIssuer([]byte(cfg.JWTSecret), cfg.JWTIssuer, time.Duration(cfg.JWTExpiryHours)*time.Hour)
	doctorSvc := doctor.NewService(doctor.NewRepoPG(pool), tokens)
	availSvc := availability.NewService(availability.NewRepoPG(pool), nil)

	for i := 0; i < count; i++ {
		first := gofakeit.FirstName()
		last := gofakeit.LastName()
		d, err := doctorSvc.Register(ctx, doctor.RegisterInput{
			Username: fmt.Sprintf("%s%s%d", strings.ToLower(first), strings.ToLower(last), i),
			Email:    fmt.Sprintf("%s.%s%d@materna.example", strings.ToLower(first), strings.ToLower(last), i),
			Mobile:   fmt.Sprintf("9%09d", gofakeit.Number(0, 999999999)),
			Password: "demo-password-1",
		})
		if err != nil {
			return fmt.Errorf("register doctor %d: %w", i, err)
		}

		spec := seedSpecializations[gofakeit.Number(0, len(seedSpecializations)-1)]
		years := gofakeit.Number(2, 25)
		license := fmt.Sprintf("LIC-%06d", gofakeit.Number(100000, 999999))
		hospital := gofakeit.Company() + " Hospital"
		city := gofakeit.City()
		state := gofakeit.State()
		fee := float64(gofakeit.Number(80, 300))
		if _, err := doctorSvc.CompleteProfile(ctx, d.DoctorID, doctor.UpdateInput{
			FirstName:       &first,
			LastName:        &last,
			Specialization:  &spec,
			ExperienceYears: &years,
			LicenseNumber:   &license,
			HospitalName:    &hospital,
			City:            &city,
			State:           &state,
			ConsultationFee: &fee,
		}); err != nil {
			return fmt.Errorf("complete profile %s: %w", d.DoctorID, err)
		}

		for day := 1; day <= days; day++ {
			date := time.Now().AddDate(0, 0, day).Format("2006-01-02")
			if _, err := availSvc.CreateDailyAvailability(ctx, d.DoctorID, seedDay(date)); err != nil {
				return fmt.Errorf("availability %s %s: %w", d.DoctorID, date, err)
			}
		}

		fmt.Printf("seeded doctor %s (%s %s, %s)\n", d.DoctorID, first, last, spec)
	}

	fmt.Printf("seeded %d doctor(s) with %d day(s) of availability each.\n", count, days)
	return nil
}

func seedDay(date string) availability.CreateInput {
	types := make([]availability.TypeGroupInput, 0, len(seedVisitTypes))
	for _, vt := range seedVisitTypes {
		types = append(types, availability.TypeGroupInput{
			Type:         vt.name,
			DurationMins: vt.mins,
			Price:        vt.price,
			Currency:     "USD",
			Slots:        seedSlots(),
		})
	}
	consultation := availability.ConsultationOnline
	if gofakeit.Bool() {
		consultation = availability.ConsultationInPerson
	}
	return availability.CreateInput{
		Date:             date,
		ConsultationType: consultation,
		WorkHours:        availability.WorkHours{StartTime: "09:00", EndTime: "17:00"},
		Types:            types,
		Breaks:           []availability.Break{{StartTime: "12:30", EndTime: "13:30"}},
	}
}

// seedSlots cuts the 09:00-17:00 work day into a 30-minute grid,
// leaving out the 12:30-13:30 lunch break. Slot IDs are assigned by
// the service.
func seedSlots() []availability.SlotInput {
	booked := false
	var slots []availability.SlotInput
	for hour := 9; hour < 17; hour++ {
		for _, min := range []int{0, 30} {
			if (hour == 12 && min == 30) || (hour == 13 && min == 0) {
				continue
			}
			endH, endM := hour, min+30
			if endM == 60 {
				endH, endM = hour+1, 0
			}
			slots = append(slots, availability.SlotInput{
				StartTime: fmt.Sprintf("%02d:%02d", hour, min),
				EndTime:   fmt.Sprintf("%02d:%02d", endH, endM),
				IsBooked:  &booked,
			})
		}
	}
	return slots
}
