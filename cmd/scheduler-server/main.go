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
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ffcertificate/scheduler/internal/config"
	"github.com/ffcertificate/scheduler/internal/domain/scheduling"
	"github.com/ffcertificate/scheduler/internal/platform/auth"
	"github.com/ffcertificate/scheduler/internal/platform/codes"
	"github.com/ffcertificate/scheduler/internal/platform/db"
	"github.com/ffcertificate/scheduler/internal/platform/events"
	"github.com/ffcertificate/scheduler/internal/platform/middleware"
	"github.com/ffcertificate/scheduler/internal/platform/pii"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "scheduler-server",
		Short:        "Appointment scheduling API server",
		SilenceUsage: true,
	}

	cmd.AddCommand(serveCmd())
	cmd.AddCommand(migrateCmd())
	cmd.AddCommand(calendarsCmd())
	cmd.AddCommand(piiCmd())
	return cmd
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// app is what every command needs: validated config, a logger, the
// scheduling zone and a database pool.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	loc    *time.Location
	pool   *pgxpool.Pool
}

func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		TimeZone: cfg.TimeZone,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return &app{cfg: cfg, logger: newLogger(cfg.Env), loc: loc, pool: pool}, nil
}

func (rt *app) codec() (*pii.Codec, error) {
	prev, err := rt.cfg.PreviousKeys()
	if err != nil {
		return nil, err
	}
	return pii.NewCodecFromSettings(pii.Settings{
		Key:          rt.cfg.PIIEncryptionKey,
		KeyVersion:   rt.cfg.PIIKeyVersion,
		PreviousKeys: prev,
		HashSecret:   rt.cfg.PIIHashSecret,
	}, rt.logger)
}

// newPublisher returns a Kafka publisher when brokers are configured and a
// log-only publisher otherwise.
func newPublisher(cfg *config.Config, logger zerolog.Logger) (events.Publisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn().Msg("KAFKA_BROKERS not set, booking events are only logged")
		return events.NewLogPublisher(logger), nil
	}
	return events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaBookingTopic, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduling API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	ctx := context.Background()
	rt, err := setup(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start")
	}
	defer rt.pool.Close()
	logger = rt.logger
	logger.Info().Str("timezone", rt.loc.String()).Msg("connected to database")

	codec, err := rt.codec()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure PII codec")
	}
	checkers, err := codes.AllSpaceCheckers(rt.pool)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure code checkers")
	}
	pub, err := newPublisher(rt.cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure event publisher")
	}
	dispatcher := events.NewDispatcher(pub, 256, logger)

	store := scheduling.NewStore(rt.pool, rt.loc)
	svc := scheduling.NewService(scheduling.Options{
		Calendars:       store.Calendars,
		BlockedDates:    store.BlockedDates,
		Appointments:    store.Appointments,
		Codec:           codec,
		Codes:           codes.NewGenerator(logger, checkers),
		Events:          dispatcher,
		Location:        rt.loc,
		ConflictRetries: rt.cfg.BookingConflictRetries,
		Logger:          logger,
	})

	// Reminder sweep
	sweeper := scheduling.NewReminderSweeper(store.Appointments, dispatcher,
		time.Duration(rt.cfg.ReminderLeadHours)*time.Hour, rt.loc, time.Now, logger)
	sched := cron.New(cron.WithLocation(rt.loc), cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := sched.AddFunc(rt.cfg.ReminderSchedule, reminderJob(sweeper, logger)); err != nil {
		logger.Fatal().Err(err).Msg("invalid reminder schedule")
	}
	sched.Start()

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit("64K"))
	e.Use(middleware.RequestTimeout(15 * time.Second))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: rt.cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", "X-Confirmation-Token"},
	}))
	if rt.cfg.AuthSigningKey == "" {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set, bearer tokens are refused and every caller is a guest")
	}
	e.Use(auth.JWTMiddleware(auth.JWTConfig{
		Issuer:     rt.cfg.AuthIssuer,
		SigningKey: []byte(rt.cfg.AuthSigningKey),
	}))

	apiV1 := e.Group("/api/v1")
	handler := scheduling.NewHandler(svc, middleware.RateLimit(middleware.DefaultRateLimitConfig()), logger)
	handler.RegisterRoutes(apiV1)

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	pool := rt.pool
	e.GET("/health/db", db.HealthHandler(pool, func() db.PoolStats { return db.GetPoolStats(pool) }, logger))

	// Graceful shutdown
	go func() {
		addr := ":" + rt.cfg.Port
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
	<-sched.Stop().Done()
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("event dispatcher did not drain")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// reminderJob wraps a sweep for cron. A sweep gets at most two minutes.
func reminderJob(sweeper *scheduling.ReminderSweeper, logger zerolog.Logger) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		n, err := sweeper.Run(ctx)
		if err != nil {
			logger.Error().Err(err).Int("sent", n).Msg("reminder sweep failed")
			return
		}
		if n > 0 {
			logger.Info().Int("sent", n).Msg("reminders queued")
		}
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
			ctx := context.Background()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.pool.Close()

			migrator := db.NewMigrator(rt.pool, migrationsDir(cmd, rt.cfg), rt.logger)
			count, err := migrator.Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.pool.Close()

			migrator := db.NewMigrator(rt.pool, migrationsDir(cmd, rt.cfg), rt.logger)
			statuses, err := migrator.Status(ctx)
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
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func migrationsDir(cmd *cobra.Command, cfg *config.Config) string {
	if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		return dir
	}
	return cfg.MigrationsDir
}

func calendarsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "calendars",
		Short: "Manage calendars",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Create or replace calendars and blocked dates from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			ctx := context.Background()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.pool.Close()

			store := scheduling.NewStore(rt.pool, rt.loc)
			im := scheduling.NewImporter(store.Calendars, store.BlockedDates, store, rt.loc, rt.logger)
			res, err := im.Import(ctx, f)
			if err != nil {
				return fmt.Errorf("import %s: %w", path, err)
			}

			fmt.Printf("Imported %d calendar(s) and %d blocked date(s).\n", res.Calendars, res.BlockedDates)
			return nil
		},
	}
	importCmd.Flags().StringP("file", "f", "", "YAML calendar file")
	_ = importCmd.MarkFlagRequired("file")
	cmd.AddCommand(importCmd)

	return cmd
}

func piiCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pii",
		Short: "Personal data maintenance",
	}

	reencryptCmd := &cobra.Command{
		Use:   "reencrypt",
		Short: "Re-encrypt contact data under the current key and encrypt legacy plaintext",
		RunE: func(cmd *cobra.Command, args []string) error {
			batch, _ := cmd.Flags().GetInt("batch")
			if batch < 1 {
				return fmt.Errorf("--batch must be positive, got %d", batch)
			}

			ctx := context.Background()
			rt, err := setup(ctx)
			if err != nil {
				return err
			}
			defer rt.pool.Close()

			codec, err := rt.codec()
			if err != nil {
				return err
			}
			store := scheduling.NewStore(rt.pool, rt.loc)
			res, err := scheduling.NewRekeyer(store.Appointments, codec, batch, rt.logger).Run(ctx)
			if err != nil {
				return fmt.Errorf("re-encryption failed: %w", err)
			}

			fmt.Printf("%-12s %d\n", "scanned", res.Scanned)
			fmt.Printf("%-12s %d\n", "updated", res.Updated)
			fmt.Printf("%-12s %d\n", "rotated", res.Rotated)
			fmt.Printf("%-12s %d\n", "encrypted", res.Encrypted)
			fmt.Printf("%-12s %d\n", "failed", res.Failed)
			if res.Failed > 0 {
				return fmt.Errorf("%d appointment(s) could not be re-encrypted, see log", res.Failed)
			}
			return nil
		},
	}
	reencryptCmd.Flags().Int("batch", 200, "Appointments per batch")
	cmd.AddCommand(reencryptCmd)

	return cmd
}
