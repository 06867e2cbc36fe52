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

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/trialcare/trialcare/internal/config"
	"github.com/trialcare/trialcare/internal/domain/admin"
	"github.com/trialcare/trialcare/internal/domain/authz"
	"github.com/trialcare/trialcare/internal/domain/invitation"
	"github.com/trialcare/trialcare/internal/domain/role"
	"github.com/trialcare/trialcare/internal/platform/apperr"
	"github.com/trialcare/trialcare/internal/platform/auth"
	"github.com/trialcare/trialcare/internal/platform/db"
	"github.com/trialcare/trialcare/internal/platform/middleware"
	"github.com/trialcare/trialcare/internal/platform/notification"
	"github.com/trialcare/trialcare/internal/platform/telemetry"
	"github.com/trialcare/trialcare/internal/platform/token"
	"github.com/trialcare/trialcare/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "trialcare-server",
		Short:        "Study access and invitation API server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(invitationsCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg != nil && cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	if cfg != nil {
		if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
			logger = logger.Level(lvl)
		}
	}
	return logger
}

// openDatabase loads the config and connects to Postgres.
func openDatabase(ctx context.Context) (*config.Config, *pgxpool.Pool, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	return cfg, pool, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
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

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			count, err := db.NewMigrator(pool, migrations.FS).Up(ctx)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, pool, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, migrations.FS).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd, statuses)
			return nil
		},
	})

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status, appliedAt := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func invitationsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invitations",
		Short: "Invitation maintenance",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "sweep",
		Short: "Delete expired invitations once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, pool, err := openDatabase(ctx)
			if err != nil {
				return err
			}
			defer pool.Close()

			a, err := newApp(cfg, pool, nil, newLogger(cfg))
			if err != nil {
				return err
			}
			n, err := a.invitations.SweepExpired(ctx)
			if err != nil {
				return fmt.Errorf("sweep failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d expired invitation(s).\n", n)
			return nil
		},
	})

	return cmd
}

// app holds the wired server.
type app struct {
	cfg         *config.Config
	logger      zerolog.Logger
	echo        *echo.Echo
	admin       *admin.Service
	invitations *invitation.Service
	metrics     *telemetry.Provider
}

// newApp wires every component. rdb may be nil, in which case public
// endpoints are limited per process.
func newApp(cfg *config.Config, pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) (*app, error) {
	metrics := telemetry.NewProvider()

	// Directory of organizations, deployments and users.
	adminSvc := admin.NewService(
		admin.NewOrganizationRepo(pool),
		admin.NewDeploymentRepo(pool),
		admin.NewUserRepo(pool),
		logger,
	)
	roleCache := role.NewCachedResolver(adminSvc, cfg.RoleCacheSize, cfg.RoleCacheTTL)
	adminSvc.SetRoleCache(roleCache)
	factory := role.NewFactory(roleCache)

	// Notifications.
	var sender notification.EmailSender = notification.NewLogSender(logger)
	if cfg.SMTPHost != "" {
		sender = notification.NewSMTPSender(notification.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
		})
	}
	mailer := notification.NewMailer(notification.NewTemplateEngine(), sender, logger)
	adminSvc.SetRoleNotifier(mailer)

	// Invitations.
	table, err := loadPermissions(cfg.InvitationPermissions)
	if err != nil {
		return nil, err
	}
	personal, proxy, err := cfg.InvitationExpiry()
	if err != nil {
		return nil, err
	}
	invCfg := invitation.DefaultConfig()
	invCfg.ExpiresIn = personal
	invCfg.ProxyExpiresIn = proxy
	invCfg.MaxResendTimes = cfg.MaxInvitationResendTimes
	invCfg.ShortCodeLength = cfg.ShortCodeLength
	invCfg.LinkBaseURL = cfg.InvitationLinkBaseURL

	invRepo := invitation.NewRepo(pool)
	policy := invitation.NewPolicy(table, adminSvc, factory, invRepo)
	tokens := token.NewIssuer(cfg.InvitationKey(), cfg.AuthIssuer)
	invSvc := invitation.NewService(invRepo, adminSvc, policy, factory, tokens, invCfg, logger)
	invSvc.SetNotifier(mailer)
	invSvc.SetMetrics(metrics)
	if pool != nil {
		invSvc.SetTxRunner(db.NewTxRunner(pool))
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, authz.OrganizationHeader, authz.DeploymentHeader},
	}))

	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: cfg.AuthKey(),
			Skipper:    auth.AuthSkipper,
		}))
	}

	var checks []db.Check
	if rdb != nil {
		checks = append(checks, db.Check{Name: "redis", Probe: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}
	e.GET("/health", db.HealthHandler(pool, checks...))
	e.GET("/metrics", metrics.Handler())

	// Authenticated API.
	invHandler := invitation.NewHandler(invSvc)
	apiV1 := e.Group("/api/v1", authz.Middleware(adminSvc, factory))
	invHandler.RegisterRoutes(apiV1)
	admin.NewHandler(adminSvc, factory).RegisterRoutes(
		apiV1.Group("/admin"),
		authz.RequirePermission(role.PermissionManageOrganization),
		authz.RequireSuperAdmin(),
	)

	// Public API, rate limited per client.
	public := e.Group("/api/public/v1beta")
	if rdb != nil {
		limiter := middleware.NewDistributedRateLimiter(rdb, middleware.WindowConfig{
			RequestsPerWindow: cfg.PublicRateLimitBurst,
			Window:            cfg.PublicRateLimitWindow,
		}, "ratelimit:public")
		public.Use(limiter.Middleware(logger))
	} else {
		public.Use(middleware.RateLimit(middleware.RateLimitConfig{
			RequestsPerSecond: cfg.PublicRateLimitRPS,
			BurstSize:         cfg.PublicRateLimitBurst,
		}))
	}
	invHandler.RegisterPublicRoutes(public)

	return &app{
		cfg:         cfg,
		logger:      logger,
		echo:        e,
		admin:       adminSvc,
		invitations: invSvc,
		metrics:     metrics,
	}, nil
}

func loadPermissions(path string) (*invitation.PermissionTable, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read invitation permissions: %w", err)
	}
	table, err := invitation.ParsePermissions(data)
	if err != nil {
		return nil, fmt.Errorf("parse invitation permissions %s: %w", path, err)
	}
	return table, nil
}

// sweeper deletes expired invitations.
type sweeper interface {
	SweepExpired(ctx context.Context) (int, error)
}

// scheduleSweep registers the periodic expiry sweep on c.
func scheduleSweep(c *cron.Cron, spec string, s sweeper, logger zerolog.Logger) error {
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.SweepExpired(ctx); err != nil {
			logger.Error().Err(err).Msg("invitation sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("schedule invitation sweep %q: %w", spec, err)
	}
	return nil
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return client, nil
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer rdb.Close()
		logger.Info().Msg("connected to redis")
	}

	a, err := newApp(cfg, pool, rdb, logger)
	if err != nil {
		return err
	}

	scheduler := cron.New()
	if err := scheduleSweep(scheduler, cfg.InvitationSweepSchedule, a.invitations, logger); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := a.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		logger.Info().Str("schedule", cfg.InvitationSweepSchedule).Msg("invitation sweep scheduled")
		<-gctx.Done()
		<-scheduler.Stop().Done()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.echo.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
