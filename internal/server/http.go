package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Solvire/gramline/internal/cache"
	"github.com/Solvire/gramline/internal/config"
	"github.com/Solvire/gramline/internal/database"
	"github.com/Solvire/gramline/internal/migrations"
	"github.com/Solvire/gramline/internal/utils"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/helmet"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// Start initializes logging, connects to the database and Redis, runs
// migrations, wires the domain services, and serves HTTP until interrupted.
// Background loops (connection health checks, idle eviction, abandoned-flow
// cleanup) run for the lifetime of the process and are drained on shutdown.
func Start(cfg *config.Config) error {
	initLogger(cfg.Logging.Level)

	app := fiber.New(fiber.Config{
		BodyLimit: 1 * 1024 * 1024, // 1MB, auth payloads are tiny
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			var apiErr *utils.APIError
			if errors.As(err, &apiErr) {
				return c.Status(apiErr.Status).JSON(fiber.Map{
					"success": false,
					"code":    apiErr.Code,
					"error":   apiErr.Message,
					"details": apiErr.Details,
				})
			}

			var e *fiber.Error
			if errors.As(err, &e) {
				return utils.ErrorResponse(c, e.Message, e.Code)
			}

			slog.Error("unhandled request error", "error", err, "path", c.Path())
			return utils.ErrorResponse(c, "An unexpected error occurred", fiber.StatusInternalServerError)
		},
	})

	// Use Helmet for security headers
	app.Use(helmet.New())

	// Configure Rate Limiting
	app.Use(limiter.New(limiter.Config{
		Max:        cfg.Server.RateLimit.Max,
		Expiration: cfg.Server.RateLimit.Expiration.Std(),
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return utils.ErrorResponse(c, "Too many requests, please try again later.", fiber.StatusTooManyRequests)
		},
	}))

	// Configure CORS
	app.Use(cors.New(cors.Config{
		AllowOrigins:     strings.Join(cfg.Server.AllowedOrigins, ","),
		AllowMethods:     "GET,POST,PUT,DELETE,PATCH,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: true,
		ExposeHeaders:    "Content-Length",
		MaxAge:           3600,
	}))

	if err := database.ConnectDB(cfg); err != nil {
		slog.Error("Failed to connect to database", "error", err)
		return err
	}
	slog.Info("Database connected successfully")

	if err := cache.ConnectRedis(&cfg.Redis); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		return err
	}

	if err := migrations.RunMigrations(); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return err
	}
	slog.Info("Migrations completed successfully")

	envConfig := config.LoadEnv()
	slog.Info("Environment loaded", "environment", envConfig.Environment.String())

	rt, err := SetupRoutes(app, envConfig, cfg)
	if err != nil {
		slog.Error("Failed to setup routes", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go rt.flow.Run(ctx)
	go rt.pool.Run(ctx)

	addr := cfg.Server.Address()
	slog.Info("Server starting",
		"address", addr,
		"app", cfg.App.Name,
	)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- app.Listen(addr)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			slog.Error("Failed to start server", "error", err)
		}
		return err
	case <-ctx.Done():
		slog.Info("Shutting down")
	}

	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		slog.Error("Forced shutdown", "error", err)
	}

	// Give the Run loops a moment to disconnect remote sessions cleanly
	stop()
	time.Sleep(100 * time.Millisecond)

	if err := cache.CloseRedis(); err != nil {
		slog.Error("Failed to close Redis", "error", err)
	}

	return nil
}

func initLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	slog.SetDefault(slog.New(handler))
}
