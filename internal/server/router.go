package server

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Solvire/gramline/internal/cache"
	"github.com/Solvire/gramline/internal/config"
	"github.com/Solvire/gramline/internal/cryptox"
	"github.com/Solvire/gramline/internal/database"
	"github.com/Solvire/gramline/internal/domain/auth"
	"github.com/Solvire/gramline/internal/domain/authflow"
	"github.com/Solvire/gramline/internal/domain/pool"
	"github.com/Solvire/gramline/internal/domain/session"
	"github.com/Solvire/gramline/internal/domain/status"
	"github.com/Solvire/gramline/internal/governor"
	"github.com/Solvire/gramline/internal/remote"
	"github.com/Solvire/gramline/internal/remote/devnet"
	"github.com/Solvire/gramline/internal/utils"
	"github.com/gofiber/fiber/v2"
)

// Runtime holds the long-lived services whose background loops the server
// drives after route setup.
type Runtime struct {
	flow *authflow.Service
	pool *pool.Manager
}

// SetupRoutes wires the repositories, services, and HTTP routes onto the
// provided Fiber app. All /v1/telegram routes require a bearer token issued
// by the CRM's identity service.
func SetupRoutes(app *fiber.App, envConfig *config.Environment, cfg *config.Config) (*Runtime, error) {
	codec, err := buildCodec(envConfig, cfg)
	if err != nil {
		return nil, err
	}

	dialer, err := buildDialer(cfg)
	if err != nil {
		return nil, err
	}

	sessionRepo := session.NewRepository(database.DB)
	store := session.NewStore(sessionRepo, codec)
	states := authflow.NewRedisStateStore(cache.RedisClient)

	gov := governor.New(governor.Config{
		MaxWait:     cfg.Flood.MaxWait.Std(),
		ExtremeWait: cfg.Flood.ExtremeWait.Std(),
		MinInterval: cfg.Flood.MinInterval.Std(),
		MaxRetries:  uint64(cfg.Flood.MaxRetries),
	})

	flowService := authflow.NewService(states, store, dialer, gov, authflow.Config{
		CodeTTL:       cfg.Flow.CodeTTL.Std(),
		AppID:         cfg.Telegram.AppID,
		AppHash:       cfg.Telegram.AppHash,
		DeviceModel:   cfg.Telegram.DeviceModel,
		SystemVersion: cfg.Telegram.SystemVersion,
		AppVersion:    cfg.Telegram.AppVersion,
		LangCode:      cfg.Telegram.LangCode,
	})

	broadcaster := status.NewBroadcaster()

	poolManager := pool.NewManager(store, dialer, gov, broadcaster, pool.Config{
		MaxSize:        cfg.Pool.MaxSize,
		IdleTimeout:    cfg.Pool.IdleTimeout.Std(),
		HealthInterval: cfg.Pool.HealthInterval.Std(),
		ErrorThreshold: cfg.Pool.ErrorThreshold,
		AppID:          cfg.Telegram.AppID,
		AppHash:        cfg.Telegram.AppHash,
		DeviceModel:    cfg.Telegram.DeviceModel,
		SystemVersion:  cfg.Telegram.SystemVersion,
		AppVersion:     cfg.Telegram.AppVersion,
		LangCode:       cfg.Telegram.LangCode,
	})

	keyStore, err := auth.LoadKeys(cfg.Auth.KeysPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys: %w", err)
	}

	flowHandler := authflow.NewHandler(flowService, poolManager, store, broadcaster)
	statusHandler := status.NewHandler(broadcaster)

	api := app.Group("/v1")
	api.Get("/health", healthHandler)

	telegram := api.Group("/telegram")
	telegram.Use(auth.Middleware(keyStore, cfg.Auth.Issuer, cfg.Auth.Audience))

	authGroup := telegram.Group("/auth")
	authGroup.Post("/request-code", flowHandler.RequestCode)
	authGroup.Post("/verify-code", flowHandler.VerifyCode)
	authGroup.Post("/verify-2fa", flowHandler.Verify2FA)

	telegram.Post("/logout", flowHandler.Logout)
	telegram.Get("/status", statusHandler.Current)
	telegram.Get("/status/stream", statusHandler.Stream)

	return &Runtime{flow: flowService, pool: poolManager}, nil
}

// buildCodec derives the session encryption key. The passphrase comes from
// the environment; production refuses to start without one.
func buildCodec(envConfig *config.Environment, cfg *config.Config) (*cryptox.Codec, error) {
	passphrase := envConfig.SessionKey
	if passphrase == "" {
		if envConfig.Environment == config.EnvironmentProduction {
			return nil, fmt.Errorf("SESSION_ENC_KEY must be set in production")
		}
		slog.Warn("SESSION_ENC_KEY not set, using development key")
		passphrase = "dev-only-session-key"
	}

	return cryptox.NewCodec(cryptox.DeriveKey(passphrase, cfg.Crypto.KeySalt))
}

// buildDialer selects the remote-network backend. The embedded simulator is
// the only backend shipped with this build; a production SDK adapter plugs in
// here.
func buildDialer(cfg *config.Config) (remote.Dialer, error) {
	switch cfg.Telegram.Backend {
	case "dev":
		net := devnet.New()
		// Fixed dev account so the flow can be exercised end to end
		net.AddAccount(devnet.Account{
			Phone:    "+15550000001",
			Code:     "12345",
			Identity: remote.Identity{ID: 1, Username: "devaccount", DisplayName: "Dev Account", Phone: "+15550000001"},
		})
		slog.Info("Using embedded network simulator", "dev_phone", "+15550000001")
		return net, nil
	default:
		return nil, fmt.Errorf("unknown telegram backend %q", cfg.Telegram.Backend)
	}
}

func healthHandler(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
	defer cancel()

	checks := fiber.Map{"database": "ok", "redis": "ok"}
	healthy := true

	if sqlDB, err := database.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		checks["database"] = "unreachable"
		healthy = false
	}
	if err := cache.RedisClient.Ping(ctx).Err(); err != nil {
		checks["redis"] = "unreachable"
		healthy = false
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"success": false,
			"data":    checks,
		})
	}
	return utils.SuccessResponse(c, checks, "healthy")
}
