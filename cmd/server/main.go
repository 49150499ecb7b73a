package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/saeid-a/CounselBack/internal/config"
	"github.com/saeid-a/CounselBack/internal/database"
	"github.com/saeid-a/CounselBack/internal/logging"
	"github.com/saeid-a/CounselBack/internal/routes"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// 1. Load Config
	cfg, err := config.LoadConfig()
	if err != nil {
		bootLogger := logging.New(os.Getenv("APP_ENV"))
		bootLogger.Fatal().Err(err).Msg("failed to load config")
	}
	logger := logging.New(cfg.AppEnv)

	// 2. Connect to Database
	if cfg.DBUrl == "" {
		logger.Fatal().Msg("DB_URL is required")
	}
	if err := database.ConnectDB(cfg.DBUrl, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer database.CloseDB()

	svc, err := routes.NewServices(cfg, database.DB, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build services")
	}

	// 3. Setup Fiber
	app := fiber.New(fiber.Config{DisableStartupMessage: !cfg.IsDevelopment()})

	// Middleware
	app.Use(cors.New())
	app.Use(fiberlogger.New())
	app.Use(recover.New())

	// Routes
	app.Get("/health", func(c *fiber.Ctx) error {
		if err := database.DB.Ping(c.Context()); err != nil {
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"status": "degraded",
			})
		}
		return c.JSON(fiber.Map{
			"status": "ok",
		})
	})
	if err := routes.RegisterRoutes(app, cfg, svc); err != nil {
		logger.Fatal().Err(err).Msg("failed to register routes")
	}

	// 4. Background reconciliation
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go svc.Settlements.RunReconciler(ctx, cfg.ReconcileInterval, cfg.ReconcileBatchSize)

	// 5. Start Server
	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("server starting")
		serverErr <- app.Listen(":" + cfg.Port)
	}()

	select {
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("server failed")
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}
}
