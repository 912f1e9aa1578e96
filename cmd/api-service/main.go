package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/sc-remote/internal/api/handler"
	"github.com/cuongbtq/sc-remote/internal/api/router"
	"github.com/cuongbtq/sc-remote/internal/bootstrap"
	"github.com/cuongbtq/sc-remote/internal/config"
	"github.com/gin-gonic/gin"
	"github.com/spf13/afero"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("API_SERVICE_CONFIG_PATH", "configs/api-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateAPIConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting API service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	dbClient, err := bootstrap.InitDatabase(context.Background(), &cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer dbClient.Close()

	appLogger.Info("Database connection established")

	rabbitClient, err := bootstrap.InitRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}
	defer rabbitClient.Close()

	appLogger.Info("RabbitMQ connection established")

	services := bootstrap.NewServices(cfg, dbClient, afero.NewOsFs(), rabbitClient, appLogger.Logger)

	deps := &router.Dependencies{
		Dependencies: handler.Dependencies{
			Logger:  appLogger.Logger,
			Service: services.Orchestrator,
		},
		Auth:        services.Ledger,
		ServiceName: cfg.App.Name,
		HealthCheck: func(ctx context.Context) error {
			if err := dbClient.HealthCheck(ctx); err != nil {
				return err
			}
			return rabbitClient.HealthCheck(ctx)
		},
	}
	if cfg.RateLimit.Enabled {
		deps.RateLimiter = router.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, cfg.RateLimit.IdleTTL)
	}

	r := initRouter(cfg, deps)

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	appLogger.Info("Starting HTTP server",
		slog.String("address", addr),
		slog.Duration("read_timeout", cfg.Server.ReadTimeout),
		slog.Duration("write_timeout", cfg.Server.WriteTimeout),
		slog.Bool("rate_limit", cfg.RateLimit.Enabled),
	)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Shutting down server...", slog.String("signal", sig.String()))
	case err := <-serveErr:
		appLogger.Error("Server failed", slog.Any("error", err))
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		appLogger.Error("Server forced to shutdown",
			slog.Any("error", err),
		)
		return err
	}

	appLogger.Info("Server shutdown complete")
	return nil
}

// initRouter sets the gin mode for the environment and builds the routes
func initRouter(cfg *config.Config, deps *router.Dependencies) *gin.Engine {
	if cfg.App.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	return router.SetupRouter(deps)
}
