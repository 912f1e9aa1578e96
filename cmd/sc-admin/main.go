package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuongbtq/sc-remote/internal/admin"
	"github.com/cuongbtq/sc-remote/internal/bootstrap"
	"github.com/cuongbtq/sc-remote/internal/config"
	"github.com/cuongbtq/sc-remote/internal/ledger"
	"github.com/joho/godotenv"
)

func main() {
	// Secrets such as DATABASE_PASSWORD may come from .env
	_ = godotenv.Load()

	defaultConfig := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfig == "" {
		defaultConfig = "configs/api-service/config.yaml"
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := admin.Execute(ctx, &admin.App{
		Out:           os.Stdout,
		Err:           os.Stderr,
		Open:          openLedger,
		DefaultConfig: defaultConfig,
	}, os.Args[1:])
	stop()
	os.Exit(code)
}

// openLedger connects to the database named in the service config
func openLedger(ctx context.Context, configPath string) (*ledger.Ledger, func() error, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.ValidateDatabase(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}

	// Only problems are worth printing next to command output
	cfg.Logging.Level = "warn"
	cfg.Logging.Output = "stderr"
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbClient, err := bootstrap.InitDatabase(ctx, &cfg.Database, appLogger.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	return bootstrap.NewLedger(cfg, dbClient, appLogger.Logger), dbClient.Close, nil
}
