// Package bootstrap wires configuration into the shared clients and services
// used by the service binaries.
package bootstrap

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/cuongbtq/sc-remote/internal/config"
	"github.com/cuongbtq/sc-remote/internal/ledger"
	"github.com/cuongbtq/sc-remote/internal/orchestrator"
	"github.com/cuongbtq/sc-remote/internal/results"
	"github.com/cuongbtq/sc-remote/internal/scheduler"
	"github.com/cuongbtq/sc-remote/internal/storage"
	"github.com/cuongbtq/sc-remote/shared/database"
	applog "github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/cuongbtq/sc-remote/shared/rabbitmq"
	"github.com/joho/godotenv"
	"github.com/spf13/afero"
)

// LoadConfig loads .env, then the YAML file named by -config, envVar or
// defaultPath, in that order of preference.
func LoadConfig(envVar, defaultPath string) (*config.Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	if p := os.Getenv(envVar); p != "" {
		defaultPath = p
	}
	configPath := flag.String("config", defaultPath, "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// InitLogger initializes and configures the application logger
func InitLogger(cfg *config.LoggingConfig) (*applog.Logger, error) {
	return applog.New(&applog.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		NoColor:      cfg.NoColor,
	})
}

// InitDatabase connects to the configured database and applies the schema
func InitDatabase(ctx context.Context, cfg *config.DatabaseConfig, logger *slog.Logger) (*database.Client, error) {
	client, err := database.NewClient(&database.Config{
		Driver:          cfg.Driver,
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		Path:            cfg.Path,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, logger)
	if err != nil {
		return nil, err
	}

	if err := client.Migrate(ctx, storage.Schema(client.Driver())); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return client, nil
}

// InitRabbitMQ initializes the RabbitMQ client
func InitRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
	}, logger)
}

// NewLedger creates the quota ledger on db
func NewLedger(cfg *config.Config, db *database.Client, logger *slog.Logger) *ledger.Ledger {
	return ledger.New(db.GetDB(), ledger.Config{
		Logger:     applog.Component(logger, "ledger"),
		BcryptCost: cfg.Quota.BcryptCost,
	})
}

// Services groups the components both services build the same way
type Services struct {
	Storage      *storage.Storage
	Ledger       *ledger.Ledger
	Results      *results.Store
	Orchestrator *orchestrator.Service
}

// NewServices builds storage, ledger, result store and orchestration service
func NewServices(cfg *config.Config, db *database.Client, afs afero.Fs, publisher orchestrator.Publisher, logger *slog.Logger) *Services {
	s := &Services{
		Storage: storage.NewStorage(db.GetDB(), applog.Component(logger, "storage")),
		Ledger:  NewLedger(cfg, db, logger),
		Results: results.NewStore(afs, results.Config{
			WorkdirRoot: cfg.Scheduler.WorkdirRoot,
			BundleRoot:  cfg.Results.BundleRoot,
			UploadRoot:  cfg.Results.UploadRoot,
		}, applog.Component(logger, "results")),
	}
	s.Orchestrator = orchestrator.NewService(s.Storage, s.Ledger, s.Results, publisher, orchestrator.Config{
		DefaultTimeLimit: cfg.Quota.DefaultTimeLimit,
		MaxTimeLimit:     cfg.Quota.MaxTimeLimit,
		MaxNodes:         cfg.Quota.MaxNodes,
		MaxUploadBytes:   cfg.Quota.MaxUploadBytes,
		ChargeUploads:    cfg.Quota.ChargeUploads,
		BundleRetention:  cfg.Results.Retention,
		DefaultPageSize:  cfg.Server.DefaultPageSize,
		MaxPageSize:      cfg.Server.MaxPageSize,
	}, applog.Component(logger, "orchestrator"))
	return s
}

// NewScheduler builds the configured scheduler adapter wrapped in retries
func NewScheduler(cfg *config.SchedulerConfig, afs afero.Fs, logger *slog.Logger) (scheduler.Scheduler, error) {
	logger = applog.Component(logger, "scheduler")

	var sched scheduler.Scheduler
	switch cfg.Driver {
	case config.SchedulerSlurm:
		sched = scheduler.NewSlurm(scheduler.SlurmConfig{
			Account:     cfg.Slurm.Account,
			Partition:   cfg.Slurm.Partition,
			WorkdirRoot: cfg.WorkdirRoot,
			Command:     cfg.Command,
			SbatchPath:  cfg.Slurm.Sbatch,
			SacctPath:   cfg.Slurm.Sacct,
			ScancelPath: cfg.Slurm.Scancel,
		}, afs, scheduler.ExecRunner, logger)
	case config.SchedulerLocal:
		sched = scheduler.NewLocal(scheduler.LocalConfig{
			WorkdirRoot: cfg.WorkdirRoot,
			Command:     cfg.Command,
			Shell:       cfg.Local.Shell,
		}, afs, logger)
	default:
		return nil, fmt.Errorf("unsupported scheduler driver %q", cfg.Driver)
	}

	return scheduler.NewRetrying(sched, scheduler.RetryConfig{
		MaxAttempts: cfg.Retry.MaxAttempts,
		BaseDelay:   cfg.Retry.BaseDelay,
		MaxDelay:    cfg.Retry.MaxDelay,
		Multiplier:  cfg.Retry.Multiplier,
	}, logger), nil
}
