package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/cuongbtq/sc-remote/internal/bootstrap"
	"github.com/cuongbtq/sc-remote/internal/worker"
	"github.com/cuongbtq/sc-remote/shared/logger"
	"github.com/spf13/afero"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig("WORKER_SERVICE_CONFIG_PATH", "configs/worker-service/config.yaml")
	if err != nil {
		return err
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := bootstrap.InitLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
		slog.String("scheduler", cfg.Scheduler.Driver),
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

	fs := afero.NewOsFs()
	services := bootstrap.NewServices(cfg, dbClient, fs, rabbitClient, appLogger.Logger)

	sched, err := bootstrap.NewScheduler(&cfg.Scheduler, fs, appLogger.Logger)
	if err != nil {
		return err
	}

	workerInstance := worker.NewWorker(&worker.Config{
		Logger:          logger.Component(appLogger.Logger, "worker"),
		Storage:         services.Storage,
		Service:         services.Orchestrator,
		Scheduler:       sched,
		Consumer:        rabbitClient,
		WorkerID:        workerID(),
		QueueName:       cfg.RabbitMQ.Queue.Name,
		Concurrency:     cfg.Worker.Concurrency,
		DispatchTimeout: cfg.Worker.DispatchTimeout,
	})

	reconciler := worker.NewReconciler(services.Storage, services.Orchestrator, sched, worker.ReconcilerConfig{
		Interval:       cfg.Worker.ReconcileInterval,
		Batch:          cfg.Worker.ReconcileBatch,
		RepublishAfter: cfg.Worker.RepublishAfter,
		DeliveredGrace: cfg.Results.DeliveredGrace,
		ArchiveAfter:   cfg.Worker.ArchiveAfter,
	}, logger.Component(appLogger.Logger, "reconciler"))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(ctx)
	}()

	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker and reconciler
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit",
			slog.Duration("timeout", cfg.Worker.ShutdownTimeout),
		)
	}

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// workerID names this process in claims and logs
func workerID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%d", host, os.Getpid(), time.Now().Unix())
}
