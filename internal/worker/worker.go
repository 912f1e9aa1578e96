// Package worker consumes queued jobs, hands them to the batch scheduler
// and reconciles scheduler reports back into the job lifecycle.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/cuongbtq/sc-remote/internal/orchestrator"
	"github.com/cuongbtq/sc-remote/internal/scheduler"
	"github.com/cuongbtq/sc-remote/internal/storage"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer delivers job messages from the queue
type Consumer interface {
	Consume(consumerTag string) (<-chan amqp.Delivery, error)
}

// Config holds worker configuration
type Config struct {
	Logger          *slog.Logger
	Storage         *storage.Storage
	Service         *orchestrator.Service
	Scheduler       scheduler.Scheduler
	Consumer        Consumer
	WorkerID        string
	QueueName       string
	Concurrency     int
	DispatchTimeout time.Duration
}

// task is a parsed delivery waiting for a pool goroutine
type task struct {
	msg domain.JobMessage
	ack amqp.Acknowledger
}

// Worker represents the background job worker
type Worker struct {
	logger          *slog.Logger
	storage         *storage.Storage
	service         *orchestrator.Service
	scheduler       scheduler.Scheduler
	consumer        Consumer
	workerID        string
	queueName       string
	concurrency     int
	dispatchTimeout time.Duration

	// resubscribeDelay paces Consume calls after the broker drops the
	// delivery channel
	resubscribeDelay time.Duration

	jobsChan chan *task
	wg       sync.WaitGroup
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	dispatchTimeout := cfg.DispatchTimeout
	if dispatchTimeout <= 0 {
		dispatchTimeout = 2 * time.Minute
	}

	return &Worker{
		logger:          cfg.Logger,
		storage:         cfg.Storage,
		service:         cfg.Service,
		scheduler:       cfg.Scheduler,
		consumer:        cfg.Consumer,
		workerID:        cfg.WorkerID,
		queueName:       cfg.QueueName,
		concurrency:     concurrency,
		dispatchTimeout: dispatchTimeout,

		resubscribeDelay: 5 * time.Second,

		jobsChan: make(chan *task, concurrency),
		stopChan: make(chan struct{}),
	}
}

// Start subscribes to the job queue and processes deliveries until ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.String("queue", w.queueName),
		slog.Int("concurrency", w.concurrency),
		slog.Duration("dispatch_timeout", w.dispatchTimeout),
	)

	w.startPool(ctx)
	if err := w.consume(ctx); err != nil {
		return fmt.Errorf("failed to set up consumer: %w", err)
	}

	w.logger.Info("Worker dispatcher exited", slog.String("worker_id", w.workerID))
	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	w.stopOnce.Do(func() { close(w.stopChan) })
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
