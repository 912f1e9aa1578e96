package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/sc-remote/internal/domain"
)

// startPool runs one goroutine per unit of concurrency. Each dispatches a
// single job at a time, so concurrency bounds the scheduler calls in flight.
func (w *Worker) startPool(ctx context.Context) {
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.run(ctx, fmt.Sprintf("%s-%d", w.workerID, i))
	}
}

func (w *Worker) run(ctx context.Context, name string) {
	defer w.wg.Done()

	for {
		select {
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		case t, ok := <-w.jobsChan:
			if !ok {
				return
			}
			w.settle(name, t, w.processJob(ctx, name, t.msg))
		}
	}
}

// settle acks a dispatched job and nacks a failed one, requeueing only
// transient failures.
func (w *Worker) settle(name string, t *task, err error) {
	log := w.logger.With(
		slog.String("worker_name", name),
		slog.String("job_id", t.msg.JobID),
	)
	if t.ack == nil {
		log.Error("Delivery has no acknowledger")
		return
	}

	if err == nil {
		if ackErr := t.ack.Ack(t.msg.DeliveryTag, false); ackErr != nil {
			log.Error("Failed to ACK job message", slog.String("error", ackErr.Error()))
		}
		return
	}

	requeue := shouldRequeueJob(err)
	level := slog.LevelError
	if errors.Is(err, domain.ErrJobAlreadyClaimed) {
		level = slog.LevelInfo
	}
	log.Log(context.Background(), level, "Job message not processed",
		slog.String("error", err.Error()),
		slog.Bool("requeue", requeue),
	)

	if nackErr := t.ack.Nack(t.msg.DeliveryTag, false, requeue); nackErr != nil {
		log.Error("Failed to NACK job message", slog.String("error", nackErr.Error()))
	}
}

// shouldRequeueJob reports whether the broker should redeliver the message.
// Anything not requeued that is still QUEUED gets republished by the
// reconciler.
func shouldRequeueJob(err error) bool {
	if errors.Is(err, domain.ErrJobAlreadyClaimed) || errors.Is(err, domain.ErrInvalidPayload) {
		return false
	}
	var retryable *domain.RetryableError
	return errors.As(err, &retryable)
}
