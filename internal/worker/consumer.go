package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cuongbtq/sc-remote/internal/domain"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// subscribe starts consuming with the worker ID as consumer tag, so the
// broker UI shows which worker holds a message.
func (w *Worker) subscribe() (<-chan amqp.Delivery, error) {
	if w.consumer == nil {
		return nil, fmt.Errorf("no queue consumer configured")
	}
	deliveries, err := w.consumer.Consume(w.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to start consuming %s: %w", w.queueName, err)
	}
	return deliveries, nil
}

// consume feeds the pool until ctx is done. A failure to subscribe the
// first time is returned; later the broker may drop the delivery channel
// while the client reconnects, and consume subscribes again.
func (w *Worker) consume(ctx context.Context) error {
	deliveries, err := w.subscribe()
	if err != nil {
		return err
	}

	for {
		if !w.dispatch(ctx, deliveries) {
			return nil
		}

		w.logger.Warn("Job queue delivery channel closed, subscribing again",
			slog.Duration("after", w.resubscribeDelay),
		)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(w.resubscribeDelay):
			}

			deliveries, err = w.subscribe()
			if err == nil {
				break
			}
			w.logger.Warn("Job queue not available yet", slog.Any("error", err))
		}
	}
}

// parseDelivery extracts the job ID from a queue message
func parseDelivery(body []byte) (domain.JobMessage, error) {
	var msg domain.JobMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", domain.ErrInvalidPayload, err)
	}
	if _, err := uuid.Parse(msg.JobID); err != nil {
		return msg, fmt.Errorf("%w: job_id %q is not a UUID", domain.ErrInvalidPayload, msg.JobID)
	}
	return msg, nil
}

// dispatch hands deliveries to the pool. It reports true when the delivery
// channel closed and false when ctx ended.
func (w *Worker) dispatch(ctx context.Context, deliveries <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false

		case delivery, ok := <-deliveries:
			if !ok {
				return true
			}

			msg, err := parseDelivery(delivery.Body)
			if err != nil {
				w.logger.Error("Dropping malformed job message",
					slog.String("error", err.Error()),
					slog.String("body", string(delivery.Body)),
				)
				// Dead-lettered when the queue has a DLX bound
				if nackErr := delivery.Nack(false, false); nackErr != nil {
					w.logger.Error("Failed to NACK malformed message", slog.String("error", nackErr.Error()))
				}
				continue
			}
			msg.DeliveryTag = delivery.DeliveryTag

			select {
			case w.jobsChan <- &task{msg: msg, ack: delivery.Acknowledger}:
			case <-ctx.Done():
				// Hand it back to the broker for another worker
				if nackErr := delivery.Nack(false, true); nackErr != nil {
					w.logger.Error("Failed to NACK message on shutdown", slog.String("error", nackErr.Error()))
				}
				return false
			}
		}
	}
}
