// Package rabbitmq carries job ids from the API service to the workers.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ErrNotConnected is returned while the client has no open channel
var ErrNotConnected = errors.New("not connected to RabbitMQ")

const maxReconnectDelay = 30 * time.Second

// Config holds RabbitMQ connection configuration
type Config struct {
	Host               string
	Port               int
	User               string
	Password           string
	VHost              string
	ExchangeName       string
	ExchangeType       string
	ExchangeDurable    bool
	ExchangeAutoDelete bool
	QueueName          string
	QueueDurable       bool
	QueueAutoDelete    bool
	QueueExclusive     bool
	RoutingKey         string
	RetryAttempts      int
	RetryInterval      time.Duration
	Heartbeat          time.Duration
	ConnectionTimeout  time.Duration
	PublishRetries     int
	PublishRetryDelay  time.Duration
	PublishBackoffMult float64
	PrefetchCount      int
}

// Client publishes and consumes job messages. It re-dials on its own when
// the broker drops the connection; consumers must call Consume again once
// their delivery channel closes.
type Client struct {
	config *Config
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	// ctx is cancelled by Close and stops reconnection
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	conn    *amqp.Connection
	channel *amqp.Channel
}

// NewClient connects, declares the topology and starts watching the
// connection.
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		config: config,
		logger: logger,
		sleep:  sleepContext,
		ctx:    ctx,
		cancel: cancel,
	}

	closed, err := c.connect(config.RetryAttempts)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create RabbitMQ client: %w", err)
	}

	go c.maintain(closed)
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) dsn() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.config.User, c.config.Password, c.config.Host, c.config.Port, c.config.VHost)
}

// connect dials up to attempts times (0 means until Close) and returns the
// channel's close notifications.
func (c *Client) connect(attempts int) (<-chan *amqp.Error, error) {
	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}
	if c.config.ConnectionTimeout > 0 {
		amqpConfig.Dial = amqp.DefaultDial(c.config.ConnectionTimeout)
	}

	var (
		conn *amqp.Connection
		err  error
	)
	for attempt := 1; attempts <= 0 || attempt <= attempts; attempt++ {
		conn, err = amqp.DialConfig(c.dsn(), amqpConfig)
		if err == nil {
			break
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.Any("error", err),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		if attempts > 0 && attempt == attempts {
			return nil, fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
		}
		if err := c.sleep(c.ctx, c.reconnectDelay(attempt)); err != nil {
			return nil, err
		}
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create channel: %w", err)
	}

	if err := c.declare(channel); err != nil {
		channel.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare topology: %w", err)
	}

	closed := channel.NotifyClose(make(chan *amqp.Error, 1))

	c.mu.Lock()
	c.conn = conn
	c.channel = channel
	c.mu.Unlock()

	c.logger.Info("Connected to RabbitMQ",
		slog.String("exchange", c.config.ExchangeName),
		slog.String("queue", c.config.QueueName),
	)
	return closed, nil
}

// maintain re-dials every time the broker closes the channel, until Close
func (c *Client) maintain(closed <-chan *amqp.Error) {
	for {
		select {
		case <-c.ctx.Done():
			return
		case amqpErr, ok := <-closed:
			c.mu.Lock()
			c.channel = nil
			c.mu.Unlock()

			if c.ctx.Err() != nil {
				return
			}
			if ok && amqpErr != nil {
				c.logger.Error("RabbitMQ channel closed by broker, reconnecting",
					slog.Int("code", amqpErr.Code),
					slog.String("reason", amqpErr.Reason),
				)
			} else {
				c.logger.Warn("RabbitMQ channel closed, reconnecting")
			}

			next, err := c.connect(0)
			if err != nil {
				// Only Close stops an unbounded connect
				return
			}
			closed = next
		}
	}
}

// reconnectDelay grows from RetryInterval and stops at maxReconnectDelay
func (c *Client) reconnectDelay(attempt int) time.Duration {
	base := c.config.RetryInterval
	if base <= 0 {
		base = time.Second
	}
	d := float64(base) * math.Pow(2, float64(attempt-1))
	if d > float64(maxReconnectDelay) {
		return maxReconnectDelay
	}
	return time.Duration(d)
}

// declare creates the exchange and queue and binds them. An empty exchange
// name publishes through the default exchange straight to the queue.
func (c *Client) declare(channel *amqp.Channel) error {
	if _, err := channel.QueueDeclare(
		c.config.QueueName,
		c.config.QueueDurable,
		c.config.QueueAutoDelete,
		c.config.QueueExclusive,
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	if c.config.ExchangeName == "" {
		return nil
	}

	if err := channel.ExchangeDeclare(
		c.config.ExchangeName,
		c.config.ExchangeType,
		c.config.ExchangeDurable,
		c.config.ExchangeAutoDelete,
		false, // internal
		false, // no-wait
		nil,
	); err != nil {
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := channel.QueueBind(c.config.QueueName, c.config.RoutingKey, c.config.ExchangeName, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue: %w", err)
	}
	return nil
}

func (c *Client) currentChannel() (*amqp.Channel, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.channel == nil || c.channel.IsClosed() {
		return nil, ErrNotConnected
	}
	return c.channel, nil
}

func (c *Client) routingKey() string {
	if c.config.ExchangeName == "" {
		return c.config.QueueName
	}
	return c.config.RoutingKey
}

func (c *Client) publish(ctx context.Context, body []byte, contentType string) error {
	channel, err := c.currentChannel()
	if err != nil {
		return err
	}
	return channel.PublishWithContext(ctx, c.config.ExchangeName, c.routingKey(),
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  contentType,
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
}

// Consume sets the prefetch window and starts consuming the job queue
func (c *Client) Consume(consumerTag string) (<-chan amqp.Delivery, error) {
	channel, err := c.currentChannel()
	if err != nil {
		return nil, err
	}

	if c.config.PrefetchCount > 0 {
		// global=false: the limit applies per consumer
		if err := channel.Qos(c.config.PrefetchCount, 0, false); err != nil {
			return nil, fmt.Errorf("failed to set QoS: %w", err)
		}
	}

	deliveries, err := channel.Consume(c.config.QueueName, consumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume messages: %w", err)
	}

	c.logger.Info("Consuming job queue",
		slog.String("queue", c.config.QueueName),
		slog.String("consumer_tag", consumerTag),
		slog.Int("prefetch_count", c.config.PrefetchCount),
	)
	return deliveries, nil
}

// HealthCheck reports whether a channel is currently open
func (c *Client) HealthCheck(context.Context) error {
	_, err := c.currentChannel()
	return err
}

// Close stops reconnection and closes the connection
func (c *Client) Close() error {
	if c.cancel != nil {
		c.cancel()
	}

	c.mu.Lock()
	channel, conn := c.channel, c.conn
	c.channel, c.conn = nil, nil
	c.mu.Unlock()

	if channel != nil {
		if err := channel.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Warn("Failed to close RabbitMQ channel", slog.Any("error", err))
		}
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
		}
	}

	c.logger.Info("RabbitMQ connection closed")
	return nil
}

// backoff returns the delay before publish retry number attempt (0-based)
func (c *Client) backoff(attempt int) time.Duration {
	base := c.config.PublishRetryDelay
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	mult := c.config.PublishBackoffMult
	if mult <= 0 {
		mult = 2.0
	}
	return time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
}

// PublishWithRetry publishes body, retrying with exponential backoff. Each
// attempt picks up the current channel, so a publish issued while the
// client reconnects succeeds once the new channel is open.
func (c *Client) PublishWithRetry(ctx context.Context, body []byte, contentType string) error {
	retries := c.config.PublishRetries
	if retries <= 0 {
		retries = 3
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		lastErr = c.publish(ctx, body, contentType)
		if lastErr == nil {
			c.logger.Debug("Job message published",
				slog.Int("attempt", attempt+1),
				slog.Int("body_size", len(body)),
			)
			return nil
		}

		if attempt == retries {
			break
		}
		delay := c.backoff(attempt)
		c.logger.Warn("Failed to publish job message, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", retries),
			slog.Duration("retry_after", delay),
			slog.Any("error", lastErr),
		)
		if err := c.sleep(ctx, delay); err != nil {
			return fmt.Errorf("publish abandoned: %w", err)
		}
	}

	c.logger.Error("Failed to publish job message",
		slog.Int("attempts", retries+1),
		slog.Any("error", lastErr),
	)
	return fmt.Errorf("failed to publish message after %d attempts: %w", retries+1, lastErr)
}
