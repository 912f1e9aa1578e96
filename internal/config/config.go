package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Scheduler drivers
const (
	SchedulerSlurm = "slurm"
	SchedulerLocal = "local"
)

// Config represents the complete application configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Worker    WorkerConfig    `yaml:"worker"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Quota     QuotaConfig     `yaml:"quota"`
	Results   ResultsConfig   `yaml:"results"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	DefaultPageSize int           `yaml:"default_page_size"`
	MaxPageSize     int           `yaml:"max_page_size"`
}

// DatabaseConfig holds SQL connection configuration
type DatabaseConfig struct {
	Driver          string        `yaml:"driver"`
	Path            string        `yaml:"path"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	NoColor          bool   `yaml:"no_color"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency       int           `yaml:"concurrency"`
	DispatchTimeout   time.Duration `yaml:"dispatch_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileBatch    int           `yaml:"reconcile_batch"`
	RepublishAfter    time.Duration `yaml:"republish_after"`
	ArchiveAfter      time.Duration `yaml:"archive_after"`
}

// SchedulerConfig selects and configures the compute scheduler
type SchedulerConfig struct {
	Driver      string         `yaml:"driver"`
	WorkdirRoot string         `yaml:"workdir_root"`
	Command     string         `yaml:"command"`
	Slurm       SlurmConfig    `yaml:"slurm"`
	Local       LocalConfig    `yaml:"local"`
	Retry       SchedulerRetry `yaml:"retry"`
}

// SlurmConfig holds the Slurm account and tool paths
type SlurmConfig struct {
	Account   string `yaml:"account"`
	Partition string `yaml:"partition"`
	Sbatch    string `yaml:"sbatch"`
	Sacct     string `yaml:"sacct"`
	Scancel   string `yaml:"scancel"`
}

// LocalConfig holds settings for running jobs on the worker host
type LocalConfig struct {
	Shell string `yaml:"shell"`
}

// SchedulerRetry bounds retries of scheduler calls
type SchedulerRetry struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
	Multiplier  float64       `yaml:"multiplier"`
}

// QuotaConfig holds estimation limits
type QuotaConfig struct {
	DefaultTimeLimit int   `yaml:"default_time_limit"`
	MaxTimeLimit     int   `yaml:"max_time_limit"`
	MaxNodes         int   `yaml:"max_nodes"`
	MaxUploadBytes   int64 `yaml:"max_upload_bytes"`
	ChargeUploads    bool  `yaml:"charge_uploads"`
	BcryptCost       int   `yaml:"bcrypt_cost"`
}

// ResultsConfig holds result bundle storage settings
type ResultsConfig struct {
	BundleRoot     string        `yaml:"bundle_root"`
	UploadRoot     string        `yaml:"upload_root"`
	Retention      time.Duration `yaml:"retention"`
	DeliveredGrace time.Duration `yaml:"delivered_grace"`
}

// RateLimitConfig holds per-user request limits
type RateLimitConfig struct {
	Enabled           bool          `yaml:"enabled"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyEnv()
	config.ApplyDefaults()

	return &config, nil
}

// applyEnv lets secrets come from the environment (or a .env file) instead of YAML
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_PASSWORD"); v != "" {
		c.Database.Password = v
	}
	if v := os.Getenv("RABBITMQ_PASSWORD"); v != "" {
		c.RabbitMQ.Password = v
	}
}

// ApplyDefaults fills unset fields with working values
func (c *Config) ApplyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}

	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}
	if c.Server.DefaultPageSize == 0 {
		c.Server.DefaultPageSize = 20
	}
	if c.Server.MaxPageSize == 0 {
		c.Server.MaxPageSize = 100
	}

	if c.RabbitMQ.Exchange.Type == "" {
		c.RabbitMQ.Exchange.Type = "direct"
	}
	if c.RabbitMQ.Connection.RetryAttempts == 0 {
		c.RabbitMQ.Connection.RetryAttempts = 5
	}
	if c.RabbitMQ.Connection.RetryInterval == 0 {
		c.RabbitMQ.Connection.RetryInterval = 2 * time.Second
	}
	if c.RabbitMQ.Consumer.PrefetchCount == 0 {
		c.RabbitMQ.Consumer.PrefetchCount = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	if c.Logging.Output == "" {
		c.Logging.Output = "stdout"
	}

	if c.Worker.Concurrency == 0 {
		c.Worker.Concurrency = 4
	}
	if c.Worker.DispatchTimeout == 0 {
		c.Worker.DispatchTimeout = 2 * time.Minute
	}
	if c.Worker.ShutdownTimeout == 0 {
		c.Worker.ShutdownTimeout = 30 * time.Second
	}
	if c.Worker.ReconcileInterval == 0 {
		c.Worker.ReconcileInterval = 30 * time.Second
	}
	if c.Worker.ReconcileBatch == 0 {
		c.Worker.ReconcileBatch = 100
	}
	if c.Worker.RepublishAfter == 0 {
		c.Worker.RepublishAfter = 5 * time.Minute
	}
	if c.Worker.ArchiveAfter == 0 {
		c.Worker.ArchiveAfter = 30 * 24 * time.Hour
	}

	if c.Scheduler.Driver == "" {
		c.Scheduler.Driver = SchedulerSlurm
	}
	if c.Scheduler.Command == "" {
		c.Scheduler.Command = "sc"
	}
	if c.Scheduler.Slurm.Sbatch == "" {
		c.Scheduler.Slurm.Sbatch = "sbatch"
	}
	if c.Scheduler.Slurm.Sacct == "" {
		c.Scheduler.Slurm.Sacct = "sacct"
	}
	if c.Scheduler.Slurm.Scancel == "" {
		c.Scheduler.Slurm.Scancel = "scancel"
	}
	if c.Scheduler.Local.Shell == "" {
		c.Scheduler.Local.Shell = "bash"
	}

	if c.Quota.DefaultTimeLimit == 0 {
		c.Quota.DefaultTimeLimit = 60
	}
	if c.Quota.MaxTimeLimit == 0 {
		c.Quota.MaxTimeLimit = 24 * 60
	}
	if c.Quota.MaxNodes == 0 {
		c.Quota.MaxNodes = 1
	}
	if c.Quota.MaxUploadBytes == 0 {
		c.Quota.MaxUploadBytes = 1 << 30
	}

	if c.Results.Retention == 0 {
		c.Results.Retention = 7 * 24 * time.Hour
	}
	if c.Results.DeliveredGrace == 0 {
		c.Results.DeliveredGrace = 24 * time.Hour
	}

	if c.RateLimit.RequestsPerSecond == 0 {
		c.RateLimit.RequestsPerSecond = 5
	}
	if c.RateLimit.Burst == 0 {
		c.RateLimit.Burst = 20
	}
	if c.RateLimit.IdleTTL == 0 {
		c.RateLimit.IdleTTL = 10 * time.Minute
	}
}

// Validate checks the settings shared by every service
func (c *Config) Validate() error {
	if err := c.ValidateDatabase(); err != nil {
		return err
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	if c.Scheduler.WorkdirRoot == "" {
		return fmt.Errorf("scheduler workdir_root is required")
	}

	if c.Results.BundleRoot == "" {
		return fmt.Errorf("results bundle_root is required")
	}

	return nil
}

// ValidateDatabase checks the database section alone, for tools that only
// touch the ledger
func (c *Config) ValidateDatabase() error {
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database host is required")
		}
		if c.Database.Port < MinPort || c.Database.Port > MaxPort {
			return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database name is required")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database path is required for sqlite")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Server.DefaultPageSize > c.Server.MaxPageSize {
		return fmt.Errorf("server default_page_size %d exceeds max_page_size %d", c.Server.DefaultPageSize, c.Server.MaxPageSize)
	}

	if c.Results.UploadRoot == "" {
		return fmt.Errorf("results upload_root is required")
	}

	if c.Quota.DefaultTimeLimit <= 0 || c.Quota.DefaultTimeLimit > c.Quota.MaxTimeLimit {
		return fmt.Errorf("quota default_time_limit must be between 1 and max_time_limit (%d)", c.Quota.MaxTimeLimit)
	}

	if c.Quota.MaxNodes <= 0 {
		return fmt.Errorf("quota max_nodes must be greater than 0")
	}

	if c.RateLimit.Enabled && (c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst <= 0) {
		return errors.New("ratelimit requests_per_second and burst must be greater than 0")
	}

	return nil
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ReconcileInterval <= 0 {
		return fmt.Errorf("worker reconcile_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	switch c.Scheduler.Driver {
	case SchedulerSlurm:
		if c.Scheduler.Slurm.Account == "" {
			return fmt.Errorf("scheduler slurm account is required")
		}
	case SchedulerLocal:
	default:
		return fmt.Errorf("unsupported scheduler driver %q", c.Scheduler.Driver)
	}

	if c.Scheduler.Retry.MaxAttempts < 0 {
		return fmt.Errorf("scheduler retry max_attempts must not be negative")
	}

	return nil
}
