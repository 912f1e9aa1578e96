// Package database opens the SQL store behind jobs and the quota ledger,
// either PostgreSQL or an embedded SQLite file.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Supported drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds database connection configuration
type Config struct {
	Driver          string
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	Path            string // sqlite file path, ":memory:" for a private in-memory database
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// Client owns the connection pool shared by storage and the ledger
type Client struct {
	db     *sqlx.DB
	config *Config
	logger *slog.Logger
}

// dsn builds the driver specific data source name
func (c *Config) dsn() (string, error) {
	switch c.Driver {
	case DriverPostgres, "":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			c.Host,
			c.Port,
			c.User,
			c.Password,
			c.Database,
			c.SSLMode,
		), nil
	case DriverSQLite:
		if c.Path == ":memory:" {
			return ":memory:?_time_format=sqlite", nil
		}
		return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite", c.Path), nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", c.Driver)
	}
}

// NewClient creates a new database client
func NewClient(config *Config, logger *slog.Logger) (*Client, error) {
	if config.Driver == "" {
		config.Driver = DriverPostgres
	}

	dsn, err := config.dsn()
	if err != nil {
		return nil, err
	}

	target := fmt.Sprintf("%s:%d/%s", config.Host, config.Port, config.Database)
	if config.Driver == DriverSQLite {
		target = config.Path
	}
	logger.Info("Connecting to database",
		slog.String("driver", config.Driver),
		slog.String("target", target),
	)

	db, err := sqlx.Connect(config.Driver, dsn)
	if err != nil {
		logger.Error("Failed to connect to database",
			slog.Any("error", err),
		)
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Driver, err)
	}

	if config.Driver == DriverSQLite {
		// SQLite has a single writer; one connection also keeps an
		// in-memory database alive and shared.
		config.MaxOpenConns = 1
		config.MaxIdleConns = 1
		config.ConnMaxLifetime = 0
		config.ConnMaxIdleTime = 0
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		logger.Error("Failed to ping database",
			slog.Any("error", err),
		)
		db.Close()
		return nil, fmt.Errorf("failed to ping %s: %w", config.Driver, err)
	}

	logger.Info("Connected to database",
		slog.String("driver", config.Driver),
		slog.Int("max_open_conns", config.MaxOpenConns),
	)
	return &Client{db: db, config: config, logger: logger}, nil
}

// GetDB returns the underlying sqlx.DB instance
func (c *Client) GetDB() *sqlx.DB {
	return c.db
}

// Driver returns the configured driver name
func (c *Client) Driver() string {
	return c.config.Driver
}

// Close closes the connection pool
func (c *Client) Close() error {
	if c.db == nil {
		return nil
	}
	if err := c.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	c.logger.Info("Database connection closed")
	return nil
}

// Migrate applies schema statements, each of which must be idempotent
func (c *Client) Migrate(ctx context.Context, statements []string) error {
	for i, stmt := range statements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	c.logger.Info("Database schema is up to date",
		slog.Int("statements", len(statements)),
	)
	return nil
}

// HealthCheck runs a trivial query with a short deadline
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var one int
	if err := c.db.GetContext(ctx, &one, "SELECT 1"); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}
