// Package db persists site health events and alerts in PostgreSQL. It is
// optional: without DATABASE_URL the service keeps everything in memory.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog/log"
)

// DB represents a PostgreSQL database connection
type DB struct {
	client *sql.DB
	config *Config
}

// Config holds PostgreSQL connection configuration
type Config struct {
	DatabaseURL      string        // postgres:// URL or key=value DSN
	MaxIdleConns     int           // Maximum number of idle connections
	MaxOpenConns     int           // Maximum number of open connections
	MaxLifetime      time.Duration // Maximum lifetime of a connection
	StatementTimeout time.Duration // Server-side statement_timeout
}

// GetConfig returns the original DB connection settings
func (d *DB) GetConfig() *Config {
	return d.config
}

func (c *Config) withDefaults() {
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxLifetime == 0 {
		c.MaxLifetime = 20 * time.Minute
	}
	if c.StatementTimeout == 0 {
		c.StatementTimeout = 30 * time.Second
	}
}

// ConnectionString returns the DSN with the statement timeout applied.
func (c *Config) ConnectionString() string {
	return withStatementTimeout(c.DatabaseURL, c.StatementTimeout)
}

// New opens, pings and migrates the database.
func New(ctx context.Context, config *Config) (*DB, error) {
	if config.DatabaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}
	config.withDefaults()

	client, err := sql.Open("pgx", config.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	client.SetMaxOpenConns(config.MaxOpenConns)
	client.SetMaxIdleConns(config.MaxIdleConns)
	client.SetConnMaxLifetime(config.MaxLifetime)

	if err := client.PingContext(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	if err := setupSchema(ctx, client); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to setup schema: %w", err)
	}

	log.Info().
		Int("max_open_conns", config.MaxOpenConns).
		Dur("statement_timeout", config.StatementTimeout).
		Msg("Connected to PostgreSQL")

	return &DB{client: client, config: config}, nil
}

// NewFromDB wraps an existing handle without migrating it.
func NewFromDB(client *sql.DB) *DB {
	return &DB{client: client, config: &Config{}}
}

// setupSchema creates the event and alert tables
func setupSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS site_events (
			id BIGSERIAL PRIMARY KEY,
			site TEXT NOT NULL,
			type TEXT NOT NULL,
			strategy TEXT NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			detail TEXT NOT NULL DEFAULT '',
			occurred_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create site_events table: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE INDEX IF NOT EXISTS idx_site_events_site_time
		ON site_events (site, occurred_at DESC)
	`)
	if err != nil {
		return fmt.Errorf("failed to create site_events index: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS site_alerts (
			id UUID PRIMARY KEY,
			site TEXT NOT NULL,
			severity TEXT NOT NULL,
			message TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			raised_at TIMESTAMPTZ NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create site_alerts table: %w", err)
	}

	return nil
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.client.Close()
}

// GetDB returns the underlying *sql.DB
func (d *DB) GetDB() *sql.DB {
	return d.client
}
