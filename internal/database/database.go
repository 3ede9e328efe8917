// Package database opens the Postgres pool shared by the ledger and the
// artifact store and owns the schema.
package database

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"meshjobs/internal/config"
)

//go:embed schema.sql
var schema string

// DB is the subset of *pgxpool.Pool used by the repositories.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
}

// Config for the connection pool.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// LoadConfigFromEnv loads pool configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		URL:             config.GetEnv("DATABASE_URL", ""),
		MaxConns:        int32(config.GetIntEnv("DATABASE_MAX_CONNS", 10)),
		MinConns:        int32(config.GetIntEnv("DATABASE_MIN_CONNS", 1)),
		MaxConnLifetime: config.GetDurationEnv("DATABASE_MAX_CONN_LIFETIME", time.Hour),
		MaxConnIdleTime: config.GetDurationEnv("DATABASE_MAX_CONN_IDLE", 30*time.Minute),
		ConnectTimeout:  config.GetDurationEnv("DATABASE_CONNECT_TIMEOUT", 10*time.Second),
	}
}

func (c Config) withDefaults() Config {
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = time.Hour
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 30 * time.Minute
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return c
}

// NewPool initializes a pgx connection pool and verifies connectivity.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("database url is required")
	}
	cfg = cfg.withDefaults()

	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime

	ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
// Safe to run on every start.
func EnsureSchema(ctx context.Context, db DB) error {
	// No arguments: pgx sends this over the simple protocol, which accepts
	// several statements at once.
	if _, err := db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Schema returns the DDL applied by EnsureSchema.
func Schema() string {
	return schema
}
