package backfill

import (
	"time"

	"meshjobs/internal/config"
)

// Hardcoded delivery defaults - these rarely need tuning.
const (
	defaultMaxRetries       = 3
	defaultInitialBackoff   = 100 * time.Millisecond
	defaultMaxBackoff       = 5 * time.Second
	defaultBreakerThreshold = 5
	defaultMaxRequeues      = 10
)

// Config holds configuration for the backfill queue.
type Config struct {
	BufferSize     int           // pending inserts buffer (default: 1000)
	Workers        int           // concurrent insert goroutines (default: 4)
	InsertTimeout  time.Duration // per-attempt ledger timeout (default: 10s)
	RequeueBackoff time.Duration // wait before a failed insert is retried again (default: 30s)
}

// LoadConfigFromEnv loads backfill configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BufferSize:     config.GetIntEnv("BACKFILL_BUFFER_SIZE", 1000),
		Workers:        config.GetIntEnv("BACKFILL_WORKERS", 4),
		InsertTimeout:  config.GetDurationEnv("BACKFILL_INSERT_TIMEOUT", 10*time.Second),
		RequeueBackoff: config.GetDurationEnv("BACKFILL_REQUEUE_BACKOFF", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.BufferSize <= 0 {
		c.BufferSize = 1000
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.InsertTimeout <= 0 {
		c.InsertTimeout = 10 * time.Second
	}
	if c.RequeueBackoff <= 0 {
		c.RequeueBackoff = 30 * time.Second
	}
	return c
}
