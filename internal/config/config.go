// Package config provides configuration loading from environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Artifact store backends.
const (
	ArtifactBackendFS       = "fs"
	ArtifactBackendPostgres = "postgres"
)

// ServiceConfig holds configuration for the jobs service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)

	DatabaseURL     string // empty: in-memory ledger
	ArtifactBackend string // fs or postgres
	ArtifactDir     string

	MaxUploadBytes     int64
	StatusTimeout      time.Duration
	PersistTimeout     time.Duration
	StaleAfterFailures int // 0: always serve stale status when the backend is down
	FailureWindow      time.Duration

	JWTSecret   string
	JWTIssuer   string
	APIKeysFile string
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:               GetEnv("PORT", "8080"),
		MetricsPort:        GetEnv("METRICS_PORT", "9090"),
		ShutdownDrainWait:  GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		DatabaseURL:        GetEnv("DATABASE_URL", ""),
		ArtifactBackend:    GetEnv("ARTIFACT_BACKEND", ArtifactBackendFS),
		ArtifactDir:        GetEnv("ARTIFACT_DIR", "./data/artifacts"),
		MaxUploadBytes:     GetInt64Env("MAX_UPLOAD_BYTES", 32<<20),
		StatusTimeout:      GetDurationEnv("STATUS_TIMEOUT", 10*time.Second),
		PersistTimeout:     GetDurationEnv("PERSIST_TIMEOUT", 2*time.Minute),
		StaleAfterFailures: GetIntEnv("STALE_AFTER_FAILURES", 0),
		FailureWindow:      GetDurationEnv("STALE_FAILURE_WINDOW", 15*time.Minute),
		JWTSecret:          GetSecretFile(GetEnv("JWT_SECRET_FILE", "")),
		JWTIssuer:          GetEnv("JWT_ISSUER", ""),
		APIKeysFile:        GetEnv("API_KEYS_FILE", ""),
	}
}

// Validate reports configuration that cannot start a service.
func (c *ServiceConfig) Validate() error {
	var errs []error
	switch c.ArtifactBackend {
	case ArtifactBackendFS:
		if c.ArtifactDir == "" {
			errs = append(errs, errors.New("ARTIFACT_DIR is required for the fs artifact backend"))
		}
	case ArtifactBackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required for the postgres artifact backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("ARTIFACT_BACKEND must be %q or %q, got %q", ArtifactBackendFS, ArtifactBackendPostgres, c.ArtifactBackend))
	}
	if c.JWTSecret == "" && c.APIKeysFile == "" {
		errs = append(errs, errors.New("no credentials configured: set JWT_SECRET_FILE or API_KEYS_FILE"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.StaleAfterFailures < 0 {
		errs = append(errs, errors.New("STALE_AFTER_FAILURES must not be negative"))
	}
	return errors.Join(errs...)
}
