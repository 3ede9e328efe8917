package backend

import (
	"errors"
	"net/url"
	"time"

	"meshjobs/internal/config"
)

// Config holds configuration for the compute backend client.
type Config struct {
	BaseURL          string        // e.g. http://depth-service:8000
	Timeout          time.Duration // status calls and response headers (default: 10s)
	SubmitTimeout    time.Duration // whole upload (default: 5m)
	Retries          int           // retries for status and download (default: 3, negative: none)
	HealthPath       string        // readiness probe path (default: /openapi.json)
	BreakerThreshold int           // consecutive failures to open (default: 5)
	BreakerCooldown  time.Duration // open duration before a probe (default: 30s)
}

// LoadConfigFromEnv loads backend configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		BaseURL:          config.GetEnv("BACKEND_URL", "http://localhost:8000"),
		Timeout:          config.GetDurationEnv("BACKEND_TIMEOUT", 10*time.Second),
		SubmitTimeout:    config.GetDurationEnv("BACKEND_SUBMIT_TIMEOUT", 5*time.Minute),
		Retries:          config.GetIntEnv("BACKEND_RETRIES", 3),
		HealthPath:       config.GetEnv("BACKEND_HEALTH_PATH", "/openapi.json"),
		BreakerThreshold: config.GetIntEnv("BACKEND_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("BACKEND_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

// withDefaults fills in zero values with defaults.
func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 5 * time.Minute
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.HealthPath == "" {
		c.HealthPath = "/openapi.json"
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}

func (c Config) validate() (*url.URL, error) {
	if c.BaseURL == "" {
		return nil, errors.New("backend url is required")
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.New("backend url scheme must be http or https")
	}
	if u.Host == "" {
		return nil, errors.New("backend url must have a host")
	}
	return u, nil
}
