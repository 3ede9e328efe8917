package config

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

var (
	fileMu   sync.RWMutex
	fileVals map[string]string
)

// LoadFile reads a flat YAML mapping of the same keys the environment uses
// (PORT, BACKEND_URL, ...) and makes it the fallback for all Get*Env helpers.
// An empty path clears the overlay.
//
//	PORT: 8080
//	BACKEND_URL: http://depth-service:8000
//	STALE_AFTER_FAILURES: 5
func LoadFile(path string) error {
	if path == "" {
		setFileValues(nil)
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	vals := make(map[string]string, len(raw))
	for k, v := range raw {
		switch v.(type) {
		case nil:
			continue
		case map[string]any, []any:
			return fmt.Errorf("config file %s: key %s must be a scalar", path, k)
		}
		vals[k] = fmt.Sprint(v)
	}
	setFileValues(vals)
	return nil
}

func setFileValues(vals map[string]string) {
	fileMu.Lock()
	fileVals = vals
	fileMu.Unlock()
}

func fileValue(key string) string {
	fileMu.RLock()
	defer fileMu.RUnlock()
	return fileVals[key]
}
