package ingest

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config stores connectivity information for the media server client.
type Config struct {
	BaseURL        string
	Token          string
	HTTPClient     *http.Client
	HealthEndpoint string
	MaxAttempts    int
	RetryInterval  time.Duration
	RequestTimeout time.Duration
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		BaseURL:        strings.TrimSpace(os.Getenv("CASTPANEL_WOWZA_API")),
		Token:          strings.TrimSpace(os.Getenv("CASTPANEL_WOWZA_TOKEN")),
		HealthEndpoint: strings.TrimSpace(os.Getenv("CASTPANEL_WOWZA_HEALTH")),
		MaxAttempts:    3,
		RetryInterval:  500 * time.Millisecond,
		RequestTimeout: 10 * time.Second,
	}

	if attempts := strings.TrimSpace(os.Getenv("CASTPANEL_WOWZA_MAX_ATTEMPTS")); attempts != "" {
		parsed, err := strconv.Atoi(attempts)
		if err != nil {
			return Config{}, fmt.Errorf("parse CASTPANEL_WOWZA_MAX_ATTEMPTS: %w", err)
		}
		if parsed > 0 {
			cfg.MaxAttempts = parsed
		}
	}

	if interval := strings.TrimSpace(os.Getenv("CASTPANEL_WOWZA_RETRY_INTERVAL")); interval != "" {
		parsed, err := time.ParseDuration(interval)
		if err != nil {
			return Config{}, fmt.Errorf("parse CASTPANEL_WOWZA_RETRY_INTERVAL: %w", err)
		}
		if parsed >= 0 {
			cfg.RetryInterval = parsed
		}
	}

	if timeout := strings.TrimSpace(os.Getenv("CASTPANEL_WOWZA_REQUEST_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse CASTPANEL_WOWZA_REQUEST_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.RequestTimeout = parsed
		}
	}

	return cfg, nil
}

// Validate reports whether the configuration is sufficient to reach the
// media server.
func (c Config) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return errors.New("media server base URL is required")
	}
	return nil
}

// Enabled reports whether a media server endpoint has been configured.
func (c Config) Enabled() bool {
	return strings.TrimSpace(c.BaseURL) != ""
}
