// Package config handles loading and validation of service configuration.
// Supports both development (env vars) and production (Secret Manager) modes.
package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/go-playground/validator/v10"
)

// Config holds all service configuration.
// Environment determines whether backend credentials load from env vars
// (development) or Secret Manager (production).
type Config struct {
	// Server settings
	Port        string `json:"port"`
	Environment string `json:"environment" validate:"oneof=development production"`
	LogLevel    string `json:"log_level" validate:"oneof=debug info warn error"`

	// GCP settings (required in production)
	GCPProject string `json:"gcp_project"`

	// StoreID names the deployment. It is also the Secret Manager secret
	// holding the backend credentials in production.
	StoreID string `json:"store_id" validate:"required"`

	// Backend document API credentials (loaded from secrets in production)
	Backend BackendConfig `json:"backend"`

	// Basket runtime tunables
	Basket BasketConfig `json:"basket"`
}

// BackendConfig points at the hosted document API that stores user baskets.
// In production this is loaded from Secret Manager as JSON.
// An empty BaseURL runs basketd against an in-process document store,
// which is useful for local development and demos.
type BackendConfig struct {
	BaseURL string `json:"base_url" validate:"omitempty,url"`
	APIKey  string `json:"api_key" validate:"required_with=BaseURL"`

	// BrowserTLS selects the browser-fingerprint transport for backends
	// fronted by fingerprint-sensitive CDNs.
	BrowserTLS bool `json:"browser_tls,omitempty"`
}

// BasketConfig tunes reconciliation and rendering.
type BasketConfig struct {
	// OperationTimeoutMS bounds each remote call. 0 selects the default.
	OperationTimeoutMS int `json:"operation_timeout_ms" validate:"gte=0"`

	// ViewTickMS is the render coalescing window. 0 selects the default.
	ViewTickMS int `json:"view_tick_ms" validate:"gte=0"`

	// RetryMinMS/RetryMaxMS bound the degraded-mode flush backoff.
	RetryMinMS int `json:"retry_min_ms" validate:"gte=0"`
	RetryMaxMS int `json:"retry_max_ms" validate:"gte=0,gtefield=RetryMinMS"`

	// LocalQuotaBytes caps the in-memory KV when no platform storage
	// bridge is attached. 0 means unlimited.
	LocalQuotaBytes int `json:"local_quota_bytes" validate:"gte=0"`
}

// Load reads configuration from file, environment, or Secret Manager.
// Priority: CONFIG_FILE (if set) → ENV vars / Secret Manager.
// Validates all required fields and returns an error if any are missing.
func Load(ctx context.Context) (*Config, error) {
	if configPath := os.Getenv("CONFIG_FILE"); configPath != "" {
		return loadFromFile(configPath)
	}

	cfg := &Config{
		Port:        envOrDefault("PORT", "8080"),
		Environment: envOrDefault("ENVIRONMENT", "development"),
		LogLevel:    envOrDefault("LOG_LEVEL", "info"),
		GCPProject:  os.Getenv("GCP_PROJECT"),
		StoreID:     os.Getenv("STORE_ID"),
	}

	if cfg.StoreID == "" {
		return nil, fmt.Errorf("STORE_ID environment variable required")
	}

	var err error
	if cfg.Environment == "production" {
		if cfg.GCPProject == "" {
			return nil, fmt.Errorf("GCP_PROJECT required in production environment")
		}
		err = cfg.loadFromSecretManager(ctx)
	} else {
		err = cfg.loadFromEnv()
	}
	if err != nil {
		return nil, fmt.Errorf("loading backend config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromFile reads all configuration from a JSON file.
// Used for local development to avoid multiple ENV vars.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Port = withDefault(cfg.Port, "8080")
	cfg.Environment = withDefault(cfg.Environment, "development")
	cfg.LogLevel = withDefault(cfg.LogLevel, "info")

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFromSecretManager fetches backend credentials from GCP Secret Manager.
// Secret name format: projects/{project}/secrets/{store_id}/versions/latest
func (c *Config) loadFromSecretManager(ctx context.Context) error {
	client, err := secretmanager.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("creating secret manager client: %w", err)
	}
	defer client.Close()

	secretName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest",
		c.GCPProject, c.StoreID)

	result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: secretName,
	})
	if err != nil {
		return fmt.Errorf("accessing secret %s: %w", secretName, err)
	}

	if err := json.Unmarshal(result.Payload.Data, &c.Backend); err != nil {
		return fmt.Errorf("parsing secret JSON: %w", err)
	}
	return nil
}

// loadFromEnv reads backend and basket settings from individual environment
// variables. Used in development mode for local testing.
func (c *Config) loadFromEnv() error {
	c.Backend = BackendConfig{
		BaseURL:    os.Getenv("BACKEND_BASE_URL"),
		APIKey:     os.Getenv("BACKEND_API_KEY"),
		BrowserTLS: os.Getenv("BACKEND_BROWSER_TLS") == "true",
	}

	var err error
	if c.Basket.OperationTimeoutMS, err = envInt("BASKET_OPERATION_TIMEOUT_MS"); err != nil {
		return err
	}
	if c.Basket.ViewTickMS, err = envInt("BASKET_VIEW_TICK_MS"); err != nil {
		return err
	}
	if c.Basket.RetryMinMS, err = envInt("BASKET_RETRY_MIN_MS"); err != nil {
		return err
	}
	if c.Basket.RetryMaxMS, err = envInt("BASKET_RETRY_MAX_MS"); err != nil {
		return err
	}
	if c.Basket.LocalQuotaBytes, err = envInt("BASKET_LOCAL_QUOTA_BYTES"); err != nil {
		return err
	}
	return nil
}

// validate checks the whole config against its struct tags.
func (c *Config) validate() error {
	if err := validator.New().Struct(c); err != nil {
		var invalid validator.ValidationErrors
		if errors.As(err, &invalid) && len(invalid) > 0 {
			f := invalid[0]
			return fmt.Errorf("config field %s failed %q validation", f.Namespace(), f.Tag())
		}
		return fmt.Errorf("validating config: %w", err)
	}
	return nil
}

// SlogLevel maps the configured level string onto slog.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// OperationTimeout returns the configured remote-call timeout, or zero for
// the reconciler default.
func (c *Config) OperationTimeout() time.Duration {
	return time.Duration(c.Basket.OperationTimeoutMS) * time.Millisecond
}

// ViewTick returns the configured render coalescing window, or zero for
// the viewsync default.
func (c *Config) ViewTick() time.Duration {
	return time.Duration(c.Basket.ViewTickMS) * time.Millisecond
}

// RetryBounds returns the degraded-mode backoff range, zeros for defaults.
func (c *Config) RetryBounds() (min, max time.Duration) {
	return time.Duration(c.Basket.RetryMinMS) * time.Millisecond,
		time.Duration(c.Basket.RetryMaxMS) * time.Millisecond
}

// withDefault returns val if non-empty, otherwise defaultVal.
func withDefault(val, defaultVal string) string {
	if val != "" {
		return val
	}
	return defaultVal
}

// envOrDefault returns the environment variable value or the default if not set.
func envOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// envInt parses an optional integer environment variable. Unset means zero.
func envInt(key string) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("parsing %s: %w", key, err)
	}
	return n, nil
}
