package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearBasketEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CONFIG_FILE", "PORT", "ENVIRONMENT", "LOG_LEVEL", "GCP_PROJECT",
		"STORE_ID", "BACKEND_BASE_URL", "BACKEND_API_KEY", "BACKEND_BROWSER_TLS",
		"BASKET_OPERATION_TIMEOUT_MS", "BASKET_VIEW_TICK_MS",
		"BASKET_RETRY_MIN_MS", "BASKET_RETRY_MAX_MS", "BASKET_LOCAL_QUOTA_BYTES",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func TestLoadFromEnv(t *testing.T) {
	clearBasketEnv(t)
	t.Setenv("ENVIRONMENT", "development")
	t.Setenv("STORE_ID", "fitright-dev")
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("BACKEND_BASE_URL", "https://api.example.com")
	t.Setenv("BACKEND_API_KEY", "key123")
	t.Setenv("BACKEND_BROWSER_TLS", "true")
	t.Setenv("BASKET_OPERATION_TIMEOUT_MS", "2500")
	t.Setenv("BASKET_VIEW_TICK_MS", "32")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Port = %s, want 9090", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %s, want debug", cfg.LogLevel)
	}
	if cfg.StoreID != "fitright-dev" {
		t.Errorf("StoreID = %s, want fitright-dev", cfg.StoreID)
	}
	if cfg.Backend.BaseURL != "https://api.example.com" {
		t.Errorf("Backend.BaseURL = %s", cfg.Backend.BaseURL)
	}
	if !cfg.Backend.BrowserTLS {
		t.Error("Backend.BrowserTLS = false, want true")
	}
	if got := cfg.OperationTimeout(); got != 2500*time.Millisecond {
		t.Errorf("OperationTimeout = %v, want 2.5s", got)
	}
	if got := cfg.ViewTick(); got != 32*time.Millisecond {
		t.Errorf("ViewTick = %v, want 32ms", got)
	}
}

func TestLoadMissingStoreID(t *testing.T) {
	clearBasketEnv(t)

	_, err := Load(context.Background())
	if err == nil || !strings.Contains(err.Error(), "STORE_ID") {
		t.Errorf("Load() error = %v, want STORE_ID requirement", err)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearBasketEnv(t)
	t.Setenv("STORE_ID", "fitright-dev")

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want default 8080", cfg.Port)
	}
	if cfg.Environment != "development" {
		t.Errorf("Environment = %s, want development", cfg.Environment)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %s, want info", cfg.LogLevel)
	}
	// No backend configured is valid: basketd runs in-process storage.
	if cfg.Backend.BaseURL != "" {
		t.Errorf("Backend.BaseURL = %s, want empty", cfg.Backend.BaseURL)
	}
}

func TestLoadValidationFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(t *testing.T)
		want  string
	}{
		{
			name: "bad backend url",
			setup: func(t *testing.T) {
				t.Setenv("STORE_ID", "s")
				t.Setenv("BACKEND_BASE_URL", "not a url")
				t.Setenv("BACKEND_API_KEY", "k")
			},
			want: "url",
		},
		{
			name: "backend url without api key",
			setup: func(t *testing.T) {
				t.Setenv("STORE_ID", "s")
				t.Setenv("BACKEND_BASE_URL", "https://api.example.com")
			},
			want: "APIKey",
		},
		{
			name: "bad log level",
			setup: func(t *testing.T) {
				t.Setenv("STORE_ID", "s")
				t.Setenv("LOG_LEVEL", "verbose")
			},
			want: "oneof",
		},
		{
			name: "retry max below min",
			setup: func(t *testing.T) {
				t.Setenv("STORE_ID", "s")
				t.Setenv("BASKET_RETRY_MIN_MS", "5000")
				t.Setenv("BASKET_RETRY_MAX_MS", "100")
			},
			want: "gtefield",
		},
		{
			name: "non-numeric tunable",
			setup: func(t *testing.T) {
				t.Setenv("STORE_ID", "s")
				t.Setenv("BASKET_VIEW_TICK_MS", "fast")
			},
			want: "BASKET_VIEW_TICK_MS",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearBasketEnv(t)
			tt.setup(t)

			_, err := Load(context.Background())
			if err == nil {
				t.Fatal("Load() succeeded, want validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	clearBasketEnv(t)

	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"store_id": "fitright-prod",
		"log_level": "warn",
		"backend": {
			"base_url": "https://api.example.com",
			"api_key": "key123",
			"browser_tls": true
		},
		"basket": {
			"operation_timeout_ms": 3000,
			"retry_min_ms": 500,
			"retry_max_ms": 60000
		}
	}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.StoreID != "fitright-prod" {
		t.Errorf("StoreID = %s", cfg.StoreID)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %s, want defaulted 8080", cfg.Port)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %s, want warn", cfg.LogLevel)
	}
	min, max := cfg.RetryBounds()
	if min != 500*time.Millisecond || max != time.Minute {
		t.Errorf("RetryBounds = %v, %v", min, max)
	}
}

func TestLoadFromFileMissing(t *testing.T) {
	clearBasketEnv(t)
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "nope.json"))

	if _, err := Load(context.Background()); err == nil {
		t.Error("Load() succeeded with missing config file")
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  string
	}{
		{"debug", "DEBUG"},
		{"info", "INFO"},
		{"warn", "WARN"},
		{"error", "ERROR"},
	}
	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		if got := cfg.SlogLevel().String(); got != tt.want {
			t.Errorf("SlogLevel(%s) = %s, want %s", tt.level, got, tt.want)
		}
	}
}
