// Package config loads orgguard process configuration from the
// environment. A .env file in the working directory (or at ENV_FILE) is
// merged first; explicit environment variables always win.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Config holds all application configuration.
type Config struct {
	// Server settings
	BackendHost string
	BackendPort int
	DataPath    string
	MetricsPort int

	// GitHub App settings
	GitHubAppID          int64
	GitHubPrivateKey     string // PEM contents
	GitHubInstallationID int64
	GitHubOrg            string
	GitHubAPIBaseURL     string // empty means the public API
	GitHubAPITimeout     time.Duration
	GitHubWebhookSecret  string

	// Scan settings
	ScanCron    string // cron expression, UTC
	WorkerCount int

	// Logging settings
	LogLevel  string
	LogFormat string

	// TestMode bypasses team-membership authorization. Never enable in
	// production.
	TestMode bool
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	envFile := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("file", envFile).Msg("Failed to load env file")
	}

	cfg := &Config{
		BackendHost: getEnvString("BACKEND_HOST", "0.0.0.0"),
		BackendPort: getEnvInt("BACKEND_PORT", 8080),
		DataPath:    getEnvString("DATA_PATH", "/var/lib/orgguard"),
		MetricsPort: getEnvInt("METRICS_PORT", 9091),

		GitHubAPIBaseURL:    strings.TrimSpace(os.Getenv("GITHUB_API_BASE_URL")),
		GitHubAPITimeout:    getEnvDuration("GITHUB_API_TIMEOUT", 30*time.Second),
		GitHubOrg:           strings.TrimSpace(os.Getenv("GITHUB_ORG")),
		GitHubWebhookSecret: os.Getenv("GITHUB_WEBHOOK_SECRET"),

		ScanCron:    getEnvString("SCAN_CRON", "0 0 * * *"),
		WorkerCount: getEnvInt("WORKER_COUNT", runtime.NumCPU()),

		LogLevel:  getEnvString("LOG_LEVEL", "info"),
		LogFormat: getEnvString("LOG_FORMAT", "auto"),

		TestMode: getEnvBool("TEST_MODE", false),
	}

	var err error
	if cfg.GitHubAppID, err = getEnvInt64("GITHUB_APP_ID"); err != nil {
		return nil, err
	}
	if cfg.GitHubInstallationID, err = getEnvInt64("GITHUB_INSTALLATION_ID"); err != nil {
		return nil, err
	}
	if cfg.GitHubPrivateKey, err = loadPrivateKey(); err != nil {
		return nil, err
	}

	if cfg.GitHubOrg == "" {
		return nil, fmt.Errorf("GITHUB_ORG is required")
	}
	if cfg.GitHubWebhookSecret == "" {
		log.Warn().Msg("GITHUB_WEBHOOK_SECRET is not set; webhook ingress will reject all deliveries")
	}
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.TestMode {
		log.Warn().Msg("TEST_MODE is enabled; team-membership authorization is bypassed")
	}

	return cfg, nil
}

// loadPrivateKey reads the app signing key from GITHUB_APP_PRIVATE_KEY
// (inline PEM) or GITHUB_APP_PRIVATE_KEY_FILE (path).
func loadPrivateKey() (string, error) {
	if pem := os.Getenv("GITHUB_APP_PRIVATE_KEY"); strings.TrimSpace(pem) != "" {
		return pem, nil
	}
	path := strings.TrimSpace(os.Getenv("GITHUB_APP_PRIVATE_KEY_FILE"))
	if path == "" {
		return "", fmt.Errorf("GITHUB_APP_PRIVATE_KEY or GITHUB_APP_PRIVATE_KEY_FILE is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read private key file %s: %w", path, err)
	}
	return string(data), nil
}

func getEnvString(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid integer env value; using default")
		return fallback
	}
	return n
}

func getEnvInt64(key string) (int64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid boolean env value; using default")
		return fallback
	}
	return b
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Str("key", key).Str("value", v).Msg("Invalid duration env value; using default")
		return fallback
	}
	return d
}
