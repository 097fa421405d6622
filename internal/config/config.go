// Package config loads service configuration from an optional YAML
// file overlaid with environment variables. A .env file is honored in
// development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"

	"github.com/edgegate/backend/internal/core"
)

// Config is the full runtime configuration.
type Config struct {
	HTTPAddr    string `yaml:"http_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// ObjectStoreDir is the filesystem root of the object backend.
	ObjectStoreDir string `yaml:"object_store_dir"`

	// MasterKey is the base64 envelope master (>=32 bytes decoded);
	// MasterKeyID stamps wrapped DEKs for rotation.
	MasterKey   string `yaml:"-"`
	MasterKeyID string `yaml:"master_key_id"`

	// APITokenSecret signs control-plane bearer tokens.
	APITokenSecret string `yaml:"-"`

	SigningKeyID          string `yaml:"signing_key_id"`
	SigningPrivateKeyPath string `yaml:"signing_private_key_path"`

	// BackendBaseURL points at the compute hub; empty selects the mock
	// backend for local development.
	BackendBaseURL string `yaml:"backend_base_url"`

	ForceMigrate bool `yaml:"force_migrate"`

	RetentionDays int         `yaml:"retention_days"`
	Limits        core.Limits `yaml:"limits"`

	ShutdownGrace time.Duration `yaml:"shutdown_grace"`
}

func defaults() Config {
	return Config{
		HTTPAddr:      ":8080",
		MetricsAddr:   ":9090",
		MasterKeyID:   "mk-1",
		SigningKeyID:  "key-v1",
		RetentionDays: 30,
		Limits:        core.DefaultLimits(),
		ShutdownGrace: 15 * time.Second,
	}
}

// Load reads path (when non-empty), then the environment. Environment
// values win over file values.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	cfg := defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	overlayString(&cfg.HTTPAddr, "HTTP_ADDR")
	overlayString(&cfg.MetricsAddr, "METRICS_ADDR")
	overlayString(&cfg.DatabaseURL, "DATABASE_URL")
	overlayString(&cfg.RedisURL, "REDIS_URL")
	overlayString(&cfg.ObjectStoreDir, "OBJECT_STORE_DIR")
	overlayString(&cfg.MasterKey, "MASTER_KEY")
	overlayString(&cfg.MasterKeyID, "MASTER_KEY_ID")
	overlayString(&cfg.APITokenSecret, "API_TOKEN_SECRET")
	overlayString(&cfg.SigningKeyID, "SIGNING_KEY_ID")
	overlayString(&cfg.SigningPrivateKeyPath, "SIGNING_PRIVATE_KEY_PATH")
	overlayString(&cfg.BackendBaseURL, "BACKEND_BASE_URL")
	overlayBool(&cfg.ForceMigrate, "FORCE_MIGRATE")
	overlayInt(&cfg.RetentionDays, "RETENTION_DAYS")

	return cfg, nil
}

// Validate checks the fields a production deployment cannot run
// without.
func (c Config) Validate() error {
	if c.MasterKey == "" {
		return fmt.Errorf("MASTER_KEY is required")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.APITokenSecret == "" {
		return fmt.Errorf("API_TOKEN_SECRET is required")
	}
	return nil
}

func overlayString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overlayBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func overlayInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			*dst = parsed
		}
	}
}
