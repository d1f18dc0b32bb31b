// Package config defines the keygate.yaml configuration surface.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// YAMLConfig represents the top-level keygate configuration file.
type YAMLConfig struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	License  LicenseConfig  `yaml:"license"`
	Rates    map[string]int `yaml:"rates,omitempty"` // model id -> cost in cents
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig controls the HTTP server behavior.
type ServerConfig struct {
	Host               string     `yaml:"host"`
	Port               int        `yaml:"port"`
	ShutdownTimeout    string     `yaml:"shutdown_timeout"`
	RateLimitPerMinute int        `yaml:"rate_limit_per_minute"`
	CORS               CORSConfig `yaml:"cors"`
}

// CORSConfig controls cross-origin resource sharing settings.
type CORSConfig struct {
	Origins []string `yaml:"origins"`
}

// DatabaseConfig selects and configures the backing database.
type DatabaseConfig struct {
	// Driver is one of "sqlite", "postgres", or "mysql".
	Driver string `yaml:"driver"`
	// DSN is the connection string for postgres/mysql.
	DSN string `yaml:"dsn"`
	// DataDir holds the sqlite database file. Empty means in-memory.
	DataDir string `yaml:"data_dir"`
}

// AuthConfig controls admin session authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	JWTExpiry string `yaml:"jwt_expiry"`
}

// LicenseConfig is the key-lifecycle configuration: the product prefix on
// every issued key, the per-day usage caps, and the secret salt behind the
// email fingerprint.
type LicenseConfig struct {
	KeyPrefix     string `yaml:"key_prefix"`
	ImagesPerDay  int    `yaml:"images_daily_cap"`
	ARViewsPerDay int    `yaml:"ar_views_daily_cap"`
	// EmailFingerprintSalt has no default on purpose: serving without it
	// must fail loudly, and rotating it orphans every stored email→key
	// binding.
	EmailFingerprintSalt string `yaml:"email_fingerprint_salt"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// LoadYAMLConfig reads and parses a YAML configuration file. Environment
// variables referenced as ${VAR_NAME} in the file are expanded before parsing.
func LoadYAMLConfig(path string) (*YAMLConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	content := os.ExpandEnv(string(data))

	cfg := DefaultYAMLConfig()
	if err := yaml.Unmarshal([]byte(content), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// DefaultYAMLConfig returns a YAMLConfig pre-filled with sensible defaults.
// The email fingerprint salt has no default.
func DefaultYAMLConfig() *YAMLConfig {
	return &YAMLConfig{
		Server: ServerConfig{
			Host:               "0.0.0.0",
			Port:               8080,
			ShutdownTimeout:    "30s",
			RateLimitPerMinute: 60,
			CORS: CORSConfig{
				Origins: []string{"*"},
			},
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
		},
		Auth: AuthConfig{
			JWTExpiry: "24h",
		},
		License: LicenseConfig{
			KeyPrefix:     "TZY",
			ImagesPerDay:  10,
			ARViewsPerDay: 25,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks the invariants serve depends on.
func (c *YAMLConfig) Validate() error {
	if c.License.KeyPrefix == "" {
		return fmt.Errorf("license.key_prefix must not be empty")
	}
	if c.License.ImagesPerDay < 1 {
		return fmt.Errorf("license.images_daily_cap must be at least 1, got %d", c.License.ImagesPerDay)
	}
	if c.License.ARViewsPerDay < 1 {
		return fmt.Errorf("license.ar_views_daily_cap must be at least 1, got %d", c.License.ARViewsPerDay)
	}
	if c.License.EmailFingerprintSalt == "" {
		return fmt.Errorf("license.email_fingerprint_salt is required (set KEYGATE_LICENSE_EMAIL_FINGERPRINT_SALT or the config file)")
	}
	return nil
}

// ShutdownTimeout parses the server shutdown timeout, defaulting to 30s.
func (c *YAMLConfig) ShutdownTimeout() time.Duration {
	return parseDuration(c.Server.ShutdownTimeout, 30*time.Second)
}

// JWTExpiry parses the admin session lifetime, defaulting to 24h.
func (c *YAMLConfig) JWTExpiry() time.Duration {
	return parseDuration(c.Auth.JWTExpiry, 24*time.Hour)
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// WriteDefaultConfig writes the default configuration to a YAML file.
func WriteDefaultConfig(path string) error {
	cfg := DefaultYAMLConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
