// Package config provides configuration loading and management for ticketd.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete ticketd configuration
type Config struct {
	Log    LogConfig    `yaml:"log"`
	NATS   NATSConfig   `yaml:"nats"`
	Store  StoreConfig  `yaml:"store"`
	HTTP   HTTPConfig   `yaml:"http"`
	Export ExportConfig `yaml:"export"`
}

// LogConfig configures structured logging output
type LogConfig struct {
	// Level is one of debug, info, warn, error (default: info)
	Level string `yaml:"level"`
	// Format is "text" or "json" (default: text)
	Format string `yaml:"format"`
}

// NATSConfig configures the NATS connection backing ticket storage
type NATSConfig struct {
	// URL is the NATS server URL
	URL string `yaml:"url"`
	// Bucket is the JetStream KV bucket holding ticket records
	Bucket string `yaml:"bucket"`
	// ConnectTimeout bounds the initial connection attempt
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// StoreConfig configures tenant record storage
type StoreConfig struct {
	// TenantDir is the directory holding one JSON file per tenant
	TenantDir string `yaml:"tenant_dir"`
}

// HTTPConfig configures the admin HTTP API
type HTTPConfig struct {
	// Addr is the listen address (default: :8080)
	Addr string `yaml:"addr"`
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ExportConfig configures transcript delivery to object storage
type ExportConfig struct {
	// S3Bucket enables object-store delivery when non-empty
	S3Bucket string `yaml:"s3_bucket"`
	// S3Prefix is prepended to transcript object keys
	S3Prefix string `yaml:"s3_prefix"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		NATS: NATSConfig{
			URL:            "nats://localhost:4222",
			Bucket:         "TICKETD_TICKETS",
			ConnectTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			TenantDir: "tenants",
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Export: ExportConfig{},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.NATS.Bucket == "" {
		return fmt.Errorf("nats.bucket is required")
	}
	if c.Store.TenantDir == "" {
		return fmt.Errorf("store.tenant_dir is required")
	}
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for non-zero values)
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.Log.Level != "" {
		c.Log.Level = other.Log.Level
	}
	if other.Log.Format != "" {
		c.Log.Format = other.Log.Format
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.NATS.Bucket != "" {
		c.NATS.Bucket = other.NATS.Bucket
	}
	if other.NATS.ConnectTimeout != 0 {
		c.NATS.ConnectTimeout = other.NATS.ConnectTimeout
	}

	if other.Store.TenantDir != "" {
		c.Store.TenantDir = other.Store.TenantDir
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}
	if other.HTTP.ShutdownTimeout != 0 {
		c.HTTP.ShutdownTimeout = other.HTTP.ShutdownTimeout
	}

	if other.Export.S3Bucket != "" {
		c.Export.S3Bucket = other.Export.S3Bucket
	}
	if other.Export.S3Prefix != "" {
		c.Export.S3Prefix = other.Export.S3Prefix
	}
}
