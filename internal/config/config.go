// Package config loads the server configuration from config/server.yaml with
// environment overrides for deployment-specific values.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration parses yaml values like "5s" or "100ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full server configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Database Database `yaml:"database"`
	Redis    Redis    `yaml:"redis"`
	Transfer Transfer `yaml:"transfer"`
	Archive  Archive  `yaml:"archive"`
	Audit    Audit    `yaml:"audit"`
}

// Server configures the HTTP listener.
type Server struct {
	Addr            string   `yaml:"addr"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// Database configures the postgres connection and migrations.
type Database struct {
	DSN            string `yaml:"dsn"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
	MigrationsPath string `yaml:"migrations_path"`
}

// Redis configures the optional read cache. An empty Addr disables it.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Transfer tunes the transfer engine.
type Transfer struct {
	MaxAttempts    int      `yaml:"max_attempts"`
	BaseBackoff    Duration `yaml:"base_backoff"`
	TxTimeout      Duration `yaml:"tx_timeout"`
	MaxAmount      string   `yaml:"max_amount"`
	DailyLimit     string   `yaml:"daily_limit"`
	RecordFailures bool     `yaml:"record_failures"`
}

// Archive tunes the archival scheduler.
type Archive struct {
	RetentionDays int    `yaml:"retention_days"`
	BatchSize     int    `yaml:"batch_size"`
	Schedule      string `yaml:"schedule"`
}

// Audit configures the audit trail.
type Audit struct {
	LogPath string `yaml:"log_path"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Server: Server{
			Addr:            ":8080",
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: Database{
			MaxOpenConns:   25,
			MaxIdleConns:   5,
			MigrationsPath: filepath.Join("db", "migrations"),
		},
		Transfer: Transfer{
			RecordFailures: true,
			DailyLimit:     "10000",
		},
		Archive: Archive{
			RetentionDays: 90,
			BatchSize:     1000,
			Schedule:      "0 2 * * *",
		},
		Audit: Audit{
			LogPath: "audit.log",
		},
	}
}

// Load reads the configuration from path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// LoadOrDefault reads config/server.yaml, falling back to defaults when the
// file is absent.
func LoadOrDefault() Config {
	cfg, err := Load(filepath.Join("config", "server.yaml"))
	if err != nil {
		cfg = Default()
		cfg.applyEnv()
	}
	return cfg
}

// applyEnv overrides deployment secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.Server.Addr = v
	}
}
