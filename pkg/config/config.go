// Package config loads the worker configuration from a YAML file, with
// environment variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/Asclepius/internal/nats"
	"github.com/wehubfusion/Asclepius/internal/postgres"
	"github.com/wehubfusion/Asclepius/internal/tracing"
)

// Config is the root worker configuration.
type Config struct {
	NATS      *nats.ConnectionConfig `yaml:"nats"`
	Database  postgres.Config        `yaml:"database"`
	Tracing   tracing.Config         `yaml:"tracing"`
	Worker    WorkerConfig           `yaml:"worker"`
	Scheduler SchedulerConfig        `yaml:"scheduler"`
	Metrics   MetricsConfig          `yaml:"metrics"`
	Artifacts ArtifactsConfig        `yaml:"artifacts"`
}

// WorkerConfig tunes the job consumer pool.
type WorkerConfig struct {
	BatchSize      int           `yaml:"batch_size"`
	NumWorkers     int           `yaml:"num_workers"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// SchedulerConfig holds the batch-expiry sweep schedule.
type SchedulerConfig struct {
	// Spec is a cron expression; empty disables the scheduler.
	Spec string `yaml:"spec"`
}

// MetricsConfig holds the Prometheus scrape endpoint address.
type MetricsConfig struct {
	// Addr is the listen address, e.g. ":9090"; empty disables metrics.
	Addr string `yaml:"addr"`
}

// ArtifactsConfig holds the export artifact storage settings.
type ArtifactsConfig struct {
	ConnectionString string `yaml:"connection_string"`
	Container        string `yaml:"container"`
}

// Default returns a configuration with local development settings.
func Default() *Config {
	return &Config{
		NATS:     nats.DefaultConnectionConfig("nats://localhost:4222"),
		Database: postgres.DefaultConfig("postgres://localhost:5432/claims?sslmode=disable"),
		Tracing:  tracing.DefaultConfig("claims-worker"),
		Worker: WorkerConfig{
			BatchSize:      10,
			NumWorkers:     4,
			ProcessTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{Spec: "@hourly"},
		Metrics:   MetricsConfig{Addr: ":9090"},
		Artifacts: ArtifactsConfig{Container: "claim-exports"},
	}
}

// Load reads a YAML configuration file over the defaults. Secrets can be
// overridden with environment variables after loading.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("ARTIFACTS_CONNECTION_STRING"); v != "" {
		c.Artifacts.ConnectionString = v
	}
}

// Validate checks the loaded configuration is runnable.
func (c *Config) Validate() error {
	if c.NATS == nil || c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if err := c.Database.Validate(); err != nil {
		return err
	}
	if c.Worker.BatchSize <= 0 {
		return fmt.Errorf("worker.batch_size must be positive")
	}
	if c.Worker.NumWorkers <= 0 {
		return fmt.Errorf("worker.num_workers must be positive")
	}
	if c.Worker.ProcessTimeout <= 0 {
		return fmt.Errorf("worker.process_timeout must be positive")
	}
	return nil
}
