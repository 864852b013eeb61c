package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the dispatch pipeline.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Health    HealthConfig    `yaml:"health"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	URL          string `yaml:"url"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns"`
}

// RedisConfig holds the Redis connection for the job queue and locks.
// Leave URL empty to fall back to PostgreSQL advisory locks; the job queue
// requires Redis.
type RedisConfig struct {
	URL string `yaml:"url"`
}

// SchedulerConfig holds batching defaults for campaign scheduling.
type SchedulerConfig struct {
	BatchSize    int `yaml:"batch_size"`
	MinBatchSize int `yaml:"min_batch_size"`
	PageSize     int `yaml:"page_size"`
}

// DispatchConfig holds worker and per-call dispatch defaults.
type DispatchConfig struct {
	Limit                 int `yaml:"limit"`
	MaxAttempts           int `yaml:"max_attempts"`
	Workers               int `yaml:"workers"`
	PollIntervalSeconds   int `yaml:"poll_interval_seconds"`
	RequeueBackoffSeconds int `yaml:"requeue_backoff_seconds"`
	JobMaxAttempts        int `yaml:"job_max_attempts"`
}

// PollInterval returns the queue poll interval as a duration.
func (c DispatchConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// RequeueBackoff returns the unfinished-batch requeue delay as a duration.
func (c DispatchConfig) RequeueBackoff() time.Duration {
	return time.Duration(c.RequeueBackoffSeconds) * time.Second
}

// HealthConfig holds alert detection thresholds.
type HealthConfig struct {
	IMAPLagMinutes   int     `yaml:"imap_lag_minutes"`
	HourlyLimitRatio float64 `yaml:"hourly_limit_ratio"`
	PendingBatches   int     `yaml:"pending_batches"`
	PendingJobs      int     `yaml:"pending_jobs"`
}

// Load reads config from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// LoadFromEnv loads .env, then the YAML file if present, then environment
// overrides. Missing YAML is not an error so containerized deployments can
// run on env vars alone.
func LoadFromEnv(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if path != "" {
		if data, err := os.ReadFile(path); err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if v := os.Getenv("SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("DISPATCH_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Dispatch.Workers = n
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "localhost"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 25
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 5
	}
	if c.Scheduler.BatchSize == 0 {
		c.Scheduler.BatchSize = 1000
	}
	if c.Scheduler.MinBatchSize == 0 {
		c.Scheduler.MinBatchSize = c.Scheduler.BatchSize / 2
	}
	if c.Scheduler.PageSize == 0 {
		c.Scheduler.PageSize = 1000
	}
	if c.Dispatch.Limit == 0 {
		c.Dispatch.Limit = 200
	}
	if c.Dispatch.MaxAttempts == 0 {
		c.Dispatch.MaxAttempts = 3
	}
	if c.Dispatch.Workers == 0 {
		c.Dispatch.Workers = 4
	}
	if c.Dispatch.PollIntervalSeconds == 0 {
		c.Dispatch.PollIntervalSeconds = 5
	}
	if c.Dispatch.RequeueBackoffSeconds == 0 {
		c.Dispatch.RequeueBackoffSeconds = 30
	}
	if c.Dispatch.JobMaxAttempts == 0 {
		c.Dispatch.JobMaxAttempts = 3
	}
	if c.Health.IMAPLagMinutes == 0 {
		c.Health.IMAPLagMinutes = 60
	}
	if c.Health.HourlyLimitRatio == 0 {
		c.Health.HourlyLimitRatio = 0.9
	}
	if c.Health.PendingBatches == 0 {
		c.Health.PendingBatches = 50
	}
	if c.Health.PendingJobs == 0 {
		c.Health.PendingJobs = 25
	}
}
