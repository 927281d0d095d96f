// Package config loads the regwatch HCL configuration file and applies
// environment overrides for deployment-specific settings.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"github.com/regwatch-io/regwatch/pkg/blobstore"
	"github.com/regwatch-io/regwatch/pkg/database"
)

// Config is the top-level configuration shared by all regwatch binaries.
type Config struct {
	// LogLevel is trace, debug, info, warn or error.
	LogLevel string `hcl:"log_level,optional"`

	Postgres    *database.Config  `hcl:"postgres,block"`
	Redpanda    *RedpandaConfig   `hcl:"redpanda,block"`
	ObjectStore *blobstore.Config `hcl:"object_store,block"`
	Scheduler   *SchedulerConfig  `hcl:"scheduler,block"`
	Worker      *WorkerConfig     `hcl:"worker,block"`
}

// RedpandaConfig holds event bus connection settings.
type RedpandaConfig struct {
	Brokers       []string `hcl:"brokers,optional"`
	ConsumerGroup string   `hcl:"consumer_group,optional"`
}

// SchedulerConfig tunes the scheduler daemon's loops.
type SchedulerConfig struct {
	// TickIntervalSeconds is how often due subscriptions are claimed.
	TickIntervalSeconds int `hcl:"tick_interval_seconds,optional"`

	// NextRunIntervalSeconds is how often missing next_run_at values are
	// recomputed.
	NextRunIntervalSeconds int `hcl:"next_run_interval_seconds,optional"`

	// DispatchIntervalSeconds is how often pending outbox rows are published.
	DispatchIntervalSeconds int `hcl:"dispatch_interval_seconds,optional"`

	// TickBatchSize caps subscriptions claimed per tick.
	TickBatchSize int `hcl:"tick_batch_size,optional"`

	// DispatchBatchSize caps outbox rows claimed per dispatch pass.
	DispatchBatchSize int `hcl:"dispatch_batch_size,optional"`

	// OutboxRetentionHours is how long published outbox rows are kept
	// before cleanup removes them.
	OutboxRetentionHours int `hcl:"outbox_retention_hours,optional"`
}

// WorkerConfig tunes the stage worker daemon.
type WorkerConfig struct {
	// FetchTimeoutSeconds bounds a single crawl HTTP request.
	FetchTimeoutSeconds int `hcl:"fetch_timeout_seconds,optional"`

	// UserAgent identifies the crawler to origin servers.
	UserAgent string `hcl:"user_agent,optional"`
}

// Load reads the HCL file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.setDefaults()
	cfg.applyEnvOverrides()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a configuration with every field at its default, used
// when no config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	cfg.applyEnvOverrides()
	return cfg
}

func (c *Config) setDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Postgres == nil {
		c.Postgres = &database.Config{}
	}
	if c.Redpanda == nil {
		c.Redpanda = &RedpandaConfig{}
	}
	if len(c.Redpanda.Brokers) == 0 {
		c.Redpanda.Brokers = []string{"localhost:19092"}
	}
	if c.Redpanda.ConsumerGroup == "" {
		c.Redpanda.ConsumerGroup = "regwatch-stage-workers"
	}
	if c.ObjectStore == nil {
		c.ObjectStore = &blobstore.Config{}
	}
	c.ObjectStore.SetDefaults()

	if c.Scheduler == nil {
		c.Scheduler = &SchedulerConfig{}
	}
	if c.Scheduler.TickIntervalSeconds == 0 {
		c.Scheduler.TickIntervalSeconds = 10
	}
	if c.Scheduler.NextRunIntervalSeconds == 0 {
		c.Scheduler.NextRunIntervalSeconds = 5
	}
	if c.Scheduler.DispatchIntervalSeconds == 0 {
		c.Scheduler.DispatchIntervalSeconds = 2
	}
	if c.Scheduler.TickBatchSize == 0 {
		c.Scheduler.TickBatchSize = 100
	}
	if c.Scheduler.DispatchBatchSize == 0 {
		c.Scheduler.DispatchBatchSize = 100
	}
	if c.Scheduler.OutboxRetentionHours == 0 {
		c.Scheduler.OutboxRetentionHours = 168
	}

	if c.Worker == nil {
		c.Worker = &WorkerConfig{}
	}
	if c.Worker.FetchTimeoutSeconds == 0 {
		c.Worker.FetchTimeoutSeconds = 30
	}
	if c.Worker.UserAgent == "" {
		c.Worker.UserAgent = "regwatch-crawler/1.0"
	}
}

// applyEnvOverrides lets deployment environments override connection
// settings without editing the config file.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("REDPANDA_BROKERS"); v != "" {
		c.Redpanda.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("CONSUMER_GROUP"); v != "" {
		c.Redpanda.ConsumerGroup = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		c.Postgres.DSN = v
	}
	if v := os.Getenv("OBJECT_STORE_ENDPOINT"); v != "" {
		c.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("OBJECT_STORE_ACCESS_KEY"); v != "" {
		c.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("OBJECT_STORE_SECRET_KEY"); v != "" {
		c.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("OBJECT_STORE_BUCKET"); v != "" {
		c.ObjectStore.Bucket = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) validate() error {
	switch c.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	if len(c.Redpanda.Brokers) == 0 {
		return fmt.Errorf("at least one redpanda broker is required")
	}
	return nil
}
