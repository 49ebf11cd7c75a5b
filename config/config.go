// Package config loads the process configuration for loom binaries from a
// YAML file with environment variable overrides. Every field has a working
// local-development default so a bare `loom` starts against localhost
// backends.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the full process configuration.
	Config struct {
		// Redis configures the queue, journal, state, lock, idempotency and
		// streaming backends.
		Redis Redis `yaml:"redis"`
		// Mongo configures the trace, workflow and secret stores.
		Mongo Mongo `yaml:"mongo"`
		// Queue configures the consumed actor queue.
		Queue Queue `yaml:"queue"`
		// Worker configures the poll loops.
		Worker Worker `yaml:"worker"`
		// HTTPAddr is the listen address for health and admin endpoints.
		HTTPAddr string `yaml:"httpAddr"`
		// Debug enables debug-level logging.
		Debug bool `yaml:"debug"`
	}

	// Redis is the Redis connection configuration.
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	}

	// Mongo is the MongoDB connection configuration.
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// Queue selects the consumed queue and its key namespace.
	Queue struct {
		Name      string `yaml:"name"`
		KeyPrefix string `yaml:"keyPrefix"`
	}

	// Worker shapes the queue poll loops.
	Worker struct {
		// Concurrency is the number of concurrent poll loops.
		Concurrency int `yaml:"concurrency"`
		// PollTimeout bounds each blocking dequeue.
		PollTimeout time.Duration `yaml:"pollTimeout"`
		// RatePerSecond caps dequeues per second. Zero means unlimited.
		RatePerSecond float64 `yaml:"ratePerSecond"`
		// ID identifies this worker in queue attempt logs. Defaults to the
		// hostname.
		ID string `yaml:"id"`
	}
)

// Default returns the local-development configuration.
func Default() Config {
	host, _ := os.Hostname()
	return Config{
		Redis: Redis{Addr: "localhost:6379"},
		Mongo: Mongo{URI: "mongodb://localhost:27017", Database: "loom"},
		Queue: Queue{Name: "loom-actors", KeyPrefix: "loom"},
		Worker: Worker{
			Concurrency: 4,
			PollTimeout: 5 * time.Second,
			ID:          host,
		},
		HTTPAddr: ":8080",
	}
}

// Load builds the configuration: defaults, then the YAML file at path when
// non-empty, then LOOM_* environment overrides. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the configuration can be acted on.
func (c Config) Validate() error {
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Mongo.URI == "" {
		return fmt.Errorf("mongo.uri is required")
	}
	if c.Mongo.Database == "" {
		return fmt.Errorf("mongo.database is required")
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name is required")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be >= 1")
	}
	if c.Worker.PollTimeout <= 0 {
		return fmt.Errorf("worker.pollTimeout must be > 0")
	}
	return nil
}

// applyEnv overlays LOOM_* environment variables onto the configuration.
func (c *Config) applyEnv() error {
	setString(&c.Redis.Addr, "LOOM_REDIS_ADDR")
	setString(&c.Redis.Password, "LOOM_REDIS_PASSWORD")
	if err := setInt(&c.Redis.DB, "LOOM_REDIS_DB"); err != nil {
		return err
	}
	setString(&c.Mongo.URI, "LOOM_MONGO_URI")
	setString(&c.Mongo.Database, "LOOM_MONGO_DATABASE")
	setString(&c.Queue.Name, "LOOM_QUEUE_NAME")
	setString(&c.Queue.KeyPrefix, "LOOM_QUEUE_KEY_PREFIX")
	if err := setInt(&c.Worker.Concurrency, "LOOM_WORKER_CONCURRENCY"); err != nil {
		return err
	}
	if err := setDuration(&c.Worker.PollTimeout, "LOOM_WORKER_POLL_TIMEOUT"); err != nil {
		return err
	}
	setString(&c.Worker.ID, "LOOM_WORKER_ID")
	setString(&c.HTTPAddr, "LOOM_HTTP_ADDR")
	if err := setBool(&c.Debug, "LOOM_DEBUG"); err != nil {
		return err
	}
	return nil
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = v
	}
}

func setInt(dst *int, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
