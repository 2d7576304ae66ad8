// Package config loads the eventbox configuration from a YAML file and the
// process environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/3rs4lg4d0/eventbox/evbx"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override (e.g. EVENTBOX_POSTGRES_DSN).
const EnvPrefix = "EVENTBOX_"

// Config top-level struct
type Config struct {
	Outbox   OutboxConfig   `yaml:"outbox"`
	Postgres PostgresConfig `yaml:"postgres"`
	Kafka    KafkaConfig    `yaml:"kafka"`
	Redis    RedisConfig    `yaml:"redis"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type OutboxConfig struct {
	ProcessingIntervalSeconds int    `yaml:"processingIntervalSeconds"`
	MaxMessagesPerBatch       int    `yaml:"maxMessagesPerBatch"`
	RetryIntervalMs           int    `yaml:"retryIntervalMs"`
	MaxRetryAttempts          int    `yaml:"maxRetryAttempts"`
	MaxConcurrency            int    `yaml:"maxConcurrency"`
	ClaimTTLSeconds           int    `yaml:"claimTtlSeconds"`
	Schema                    string `yaml:"schema"`
}

type PostgresConfig struct {
	DSN        string `yaml:"dsn"`
	Migrations string `yaml:"migrations"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Client  string   `yaml:"client"` // "confluent" or "kafkago"
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "zerolog" or "zap"
}

type MetricsConfig struct {
	Backend string `yaml:"backend"` // "tally" or "otel"
}

// Load reads the YAML file at path and applies the environment overrides. An
// empty path only reads the environment.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Settings maps the outbox section onto evbx.Settings. Zero values are left
// for evbx to default.
func (c *Config) Settings() evbx.Settings {
	o := c.Outbox
	return evbx.Settings{
		ProcessingInterval:  time.Duration(o.ProcessingIntervalSeconds) * time.Second,
		MaxMessagesPerBatch: o.MaxMessagesPerBatch,
		RetryInterval:       time.Duration(o.RetryIntervalMs) * time.Millisecond,
		MaxRetryAttempts:    o.MaxRetryAttempts,
		MaxConcurrency:      o.MaxConcurrency,
		ClaimTTL:            time.Duration(o.ClaimTTLSeconds) * time.Second,
	}
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	strs := map[string]*string{
		"OUTBOX_SCHEMA":       &c.Outbox.Schema,
		"POSTGRES_DSN":        &c.Postgres.DSN,
		"POSTGRES_MIGRATIONS": &c.Postgres.Migrations,
		"KAFKA_CLIENT":        &c.Kafka.Client,
		"REDIS_ADDR":          &c.Redis.Addr,
		"REDIS_PASSWORD":      &c.Redis.Password,
		"LOG_LEVEL":           &c.Log.Level,
		"LOG_FORMAT":          &c.Log.Format,
		"METRICS_BACKEND":     &c.Metrics.Backend,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok {
			*dst = v
		}
	}
	ints := map[string]*int{
		"OUTBOX_PROCESSING_INTERVAL_SECONDS": &c.Outbox.ProcessingIntervalSeconds,
		"OUTBOX_MAX_MESSAGES_PER_BATCH":      &c.Outbox.MaxMessagesPerBatch,
		"OUTBOX_RETRY_INTERVAL_MS":           &c.Outbox.RetryIntervalMs,
		"OUTBOX_MAX_RETRY_ATTEMPTS":          &c.Outbox.MaxRetryAttempts,
		"OUTBOX_MAX_CONCURRENCY":             &c.Outbox.MaxConcurrency,
		"OUTBOX_CLAIM_TTL_SECONDS":           &c.Outbox.ClaimTTLSeconds,
		"REDIS_DB":                           &c.Redis.DB,
	}
	for key, dst := range ints {
		v, ok := lookup(EnvPrefix + key)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("invalid value for %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}
	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok {
		c.Kafka.Brokers = nil
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				c.Kafka.Brokers = append(c.Kafka.Brokers, b)
			}
		}
	}
	return nil
}
