package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix namespaces environment overrides. Sections are separated by a
// double underscore: MULING_SERVER__AUTH_TOKEN sets server.auth_token.
const EnvPrefix = "MULING_"

// DefaultPath is read when no explicit config file is given. It is optional.
const DefaultPath = "configs/config.yaml"

type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Analysis AnalysisConfig `koanf:"analysis"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Kafka    KafkaConfig    `koanf:"kafka"`
	Neo4j    Neo4jConfig    `koanf:"neo4j"`
	Log      LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Port               int           `koanf:"port"`
	AllowedOrigins     []string      `koanf:"allowed_origins"`
	AuthToken          string        `koanf:"auth_token"` // Empty disables bearer auth
	RateLimitPerMinute int           `koanf:"rate_limit_per_minute"`
	RateLimitBurst     int           `koanf:"rate_limit_burst"`
	MaxUploadBytes     int64         `koanf:"max_upload_bytes"`
	ShutdownTimeout    time.Duration `koanf:"shutdown_timeout"`
}

type AnalysisConfig struct {
	MaxTransactions   int           `koanf:"max_transactions"`
	ParallelDetectors bool          `koanf:"parallel_detectors"`
	RunRetention      time.Duration `koanf:"run_retention"`
}

type DatabaseConfig struct {
	URL string `koanf:"url"`
}

type RedisConfig struct {
	Addr     string        `koanf:"addr"`
	Password string        `koanf:"password"`
	DB       int           `koanf:"db"`
	TTL      time.Duration `koanf:"ttl"`
}

type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

type Neo4jConfig struct {
	URI      string `koanf:"uri"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Database string `koanf:"database"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json or console
}

// Default returns the built-in configuration. All optional subsystems are
// disabled until their connection settings are filled in.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:               8080,
			AllowedOrigins:     []string{"http://localhost:3000"},
			RateLimitPerMinute: 30,
			RateLimitBurst:     10,
			MaxUploadBytes:     50 << 20,
			ShutdownTimeout:    15 * time.Second,
		},
		Analysis: AnalysisConfig{
			MaxTransactions:   50000,
			ParallelDetectors: true,
			RunRetention:      time.Hour,
		},
		Redis: RedisConfig{
			TTL: 24 * time.Hour,
		},
		Kafka: KafkaConfig{
			Topic: "fraud-rings",
		},
		Neo4j: Neo4jConfig{
			Database: "neo4j",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the YAML file and MULING_ environment variables, in
// that order. An explicit path must exist; the default path may be absent.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("loading environment variables: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envValue maps MULING_KAFKA__BROKERS=a:9092,b:9092 to kafka.brokers as a list.
func envValue(key, value string) (string, interface{}) {
	key = strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), "__", ".")
	if strings.Contains(value, ",") {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	switch {
	case c.Server.Port <= 0 || c.Server.Port > 65535:
		return fmt.Errorf("invalid server.port %d", c.Server.Port)
	case c.Analysis.MaxTransactions <= 0:
		return fmt.Errorf("analysis.max_transactions must be positive, got %d", c.Analysis.MaxTransactions)
	case c.Server.MaxUploadBytes <= 0:
		return fmt.Errorf("server.max_upload_bytes must be positive, got %d", c.Server.MaxUploadBytes)
	case len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "":
		return errors.New("kafka.topic is required when kafka.brokers is set")
	}
	return nil
}
