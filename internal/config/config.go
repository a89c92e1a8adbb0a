package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Builder   BuilderConfig   `json:"builder"`
	Build     BuildConfig     `json:"build"`
	Ledger    LedgerConfig    `json:"ledger"`
	Heartbeat HeartbeatConfig `json:"heartbeat"`
	Tracing   TracingConfig   `json:"tracing"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

type DatabaseConfig struct {
	Postgres PostgresConfig `json:"postgres"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Redis    RedisConfig    `json:"redis"`
}

type PostgresConfig struct {
	DSN        string `json:"dsn"`
	Migrations string `json:"migrations"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL string `json:"url"`
}

// BuilderConfig points at the external knowledge Builder.
type BuilderConfig struct {
	Endpoint      string   `json:"endpoint"`
	APIKey        string   `json:"api_key"`
	Timeout       Duration `json:"timeout"`
	RatePerMinute int      `json:"rate_per_minute"`
}

// BuildConfig bounds chunks and waves.
type BuildConfig struct {
	ChunkSize      int    `json:"chunk_size"`
	MaxTokens      int    `json:"max_tokens"`
	Concurrency    int    `json:"concurrency"`
	TokenEstimator string `json:"token_estimator"`
}

// LedgerConfig selects the ledger backend: "redis" or "memory".
type LedgerConfig struct {
	Backend      string   `json:"backend"`
	MaxRetries   int      `json:"max_retries"`
	WriteTimeout Duration `json:"write_timeout"`
}

// HeartbeatConfig controls the periodic incremental sweep.
type HeartbeatConfig struct {
	Enabled  bool     `json:"enabled"`
	Interval Duration `json:"interval"`
}

type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Insecure    bool   `json:"insecure"`
}

// Duration is a time.Duration that unmarshals from "30s" style strings or
// from integer nanoseconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case float64:
		*d = Duration(time.Duration(val))
	case string:
		if val == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("invalid duration %s", string(b))
	}
	return nil
}

// ApplyDefaults fills zero values.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8090
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Database.Postgres.Migrations == "" {
		c.Database.Postgres.Migrations = "migrations"
	}
	if c.Builder.Timeout == 0 {
		c.Builder.Timeout = Duration(10 * time.Minute)
	}
	if c.Build.ChunkSize == 0 {
		c.Build.ChunkSize = 10
	}
	if c.Build.MaxTokens == 0 {
		c.Build.MaxTokens = 10000
	}
	if c.Build.Concurrency == 0 {
		c.Build.Concurrency = 3
	}
	if c.Build.TokenEstimator == "" {
		c.Build.TokenEstimator = "heuristic"
	}
	if c.Ledger.Backend == "" {
		c.Ledger.Backend = "memory"
	}
	if c.Ledger.MaxRetries == 0 {
		c.Ledger.MaxRetries = 2
	}
	if c.Ledger.WriteTimeout == 0 {
		c.Ledger.WriteTimeout = Duration(60 * time.Second)
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = Duration(5 * time.Minute)
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "nuka-kb"
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file, substitutes environment variable references
// and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	var cfg Config
	if err := json.Unmarshal([]byte(resolved), &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
