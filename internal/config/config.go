// Package config assembles the edge's configuration from defaults, an
// optional YAML file, and environment variables, in that precedence order
// (lowest to highest).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Mode selects the refresher's coalescing strategy. ModeStreaming rejects
// more than one token per environment at startup; ModePlain unions scopes.
type Mode string

const (
	ModePlain     Mode = "plain"
	ModeStreaming Mode = "streaming"
)

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host     string `yaml:"host" env:"EDGE_HOST"`
	Port     int    `yaml:"port" env:"EDGE_PORT"`
	BasePath string `yaml:"base_path" env:"EDGE_BASE_PATH"`
}

// UpstreamConfig controls the upstream control-plane client.
type UpstreamConfig struct {
	URL              string        `yaml:"url" env:"UPSTREAM_URL"`
	PollInterval     time.Duration `yaml:"poll_interval" env:"UPSTREAM_POLL_INTERVAL"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout" env:"UPSTREAM_CONNECT_TIMEOUT"`
	RequestTimeout   time.Duration `yaml:"request_timeout" env:"UPSTREAM_REQUEST_TIMEOUT"`
	MaxBackoff       time.Duration `yaml:"max_backoff" env:"UPSTREAM_MAX_BACKOFF"`
	AppName          string        `yaml:"app_name" env:"UPSTREAM_APP_NAME"`
	ClientSpecHeader string        `yaml:"client_spec_header" env:"UPSTREAM_CLIENT_SPEC"`
	// Heartbeat enables the enterprise license heartbeat loop.
	Heartbeat         bool          `yaml:"heartbeat" env:"UPSTREAM_HEARTBEAT"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" env:"UPSTREAM_HEARTBEAT_INTERVAL"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" env:"LOG_LEVEL"`
	Format string `yaml:"format" env:"LOG_FORMAT"`
}

// MetricsConfig controls the usage-metrics aggregator's flush loop.
type MetricsConfig struct {
	FlushInterval time.Duration `yaml:"flush_interval" env:"METRICS_FLUSH_INTERVAL"`
}

// PersistenceConfig selects and configures the durable snapshot backend.
type PersistenceConfig struct {
	Backend        string        `yaml:"backend" env:"PERSISTENCE_BACKEND"` // file | redis | s3 | memory
	SnapshotPeriod time.Duration `yaml:"snapshot_period" env:"PERSISTENCE_SNAPSHOT_PERIOD"`
	FilePath       string        `yaml:"file_path" env:"PERSISTENCE_FILE_PATH"`
	RedisAddr      string        `yaml:"redis_addr" env:"PERSISTENCE_REDIS_ADDR"`
	RedisPassword  string        `yaml:"redis_password" env:"PERSISTENCE_REDIS_PASSWORD"`
	RedisDB        int           `yaml:"redis_db" env:"PERSISTENCE_REDIS_DB"`
	S3Bucket       string        `yaml:"s3_bucket" env:"PERSISTENCE_S3_BUCKET"`
	S3Prefix       string        `yaml:"s3_prefix" env:"PERSISTENCE_S3_PREFIX"`
	S3Region       string        `yaml:"s3_region" env:"PERSISTENCE_S3_REGION"`
}

// DeltaConfig bounds the per-environment event log.
type DeltaConfig struct {
	MaxLogSize int `yaml:"max_log_size" env:"DELTA_MAX_LOG_SIZE"`
}

// IPFilterConfig holds the allow/deny lists consulted by the IP middleware.
type IPFilterConfig struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// Config is the top-level edge configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Upstream    UpstreamConfig    `yaml:"upstream"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Delta       DeltaConfig       `yaml:"delta"`
	IPFilter    IPFilterConfig    `yaml:"ip_filter"`
	Mode        Mode              `yaml:"mode" env:"EDGE_MODE"`
	TrustedTokens []string        `yaml:"trusted_tokens"`
}

// Default returns a configuration populated with the system's defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Upstream: UpstreamConfig{
			PollInterval:      10 * time.Second,
			ConnectTimeout:    5 * time.Second,
			RequestTimeout:    30 * time.Second,
			MaxBackoff:        60 * time.Second,
			AppName:           "unleash-edge",
			HeartbeatInterval: 90 * time.Second,
		},
		Logging:     LoggingConfig{Level: "info", Format: "json"},
		Metrics:     MetricsConfig{FlushInterval: 10 * time.Second},
		Persistence: PersistenceConfig{Backend: "memory", SnapshotPeriod: 60 * time.Second},
		Delta:       DeltaConfig{MaxLogSize: 1000},
		Mode:        ModePlain,
	}
}

// Load builds a Config starting from defaults, optionally merging a YAML
// file, then applying environment variable overrides (including any .env
// file found in the working directory).
func Load(yamlPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
	}

	_ = godotenv.Load() // optional .env; absence is not an error

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode errors when none of the tagged fields are present in the
		// environment; treat that as "no overrides" so local runs work without
		// exporting every variable.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode environment: %w", err)
		}
	}

	cfg.Server.BasePath = normalizeBasePath(cfg.Server.BasePath)
	return cfg, nil
}

func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.Trim(p, "/")
	if p == "" {
		return ""
	}
	return "/" + p
}

// Addr returns the host:port pair the HTTP server should bind.
func (c *Config) Addr() string {
	host := c.Server.Host
	if host == "" {
		host = "0.0.0.0"
	}
	return fmt.Sprintf("%s:%d", host, c.Server.Port)
}

// StreamingMode reports whether the refresher must reject multi-token
// environments at startup.
func (c *Config) StreamingMode() bool {
	return c.Mode == ModeStreaming
}
