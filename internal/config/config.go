// Package config loads and validates the process configuration from a YAML
// file and GROUPWATCH_* environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"go-groupwatch/internal/action"
	"go-groupwatch/internal/browser"
	"go-groupwatch/internal/coordinator"
	"go-groupwatch/internal/discovery"
	"go-groupwatch/internal/replygen"
	"go-groupwatch/internal/runner"
	"go-groupwatch/internal/service"
	"go-groupwatch/internal/session"
	"go-groupwatch/internal/worker"
)

// Config is the root configuration shared by every command.
type Config struct {
	Server      ServerConfig       `yaml:"server"`
	Database    DatabaseConfig     `yaml:"database"`
	Redis       RedisConfig        `yaml:"redis"`
	Blob        BlobConfig         `yaml:"blob"`
	Browser     browser.RodConfig  `yaml:"browser"`
	Session     session.Config     `yaml:"session"`
	Discovery   discovery.Config   `yaml:"discovery"`
	Action      action.Config      `yaml:"action"`
	Runner      runner.Config      `yaml:"runner"`
	Worker      worker.Config      `yaml:"worker"`
	Jobs        service.Config     `yaml:"jobs"`
	ReplyGen    replygen.Config    `yaml:"replygen"`
	Coordinator coordinator.Config `yaml:"coordinator"`
	Logging     LoggingConfig      `yaml:"logging"`
}

// ServerConfig describes the callback and trigger API.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	APIKey          string        `yaml:"api_key"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	PoolSize int    `yaml:"pool_size"`
	// QueuePrefix namespaces the queue keys so deployments can share Redis.
	QueuePrefix string        `yaml:"queue_prefix"`
	PopTimeout  time.Duration `yaml:"pop_timeout"`
}

// BlobConfig holds gocloud bucket URLs, e.g. file:///var/lib/groupwatch.
type BlobConfig struct {
	SessionsURL  string `yaml:"sessions_url"`
	ArtifactsURL string `yaml:"artifacts_url"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults returns a Config that works against local Postgres and Redis.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			DSN:          "host=localhost user=postgres password=postgres dbname=groupwatch port=5432 sslmode=disable",
			MaxOpenConns: 20,
		},
		Redis: RedisConfig{
			Addr:        "localhost:6379",
			PoolSize:    50,
			QueuePrefix: "groupwatch",
			PopTimeout:  5 * time.Second,
		},
		Blob: BlobConfig{
			SessionsURL:  "file:///var/lib/groupwatch/sessions",
			ArtifactsURL: "file:///var/lib/groupwatch/artifacts",
		},
		Browser: browser.RodConfig{
			NavigationTimeout: 30 * time.Second,
			WaitTimeout:       10 * time.Second,
			ViewportWidth:     1280,
			ViewportHeight:    900,
		},
		Session:   session.DefaultConfig(),
		Discovery: discovery.DefaultConfig(),
		Action:    action.DefaultConfig(),
		Runner:    runner.DefaultConfig(),
		Worker:    worker.DefaultConfig(),
		Jobs:      service.DefaultConfig(),
		ReplyGen:  replygen.DefaultConfig(),
		Coordinator: coordinator.Config{
			PublicURL: "http://localhost:8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate checks the fields every command needs.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required")
	}
	if c.Redis.Addr == "" {
		errs = append(errs, "redis.addr is required")
	}
	if c.Blob.SessionsURL == "" {
		errs = append(errs, "blob.sessions_url is required")
	}
	if c.Blob.ArtifactsURL == "" {
		errs = append(errs, "blob.artifacts_url is required")
	}
	if c.Discovery.Selectors.Post == "" || c.Discovery.Selectors.Permalink == "" {
		errs = append(errs, "discovery.selectors.post and discovery.selectors.permalink are required")
	}
	if c.Discovery.BucketCapacity < 1 || c.Discovery.RefillPerSecond <= 0 {
		errs = append(errs, "discovery.bucket_capacity must be >= 1 and discovery.refill_per_second > 0")
	}
	if len(c.Action.EditorSelectors) == 0 {
		errs = append(errs, "action.editor_selectors must not be empty")
	}
	if c.Runner.Concurrency < 1 {
		errs = append(errs, "runner.concurrency must be >= 1")
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, "worker.concurrency must be >= 1")
	}
	if c.Worker.RetryBase <= 0 || c.Worker.RetryMax < c.Worker.RetryBase {
		errs = append(errs, "worker.retry_base must be > 0 and <= worker.retry_max")
	}
	if c.Worker.HeartbeatInterval > 0 && c.Worker.HeartbeatInterval >= c.Worker.LeaseDuration {
		errs = append(errs, "worker.heartbeat_interval must be shorter than worker.lease_duration")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// ValidateServer checks what the HTTP API needs on top of Validate.
func (c *Config) ValidateServer() error {
	var errs []string
	if c.Server.Addr == "" {
		errs = append(errs, "server.addr is required")
	}
	if c.Server.APIKey == "" {
		errs = append(errs, "server.api_key is required")
	}
	if c.Coordinator.PublicURL == "" {
		errs = append(errs, "coordinator.public_url is required")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// applyEnvOverrides reads GROUPWATCH_* variables. Only deployment-specific
// fields are covered.
func applyEnvOverrides(cfg *Config) {
	str := map[string]*string{
		"GROUPWATCH_SERVER_ADDR":        &cfg.Server.Addr,
		"GROUPWATCH_API_KEY":            &cfg.Server.APIKey,
		"GROUPWATCH_PUBLIC_URL":         &cfg.Coordinator.PublicURL,
		"GROUPWATCH_DEFAULT_WEBHOOK":    &cfg.Coordinator.DefaultWebhookURL,
		"GROUPWATCH_REPLYGEN_API_KEY":   &cfg.ReplyGen.APIKey,
		"GROUPWATCH_DATABASE_DSN":       &cfg.Database.DSN,
		"GROUPWATCH_REDIS_ADDR":         &cfg.Redis.Addr,
		"GROUPWATCH_REDIS_PASSWORD":     &cfg.Redis.Password,
		"GROUPWATCH_BLOB_SESSIONS_URL":  &cfg.Blob.SessionsURL,
		"GROUPWATCH_BLOB_ARTIFACTS_URL": &cfg.Blob.ArtifactsURL,
		"GROUPWATCH_CHROME_BIN":         &cfg.Browser.Bin,
		"GROUPWATCH_CHROME_URL":         &cfg.Browser.ControlURL,
		"GROUPWATCH_LOG_LEVEL":          &cfg.Logging.Level,
		"GROUPWATCH_LOG_FORMAT":         &cfg.Logging.Format,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"GROUPWATCH_REDIS_DB":           &cfg.Redis.DB,
		"GROUPWATCH_RUNNER_CONCURRENCY": &cfg.Runner.Concurrency,
		"GROUPWATCH_WORKER_CONCURRENCY": &cfg.Worker.Concurrency,
	}
	for key, dst := range ints {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	if v := os.Getenv("GROUPWATCH_HEADLESS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Session.Headless = b
		}
	}
}
