// Package config loads research.yaml with viper, applies environment
// overrides and hot-reloads the file when it changes.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/research-orchestrator/internal/browser"
	"github.com/Kocoro-lab/research-orchestrator/internal/llm"
	"github.com/Kocoro-lab/research-orchestrator/internal/pipeline"
	"github.com/Kocoro-lab/research-orchestrator/internal/policy"
	"github.com/Kocoro-lab/research-orchestrator/internal/tracing"
)

// DefaultPath is read when CONFIG_PATH is unset.
const DefaultPath = "/app/config/research.yaml"

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WorkflowConfig struct {
	TaskDelay          time.Duration `mapstructure:"task_delay"`
	ValidationDelay    time.Duration `mapstructure:"validation_delay"`
	GenerationTimeout  time.Duration `mapstructure:"generation_timeout"`
	MaxSourcesPerTask  int           `mapstructure:"max_sources_per_task"`
	ValidationCriteria []string      `mapstructure:"validation_criteria"`
	AssemblyRewrite    bool          `mapstructure:"assembly_rewrite"`
}

type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type DatabaseConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Driver   string `mapstructure:"driver"`
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DataSource returns the explicit DSN or one built for the driver.
func (d DatabaseConfig) DataSource() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Driver == "sqlite3" {
		if d.Name == "" {
			return "research.db"
		}
		return d.Name
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type AuthConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

type ObservabilityConfig struct {
	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
		Port    int  `mapstructure:"port"`
	} `mapstructure:"metrics"`
	Logging struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"logging"`
}

type APIRateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type StreamingConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// Config is the whole of research.yaml.
type Config struct {
	Environment    string              `mapstructure:"environment"`
	Server         ServerConfig        `mapstructure:"server"`
	Workflow       WorkflowConfig      `mapstructure:"workflow"`
	Browser        browser.Config      `mapstructure:"browser"`
	LLM            llm.Config          `mapstructure:"llm"`
	RateLimitsPath string              `mapstructure:"rate_limits_path"`
	Pipeline       pipeline.Config     `mapstructure:"pipeline"`
	Redis          RedisConfig         `mapstructure:"redis"`
	Database       DatabaseConfig      `mapstructure:"database"`
	Policy         policy.Config       `mapstructure:"policy"`
	Auth           AuthConfig          `mapstructure:"auth"`
	Tracing        tracing.Config      `mapstructure:"tracing"`
	Observability  ObservabilityConfig `mapstructure:"observability"`
	APIRateLimit   APIRateLimitConfig  `mapstructure:"api_rate_limit"`
	Streaming      StreamingConfig     `mapstructure:"streaming"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	c := &Config{
		Environment: "dev",
		Server:      ServerConfig{Port: 8081, ShutdownTimeout: 15 * time.Second},
		Workflow: WorkflowConfig{
			TaskDelay:         5 * time.Second,
			ValidationDelay:   5 * time.Second,
			GenerationTimeout: 120 * time.Second,
			MaxSourcesPerTask: 5,
		},
		Browser: browser.Config{
			NavigationTimeout: 30 * time.Second,
			UserAgent:         "research-orchestrator/1.0",
			MaxBodyBytes:      5 << 20,
		},
		LLM: llm.Config{
			BaseURL: "http://localhost:11434",
			Model:   "llama3",
			Timeout: 120 * time.Second,
		},
		RateLimitsPath: "/app/config/rate_limits.yaml",
		Pipeline:       pipeline.DefaultConfig(),
		Redis:          RedisConfig{Addr: "localhost:6379", TTL: 24 * time.Hour},
		Database: DatabaseConfig{
			Driver:  "postgres",
			Host:    "localhost",
			Port:    5432,
			User:    "research",
			Name:    "research",
			SSLMode: "disable",
		},
		Policy:       policy.DefaultConfig(),
		Tracing:      tracing.Config{ServiceName: "research-orchestrator", OTLPEndpoint: "localhost:4317"},
		APIRateLimit: APIRateLimitConfig{RequestsPerMinute: 60},
		Streaming:    StreamingConfig{Capacity: 256},
	}
	c.Observability.Metrics.Enabled = true
	c.Observability.Metrics.Port = 2112
	c.Observability.Logging.Level = "info"
	c.Observability.Logging.Format = "json"
	return c
}

// Load reads CONFIG_PATH or DefaultPath.
func Load() (*Config, error) {
	return LoadFile(Path())
}

// Path returns the configured file location.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return DefaultPath
}

// LoadFile reads path over the defaults and then applies environment
// overrides. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if _, err := os.Stat(path); err == nil {
		v := viper.New()
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	applyEnv(cfg)
	cfg.Policy.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the service cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Workflow.TaskDelay < 0 || c.Workflow.ValidationDelay < 0 {
		return errors.New("workflow delays must not be negative")
	}
	if c.Database.Enabled && c.Database.Driver != "postgres" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return errors.New("auth enabled without jwt_secret")
	}
	switch strings.ToLower(c.Observability.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Observability.Logging.Level)
	}
	return nil
}

func applyEnv(c *Config) {
	c.Environment = envString("ENVIRONMENT", c.Environment)
	c.Observability.Logging.Level = envString("LOG_LEVEL", c.Observability.Logging.Level)
	c.Observability.Metrics.Port = envInt("METRICS_PORT", c.Observability.Metrics.Port)
	c.Server.Port = envInt("SERVER_PORT", c.Server.Port)

	c.Workflow.TaskDelay = envDuration("TASK_DELAY", c.Workflow.TaskDelay)
	c.Workflow.ValidationDelay = envDuration("VALIDATION_DELAY", c.Workflow.ValidationDelay)

	c.LLM.BaseURL = envString("LLM_SERVICE_URL", c.LLM.BaseURL)
	c.LLM.Model = envString("LLM_MODEL", c.LLM.Model)

	c.Redis.Enabled = envBool("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Addr = envString("REDIS_ADDR", c.Redis.Addr)
	c.Redis.Password = envString("REDIS_PASSWORD", c.Redis.Password)

	c.Database.Enabled = envBool("DATABASE_ENABLED", c.Database.Enabled)
	c.Database.Driver = envString("DATABASE_DRIVER", c.Database.Driver)
	c.Database.DSN = envString("DATABASE_DSN", c.Database.DSN)
	c.Database.Host = envString("POSTGRES_HOST", c.Database.Host)
	c.Database.Port = envInt("POSTGRES_PORT", c.Database.Port)
	c.Database.User = envString("POSTGRES_USER", c.Database.User)
	c.Database.Password = envString("POSTGRES_PASSWORD", c.Database.Password)
	c.Database.Name = envString("POSTGRES_DB", c.Database.Name)

	c.Auth.Enabled = envBool("AUTH_ENABLED", c.Auth.Enabled)
	c.Auth.JWTSecret = envString("JWT_SECRET", c.Auth.JWTSecret)

	c.Tracing.Enabled = envBool("ENABLE_TRACING", c.Tracing.Enabled)
	c.Tracing.OTLPEndpoint = envString("OTEL_EXPORTER_OTLP_ENDPOINT", c.Tracing.OTLPEndpoint)

	c.APIRateLimit.Enabled = envBool("API_RATE_LIMIT_ENABLED", c.APIRateLimit.Enabled)
	c.APIRateLimit.RequestsPerMinute = envInt("API_RATE_LIMIT_RPM", c.APIRateLimit.RequestsPerMinute)
	c.RateLimitsPath = envString("RATE_LIMITS_PATH", c.RateLimitsPath)

	c.Policy.ApplyEnv()
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
